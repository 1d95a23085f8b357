package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/antchfx/xmlquery"
	"github.com/stretchr/testify/require"

	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/config"
	"github.com/yandex/ch-backup/pkg/storage"
)

// fakePart - fixture content of one data part
type fakePart struct {
	name  string
	files map[string]string
}

// fakeClickHouse - in-memory clickhouse-server stand-in with a real
// filesystem shadow tree
type fakeClickHouse struct {
	mu        sync.Mutex
	root      string
	databases []clickhouse.Database
	tables    map[string][]clickhouse.Table
	parts     map[string][]fakePart
	created   map[string]clickhouse.Table
	attached  map[string][]string
	queries   []string
	functions []string
}

func newFakeClickHouse(t *testing.T) *fakeClickHouse {
	return &fakeClickHouse{
		root:     t.TempDir(),
		tables:   map[string][]clickhouse.Table{},
		parts:    map[string][]fakePart{},
		created:  map[string]clickhouse.Table{},
		attached: map[string][]string{},
	}
}

func tableKey(database, table string) string {
	return database + "." + table
}

func (f *fakeClickHouse) addDatabase(name string) {
	f.databases = append(f.databases, clickhouse.Database{
		Name:   name,
		Engine: "Atomic",
		Query:  fmt.Sprintf("CREATE DATABASE %s ENGINE = Atomic", name),
	})
}

func (f *fakeClickHouse) addTable(database, name string, parts []fakePart) {
	dataPath := path.Join(f.root, "data", database, name)
	f.tables[database] = append(f.tables[database], clickhouse.Table{
		Database:         database,
		Name:             name,
		Engine:           "MergeTree",
		DataPaths:        []string{dataPath},
		CreateTableQuery: fmt.Sprintf("CREATE TABLE %s.%s (n Int32) ENGINE = MergeTree ORDER BY n", database, name),
	})
	f.parts[tableKey(database, name)] = parts
}

func (f *fakeClickHouse) setParts(database, name string, parts []fakePart) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[tableKey(database, name)] = parts
}

func (f *fakeClickHouse) Connect(ctx context.Context) error { return nil }
func (f *fakeClickHouse) Close()                            {}

func (f *fakeClickHouse) GetVersion(ctx context.Context) (int, error) { return 24003001, nil }
func (f *fakeClickHouse) GetVersionDescribe(ctx context.Context) string {
	return "24.3.1.2672"
}

func (f *fakeClickHouse) GetDatabases(ctx context.Context) ([]clickhouse.Database, error) {
	return f.databases, nil
}

func (f *fakeClickHouse) GetTables(ctx context.Context, database string) ([]clickhouse.Table, error) {
	return f.tables[database], nil
}

func (f *fakeClickHouse) GetDisks(ctx context.Context) ([]clickhouse.Disk, error) {
	return []clickhouse.Disk{{Name: "default", Path: f.root + "/", Type: "local"}}, nil
}

func (f *fakeClickHouse) GetMacros(ctx context.Context) (map[string]string, error) {
	return map[string]string{"replica": "clickhouse02", "shard": "shard1"}, nil
}

func (f *fakeClickHouse) GetUserDefinedFunctions(ctx context.Context) ([]clickhouse.Function, error) {
	functions := make([]clickhouse.Function, len(f.functions))
	for i, name := range f.functions {
		functions[i] = clickhouse.Function{
			Name:        name,
			CreateQuery: fmt.Sprintf("CREATE FUNCTION %s AS (x) -> 2 * x + 1", name),
		}
	}
	return functions, nil
}

func (f *fakeClickHouse) GetNamedCollections(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeClickHouse) GetReplicatedUserDirectories(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeClickHouse) FreezeTable(ctx context.Context, table *clickhouse.Table, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, part := range f.parts[tableKey(table.Database, table.Name)] {
		shadowDir := path.Join(f.root, "shadow", name, "data", table.Database, table.Name, part.name)
		if err := os.MkdirAll(shadowDir, 0750); err != nil {
			return err
		}
		for fileName, content := range part.files {
			if err := os.WriteFile(filepath.Join(shadowDir, fileName), []byte(content), 0640); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeClickHouse) SystemUnfreeze(ctx context.Context, name string) error {
	return os.RemoveAll(path.Join(f.root, "shadow", name))
}

func (f *fakeClickHouse) AttachPart(ctx context.Context, database, table, partName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tableKey(database, table)
	f.attached[key] = append(f.attached[key], partName)
	sort.Strings(f.attached[key])
	return nil
}

func (f *fakeClickHouse) CreateDatabase(ctx context.Context, createStatement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, createStatement)
	return nil
}

func (f *fakeClickHouse) CreateTable(ctx context.Context, createStatement string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, createStatement)
	name := parseTableName(createStatement)
	if name == "" {
		return fmt.Errorf("can't parse table name from %q", createStatement)
	}
	dotIdx := strings.Index(name, ".")
	database, tableName := name[:dotIdx], name[dotIdx+1:]
	dataPath := path.Join(f.root, "dest", database, tableName)
	if err := os.MkdirAll(path.Join(dataPath, "detached"), 0750); err != nil {
		return err
	}
	f.created[name] = clickhouse.Table{
		Database:         database,
		Name:             tableName,
		Engine:           "MergeTree",
		DataPaths:        []string{dataPath},
		CreateTableQuery: createStatement,
	}
	return nil
}

func parseTableName(createStatement string) string {
	fields := strings.Fields(createStatement)
	for i := 0; i < len(fields)-1; i++ {
		if strings.EqualFold(fields[i], "TABLE") {
			name := fields[i+1]
			if strings.EqualFold(name, "IF") && i+3 < len(fields) {
				name = fields[i+3]
			}
			return strings.ReplaceAll(name, "`", "")
		}
	}
	return ""
}

func (f *fakeClickHouse) DropTable(ctx context.Context, database, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, tableKey(database, table))
	return nil
}

func (f *fakeClickHouse) DropDatabase(ctx context.Context, database string) error { return nil }

func (f *fakeClickHouse) TableExists(ctx context.Context, database, table string) (*clickhouse.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if created, exists := f.created[tableKey(database, table)]; exists {
		return &created, nil
	}
	return nil, nil
}

func (f *fakeClickHouse) GetObjectDiskRevision(ctx context.Context, disk clickhouse.Disk) (uint64, error) {
	return 0, nil
}

func (f *fakeClickHouse) QueryContext(ctx context.Context, query string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return nil
}

func (f *fakeClickHouse) ParseXML(configFile string) (*xmlquery.Node, error) {
	return nil, fmt.Errorf("no clickhouse config in tests")
}

// testBackuper wires the engine to a fake server and in-memory storage.
func testBackuper(t *testing.T, ch *fakeClickHouse) (*Backuper, *storage.Memory, *config.Config) {
	cfg := config.Default()
	cfg.ClickHouse.DataPath = ch.root
	cfg.ClickHouse.AccessControlPath = filepath.Join(ch.root, "access")
	cfg.ClickHouse.NamedCollectionsPath = filepath.Join(ch.root, "named_collections")
	cfg.Lock.FlockPath = filepath.Join(t.TempDir(), "ch-backup.lock")
	cfg.Lock.ZKFlock = false
	cfg.Backup.RestoreContextPath = filepath.Join(t.TempDir(), "restore.bolt")
	cfg.Multiprocessing.FreezeThreads = 2
	cfg.Multiprocessing.UploadThreads = 2
	cfg.Multiprocessing.DownloadThreads = 2

	dst, err := storage.NewBackupDestination(cfg)
	require.NoError(t, err)
	memory := storage.NewMemory()
	dst.RemoteStorage = memory
	return NewBackuper(cfg, ch, dst, "1.0.0-test"), memory, cfg
}

func twoPartTable() []fakePart {
	return []fakePart{
		{name: "202401_1_1_0", files: map[string]string{"checksums.txt": "sums-1", "data.bin": "january rows"}},
		{name: "202402_2_2_0", files: map[string]string{"checksums.txt": "sums-2", "data.bin": "february rows"}},
	}
}

func threePartTable() []fakePart {
	return []fakePart{
		{name: "all_1_1_0", files: map[string]string{"checksums.txt": "sums-a", "data.bin": "alpha"}},
		{name: "all_2_2_0", files: map[string]string{"checksums.txt": "sums-b", "data.bin": "beta"}},
		{name: "all_3_3_0", files: map[string]string{"checksums.txt": "sums-c", "data.bin": "gamma"}},
	}
}
