package clickhouse

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/antchfx/xmlquery"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/config"
)

// ClickHouse - provides queries to the local clickhouse-server
type ClickHouse struct {
	Config  *config.ClickHouseConfig
	conn    driver.Conn
	version int
}

// Connect - establish connection to ClickHouse
func (ch *ClickHouse) Connect(ctx context.Context) error {
	opt := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", ch.Config.Host, ch.Config.Port)},
		Auth: clickhouse.Auth{
			Database: "system",
			Username: ch.Config.Username,
			Password: ch.Config.Password,
		},
		DialTimeout: ch.Config.Timeout,
		ReadTimeout: ch.Config.FreezeTimeout,
	}
	conn, err := clickhouse.Open(opt)
	if err != nil {
		return errors.Wrap(err, "can't connect to clickhouse")
	}
	if err := conn.Ping(ctx); err != nil {
		return errors.Wrap(err, "can't connect to clickhouse")
	}
	ch.conn = conn
	return nil
}

// Close - close connection to ClickHouse
func (ch *ClickHouse) Close() {
	if ch.conn != nil {
		if err := ch.conn.Close(); err != nil {
			log.Warn().Msgf("can't close clickhouse connection: %v", err)
		}
	}
}

// SelectContext - run query and scan all rows into dest
func (ch *ClickHouse) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	log.Debug().Msgf("SELECT query: %s", query)
	return ch.conn.Select(ctx, dest, query, args...)
}

// QueryContext - run a statement without result
func (ch *ClickHouse) QueryContext(ctx context.Context, query string, args ...interface{}) error {
	log.Debug().Msgf("query: %s", query)
	return ch.conn.Exec(ctx, query, args...)
}

// GetVersion - clickhouse-server version as a single number, e.g. 24003001
func (ch *ClickHouse) GetVersion(ctx context.Context) (int, error) {
	if ch.version != 0 {
		return ch.version, nil
	}
	var result []struct {
		Version string `ch:"version"`
	}
	if err := ch.SelectContext(ctx, &result, "SELECT version() AS version"); err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, errors.New("can't get clickhouse version")
	}
	ch.version = parseVersion(result[0].Version)
	return ch.version, nil
}

// GetVersionDescribe - clickhouse-server version string
func (ch *ClickHouse) GetVersionDescribe(ctx context.Context) string {
	var result []struct {
		Version string `ch:"version"`
	}
	if err := ch.SelectContext(ctx, &result, "SELECT version() AS version"); err != nil || len(result) == 0 {
		return "unknown"
	}
	return result[0].Version
}

func parseVersion(version string) int {
	versionParts := strings.Split(strings.SplitN(version, "-", 2)[0], ".")
	parsed := 0
	for i := 0; i < 3; i++ {
		component := 0
		if i < len(versionParts) {
			component, _ = strconv.Atoi(versionParts[i])
		}
		parsed = parsed*1000 + component
	}
	return parsed
}

// GetDatabases - databases to back up, excluding system ones
func (ch *ClickHouse) GetDatabases(ctx context.Context) ([]Database, error) {
	var databases []Database
	query := "SELECT name, engine, engine_full, toString(uuid) AS uuid, metadata_path, create_database_query FROM system.databases"
	if err := ch.SelectContext(ctx, &databases, query); err != nil {
		return nil, err
	}
	result := make([]Database, 0, len(databases))
	for _, db := range databases {
		if ch.isExcludedDatabase(db.Name) {
			continue
		}
		result = append(result, db)
	}
	return result, nil
}

func (ch *ClickHouse) isExcludedDatabase(name string) bool {
	for _, excluded := range ch.Config.ExcludeDatabases {
		if name == excluded {
			return true
		}
	}
	return false
}

// GetTables - tables of the specified database
func (ch *ClickHouse) GetTables(ctx context.Context, database string) ([]Table, error) {
	var tables []Table
	query := "SELECT database, name, engine, toString(uuid) AS uuid, data_paths, metadata_path, create_table_query, coalesce(total_bytes, 0) AS total_bytes " +
		"FROM system.tables WHERE database = ? ORDER BY metadata_modification_time"
	if err := ch.SelectContext(ctx, &tables, query, database); err != nil {
		return nil, err
	}
	return tables, nil
}

// GetDisks - return data from system.disks table
func (ch *ClickHouse) GetDisks(ctx context.Context) ([]Disk, error) {
	var disks []Disk
	if err := ch.SelectContext(ctx, &disks, "SELECT name, path, type FROM system.disks"); err != nil {
		return nil, err
	}
	return disks, nil
}

// GetMacros - return data from system.macros
func (ch *ClickHouse) GetMacros(ctx context.Context) (map[string]string, error) {
	var macros []Macro
	if err := ch.SelectContext(ctx, &macros, "SELECT macro, substitution FROM system.macros"); err != nil {
		return nil, err
	}
	result := make(map[string]string, len(macros))
	for _, macro := range macros {
		result[macro.Macro] = macro.Substitution
	}
	return result, nil
}

// ApplyMacros - replace {macro} tokens with values from system.macros
func (ch *ClickHouse) ApplyMacros(ctx context.Context, s string) (string, error) {
	macros, err := ch.GetMacros(ctx)
	if err != nil {
		return s, err
	}
	replacements := make([]string, 0, len(macros)*2)
	for macro, substitution := range macros {
		replacements = append(replacements, "{"+macro+"}", substitution)
	}
	return strings.NewReplacer(replacements...).Replace(s), nil
}

// GetUserDefinedFunctions - SQL UDFs from system.functions
func (ch *ClickHouse) GetUserDefinedFunctions(ctx context.Context) ([]Function, error) {
	var functions []Function
	query := "SELECT name, create_query FROM system.functions WHERE create_query != ''"
	if err := ch.SelectContext(ctx, &functions, query); err != nil {
		return nil, err
	}
	return functions, nil
}

// GetNamedCollections - named collection names
func (ch *ClickHouse) GetNamedCollections(ctx context.Context) ([]string, error) {
	version, err := ch.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version < 22012000 {
		return nil, nil
	}
	var collections []NamedCollection
	if err := ch.SelectContext(ctx, &collections, "SELECT name FROM system.named_collections"); err != nil {
		return nil, err
	}
	names := make([]string, len(collections))
	for i, collection := range collections {
		names[i] = collection.Name
	}
	return names, nil
}

// GetReplicatedUserDirectories - names of user directories whose access
// entities live in keeper instead of local files
func (ch *ClickHouse) GetReplicatedUserDirectories(ctx context.Context) ([]string, error) {
	var directories []struct {
		Name string `ch:"name"`
	}
	if err := ch.SelectContext(ctx, &directories, "SELECT name FROM system.user_directories WHERE type = 'replicated'"); err != nil {
		return nil, err
	}
	names := make([]string, len(directories))
	for i, directory := range directories {
		names[i] = directory.Name
	}
	return names, nil
}

// FreezeTable - make hardlinked snapshot of table parts under shadow/<name>
func (ch *ClickHouse) FreezeTable(ctx context.Context, table *Table, name string) error {
	query := fmt.Sprintf("ALTER TABLE `%s`.`%s` FREEZE WITH NAME '%s'", table.Database, table.Name, name)
	if err := ch.QueryContext(ctx, query); err != nil {
		return errors.Wrapf(err, "can't freeze `%s`.`%s`", table.Database, table.Name)
	}
	return nil
}

// FreezeTablePartition - freeze only one partition
func (ch *ClickHouse) FreezeTablePartition(ctx context.Context, table *Table, partition, name string) error {
	query := fmt.Sprintf("ALTER TABLE `%s`.`%s` FREEZE PARTITION %s WITH NAME '%s'", table.Database, table.Name, partition, name)
	return ch.QueryContext(ctx, query)
}

// SystemUnfreeze - drop all shadow hardlinks of the freeze name, supported
// since 22.6
func (ch *ClickHouse) SystemUnfreeze(ctx context.Context, name string) error {
	version, err := ch.GetVersion(ctx)
	if err != nil {
		return err
	}
	if version < 22006000 {
		return ch.removeShadowDirs(name)
	}
	return ch.QueryContext(ctx, fmt.Sprintf("SYSTEM UNFREEZE WITH NAME '%s'", name))
}

func (ch *ClickHouse) removeShadowDirs(name string) error {
	shadowPath := path.Join(ch.Config.DataPath, "shadow", name)
	if err := os.RemoveAll(shadowPath); err != nil {
		return errors.Wrapf(err, "can't remove %s", shadowPath)
	}
	return nil
}

// AttachPart - attach a part placed into detached/
func (ch *ClickHouse) AttachPart(ctx context.Context, database, table, partName string) error {
	query := fmt.Sprintf("ALTER TABLE `%s`.`%s` ATTACH PART '%s'", database, table, partName)
	return ch.QueryContext(ctx, query)
}

// CreateDatabase - execute a normalized CREATE DATABASE statement
func (ch *ClickHouse) CreateDatabase(ctx context.Context, createStatement string) error {
	return ch.QueryContext(ctx, createStatement)
}

// CreateTable - execute a normalized CREATE statement
func (ch *ClickHouse) CreateTable(ctx context.Context, createStatement string) error {
	return ch.QueryContext(ctx, createStatement)
}

// DropTable - drop the destination table before recreating it with another
// schema. The server drop-size guard is relaxed when configured.
func (ch *ClickHouse) DropTable(ctx context.Context, database, table string) error {
	query := fmt.Sprintf("DROP TABLE IF EXISTS `%s`.`%s` SYNC", database, table)
	if ch.Config.MaxTableSizeToDrop > 0 {
		query += fmt.Sprintf(" SETTINGS max_table_size_to_drop = %d", ch.Config.MaxTableSizeToDrop)
	}
	return ch.QueryContext(ctx, query)
}

// DropDatabase - drop database shell
func (ch *ClickHouse) DropDatabase(ctx context.Context, database string) error {
	return ch.QueryContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s` SYNC", database))
}

// TableExists - check destination for a table with this name
func (ch *ClickHouse) TableExists(ctx context.Context, database, table string) (*Table, error) {
	var tables []Table
	query := "SELECT database, name, engine, toString(uuid) AS uuid, data_paths, metadata_path, create_table_query, coalesce(total_bytes, 0) AS total_bytes " +
		"FROM system.tables WHERE database = ? AND name = ?"
	if err := ch.SelectContext(ctx, &tables, query, database, table); err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, nil
	}
	return &tables[0], nil
}

// GetDetachedDir - the detached directory receiving downloaded parts
func (ch *ClickHouse) GetDetachedDir(diskPath string, db *Database, table *Table) string {
	if db.IsAtomic() && table.UUID != "" && table.UUID != "00000000-0000-0000-0000-000000000000" {
		return path.Join(diskPath, "store", table.UUID[:3], table.UUID, "detached")
	}
	return path.Join(diskPath, "data", TablePathEncode(db.Name), TablePathEncode(table.Name), "detached")
}

// GetPartitions - active partitions of the table
func (ch *ClickHouse) GetPartitions(ctx context.Context, database, table string) ([]Partition, error) {
	var partitions []Partition
	query := "SELECT partition, partition_id, name, disk_name, active FROM system.parts WHERE database = ? AND table = ? AND active"
	if err := ch.SelectContext(ctx, &partitions, query, database, table); err != nil {
		return nil, err
	}
	return partitions, nil
}

// GetObjectDiskRevision - monotonically increasing revision marker of an
// object-storage disk, used to seek the disk to a consistent snapshot
// during restore.
func (ch *ClickHouse) GetObjectDiskRevision(ctx context.Context, disk Disk) (uint64, error) {
	revisionPath := path.Join(disk.Path, "shadow_revision.txt")
	data, err := os.ReadFile(revisionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	revision, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "can't parse %s", revisionPath)
	}
	return revision, nil
}

// ParseXML - parse preprocessed server configuration file
func (ch *ClickHouse) ParseXML(configFile string) (*xmlquery.Node, error) {
	f, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Warn().Msgf("can't close %s: %v", configFile, closeErr)
		}
	}()
	return xmlquery.Parse(f)
}

// TablePathEncode - percent-encode database or table name the way
// clickhouse-server lays directories on disk
func TablePathEncode(s string) string {
	var builder strings.Builder
	for _, b := range []byte(s) {
		if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_' {
			builder.WriteByte(b)
		} else {
			builder.WriteString(fmt.Sprintf("%%%02X", b))
		}
	}
	return builder.String()
}
