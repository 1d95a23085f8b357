package backup

import (
	"context"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/pkg/errors"

	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/config"
	"github.com/yandex/ch-backup/pkg/storage"
)

// Sentinel errors mapped to CLI exit codes.
var (
	// ErrBackupNotFound - requested backup is absent in remote storage
	ErrBackupNotFound = errors.New("backup not found")
	// ErrNothingToBackup - min_interval suppressed the command
	ErrNothingToBackup = errors.New("backup is skipped per backup.min_interval config option")
)

// ClickHouseClient - the subset of the clickhouse client consumed by the
// engine, extracted for tests
type ClickHouseClient interface {
	Connect(ctx context.Context) error
	Close()
	GetVersion(ctx context.Context) (int, error)
	GetVersionDescribe(ctx context.Context) string
	GetDatabases(ctx context.Context) ([]clickhouse.Database, error)
	GetTables(ctx context.Context, database string) ([]clickhouse.Table, error)
	GetDisks(ctx context.Context) ([]clickhouse.Disk, error)
	GetMacros(ctx context.Context) (map[string]string, error)
	GetUserDefinedFunctions(ctx context.Context) ([]clickhouse.Function, error)
	GetNamedCollections(ctx context.Context) ([]string, error)
	GetReplicatedUserDirectories(ctx context.Context) ([]string, error)
	FreezeTable(ctx context.Context, table *clickhouse.Table, name string) error
	SystemUnfreeze(ctx context.Context, name string) error
	AttachPart(ctx context.Context, database, table, partName string) error
	CreateDatabase(ctx context.Context, createStatement string) error
	CreateTable(ctx context.Context, createStatement string) error
	DropTable(ctx context.Context, database, table string) error
	DropDatabase(ctx context.Context, database string) error
	TableExists(ctx context.Context, database, table string) (*clickhouse.Table, error)
	GetObjectDiskRevision(ctx context.Context, disk clickhouse.Disk) (uint64, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) error
	ParseXML(configFile string) (*xmlquery.Node, error)
}

// Backuper - composes the engine components over one config
type Backuper struct {
	cfg     *config.Config
	ch      ClickHouseClient
	dst     *storage.BackupDestination
	version string
}

// NewBackuper - build engine facade
func NewBackuper(cfg *config.Config, ch ClickHouseClient, dst *storage.BackupDestination, version string) *Backuper {
	return &Backuper{cfg: cfg, ch: ch, dst: dst, version: version}
}

// utcNow - single place producing document timestamps
func utcNow() time.Time {
	return time.Now().UTC()
}
