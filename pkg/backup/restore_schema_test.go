package backup

import (
	"context"
	"fmt"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/ch-backup/pkg/clickhouse"
)

func (f *fakeClickHouse) addReplicatedTable(database, name, zkPath, replica string) {
	dataPath := path.Join(f.root, "data", database, name)
	f.tables[database] = append(f.tables[database], clickhouse.Table{
		Database:  database,
		Name:      name,
		Engine:    "ReplicatedMergeTree",
		DataPaths: []string{dataPath},
		CreateTableQuery: fmt.Sprintf(
			"CREATE TABLE %s.%s (n Int32) ENGINE = ReplicatedMergeTree('%s', '%s') ORDER BY n",
			database, name, zkPath, replica),
	})
}

func TestRestoreSchemaRewritesStaticReplica(t *testing.T) {
	source := newFakeClickHouse(t)
	source.addDatabase("db1")
	source.addReplicatedTable("db1", "rt", "/clickhouse/tables/shard1/rt", "clickhouse01")

	dest := newFakeClickHouse(t)
	b, _, _ := testBackuper(t, dest)
	ctx := context.Background()

	require.NoError(t, b.RestoreSchema(ctx, source, RestoreOptions{}))

	created, err := dest.TableExists(ctx, "db1", "rt")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Contains(t, created.CreateTableQuery, "'{replica}'",
		"static replica token must be replaced with the macro")
	assert.NotContains(t, created.CreateTableQuery, "clickhouse01")
	assert.True(t, strings.HasPrefix(created.CreateTableQuery, "ATTACH "),
		"merge tree schemas are restored via ATTACH")
}

func TestRestoreSchemaForceNonReplicated(t *testing.T) {
	source := newFakeClickHouse(t)
	source.addDatabase("db1")
	source.addReplicatedTable("db1", "rt", "/clickhouse/tables/shard1/rt", "{replica}")

	dest := newFakeClickHouse(t)
	b, _, _ := testBackuper(t, dest)
	ctx := context.Background()

	require.NoError(t, b.RestoreSchema(ctx, source, RestoreOptions{ForceNonReplicated: true}))

	created, err := dest.TableExists(ctx, "db1", "rt")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.NotContains(t, created.CreateTableQuery, "Replicated")
	assert.Contains(t, created.CreateTableQuery, "MergeTree")
}

func TestRestoreSchemaMacroReplicaUntouched(t *testing.T) {
	source := newFakeClickHouse(t)
	source.addDatabase("db1")
	source.addReplicatedTable("db1", "rt", "/clickhouse/tables/{shard}/rt", "{replica}")

	dest := newFakeClickHouse(t)
	b, _, _ := testBackuper(t, dest)
	ctx := context.Background()

	require.NoError(t, b.RestoreSchema(ctx, source, RestoreOptions{}))
	created, err := dest.TableExists(ctx, "db1", "rt")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Contains(t, created.CreateTableQuery, "'{replica}'")
}
