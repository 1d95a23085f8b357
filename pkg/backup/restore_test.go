package backup

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/ch-backup/pkg/metadata"
)

func restoreEverything() RestoreOptions {
	return RestoreOptions{
		Sources:                           metadata.Everything(),
		RestoreTablesInReplicatedDatabase: true,
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "roundtrip", Sources: metadata.Everything()})
	require.NoError(t, err)

	require.NoError(t, b.RestoreBackup(ctx, name, restoreEverything()))

	// both parts are attached in deterministic part order
	assert.Equal(t, []string{"202401_1_1_0", "202402_2_2_0"}, ch.attached["db1.t1"])

	// artifacts are unpacked into detached/ with original contents
	destTable, err := ch.TableExists(ctx, "db1", "t1")
	require.NoError(t, err)
	require.NotNil(t, destTable)
	content, err := os.ReadFile(path.Join(destTable.DataPaths[0], "detached", "202401_1_1_0", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "january rows", string(content))
}

func TestRestoreDeduplicatedBackup(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	_, err := b.CreateBackup(ctx, CreateOptions{Name: "base", Sources: metadata.Everything()})
	require.NoError(t, err)
	second, err := b.CreateBackup(ctx, CreateOptions{Name: "incr", Sources: metadata.Everything()})
	require.NoError(t, err)
	secondMeta, err := b.GetBackup(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 2, secondMeta.LinkCount())

	// restoring the incremental backup follows links into the base backup
	require.NoError(t, b.RestoreBackup(ctx, second, restoreEverything()))
	assert.Equal(t, []string{"202401_1_1_0", "202402_2_2_0"}, ch.attached["db1.t1"])
}

func TestRestoreSchemaOnly(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "full", Sources: metadata.Everything()})
	require.NoError(t, err)

	opts := restoreEverything()
	opts.SchemaOnly = true
	require.NoError(t, b.RestoreBackup(ctx, name, opts))

	assert.Empty(t, ch.attached["db1.t1"], "schema-only restore must not attach parts")
	destTable, err := ch.TableExists(ctx, "db1", "t1")
	require.NoError(t, err)
	assert.NotNil(t, destTable)
}

func TestRestoreIdempotent(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "idem", Sources: metadata.Everything()})
	require.NoError(t, err)

	require.NoError(t, b.RestoreBackup(ctx, name, restoreEverything()))
	attachedOnce := append([]string(nil), ch.attached["db1.t1"]...)

	// second run consumes the restore context and changes nothing
	require.NoError(t, b.RestoreBackup(ctx, name, restoreEverything()))
	assert.Equal(t, attachedOnce, ch.attached["db1.t1"])
}

func TestRestoreOnlyCreatedBackups(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "broken", Sources: metadata.Everything()})
	require.NoError(t, err)
	backupMeta, err := b.GetBackup(ctx, name)
	require.NoError(t, err)
	backupMeta.State = metadata.BackupStateFailed
	require.NoError(t, b.uploadBackupMetadata(ctx, backupMeta))

	err = b.RestoreBackup(ctx, name, restoreEverything())
	assert.ErrorIs(t, err, ErrNotCreated)
}

func TestRestoreNotFound(t *testing.T) {
	ch := newFakeClickHouse(t)
	b, _, _ := testBackuper(t, ch)
	err := b.RestoreBackup(context.Background(), "missing", restoreEverything())
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRestoreDatabaseFilter(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addDatabase("db2")
	ch.addTable("db1", "t1", twoPartTable())
	ch.addTable("db2", "t2", threePartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "multi", Sources: metadata.Everything()})
	require.NoError(t, err)

	opts := restoreEverything()
	opts.Databases = []string{"db2"}
	require.NoError(t, b.RestoreBackup(ctx, name, opts))

	assert.Empty(t, ch.attached["db1.t1"])
	assert.Len(t, ch.attached["db2.t2"], 3)
}

func TestRestoreMissingDatabase(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "one-db", Sources: metadata.Everything()})
	require.NoError(t, err)

	opts := restoreEverything()
	opts.Databases = []string{"absent"}
	err = b.RestoreBackup(ctx, name, opts)
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRestoreNonAsciiNames(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("база")
	ch.addTable("база", "таблица", []fakePart{
		{name: "all_1_1_0", files: map[string]string{"data.bin": "строки 🚀"}},
	})
	b, memory, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "unicode", Sources: metadata.Everything()})
	require.NoError(t, err)

	// artifact keys are percent-encoded, catalog names are preserved exactly
	backupMeta, err := b.GetBackup(ctx, name)
	require.NoError(t, err)
	require.Contains(t, backupMeta.Databases, "база")
	require.Contains(t, backupMeta.Databases["база"].Tables, "таблица")
	found := false
	for _, key := range memory.Keys() {
		if key == name+"/data/%D0%B1%D0%B0%D0%B7%D0%B0/%D1%82%D0%B0%D0%B1%D0%BB%D0%B8%D1%86%D0%B0/all_1_1_0.tar" {
			found = true
		}
	}
	assert.True(t, found, "part artifact key must be percent-encoded")

	require.NoError(t, b.RestoreBackup(ctx, name, restoreEverything()))
	assert.Equal(t, []string{"all_1_1_0"}, ch.attached["база.таблица"])
}
