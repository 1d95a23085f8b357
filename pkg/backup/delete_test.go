package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/ch-backup/pkg/metadata"
)

func TestDeleteUnreferencedBackup(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, memory, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "lonely", Sources: metadata.Everything()})
	require.NoError(t, err)

	msg, err := b.DeleteBackup(ctx, name)
	require.NoError(t, err)
	assert.Empty(t, msg)

	for _, key := range memory.Keys() {
		assert.NotContains(t, key, name+"/", "all keys of the backup must be removed")
	}
	_, err = b.GetBackup(ctx, name)
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestDeleteSharedBackupBecomesPartiallyDeleted(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, memory, _ := testBackuper(t, ch)
	ctx := context.Background()

	first, err := b.CreateBackup(ctx, CreateOptions{Name: "base", Sources: metadata.Everything()})
	require.NoError(t, err)
	second, err := b.CreateBackup(ctx, CreateOptions{Name: "incremental", Sources: metadata.Everything()})
	require.NoError(t, err)
	secondMeta, err := b.GetBackup(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 2, secondMeta.LinkCount(), "second backup must link into the first")

	msg, err := b.DeleteBackup(ctx, first)
	require.NoError(t, err)
	assert.Contains(t, msg, "partially deleted")

	firstMeta, err := b.GetBackup(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, metadata.BackupStatePartiallyDeleted, firstMeta.State)

	// shared artifacts survive so the link closure of the second backup holds
	assert.Contains(t, memory.Keys(), first+"/data/db1/t1/202401_1_1_0.tar")
	assert.Contains(t, memory.Keys(), first+"/data/db1/t1/202402_2_2_0.tar")

	// purge monotonicity: every link of the created backup still resolves
	for _, part := range secondMeta.GetParts() {
		if part.Link != nil {
			exists, err := b.dst.ExistsNonEmpty(ctx, PartDataKey(part.Link.BackupName, part.Link.Database, part.Link.Table, part.Name))
			require.NoError(t, err)
			assert.True(t, exists)
		}
	}
}

func TestDeleteNotFound(t *testing.T) {
	ch := newFakeClickHouse(t)
	b, _, _ := testBackuper(t, ch)
	_, err := b.DeleteBackup(context.Background(), "no-such-backup")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func backdateBackup(t *testing.T, b *Backuper, name string, age time.Duration) {
	ctx := context.Background()
	full, err := b.loadBackupMetadata(ctx, name, false)
	require.NoError(t, err)
	full.StartTime = time.Now().UTC().Add(-age)
	require.NoError(t, b.uploadBackupMetadata(ctx, full))
}

func TestPurgeRespectsBothPolicies(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.RetainTime = 24 * time.Hour
	cfg.Backup.RetainCount = 2
	ctx := context.Background()

	// distinct part contents per backup so no links tie the backups together
	for i, name := range []string{"b-oldest", "b-middle", "b-fresh"} {
		ch.setParts("db1", "t1", []fakePart{
			{name: "202401_1_1_0", files: map[string]string{"data.bin": name, "n.txt": string(rune('a' + i))}},
		})
		_, err := b.CreateBackup(ctx, CreateOptions{Name: name, Sources: metadata.Everything()})
		require.NoError(t, err)
	}
	backdateBackup(t, b, "b-oldest", 50*time.Hour)
	backdateBackup(t, b, "b-middle", 25*time.Hour)

	deleted, err := b.PurgeBackups(ctx)
	require.NoError(t, err)

	// b-fresh and b-middle are protected by retain_count; b-oldest fails
	// both policies and goes away
	assert.Equal(t, []string{"b-oldest"}, deleted)

	remaining, err := b.ListBackups(ctx, true)
	require.NoError(t, err)
	names := make([]string, len(remaining))
	for i, backupMeta := range remaining {
		names[i] = backupMeta.Name
	}
	assert.ElementsMatch(t, []string{"b-fresh", "b-middle"}, names)
}

func TestPurgeCountAloneDoesNotDelete(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.RetainTime = 24 * time.Hour
	cfg.Backup.RetainCount = 1
	ctx := context.Background()

	for _, name := range []string{"p1", "p2"} {
		_, err := b.CreateBackup(ctx, CreateOptions{Name: name, Sources: metadata.Everything()})
		require.NoError(t, err)
	}
	// both are fresh: p2 beyond retain_count but younger than retain_time
	deleted, err := b.PurgeBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted, "a backup is deleted only when both policies select it")
}

func TestPurgeKeepsLinkTargetsUsable(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.RetainTime = 24 * time.Hour
	cfg.Backup.RetainCount = 1
	ctx := context.Background()

	old, err := b.CreateBackup(ctx, CreateOptions{Name: "ancient", Sources: metadata.Everything()})
	require.NoError(t, err)
	fresh, err := b.CreateBackup(ctx, CreateOptions{Name: "fresh", Sources: metadata.Everything()})
	require.NoError(t, err)
	backdateBackup(t, b, old, 48*time.Hour)

	deleted, err := b.PurgeBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted, "the ancient backup is shared, it may only be partially deleted")

	oldMeta, err := b.GetBackup(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, metadata.BackupStatePartiallyDeleted, oldMeta.State)

	freshMeta, err := b.GetBackup(ctx, fresh)
	require.NoError(t, err)
	for _, part := range freshMeta.GetParts() {
		if part.Link != nil {
			exists, err := b.dst.ExistsNonEmpty(ctx, PartDataKey(part.Link.BackupName, part.Link.Database, part.Link.Table, part.Name))
			require.NoError(t, err)
			assert.True(t, exists, "purge never leaves a created backup pointing to a deleted artifact")
		}
	}
}

func TestPurgeWithoutPolicies(t *testing.T) {
	ch := newFakeClickHouse(t)
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.RetainTime = 0
	cfg.Backup.RetainCount = 0
	deleted, err := b.PurgeBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
