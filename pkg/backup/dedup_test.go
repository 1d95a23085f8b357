package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/ch-backup/pkg/metadata"
)

func TestDedupAgeLimit(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.DeduplicationAgeLimit = 24 * time.Hour
	ctx := context.Background()

	old, err := b.CreateBackup(ctx, CreateOptions{Name: "too-old", Sources: metadata.Everything()})
	require.NoError(t, err)
	backdateBackup(t, b, old, 48*time.Hour)

	second, err := b.CreateBackup(ctx, CreateOptions{Name: "no-dedup", Sources: metadata.Everything()})
	require.NoError(t, err)
	secondMeta, err := b.GetBackup(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 2, secondMeta.DataCount(), "backups beyond deduplication_age_limit contribute no entries")
	assert.Equal(t, 0, secondMeta.LinkCount())
}

func TestDedupDisabled(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.DeduplicateParts = false
	ctx := context.Background()

	_, err := b.CreateBackup(ctx, CreateOptions{Name: "first", Sources: metadata.Everything()})
	require.NoError(t, err)
	second, err := b.CreateBackup(ctx, CreateOptions{Name: "second", Sources: metadata.Everything()})
	require.NoError(t, err)
	secondMeta, err := b.GetBackup(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 2, secondMeta.DataCount())
	assert.Equal(t, 0, secondMeta.LinkCount())
}

func TestDedupLinkClosure(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, _, _ := testBackuper(t, ch)
	ctx := context.Background()

	first, err := b.CreateBackup(ctx, CreateOptions{Name: "gen1", Sources: metadata.Everything()})
	require.NoError(t, err)
	_, err = b.CreateBackup(ctx, CreateOptions{Name: "gen2", Sources: metadata.Everything()})
	require.NoError(t, err)
	third, err := b.CreateBackup(ctx, CreateOptions{Name: "gen3", Sources: metadata.Everything()})
	require.NoError(t, err)

	// links never chain: gen3 points straight at gen1's artifacts
	thirdMeta, err := b.GetBackup(ctx, third)
	require.NoError(t, err)
	for _, part := range thirdMeta.GetParts() {
		require.NotNil(t, part.Link)
		assert.Equal(t, first, part.Link.BackupName)
		owner, err := b.loadBackupMetadata(ctx, part.Link.BackupName, false)
		require.NoError(t, err)
		ownerPart := owner.FindPart(part.Link.Database, part.Link.Table, part.Name)
		require.NotNil(t, ownerPart)
		assert.Nil(t, ownerPart.Link, "link must resolve to a non-link descriptor")
		assert.Equal(t, part.Checksum, ownerPart.Checksum)
	}
}

func TestDedupBatchSizeSmall(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", threePartTable())
	b, _, cfg := testBackuper(t, ch)
	cfg.Backup.DeduplicationBatchSize = 1
	ctx := context.Background()

	_, err := b.CreateBackup(ctx, CreateOptions{Name: "paged", Sources: metadata.Everything()})
	require.NoError(t, err)
	second, err := b.CreateBackup(ctx, CreateOptions{Name: "page-reader", Sources: metadata.Everything()})
	require.NoError(t, err)
	secondMeta, err := b.GetBackup(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 3, secondMeta.LinkCount(), "paging the catalog must not lose entries")
}

func TestDedupKeyedMutex(t *testing.T) {
	idx := newDedupIndex()
	unlock := idx.LockChecksum("abc")
	done := make(chan struct{})
	go func() {
		innerUnlock := idx.LockChecksum("abc")
		innerUnlock()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second holder acquired the checksum lock while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done
}
