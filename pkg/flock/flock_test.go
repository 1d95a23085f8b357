package flock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "ch-backup.lock")
	lock := New(lockPath)
	require.NoError(t, lock.Acquire("BACKUP"))

	content, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "BACKUP")

	lock.Release()
	// reacquire after release
	require.NoError(t, lock.Acquire("DELETE"))
	lock.Release()
}

func TestSecondHolderRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "ch-backup.lock")
	first := New(lockPath)
	require.NoError(t, first.Acquire("BACKUP"))
	defer first.Release()

	second := New(lockPath)
	err := second.Acquire("PURGE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
}
