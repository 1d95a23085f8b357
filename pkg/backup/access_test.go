package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex/ch-backup/pkg/metadata"
)

func TestAccessControlRoundTrip(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	b, memory, cfg := testBackuper(t, ch)
	ctx := context.Background()

	accessPath := cfg.ClickHouse.AccessControlPath
	require.NoError(t, os.MkdirAll(accessPath, 0750))
	aclID := "5f87bb1e-91f5-48c6-a2c6-4b4b95e1c45a"
	require.NoError(t, os.WriteFile(filepath.Join(accessPath, aclID+".sql"),
		[]byte("ATTACH USER operator IDENTIFIED WITH sha256_password;"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(accessPath, "users.list"),
		[]byte(aclID+"\toperator\n"), 0640))

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "with-acl", Sources: metadata.Everything()})
	require.NoError(t, err)

	backupMeta, err := b.GetBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{aclID}, backupMeta.AccessControl.IDs)
	assert.Contains(t, memory.Keys(), name+"/access_control/"+aclID+".sql")
	assert.Contains(t, memory.Keys(), name+"/access_control/users.list")

	// wipe local access storage and restore it from the backup
	require.NoError(t, os.RemoveAll(accessPath))
	require.NoError(t, b.RestoreBackup(ctx, name, restoreEverything()))

	restored, err := os.ReadFile(filepath.Join(accessPath, aclID+".sql"))
	require.NoError(t, err)
	assert.Contains(t, string(restored), "ATTACH USER operator")
}

func TestUDFBackupAndRestore(t *testing.T) {
	ch := newFakeClickHouse(t)
	ch.addDatabase("db1")
	ch.addTable("db1", "t1", twoPartTable())
	ch.functions = []string{"linear"}
	b, memory, _ := testBackuper(t, ch)
	ctx := context.Background()

	name, err := b.CreateBackup(ctx, CreateOptions{Name: "with-udf", Sources: metadata.Everything()})
	require.NoError(t, err)

	backupMeta, err := b.GetBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{"linear"}, backupMeta.UDFs)
	assert.Contains(t, memory.Keys(), name+"/user_defined_functions/linear.sql")

	require.NoError(t, b.RestoreBackup(ctx, name, restoreEverything()))
	recreated := false
	for _, query := range ch.queries {
		if query == "CREATE FUNCTION linear AS (x) -> 2 * x + 1" {
			recreated = true
		}
	}
	assert.True(t, recreated, "restore must replay the UDF create statement")
}
