package metadata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackup(t *testing.T) *BackupMetadata {
	b := NewBackupMetadata("20240101T120000", "ch_backup/20240101T120000", "1.0.0", "24.3.1", "clickhouse01", map[string]string{"env": "test"}, Everything(), false)
	require.NoError(t, b.AddDatabase(DatabaseMetadata{Name: "db1", Engine: "Atomic"}))
	require.NoError(t, b.AddTable(TableMetadata{Database: "db1", Name: "t1", Engine: "MergeTree", CreateStatement: "CREATE TABLE db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n"}))
	return b
}

func TestBackupMetadataRoundTrip(t *testing.T) {
	b := newTestBackup(t)
	require.NoError(t, b.AddPart(PartMetadata{
		Database: "db1", Table: "t1", Name: "0_1_1_0",
		Checksum: "deadbeef", Bytes: 100, Tarball: true, DiskName: "default",
		Files: []FileInfo{{Name: "checksums.txt", Size: 12}},
	}))
	require.NoError(t, b.AddPart(PartMetadata{
		Database: "db1", Table: "t1", Name: "1_2_2_0",
		Checksum: "cafebabe", Bytes: 50, Tarball: true, DiskName: "default",
		Link: &PartLink{BackupName: "20231231T120000", Database: "db1", Table: "t1"},
	}))
	b.State = BackupStateCreated
	b.SetEndTime()

	body, err := json.Marshal(b)
	require.NoError(t, err)

	loaded := &BackupMetadata{}
	require.NoError(t, json.Unmarshal(body, loaded))

	assert.Equal(t, b.Name, loaded.Name)
	assert.Equal(t, BackupStateCreated, loaded.State)
	assert.Equal(t, uint64(150), loaded.Bytes)
	assert.Equal(t, uint64(100), loaded.RealBytes)
	assert.Equal(t, 1, loaded.DataCount())
	assert.Equal(t, 1, loaded.LinkCount())

	part := loaded.FindPart("db1", "t1", "1_2_2_0")
	require.NotNil(t, part)
	require.NotNil(t, part.Link)
	assert.Equal(t, "20231231T120000", part.Link.BackupName)
	assert.Equal(t, "db1", part.Database)
	assert.Equal(t, "t1", part.Table)
	assert.Equal(t, "1_2_2_0", part.Name)
}

func TestBackupMetadataUnknownStateCollapsesToFailed(t *testing.T) {
	b := newTestBackup(t)
	body, err := json.Marshal(b)
	require.NoError(t, err)
	patched := []byte(string(body))
	patched = []byte(replaceOnce(string(patched), `"state":"creating"`, `"state":"exploded"`))

	loaded := &BackupMetadata{}
	require.NoError(t, json.Unmarshal(patched, loaded))
	assert.Equal(t, BackupStateFailed, loaded.State)
}

func replaceOnce(s, old, new string) string {
	i := 0
	for ; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}

func TestBackupMetadataLightDump(t *testing.T) {
	b := newTestBackup(t)
	require.NoError(t, b.AddPart(PartMetadata{Database: "db1", Table: "t1", Name: "0_1_1_0", Checksum: "x", Bytes: 1, Tarball: true}))
	b.UDFs = []string{"my_func"}

	light, err := b.DumpLight()
	require.NoError(t, err)
	loaded := &BackupMetadata{}
	require.NoError(t, json.Unmarshal(light, loaded))

	assert.Empty(t, loaded.Databases)
	assert.Empty(t, loaded.UDFs)
	assert.Equal(t, b.Name, loaded.Name)
	assert.Equal(t, uint64(1), loaded.Bytes)
}

func TestBackupMetadataDuplicatePartRejected(t *testing.T) {
	b := newTestBackup(t)
	part := PartMetadata{Database: "db1", Table: "t1", Name: "0_1_1_0", Checksum: "x", Bytes: 1}
	require.NoError(t, b.AddPart(part))
	assert.Error(t, b.AddPart(part))
}

func TestBackupMetadataTimeFormat(t *testing.T) {
	b := newTestBackup(t)
	b.StartTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	body, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"start_time":"2024-01-01 12:00:00 +0000"`)
}

func TestSortPartsByMinBlock(t *testing.T) {
	parts := []*PartMetadata{
		{Name: "2_10_10_0"},
		{Name: "1_5_5_0"},
		{Name: "1_2_2_0"},
		{Name: "2_9_9_0"},
	}
	SortPartsByMinBlock(parts)
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"1_2_2_0", "1_5_5_0", "2_9_9_0", "2_10_10_0"}, names)
}

func TestEngineFromCreateStatement(t *testing.T) {
	testCases := []struct {
		sql    string
		engine string
	}{
		{"CREATE TABLE db.t (n Int32) ENGINE = MergeTree ORDER BY n", "MergeTree"},
		{"CREATE TABLE db.t (n Int32) ENGINE=ReplicatedMergeTree('/p', '{replica}') ORDER BY n", "ReplicatedMergeTree"},
		{"CREATE MATERIALIZED VIEW db.mv TO db.t AS SELECT 1", "MaterializedView"},
		{"CREATE DATABASE db ENGINE = Replicated('/zk/db', '{shard}', '{replica}')", "Replicated"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.engine, EngineFromCreateStatement(tc.sql), tc.sql)
	}
}

func TestEngineClassification(t *testing.T) {
	assert.True(t, IsMergeTreeEngine("MergeTree"))
	assert.True(t, IsMergeTreeEngine("ReplicatedReplacingMergeTree"))
	assert.False(t, IsMergeTreeEngine("Log"))
	assert.True(t, IsReplicatedEngine("ReplicatedMergeTree"))
	assert.False(t, IsReplicatedEngine("MergeTree"))
	assert.True(t, IsExternalEngine("Kafka"))
	assert.True(t, IsViewEngine("MaterializedView"))
}
