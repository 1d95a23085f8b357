package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const replicatedCreate = "CREATE TABLE db1.t1 (n Int32) ENGINE = ReplicatedMergeTree('/clickhouse/tables/shard1/t1', 'static_replica') ORDER BY n"

func TestRewriteReplicatedEngineOverrideReplica(t *testing.T) {
	rewritten := RewriteReplicatedEngine(replicatedCreate, false, "{replica}")
	assert.Equal(t,
		"CREATE TABLE db1.t1 (n Int32) ENGINE = ReplicatedMergeTree('/clickhouse/tables/shard1/t1', '{replica}') ORDER BY n",
		rewritten)
}

func TestRewriteReplicatedEngineForceNonReplicated(t *testing.T) {
	rewritten := RewriteReplicatedEngine(replicatedCreate, true, "")
	assert.Equal(t, "CREATE TABLE db1.t1 (n Int32) ENGINE = MergeTree() ORDER BY n", rewritten)
}

func TestRewriteReplicatedEngineExtraArgsPreserved(t *testing.T) {
	create := "CREATE TABLE db1.t1 (d Date, v UInt64) ENGINE = ReplicatedReplacingMergeTree('/p', '{replica}', v) ORDER BY d"
	rewritten := RewriteReplicatedEngine(create, true, "")
	assert.Equal(t, "CREATE TABLE db1.t1 (d Date, v UInt64) ENGINE = ReplacingMergeTree(v) ORDER BY d", rewritten)
}

func TestRewriteReplicatedEngineNonReplicatedUntouched(t *testing.T) {
	create := "CREATE TABLE db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n"
	assert.Equal(t, create, RewriteReplicatedEngine(create, true, "x"))
}

func TestReplicaArguments(t *testing.T) {
	zkPath, replica, ok := ReplicaArguments(replicatedCreate)
	assert.True(t, ok)
	assert.Equal(t, "/clickhouse/tables/shard1/t1", zkPath)
	assert.Equal(t, "static_replica", replica)

	_, _, ok = ReplicaArguments("CREATE TABLE db.t (n Int32) ENGINE = MergeTree ORDER BY n")
	assert.False(t, ok)
}

func TestRewriteDatabaseReplica(t *testing.T) {
	create := "CREATE DATABASE db1 ENGINE = Replicated('/clickhouse/databases/db1', '{shard}', 'old_replica')"
	rewritten := RewriteDatabaseReplica(create, "clickhouse02")
	assert.Equal(t,
		"CREATE DATABASE db1 ENGINE = Replicated('/clickhouse/databases/db1', '{shard}', 'clickhouse02')",
		rewritten)
}

func TestSetUUID(t *testing.T) {
	create := "CREATE TABLE db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n"
	withUUID := SetUUID(create, "8f712e3d-85a0-4b0e-9ccb-a28cbd8e1b01")
	assert.Equal(t, "CREATE TABLE db1.t1 UUID '8f712e3d-85a0-4b0e-9ccb-a28cbd8e1b01' (n Int32) ENGINE = MergeTree ORDER BY n", withUUID)

	// replacing an existing UUID clause
	replaced := SetUUID(withUUID, "00000000-1111-2222-3333-444444444444")
	assert.Contains(t, replaced, "UUID '00000000-1111-2222-3333-444444444444'")
	assert.NotContains(t, replaced, "8f712e3d")

	// zero uuid leaves the statement intact
	assert.Equal(t, create, SetUUID(create, "00000000-0000-0000-0000-000000000000"))
}

func TestSetUUIDQuotedNames(t *testing.T) {
	create := "CREATE TABLE `базы`.`таблица 🚀` (n Int32) ENGINE = MergeTree ORDER BY n"
	withUUID := SetUUID(create, "8f712e3d-85a0-4b0e-9ccb-a28cbd8e1b01")
	assert.Equal(t, "CREATE TABLE `базы`.`таблица 🚀` UUID '8f712e3d-85a0-4b0e-9ccb-a28cbd8e1b01' (n Int32) ENGINE = MergeTree ORDER BY n", withUUID)
}

func TestToAttachAndBack(t *testing.T) {
	create := "CREATE TABLE db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n"
	attach := ToAttachQuery(create)
	assert.Equal(t, "ATTACH TABLE db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n", attach)
	assert.Equal(t, create, ToCreateQuery(attach))
}

func TestExpandMacros(t *testing.T) {
	macros := map[string]string{"replica": "clickhouse02", "shard": "shard1"}
	assert.Equal(t, "/clickhouse/shard1/clickhouse02", ExpandMacros("/clickhouse/{shard}/{replica}", macros))
	// unknown macros stay for the server to expand
	assert.Equal(t, "{uuid}", ExpandMacros("{uuid}", macros))
}

func TestNormalizeCreateStatement(t *testing.T) {
	assert.Equal(t,
		"CREATE TABLE IF NOT EXISTS db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n",
		NormalizeCreateStatement("CREATE TABLE db1.t1 (n Int32) ENGINE = MergeTree ORDER BY n"))
	normalized := "CREATE TABLE IF NOT EXISTS db1.t1 (n Int32) ENGINE = Log"
	assert.Equal(t, normalized, NormalizeCreateStatement(normalized))
}

func TestCompareSchema(t *testing.T) {
	a := "CREATE TABLE db1.t1 (n Int32)  ENGINE = MergeTree ORDER BY n"
	b := "CREATE TABLE `db1`.`t1` (n Int32) ENGINE = MergeTree ORDER BY n"
	c := "CREATE TABLE db1.t1 (n Int64) ENGINE = MergeTree ORDER BY n"
	assert.True(t, CompareSchema(a, b))
	assert.False(t, CompareSchema(a, c))
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, 24003001, parseVersion("24.3.1.2672"))
	assert.Equal(t, 22006000, parseVersion("22.6"))
	assert.Equal(t, 21004000, parseVersion("21.4.0-testing"))
}

func TestTablePathEncode(t *testing.T) {
	assert.Equal(t, "plain_name1", TablePathEncode("plain_name1"))
	assert.Equal(t, "a%2Db", TablePathEncode("a-b"))
	assert.Equal(t, "%D0%B4%D0%B1", TablePathEncode("дб"))
}
