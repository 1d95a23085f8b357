package backup

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/lock"
	"github.com/yandex/ch-backup/pkg/metadata"
)

// RestoreSchema copies database and table DDL from a source host to the
// local server, normalizing replica identity so the destination re-syncs
// from its peers on startup. No data is transferred.
func (b *Backuper) RestoreSchema(ctx context.Context, source ClickHouseClient, opts RestoreOptions) error {
	if err := b.ch.Connect(ctx); err != nil {
		return err
	}
	defer b.ch.Close()
	if err := source.Connect(ctx); err != nil {
		return errors.Wrap(err, "can't connect to schema source host")
	}
	defer source.Close()

	locker := lock.NewLocker(b.cfg, b.ch)
	distributed := !b.cfg.Backup.SkipLockForSchemaOnly.Restore
	if err := locker.Acquire(ctx, "RESTORE-SCHEMA", distributed); err != nil {
		return err
	}
	defer locker.Release()

	macros, err := b.ch.GetMacros(ctx)
	if err != nil {
		return err
	}
	databases, err := source.GetDatabases(ctx)
	if err != nil {
		return err
	}
	filterDatabases := map[string]bool{}
	for _, name := range opts.Databases {
		filterDatabases[name] = true
	}
	for _, db := range databases {
		if len(filterDatabases) > 0 && !filterDatabases[db.Name] {
			continue
		}
		createStatement := db.Query
		if createStatement == "" {
			createStatement = "CREATE DATABASE IF NOT EXISTS `" + db.Name + "`"
		}
		if err := b.ch.CreateDatabase(ctx, clickhouse.NormalizeCreateStatement(createStatement)); err != nil {
			return errors.Wrapf(err, "can't create database `%s`", db.Name)
		}
		tables, err := source.GetTables(ctx, db.Name)
		if err != nil {
			return err
		}
		for _, table := range tables {
			if strings.HasPrefix(table.Name, ".inner") {
				continue
			}
			if err := b.restoreSchemaTable(ctx, &db, &table, opts, macros); err != nil {
				if opts.KeepGoing {
					log.Error().Msgf("can't restore schema of `%s`.`%s`: %v, keep going", db.Name, table.Name, err)
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (b *Backuper) restoreSchemaTable(ctx context.Context, db *clickhouse.Database, table *clickhouse.Table, opts RestoreOptions, macros map[string]string) error {
	createStatement := table.CreateTableQuery
	if metadata.IsReplicatedEngine(table.Engine) {
		if opts.ForceNonReplicated {
			createStatement = clickhouse.RewriteReplicatedEngine(createStatement, true, "")
		} else {
			// a static replica token from the source host must not leak
			// into the destination
			if _, replica, ok := clickhouse.ReplicaArguments(createStatement); ok && !strings.Contains(replica, "{") {
				override := opts.OverrideReplicaName
				if override == "" {
					override = "{replica}"
				}
				createStatement = clickhouse.RewriteReplicatedEngine(createStatement, false, override)
			}
			if opts.CleanZookeeperMode != "" {
				if zkPath, _, ok := clickhouse.ReplicaArguments(table.CreateTableQuery); ok {
					if err := b.cleanCoordinationPath(ctx, clickhouse.ExpandMacros(zkPath, macros), opts, macros); err != nil {
						return err
					}
				}
			}
		}
	}
	if db.IsAtomic() {
		createStatement = clickhouse.SetUUID(createStatement, table.UUID)
	}
	existing, err := b.ch.TableExists(ctx, db.Name, table.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		if clickhouse.CompareSchema(existing.CreateTableQuery, createStatement) {
			return nil
		}
		if err := b.ch.DropTable(ctx, db.Name, table.Name); err != nil {
			return err
		}
	}
	if metadata.IsMergeTreeEngine(table.Engine) {
		createStatement = clickhouse.ToAttachQuery(createStatement)
	} else {
		createStatement = clickhouse.NormalizeCreateStatement(createStatement)
	}
	return b.ch.CreateTable(ctx, createStatement)
}
