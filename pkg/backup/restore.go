package backup

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/pkg/errors"
	"github.com/ricochet2200/go-disk-usage/du"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/codec"
	"github.com/yandex/ch-backup/pkg/keeper"
	"github.com/yandex/ch-backup/pkg/lock"
	"github.com/yandex/ch-backup/pkg/metadata"
	"github.com/yandex/ch-backup/pkg/objectdisk"
	"github.com/yandex/ch-backup/pkg/resumable"
	"github.com/yandex/ch-backup/pkg/storage"
)

// Zookeeper cleanup modes applied when replica identity changes on restore.
const (
	CleanZookeeperReplicaOnly = "replica-only"
	CleanZookeeperAllReplicas = "all-replicas"
)

// ErrNotCreated - restore target is not in the created state
var ErrNotCreated = errors.New("backup is not in created state")

// RestoreOptions - arguments of the restore command
type RestoreOptions struct {
	SchemaOnly                        bool
	Databases                         []string
	Tables                            []string
	Sources                           metadata.Sources
	OverrideReplicaName               string
	ForceNonReplicated                bool
	CleanZookeeperMode                string
	KeepGoing                         bool
	CloudStorageSourceBucket          string
	CloudStorageSourcePath            string
	CloudStorageLatest                bool
	UseInplaceCloudRestore            bool
	RestoreTablesInReplicatedDatabase bool
}

// RestoreBackup - restore the specified backup into the local server.
// Progress is persisted in the restore context: a re-run retries pending and
// downloaded parts; parts already attached, or skipped after an attach
// failure, are not retried.
func (b *Backuper) RestoreBackup(ctx context.Context, backupName string, opts RestoreOptions) error {
	if err := b.ch.Connect(ctx); err != nil {
		return err
	}
	defer b.ch.Close()

	backupMeta, err := b.GetBackup(ctx, backupName)
	if err != nil {
		return err
	}
	if backupMeta.State != metadata.BackupStateCreated {
		return errors.Wrapf(ErrNotCreated, "%s is %s", backupMeta.Name, backupMeta.State)
	}
	if opts.SchemaOnly {
		opts.Sources.Data = false
	}
	if opts.OverrideReplicaName == "" {
		opts.OverrideReplicaName = b.cfg.Backup.OverrideReplicaName
	}
	opts.ForceNonReplicated = opts.ForceNonReplicated || b.cfg.Backup.ForceNonReplicated

	if opts.Sources.Data && backupMeta.CloudStorage.Enabled() && opts.CloudStorageSourceBucket == "" {
		return errors.New("cloud storage source bucket must be set if backup has data on object-storage disks")
	}

	locker := lock.NewLocker(b.cfg, b.ch)
	distributed := opts.Sources.Data && !opts.SchemaOnly
	if opts.SchemaOnly && b.cfg.Backup.SkipLockForSchemaOnly.Restore {
		distributed = false
	}
	if err := locker.Acquire(ctx, "RESTORE", distributed); err != nil {
		return err
	}
	defer locker.Release()

	restoreContext := resumable.NewState(b.cfg.Backup.RestoreContextPath, map[string]interface{}{
		"backup":    backupMeta.Name,
		"databases": strings.Join(opts.Databases, ","),
		"tables":    strings.Join(opts.Tables, ","),
	})
	restoreContext.SetSyncThreshold(b.cfg.Backup.RestoreContextSyncThreshold)
	defer restoreContext.Close()

	log.Info().Fields(map[string]interface{}{
		"backup":    backupMeta.Name,
		"operation": "restore",
	}).Msg("start")

	if opts.Sources.Access {
		if err := b.restoreAccessControl(ctx, backupMeta); err != nil {
			return errors.Wrap(err, "access control restore failed")
		}
	}
	if opts.Sources.UDF {
		if err := b.restoreUDFs(ctx, backupMeta); err != nil {
			return errors.Wrap(err, "user defined functions restore failed")
		}
	}
	if opts.Sources.NamedCollections {
		if err := b.restoreNamedCollections(ctx, backupMeta); err != nil {
			return errors.Wrap(err, "named collections restore failed")
		}
	}
	if !opts.Sources.SchemasIncluded() {
		return nil
	}

	databases, err := b.pickDatabases(backupMeta, opts)
	if err != nil {
		return err
	}
	macros, err := b.ch.GetMacros(ctx)
	if err != nil {
		return err
	}
	skipTablesOfDatabases, err := b.restoreDatabases(ctx, backupMeta, databases, opts, macros)
	if err != nil {
		return err
	}
	restoredTables, err := b.restoreTables(ctx, backupMeta, databases, skipTablesOfDatabases, opts, macros)
	if err != nil {
		return err
	}
	if opts.Sources.Data {
		if err := b.restoreData(ctx, backupMeta, restoredTables, opts, restoreContext); err != nil {
			return err
		}
		if restoreContext.HasFailedParts() {
			msg := "some parts are failed to attach"
			if b.cfg.Backup.RestoreFailOnAttachError {
				return errors.New(msg)
			}
			log.Warn().Msg(msg)
		}
	}
	log.Info().Fields(map[string]interface{}{
		"backup":    backupMeta.Name,
		"operation": "restore",
	}).Msg("done")
	return nil
}

func (b *Backuper) pickDatabases(backupMeta *metadata.BackupMetadata, opts RestoreOptions) ([]string, error) {
	databases := opts.Databases
	if len(opts.Tables) > 0 {
		picked := map[string]bool{}
		for _, table := range opts.Tables {
			if dotIdx := strings.Index(table, "."); dotIdx > 0 {
				picked[table[:dotIdx]] = true
			}
		}
		databases = nil
		for dbName := range picked {
			databases = append(databases, dbName)
		}
		sort.Strings(databases)
	}
	if len(databases) == 0 {
		databases = backupMeta.GetDatabases()
	}
	var missing []string
	for _, dbName := range databases {
		if _, exists := backupMeta.Databases[dbName]; !exists {
			missing = append(missing, dbName)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrBackupNotFound, "databases %s not found in backup metadata", strings.Join(missing, ", "))
	}
	return databases, nil
}

// restoreDatabases recreates databases in list order and returns the set of
// replicated databases whose tables are left to replication to sync.
func (b *Backuper) restoreDatabases(ctx context.Context, backupMeta *metadata.BackupMetadata, databases []string, opts RestoreOptions, macros map[string]string) (map[string]bool, error) {
	skipTables := map[string]bool{}
	for _, dbName := range databases {
		db := backupMeta.Databases[dbName]
		engine := db.Engine
		if engine == "" {
			engine = metadata.EngineFromCreateStatement(db.CreateStatement)
		}
		createStatement := db.CreateStatement
		if createStatement == "" {
			createStatement = fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName)
		}
		if engine == "Replicated" {
			if !opts.RestoreTablesInReplicatedDatabase {
				skipTables[dbName] = true
			}
			if opts.OverrideReplicaName != "" {
				replica := clickhouse.ExpandMacros(opts.OverrideReplicaName, macros)
				createStatement = clickhouse.RewriteDatabaseReplica(createStatement, replica)
			}
			if opts.CleanZookeeperMode != "" {
				if err := b.cleanDatabaseCoordination(ctx, db, opts, macros); err != nil {
					return nil, err
				}
			}
		}
		createStatement = clickhouse.NormalizeCreateStatement(createStatement)
		if err := b.ch.CreateDatabase(ctx, createStatement); err != nil {
			return nil, errors.Wrapf(err, "can't create database `%s`", dbName)
		}
	}
	return skipTables, nil
}

func (b *Backuper) cleanDatabaseCoordination(ctx context.Context, db *metadata.DatabaseMetadata, opts RestoreOptions, macros map[string]string) error {
	zkPath := databaseZookeeperPath(db.CreateStatement)
	if zkPath == "" {
		return nil
	}
	zkPath = clickhouse.ExpandMacros(zkPath, macros)
	return b.cleanCoordinationPath(ctx, zkPath, opts, macros)
}

// cleanCoordinationPath prunes replica entries under a coordination prefix:
// the whole replicas set for all-replicas, or only the current replica
// entry. The cleanup is a pure set operation against the prefix.
func (b *Backuper) cleanCoordinationPath(ctx context.Context, zkPath string, opts RestoreOptions, macros map[string]string) error {
	k := &keeper.Keeper{}
	if err := k.Connect(ctx, b.ch, b.cfg); err != nil {
		return errors.Wrap(err, "can't connect to zookeeper for coordination cleanup")
	}
	defer k.Close()
	replicasPath := path.Join(zkPath, "replicas")
	switch opts.CleanZookeeperMode {
	case CleanZookeeperAllReplicas:
		log.Info().Msgf("pruning all replica entries under %s", replicasPath)
		return k.DeleteRecursive(replicasPath)
	case CleanZookeeperReplicaOnly:
		replica := clickhouse.ExpandMacros("{replica}", macros)
		if opts.OverrideReplicaName != "" {
			replica = clickhouse.ExpandMacros(opts.OverrideReplicaName, macros)
		}
		if replica == "" || strings.Contains(replica, "{") {
			return nil
		}
		log.Info().Msgf("pruning replica entry %s under %s", replica, replicasPath)
		return k.DeleteRecursive(path.Join(replicasPath, replica))
	}
	return nil
}

func databaseZookeeperPath(createStatement string) string {
	engineIdx := strings.Index(createStatement, "Replicated(")
	if engineIdx < 0 {
		return ""
	}
	rest := createStatement[engineIdx+len("Replicated("):]
	endIdx := strings.Index(rest, ",")
	if endIdx < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(rest[:endIdx]), "'")
}

// restoredTable - one table scheduled for data attach
type restoredTable struct {
	db    *metadata.DatabaseMetadata
	table *metadata.TableMetadata
}

// restoreTables recreates tables with normalized schemas. Tables failing
// due to dependency order are retried after the rest, like a topological
// sort executed optimistically.
func (b *Backuper) restoreTables(ctx context.Context, backupMeta *metadata.BackupMetadata, databases []string, skipTablesOfDatabases map[string]bool, opts RestoreOptions, macros map[string]string) ([]restoredTable, error) {
	filterTables := map[string]bool{}
	for _, name := range opts.Tables {
		filterTables[name] = true
	}
	var pending []restoredTable
	for _, dbName := range databases {
		if skipTablesOfDatabases[dbName] {
			continue
		}
		db := backupMeta.Databases[dbName]
		for _, table := range backupMeta.GetTables(dbName) {
			if len(filterTables) > 0 && !filterTables[dbName+"."+table.Name] {
				continue
			}
			pending = append(pending, restoredTable{db: db, table: table})
		}
	}

	var restored []restoredTable
	failures := 0
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if err := b.restoreTableObject(ctx, next.db, next.table, opts, macros); err != nil {
			failures++
			pending = append(pending, next)
			if failures > len(pending) {
				if opts.KeepGoing {
					log.Error().Msgf("failed to restore `%s`.`%s`: %v, keep going", next.db.Name, next.table.Name, err)
					break
				}
				return nil, errors.Wrapf(err, "failed to restore `%s`.`%s`", next.db.Name, next.table.Name)
			}
			log.Warn().Msgf("failed to restore `%s`.`%s`: %v, will retry after restoring other tables", next.db.Name, next.table.Name, err)
			continue
		}
		failures = 0
		restored = append(restored, next)
	}
	return restored, nil
}

func (b *Backuper) restoreTableObject(ctx context.Context, db *metadata.DatabaseMetadata, table *metadata.TableMetadata, opts RestoreOptions, macros map[string]string) error {
	createStatement := table.CreateStatement
	isReplicated := metadata.IsReplicatedEngine(table.Engine)

	if isReplicated && opts.CleanZookeeperMode != "" {
		if zkPath, _, ok := clickhouse.ReplicaArguments(createStatement); ok {
			if err := b.cleanCoordinationPath(ctx, clickhouse.ExpandMacros(zkPath, macros), opts, macros); err != nil {
				return err
			}
		}
	}
	if opts.ForceNonReplicated {
		createStatement = clickhouse.RewriteReplicatedEngine(createStatement, true, "")
		isReplicated = false
	} else if opts.OverrideReplicaName != "" {
		createStatement = clickhouse.RewriteReplicatedEngine(createStatement, false, opts.OverrideReplicaName)
	}
	dbEngine := db.Engine
	if dbEngine == "" {
		dbEngine = metadata.EngineFromCreateStatement(db.CreateStatement)
	}
	if dbEngine == "Atomic" || dbEngine == "Replicated" {
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
		log.Info().Msgf("dropping `%s`.`%s`: destination schema differs from backup", db.Name, table.Name)
		if err := b.ch.DropTable(ctx, db.Name, table.Name); err != nil {
			return err
		}
	}

	engine := table.Engine
	useAttach := metadata.IsMergeTreeEngine(engine) || engine == "MaterializedView" ||
		engine == "Distributed" || metadata.IsExternalEngine(engine)
	if useAttach {
		createStatement = clickhouse.ToAttachQuery(createStatement)
	} else {
		createStatement = clickhouse.NormalizeCreateStatement(clickhouse.ToCreateQuery(createStatement))
	}
	if err := b.ch.CreateTable(ctx, createStatement); err != nil {
		return err
	}
	if isReplicated {
		if err := b.ch.QueryContext(ctx, fmt.Sprintf("SYSTEM RESTORE REPLICA `%s`.`%s`", db.Name, table.Name)); err != nil {
			// replica state may already be intact
			log.Debug().Msgf("SYSTEM RESTORE REPLICA `%s`.`%s`: %v", db.Name, table.Name, err)
		}
	}
	return nil
}

// restoreData downloads and attaches data parts: local-disk parts through
// the download pool, object-storage parts through the cloud restore pool.
func (b *Backuper) restoreData(ctx context.Context, backupMeta *metadata.BackupMetadata, tables []restoredTable, opts RestoreOptions, restoreContext *resumable.State) error {
	var localParts, cloudParts []partToRestore
	for _, rt := range tables {
		if !metadata.IsMergeTreeEngine(rt.table.Engine) {
			continue
		}
		destTable, err := b.ch.TableExists(ctx, rt.db.Name, rt.table.Name)
		if err != nil {
			return err
		}
		if destTable == nil || len(destTable.DataPaths) == 0 {
			log.Warn().Msgf("skip data restore of `%s`.`%s`: no destination table", rt.db.Name, rt.table.Name)
			continue
		}
		detachedDir := path.Join(destTable.DataPaths[0], "detached")
		for _, part := range rt.table.GetParts() {
			item := partToRestore{part: part, detachedDir: detachedDir, db: rt.db.Name, table: rt.table.Name}
			if part.StorageClass == metadata.StorageClassObjectStorage {
				cloudParts = append(cloudParts, item)
			} else {
				localParts = append(localParts, item)
			}
		}
	}
	if err := b.checkFreeSpace(localParts); err != nil {
		return err
	}
	if err := b.attachLocalParts(ctx, backupMeta, localParts, opts, restoreContext); err != nil {
		return err
	}
	return b.attachCloudParts(ctx, backupMeta, cloudParts, opts, restoreContext)
}

type partToRestore struct {
	part        *metadata.PartMetadata
	detachedDir string
	db          string
	table       string
}

// checkFreeSpace refuses to start a download that cannot fit on the
// destination disk.
func (b *Backuper) checkFreeSpace(parts []partToRestore) error {
	var required uint64
	for _, item := range parts {
		required += item.part.Bytes
	}
	if required == 0 {
		return nil
	}
	usage := du.NewDiskUsage(b.cfg.ClickHouse.DataPath)
	if available := usage.Available(); available > 0 && available < required {
		return errors.Errorf("not enough disk space: %d bytes required, %d available at %s", required, available, b.cfg.ClickHouse.DataPath)
	}
	return nil
}

func (b *Backuper) attachLocalParts(ctx context.Context, backupMeta *metadata.BackupMetadata, parts []partToRestore, opts RestoreOptions, restoreContext *resumable.State) error {
	downloadGroup, downloadCtx := errgroup.WithContext(ctx)
	downloadGroup.SetLimit(b.cfg.Multiprocessing.DownloadThreads)
	var attachMutex sync.Mutex
	for i := range parts {
		item := parts[i]
		downloadGroup.Go(func() error {
			state := restoreContext.GetPartState(item.db, item.table, item.part.Name)
			if state == resumable.PartStateAttached || state == resumable.PartStateSkipped {
				return nil
			}
			if state != resumable.PartStateDownloaded {
				if err := b.downloadPart(downloadCtx, backupMeta, item); err != nil {
					return err
				}
				restoreContext.SetPartState(item.db, item.table, item.part.Name, resumable.PartStateDownloaded)
			}
			// ATTACH statements are serialized per server to keep DDL ordering simple
			attachMutex.Lock()
			err := b.ch.AttachPart(downloadCtx, item.db, item.table, item.part.Name)
			attachMutex.Unlock()
			if err != nil {
				return b.handleAttachError(item, err, restoreContext)
			}
			restoreContext.SetPartState(item.db, item.table, item.part.Name, resumable.PartStateAttached)
			return nil
		})
	}
	return downloadGroup.Wait()
}

func (b *Backuper) handleAttachError(item partToRestore, err error, restoreContext *resumable.State) error {
	if b.cfg.Backup.RestoreFailOnAttachError {
		return errors.Wrapf(err, "can't attach part `%s` to `%s`.`%s`", item.part.Name, item.db, item.table)
	}
	log.Warn().Msgf("can't attach part `%s` to `%s`.`%s`: %v, skipping", item.part.Name, item.db, item.table, err)
	restoreContext.AddFailedPart(item.db, item.table, item.part.Name, err)
	restoreContext.SetPartState(item.db, item.table, item.part.Name, resumable.PartStateSkipped)
	return nil
}

// downloadPart fetches the part artifact and unpacks it into detached/.
// Artifacts written with a different codec chain are decoded with the chain
// recorded in the backup document.
func (b *Backuper) downloadPart(ctx context.Context, backupMeta *metadata.BackupMetadata, item partToRestore) error {
	owner := item.part.OwnerBackup(backupMeta.Name)
	linkDB, linkTable := item.db, item.table
	if item.part.Link != nil {
		linkDB, linkTable = item.part.Link.Database, item.part.Link.Table
	}
	artifactKey := PartDataKey(owner, linkDB, linkTable, item.part.Name)
	r, err := b.openPartStream(ctx, backupMeta, artifactKey)
	if err != nil {
		return errors.Wrapf(err, "can't download part `%s` of `%s`.`%s`", item.part.Name, item.db, item.table)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			log.Warn().Msgf("can't close part stream %s: %v", artifactKey, closeErr)
		}
	}()
	checksumReader := storage.NewChecksumReader(r)
	dstDir := path.Join(item.detachedDir, item.part.Name)
	if err := storage.UnpackPartDirectory(checksumReader, dstDir); err != nil {
		_ = os.RemoveAll(dstDir)
		return errors.Wrapf(err, "can't unpack part `%s` of `%s`.`%s`", item.part.Name, item.db, item.table)
	}
	if item.part.Checksum != "" && checksumReader.Checksum() != item.part.Checksum {
		_ = os.RemoveAll(dstDir)
		return errors.Errorf("checksum mismatch for part `%s` of `%s`.`%s`", item.part.Name, item.db, item.table)
	}
	return nil
}

func (b *Backuper) openPartStream(ctx context.Context, backupMeta *metadata.BackupMetadata, artifactKey string) (io.ReadCloser, error) {
	if len(backupMeta.Codecs) == 0 {
		return b.dst.DownloadPartStream(ctx, artifactKey)
	}
	key, err := b.cfg.Encryption.KeyBytes()
	if err != nil {
		return nil, err
	}
	chain, err := codec.FromNames(backupMeta.Codecs, key)
	if err != nil {
		return nil, err
	}
	return b.dst.DownloadPartStreamWithCodecs(ctx, artifactKey, chain)
}

// attachCloudParts restores object-storage parts: the metadata-file archive
// is unpacked, referenced objects are copied into the destination disk
// bucket (or reused inplace when the bucket and prefix match), metadata
// files are rebuilt and the part is attached.
func (b *Backuper) attachCloudParts(ctx context.Context, backupMeta *metadata.BackupMetadata, parts []partToRestore, opts RestoreOptions, restoreContext *resumable.State) error {
	if len(parts) == 0 {
		return nil
	}
	destBucket, destPrefix, err := b.destinationDiskEndpoint(parts[0].part.DiskName)
	if err != nil {
		return err
	}
	srcPrefix := opts.CloudStorageSourcePath
	inplace := opts.UseInplaceCloudRestore &&
		opts.CloudStorageSourceBucket == destBucket && srcPrefix == destPrefix
	if opts.UseInplaceCloudRestore && !inplace {
		log.Info().Msg("inplace cloud restore requires identical bucket and prefix, falling back to copy")
	}

	cloudGroup, cloudCtx := errgroup.WithContext(ctx)
	cloudGroup.SetLimit(b.cfg.Multiprocessing.CloudStorageRestoreWorkers)
	var attachMutex sync.Mutex
	for i := range parts {
		item := parts[i]
		cloudGroup.Go(func() error {
			state := restoreContext.GetPartState(item.db, item.table, item.part.Name)
			if state == resumable.PartStateAttached || state == resumable.PartStateSkipped {
				return nil
			}
			if err := b.restoreCloudPart(cloudCtx, backupMeta, item, opts, destBucket, destPrefix, inplace); err != nil {
				return err
			}
			restoreContext.SetPartState(item.db, item.table, item.part.Name, resumable.PartStateDownloaded)
			attachMutex.Lock()
			err := b.ch.AttachPart(cloudCtx, item.db, item.table, item.part.Name)
			attachMutex.Unlock()
			if err != nil {
				return b.handleAttachError(item, err, restoreContext)
			}
			restoreContext.SetPartState(item.db, item.table, item.part.Name, resumable.PartStateAttached)
			return nil
		})
	}
	return cloudGroup.Wait()
}

func (b *Backuper) restoreCloudPart(ctx context.Context, backupMeta *metadata.BackupMetadata, item partToRestore, opts RestoreOptions, destBucket, destPrefix string, inplace bool) error {
	tmpDir, err := os.MkdirTemp("", "ch-backup-cloud-part-")
	if err != nil {
		return err
	}
	defer func() {
		if removeErr := os.RemoveAll(tmpDir); removeErr != nil {
			log.Warn().Msgf("can't remove %s: %v", tmpDir, removeErr)
		}
	}()
	if err := b.downloadPart(ctx, backupMeta, partToRestore{
		part:        item.part,
		detachedDir: tmpDir,
		db:          item.db,
		table:       item.table,
	}); err != nil {
		return err
	}
	partTmpDir := path.Join(tmpDir, item.part.Name)
	metadataFiles, err := objectdisk.CollectMetadataFiles(partTmpDir)
	if err != nil {
		return errors.Wrapf(err, "can't parse object disk metadata of part `%s`", item.part.Name)
	}
	if !inplace {
		for _, metadataFile := range metadataFiles {
			for _, obj := range metadataFile.StorageObjects {
				srcKey := path.Join(opts.CloudStorageSourcePath, obj.ObjectRelativePath)
				dstKey := path.Join(destPrefix, obj.ObjectRelativePath)
				if err := b.dst.CopyObject(ctx, opts.CloudStorageSourceBucket, srcKey, destBucket, dstKey); err != nil {
					return errors.Wrapf(err, "can't copy object %s of part `%s`", obj.ObjectRelativePath, item.part.Name)
				}
			}
		}
	}
	// rebuild the metadata index files in the destination detached dir
	dstPartDir := path.Join(item.detachedDir, item.part.Name)
	for _, metadataFile := range metadataFiles {
		relName, err := filepath.Rel(partTmpDir, metadataFile.Path)
		if err != nil {
			return err
		}
		if err := metadataFile.SaveToFile(path.Join(dstPartDir, relName)); err != nil {
			return err
		}
	}
	return nil
}

// destinationDiskEndpoint parses the disk endpoint from the server config
// to learn the destination bucket and prefix of an object-storage disk.
func (b *Backuper) destinationDiskEndpoint(diskName string) (bucket, prefix string, err error) {
	doc, err := b.ch.ParseXML(b.cfg.ClickHouse.ConfigFile)
	if err != nil {
		return "", "", err
	}
	endpointNode := xmlquery.FindOne(doc, fmt.Sprintf("//storage_configuration/disks/%s/endpoint", diskName))
	if endpointNode == nil {
		return "", "", errors.Errorf("disk %s has no endpoint in %s", diskName, b.cfg.ClickHouse.ConfigFile)
	}
	endpoint, err := url.Parse(strings.TrimSpace(endpointNode.InnerText()))
	if err != nil {
		return "", "", err
	}
	// endpoint format: https://storage.example.net/bucket/prefix/
	trimmed := strings.Trim(endpoint.Path, "/")
	slashIdx := strings.Index(trimmed, "/")
	if slashIdx < 0 {
		return trimmed, "", nil
	}
	return trimmed[:slashIdx], trimmed[slashIdx+1:], nil
}

func (b *Backuper) restoreAccessControl(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	prefix := path.Join(backupMeta.Name, accessControlPrefix)
	accessPath := b.cfg.ClickHouse.AccessControlPath
	if err := os.MkdirAll(accessPath, 0750); err != nil {
		return err
	}
	var replicatedAccess *keeper.Keeper
	defer func() {
		if replicatedAccess != nil {
			replicatedAccess.Close()
		}
	}()
	return b.dst.Walk(ctx, prefix+"/", true, func(ctx context.Context, f storage.RemoteFile) error {
		body, err := b.dst.DownloadData(ctx, path.Join(prefix, f.Name()))
		if err != nil {
			return err
		}
		if strings.HasSuffix(f.Name(), ".jsonl") {
			// dump of a replicated user directory goes back into keeper
			if replicatedAccess == nil {
				replicatedAccess = &keeper.Keeper{}
				if err := replicatedAccess.Connect(ctx, b.ch, b.cfg); err != nil {
					replicatedAccess = nil
					return errors.Wrap(err, "can't connect to zookeeper for access restore")
				}
			}
			directory := strings.TrimSuffix(f.Name(), ".jsonl")
			accessZKPath, err := replicatedAccess.GetReplicatedAccessPath(directory)
			if err != nil {
				return err
			}
			dumpFile, err := os.CreateTemp("", "ch-backup-access-*.jsonl")
			if err != nil {
				return err
			}
			dumpPath := dumpFile.Name()
			if _, err := dumpFile.Write(body); err != nil {
				_ = dumpFile.Close()
				return err
			}
			if err := dumpFile.Close(); err != nil {
				return err
			}
			restoreErr := replicatedAccess.Restore(dumpPath, accessZKPath)
			if removeErr := os.Remove(dumpPath); removeErr != nil {
				log.Warn().Msgf("can't remove %s: %v", dumpPath, removeErr)
			}
			return restoreErr
		}
		// applied by the server after restart
		return os.WriteFile(filepath.Join(accessPath, f.Name()), body, 0640)
	})
}

func (b *Backuper) restoreUDFs(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	for _, functionName := range backupMeta.UDFs {
		body, err := b.dst.DownloadData(ctx, udfKey(backupMeta.Name, functionName))
		if err != nil {
			return err
		}
		if err := b.ch.QueryContext(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS `%s`", functionName)); err != nil {
			return err
		}
		if err := b.ch.QueryContext(ctx, string(body)); err != nil {
			return errors.Wrapf(err, "can't recreate function `%s`", functionName)
		}
	}
	return nil
}

func (b *Backuper) restoreNamedCollections(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	collectionsPath := b.cfg.ClickHouse.NamedCollectionsPath
	if len(backupMeta.NamedCollections) > 0 {
		if err := os.MkdirAll(collectionsPath, 0750); err != nil {
			return err
		}
	}
	for _, collection := range backupMeta.NamedCollections {
		body, err := b.dst.DownloadData(ctx, namedCollectionKey(backupMeta.Name, collection))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(collectionsPath, collection+".sql"), body, 0640); err != nil {
			return err
		}
	}
	return nil
}

// GetCloudStorageMetadata downloads the cloud storage key space of one disk
// into a local directory.
func (b *Backuper) GetCloudStorageMetadata(ctx context.Context, backupName, diskName, localPath string) error {
	backupMeta, err := b.GetBackup(ctx, backupName)
	if err != nil {
		return err
	}
	prefix := path.Join(backupMeta.Name, cloudStoragePrefix, diskName)
	if err := os.MkdirAll(localPath, 0750); err != nil {
		return err
	}
	found := false
	err = b.dst.Walk(ctx, prefix+"/", true, func(ctx context.Context, f storage.RemoteFile) error {
		found = true
		body, err := b.dst.DownloadData(ctx, path.Join(prefix, f.Name()))
		if err != nil {
			return err
		}
		localFile := filepath.Join(localPath, f.Name())
		if err := os.MkdirAll(filepath.Dir(localFile), 0750); err != nil {
			return err
		}
		return os.WriteFile(localFile, body, 0640)
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrBackupNotFound, "no cloud storage metadata for disk %s in %s", diskName, backupMeta.Name)
	}
	return nil
}
