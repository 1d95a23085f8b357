package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/keeper"
	"github.com/yandex/ch-backup/pkg/lock"
	"github.com/yandex/ch-backup/pkg/metadata"
	"github.com/yandex/ch-backup/pkg/storage"
	"github.com/yandex/ch-backup/pkg/utils"
)

// CreateOptions - arguments of the backup command
type CreateOptions struct {
	Name      string
	Databases []string
	Tables    []string
	Sources   metadata.Sources
	Force     bool
	Labels    map[string]string
}

// frozenPart - one part directory discovered in the shadow tree
type frozenPart struct {
	database     string
	table        string
	name         string
	path         string
	diskName     string
	storageClass metadata.StorageClass
	diskRevision uint64
}

// CreateBackup - create new backup of the requested sources. Returns the
// backup name, or ErrNothingToBackup when min_interval suppresses the run.
func (b *Backuper) CreateBackup(ctx context.Context, opts CreateOptions) (string, error) {
	backupName := ResolveBackupName(opts.Name)
	startBackup := time.Now()

	if err := b.ch.Connect(ctx); err != nil {
		return "", err
	}
	defer b.ch.Close()

	priorBackups, err := b.listBackups(ctx, true)
	if err != nil {
		return "", err
	}
	if _, err := b.loadBackupMetadata(ctx, backupName, true); err == nil {
		return "", fmt.Errorf("backup `%s` already exists", backupName)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if lastName, blocked := b.checkMinInterval(priorBackups, opts.Force); blocked {
		log.Info().Msgf("skip backup, most recent backup %s is within min_interval", lastName)
		return lastName, ErrNothingToBackup
	}

	labels := map[string]string{}
	for k, v := range b.cfg.Backup.Labels {
		labels[k] = v
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	hostname, _ := os.Hostname()
	backupMeta := metadata.NewBackupMetadata(
		backupName,
		path.Join(b.cfg.Backup.PathRoot, backupName),
		b.version,
		b.ch.GetVersionDescribe(ctx),
		hostname,
		labels,
		opts.Sources,
		b.cfg.Encryption.IsEnabled,
	)
	backupMeta.Codecs = b.dst.Codecs.Names()

	locker := lock.NewLocker(b.cfg, b.ch)
	skipDistributed := backupMeta.SchemaOnly && b.cfg.Backup.SkipLockForSchemaOnly.Backup
	if err := locker.Acquire(ctx, "BACKUP", !skipDistributed); err != nil {
		return "", err
	}
	defer locker.Release()

	log.Info().Fields(map[string]interface{}{
		"backup":    backupName,
		"operation": "create",
	}).Msg("start")

	createErr := b.createBackup(ctx, backupMeta, opts, priorBackups)
	backupMeta.SetEndTime()
	if createErr != nil {
		log.Error().Msgf("backup failed: %v", createErr)
		backupMeta.State = metadata.BackupStateFailed
		backupMeta.FailReason = fmt.Sprintf("%T: %v", errors.Cause(createErr), createErr)
	} else {
		backupMeta.State = metadata.BackupStateCreated
	}
	if uploadErr := b.uploadBackupMetadata(ctx, backupMeta); uploadErr != nil {
		if createErr == nil {
			createErr = uploadErr
		} else {
			log.Error().Msgf("can't finalize backup document: %v", uploadErr)
		}
	}
	if createErr != nil {
		return "", createErr
	}
	log.Info().Fields(map[string]interface{}{
		"backup":    backupName,
		"operation": "create",
		"duration":  utils.HumanizeDuration(time.Since(startBackup)),
	}).Msg("done")
	return backupName, nil
}

// checkMinInterval - enforce backup.min_interval against the most recent
// non-failed backup; failed backups do not block the next run
func (b *Backuper) checkMinInterval(priorBackups []*metadata.BackupMetadata, force bool) (string, bool) {
	if force || b.cfg.Backup.MinInterval <= 0 {
		return "", false
	}
	for _, prior := range priorBackups {
		if prior.State == metadata.BackupStateFailed {
			continue
		}
		if utcNow().Sub(prior.StartTime) < b.cfg.Backup.MinInterval {
			return prior.Name, true
		}
		break
	}
	return "", false
}

func (b *Backuper) createBackup(ctx context.Context, backupMeta *metadata.BackupMetadata, opts CreateOptions, priorBackups []*metadata.BackupMetadata) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.Sources.Access {
		if err := b.backupAccessControl(ctx, backupMeta); err != nil {
			return errors.Wrap(err, "access control backup failed")
		}
	}
	if opts.Sources.UDF {
		if err := b.backupUDFs(ctx, backupMeta); err != nil {
			return errors.Wrap(err, "user defined functions backup failed")
		}
	}
	if opts.Sources.NamedCollections {
		if err := b.backupNamedCollections(ctx, backupMeta); err != nil {
			return errors.Wrap(err, "named collections backup failed")
		}
	}
	if !opts.Sources.SchemasIncluded() {
		return b.uploadBackupMetadata(ctx, backupMeta)
	}

	tables, err := b.collectSchemas(ctx, backupMeta, opts)
	if err != nil {
		return err
	}
	// first pass: `creating` stub with the schema section
	if err := b.uploadBackupMetadata(ctx, backupMeta); err != nil {
		return err
	}
	if !opts.Sources.Data {
		return nil
	}

	dedupIndex, err := b.buildDedupIndex(ctx, priorBackups)
	if err != nil {
		return err
	}
	disks, err := b.ch.GetDisks(ctx)
	if err != nil {
		return err
	}
	if err := b.captureDiskRevisions(ctx, backupMeta, disks); err != nil {
		return err
	}

	frozen, err := b.freezeTables(ctx, backupMeta, tables, disks)
	uploadErr := b.uploadFrozenParts(ctx, backupMeta, dedupIndex, frozen)
	unfreezeErr := b.unfreeze(backupMeta.Name, err != nil || uploadErr != nil)
	if err != nil {
		return err
	}
	if uploadErr != nil {
		return uploadErr
	}
	return unfreezeErr
}

// collectSchemas fills the database and table sections of the catalog.
func (b *Backuper) collectSchemas(ctx context.Context, backupMeta *metadata.BackupMetadata, opts CreateOptions) ([]clickhouse.Table, error) {
	filterDatabases := map[string]bool{}
	for _, name := range opts.Databases {
		filterDatabases[name] = true
	}
	filterTables := map[string]bool{}
	for _, name := range opts.Tables {
		filterTables[name] = true
		if dotIdx := strings.Index(name, "."); dotIdx > 0 {
			filterDatabases[name[:dotIdx]] = true
		}
	}
	databases, err := b.ch.GetDatabases(ctx)
	if err != nil {
		return nil, err
	}
	var backupTables []clickhouse.Table
	for _, db := range databases {
		if len(filterDatabases) > 0 && !filterDatabases[db.Name] {
			continue
		}
		if err := backupMeta.AddDatabase(metadata.DatabaseMetadata{
			Name:            db.Name,
			Engine:          db.Engine,
			MetadataPath:    db.MetadataPath,
			UUID:            db.UUID,
			CreateStatement: db.Query,
		}); err != nil {
			return nil, err
		}
		tables, err := b.ch.GetTables(ctx, db.Name)
		if err != nil {
			return nil, err
		}
		for _, table := range tables {
			if len(filterTables) > 0 && !filterTables[table.Database+"."+table.Name] {
				continue
			}
			if strings.HasPrefix(table.Name, ".inner") {
				continue
			}
			if err := backupMeta.AddTable(metadata.TableMetadata{
				Database:        table.Database,
				Name:            table.Name,
				Engine:          table.Engine,
				UUID:            table.UUID,
				CreateStatement: table.CreateTableQuery,
			}); err != nil {
				return nil, err
			}
			backupTables = append(backupTables, table)
		}
	}
	return backupTables, nil
}

func (b *Backuper) captureDiskRevisions(ctx context.Context, backupMeta *metadata.BackupMetadata, disks []clickhouse.Disk) error {
	backupMeta.CloudStorage.Encryption = b.cfg.CloudStorage.Encryption
	for _, disk := range disks {
		if !disk.IsObjectStorage() {
			continue
		}
		revision, err := b.ch.GetObjectDiskRevision(ctx, disk)
		if err != nil {
			return err
		}
		backupMeta.DiskRevisions[disk.Name] = revision
		backupMeta.CloudStorage.Disks = append(backupMeta.CloudStorage.Disks, disk.Name)
		revisionBody := []byte(fmt.Sprintf("%d\n", revision))
		if err := b.dst.UploadData(ctx, cloudStorageKey(backupMeta.Name, disk.Name, "revision.txt"), revisionBody); err != nil {
			return err
		}
	}
	return nil
}

// sanitizedShadowName - '-' is replaced to '_' to avoid unnecessary escaping
// on the server side
func sanitizedShadowName(backupName string) string {
	return strings.ReplaceAll(backupName, "-", "_")
}

// freezeTables drives FREEZE in parallel within freeze_threads workers and
// walks the shadow trees collecting frozen parts.
func (b *Backuper) freezeTables(ctx context.Context, backupMeta *metadata.BackupMetadata, tables []clickhouse.Table, disks []clickhouse.Disk) ([]frozenPart, error) {
	shadowName := sanitizedShadowName(backupMeta.Name)
	freezeGroup, freezeCtx := errgroup.WithContext(ctx)
	freezeGroup.SetLimit(b.cfg.Multiprocessing.FreezeThreads)
	var mu sync.Mutex
	var frozen []frozenPart
	for i := range tables {
		table := tables[i]
		if !metadata.IsMergeTreeEngine(table.Engine) {
			continue
		}
		freezeGroup.Go(func() error {
			if err := b.freezeTable(freezeCtx, &table, shadowName); err != nil {
				return err
			}
			parts, err := b.walkShadow(backupMeta, &table, disks, shadowName)
			if err != nil {
				return err
			}
			mu.Lock()
			frozen = append(frozen, parts...)
			mu.Unlock()
			log.Debug().Msgf("`%s`.`%s` frozen, %d parts", table.Database, table.Name, len(parts))
			return nil
		})
	}
	if err := freezeGroup.Wait(); err != nil {
		return nil, err
	}
	return frozen, nil
}

func (b *Backuper) freezeTable(ctx context.Context, table *clickhouse.Table, shadowName string) error {
	attempts := b.cfg.Backup.RetryOnExistingDir + 1
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = b.ch.FreezeTable(ctx, table, shadowName); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "already exists") {
			return err
		}
		// leftover shadow tree of an unrelated freeze with the same name
		for _, dataPath := range table.DataPaths {
			shadowPath := shadowDirForDataPath(dataPath, shadowName)
			if shadowPath != "" {
				if removeErr := os.RemoveAll(shadowPath); removeErr != nil {
					return removeErr
				}
			}
		}
		log.Warn().Msgf("retry freeze `%s`.`%s` after removing existing shadow directory", table.Database, table.Name)
	}
	return err
}

// shadowDirForDataPath maps a table data path to its shadow location:
// <disk>/data/db/t -> <disk>/shadow/<name>/data/db/t,
// <disk>/store/abc/uuid -> <disk>/shadow/<name>/store/abc/uuid.
func shadowDirForDataPath(dataPath, shadowName string) string {
	for _, marker := range []string{"/store/", "/data/"} {
		if idx := strings.LastIndex(dataPath, marker); idx >= 0 {
			diskPath := dataPath[:idx]
			relative := dataPath[idx:]
			return path.Join(diskPath, "shadow", shadowName) + relative
		}
	}
	return ""
}

func (b *Backuper) walkShadow(backupMeta *metadata.BackupMetadata, table *clickhouse.Table, disks []clickhouse.Disk, shadowName string) ([]frozenPart, error) {
	var parts []frozenPart
	for _, dataPath := range table.DataPaths {
		shadowTablePath := shadowDirForDataPath(dataPath, shadowName)
		if shadowTablePath == "" {
			continue
		}
		entries, err := os.ReadDir(shadowTablePath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		disk := diskForDataPath(dataPath, disks)
		storageClass := metadata.StorageClassLocal
		var revision uint64
		if disk.IsObjectStorage() {
			storageClass = metadata.StorageClassObjectStorage
			revision = backupMeta.DiskRevisions[disk.Name]
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			parts = append(parts, frozenPart{
				database:     table.Database,
				table:        table.Name,
				name:         entry.Name(),
				path:         filepath.Join(shadowTablePath, entry.Name()),
				diskName:     disk.Name,
				storageClass: storageClass,
				diskRevision: revision,
			})
		}
	}
	return parts, nil
}

// diskForDataPath picks the disk with the longest matching path prefix.
func diskForDataPath(dataPath string, disks []clickhouse.Disk) clickhouse.Disk {
	best := clickhouse.Disk{Name: "default", Path: "/"}
	bestLen := 0
	for _, disk := range disks {
		if strings.HasPrefix(dataPath, disk.Path) && len(disk.Path) > bestLen {
			best = disk
			bestLen = len(disk.Path)
		}
	}
	return best
}

// uploadFrozenParts runs the dedupe and pack+upload stages: a bounded queue
// feeds upload_threads workers, the first unrecoverable error cancels the
// pipeline and the remaining items drain.
func (b *Backuper) uploadFrozenParts(ctx context.Context, backupMeta *metadata.BackupMetadata, dedupIndex *DedupIndex, frozen []frozenPart) error {
	uploadGroup, uploadCtx := errgroup.WithContext(ctx)
	queue := make(chan frozenPart, 2*b.cfg.Multiprocessing.UploadThreads)
	var metaMutex sync.Mutex

	for worker := 0; worker < b.cfg.Multiprocessing.UploadThreads; worker++ {
		uploadGroup.Go(func() error {
			for part := range queue {
				select {
				case <-uploadCtx.Done():
					// drain remaining items after cancellation
					continue
				default:
				}
				partMeta, err := b.backupPart(uploadCtx, backupMeta.Name, dedupIndex, part)
				if err != nil {
					return err
				}
				metaMutex.Lock()
				err = backupMeta.AddPart(*partMeta)
				metaMutex.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	uploadGroup.Go(func() error {
		defer close(queue)
		for _, part := range frozen {
			select {
			case queue <- part:
			case <-uploadCtx.Done():
				return uploadCtx.Err()
			}
		}
		return nil
	})
	return uploadGroup.Wait()
}

// backupPart packs the part once to compute its checksum, consults the
// deduplication engine and either emits a link descriptor or uploads the
// artifact.
func (b *Backuper) backupPart(ctx context.Context, backupName string, dedupIndex *DedupIndex, part frozenPart) (*metadata.PartMetadata, error) {
	probe, err := storage.PackPartDirectory(part.path, io.Discard)
	if err != nil {
		return nil, errors.Wrapf(err, "part `%s` of `%s`.`%s` is not packable", part.name, part.database, part.table)
	}
	partMeta := &metadata.PartMetadata{
		Database:     part.database,
		Table:        part.table,
		Name:         part.name,
		Checksum:     probe.Checksum,
		Bytes:        uint64(probe.Size),
		RawBytes:     uint64(probe.RawSize),
		Files:        probe.Files,
		Tarball:      true,
		DiskName:     part.diskName,
		StorageClass: part.storageClass,
		DiskRevision: part.diskRevision,
	}
	link, linkSize, err := b.Deduplicate(ctx, dedupIndex, part.database, part.table, part.name, probe.Checksum)
	if err != nil {
		return nil, err
	}
	if link != nil {
		partMeta.Link = link
		if linkSize > 0 {
			partMeta.Bytes = linkSize
		}
		return partMeta, nil
	}

	unlock := dedupIndex.LockChecksum(probe.Checksum)
	defer unlock()
	artifactKey := PartDataKey(backupName, part.database, part.table, part.name)
	archive, err := b.dst.UploadPartStream(ctx, artifactKey, func(w io.Writer) (*storage.PartArchive, error) {
		return storage.PackPartDirectory(part.path, w)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't upload part `%s` of `%s`.`%s`", part.name, part.database, part.table)
	}
	if archive.Checksum != probe.Checksum {
		// the underlying part mutated between probe and upload
		if deleteErr := b.dst.DeleteFile(ctx, artifactKey); deleteErr != nil {
			log.Warn().Msgf("can't delete inconsistent artifact %s: %v", artifactKey, deleteErr)
		}
		return nil, errors.Errorf("part `%s` of `%s`.`%s` changed during upload", part.name, part.database, part.table)
	}
	return partMeta, nil
}

func (b *Backuper) unfreeze(backupName string, failed bool) error {
	if failed && b.cfg.Backup.KeepFreezedDataOnFailure {
		return nil
	}
	// unfreeze must not be canceled mid-cleanup
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ClickHouse.Timeout)
	defer cancel()
	if err := b.ch.SystemUnfreeze(ctx, sanitizedShadowName(backupName)); err != nil {
		log.Warn().Msgf("can't unfreeze %s: %v", backupName, err)
		return err
	}
	return nil
}

// backupAccessControl uploads local access control objects (SQL files plus
// the UUID list) and dumps of replicated user directories.
func (b *Backuper) backupAccessControl(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	accessPath := b.cfg.ClickHouse.AccessControlPath
	entries, err := os.ReadDir(accessPath)
	if err != nil {
		if os.IsNotExist(err) {
			// local storage may be absent while replicated directories exist
			return b.backupReplicatedAccessControl(ctx, backupMeta)
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") && !strings.HasSuffix(name, ".list") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(accessPath, name))
		if err != nil {
			return err
		}
		if err := b.dst.UploadData(ctx, accessControlKey(backupMeta.Name, name), body); err != nil {
			return err
		}
		if strings.HasSuffix(name, ".sql") {
			backupMeta.AccessControl.IDs = append(backupMeta.AccessControl.IDs, strings.TrimSuffix(name, ".sql"))
		}
	}
	return b.backupReplicatedAccessControl(ctx, backupMeta)
}

// backupReplicatedAccessControl dumps access entities of replicated user
// directories from keeper into jsonl artifacts.
func (b *Backuper) backupReplicatedAccessControl(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	directories, err := b.ch.GetReplicatedUserDirectories(ctx)
	if err != nil {
		return err
	}
	if len(directories) == 0 {
		return nil
	}
	k := &keeper.Keeper{}
	if err := k.Connect(ctx, b.ch, b.cfg); err != nil {
		return err
	}
	defer k.Close()
	for _, directory := range directories {
		accessZKPath, err := k.GetReplicatedAccessPath(directory)
		if err != nil {
			return err
		}
		dumpFile, err := os.CreateTemp("", "ch-backup-access-*.jsonl")
		if err != nil {
			return err
		}
		dumpPath := dumpFile.Name()
		if err := dumpFile.Close(); err != nil {
			return err
		}
		if _, err := k.Dump(accessZKPath, dumpPath); err != nil {
			return err
		}
		body, err := os.ReadFile(dumpPath)
		if removeErr := os.Remove(dumpPath); removeErr != nil {
			log.Warn().Msgf("can't remove %s: %v", dumpPath, removeErr)
		}
		if err != nil {
			return err
		}
		if err := b.dst.UploadData(ctx, accessControlKey(backupMeta.Name, directory+".jsonl"), body); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backuper) backupUDFs(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	functions, err := b.ch.GetUserDefinedFunctions(ctx)
	if err != nil {
		return err
	}
	for _, function := range functions {
		if err := b.dst.UploadData(ctx, udfKey(backupMeta.Name, function.Name), []byte(function.CreateQuery)); err != nil {
			return err
		}
		backupMeta.UDFs = append(backupMeta.UDFs, function.Name)
	}
	return nil
}

func (b *Backuper) backupNamedCollections(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	collections, err := b.ch.GetNamedCollections(ctx)
	if err != nil {
		return err
	}
	for _, collection := range collections {
		localPath := filepath.Join(b.cfg.ClickHouse.NamedCollectionsPath, collection+".sql")
		body, err := os.ReadFile(localPath)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warn().Msgf("named collection %s has no local SQL file", collection)
				continue
			}
			return err
		}
		if err := b.dst.UploadData(ctx, namedCollectionKey(backupMeta.Name, collection), body); err != nil {
			return err
		}
		backupMeta.NamedCollections = append(backupMeta.NamedCollections, collection)
	}
	return nil
}
