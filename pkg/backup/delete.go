package backup

import (
	"context"
	"path"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/lock"
	"github.com/yandex/ch-backup/pkg/metadata"
	"github.com/yandex/ch-backup/pkg/storage"
)

// dedupReferences - per deleting backup: set of its parts still referenced
// by retained backups, keyed backup -> database -> table -> part name
type dedupReferences map[string]map[string]map[string]map[string]bool

func (refs dedupReferences) add(backupName string, part *metadata.PartMetadata) {
	backupRefs, exists := refs[backupName]
	if !exists {
		backupRefs = map[string]map[string]map[string]bool{}
		refs[backupName] = backupRefs
	}
	dbRefs, exists := backupRefs[part.Database]
	if !exists {
		dbRefs = map[string]map[string]bool{}
		backupRefs[part.Database] = dbRefs
	}
	tableRefs, exists := dbRefs[part.Table]
	if !exists {
		tableRefs = map[string]bool{}
		dbRefs[part.Table] = tableRefs
	}
	tableRefs[part.Name] = true
}

func (refs dedupReferences) contains(backupName string, part *metadata.PartMetadata) bool {
	return refs[backupName][part.Database][part.Table][part.Name]
}

func (refs dedupReferences) hasBackup(backupName string) bool {
	return len(refs[backupName]) > 0
}

// collectDedupReferences scans retained backups for links into the deleting
// set. Reference counting is by scan at delete time, no counters are kept
// in the documents.
func (b *Backuper) collectDedupReferences(ctx context.Context, retained, deleting []*metadata.BackupMetadata) (dedupReferences, error) {
	refs := dedupReferences{}
	deletingNames := map[string]bool{}
	for _, backupMeta := range deleting {
		deletingNames[backupMeta.Name] = true
	}
	for _, retainedMeta := range retained {
		full, err := b.loadBackupMetadata(ctx, retainedMeta.Name, false)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, part := range full.GetParts() {
			if part.Link == nil || !deletingNames[part.Link.BackupName] {
				continue
			}
			refs.add(part.Link.BackupName, part)
		}
	}
	return refs, nil
}

// DeleteBackup - delete the specified backup, keeping parts still referenced
// by other backups. Returns a warning message when the backup was only
// partially deleted.
func (b *Backuper) DeleteBackup(ctx context.Context, backupName string) (string, error) {
	if err := b.ch.Connect(ctx); err != nil {
		return "", err
	}
	defer b.ch.Close()

	locker := lock.NewLocker(b.cfg, b.ch)
	if err := locker.Acquire(ctx, "DELETE", true); err != nil {
		return "", err
	}
	defer locker.Release()

	backups, err := b.listBackups(ctx, true)
	if err != nil {
		return "", err
	}
	var target *metadata.BackupMetadata
	var retained []*metadata.BackupMetadata
	for _, backupMeta := range backups {
		if backupMeta.Name == backupName {
			target = backupMeta
			continue
		}
		retained = append(retained, backupMeta)
	}
	if target == nil {
		return "", errors.Wrapf(ErrBackupNotFound, "%s", backupName)
	}
	refs, err := b.collectDedupReferences(ctx, retained, []*metadata.BackupMetadata{target})
	if err != nil {
		return "", err
	}
	return b.deleteBackup(ctx, target, refs)
}

func (b *Backuper) deleteBackup(ctx context.Context, target *metadata.BackupMetadata, refs dedupReferences) (string, error) {
	log.Info().Fields(map[string]interface{}{
		"backup":    target.Name,
		"operation": "delete",
		"state":     string(target.State),
	}).Msg("start")

	full, err := b.loadBackupMetadata(ctx, target.Name, false)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// document already gone, sweep the prefix
			return "", b.deleteBackupPrefix(ctx, target.Name)
		}
		return "", err
	}
	full.State = metadata.BackupStateDeleting
	if err := b.uploadBackupMetadata(ctx, full); err != nil {
		return "", err
	}

	if !refs.hasBackup(full.Name) {
		if err := b.deleteCloudStorageData(ctx, full); err != nil {
			return "", err
		}
		if err := b.deleteBackupPrefix(ctx, full.Name); err != nil {
			return "", err
		}
		if err := b.unfreeze(full.Name, false); err != nil {
			log.Warn().Msgf("can't unfreeze %s: %v", full.Name, err)
		}
		log.Info().Fields(map[string]interface{}{
			"backup":    full.Name,
			"operation": "delete",
		}).Msg("done")
		return "", nil
	}

	// shared parts survive, delete only unreferenced own artifacts
	var deleteKeys []string
	for _, dbName := range full.GetDatabases() {
		for _, table := range full.GetTables(dbName) {
			var removed []*metadata.PartMetadata
			for _, part := range table.GetParts() {
				if refs.contains(full.Name, part) {
					continue
				}
				if part.Link == nil {
					deleteKeys = append(deleteKeys, PartDataKey(full.Name, part.Database, part.Table, part.Name))
				}
				removed = append(removed, part)
			}
			full.RemoveParts(dbName, table.Name, removed)
		}
	}
	if err := b.dst.DeleteFiles(ctx, deleteKeys); err != nil {
		full.State = metadata.BackupStateFailed
		full.FailReason = err.Error()
		if uploadErr := b.uploadBackupMetadata(ctx, full); uploadErr != nil {
			log.Warn().Msgf("can't record failed delete: %v", uploadErr)
		}
		return "", err
	}
	full.State = metadata.BackupStatePartiallyDeleted
	if err := b.uploadBackupMetadata(ctx, full); err != nil {
		return "", err
	}
	if err := b.unfreeze(full.Name, false); err != nil {
		log.Warn().Msgf("can't unfreeze %s: %v", full.Name, err)
	}
	msg := "Backup was partially deleted as its data is in use by subsequent backups per deduplication settings."
	log.Info().Fields(map[string]interface{}{
		"backup":    full.Name,
		"operation": "delete",
	}).Msg(msg)
	return msg, nil
}

// deleteCloudStorageData removes the cloud_storage/ key space of this backup.
// It is called only when no other backup links to this backup's parts; disk
// revisions of other backups are not consulted, and the object-storage
// disks' own shadow/ and operations/ key spaces are not touched.
func (b *Backuper) deleteCloudStorageData(ctx context.Context, full *metadata.BackupMetadata) error {
	if !full.CloudStorage.Enabled() {
		return nil
	}
	var keys []string
	err := b.dst.Walk(ctx, path.Join(full.Name, cloudStoragePrefix)+"/", true, func(ctx context.Context, f storage.RemoteFile) error {
		keys = append(keys, path.Join(full.Name, cloudStoragePrefix, f.Name()))
		return nil
	})
	if err != nil {
		return err
	}
	return b.dst.DeleteFiles(ctx, keys)
}
