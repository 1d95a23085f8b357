package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/clickhouse"
	"github.com/yandex/ch-backup/pkg/metadata"
	"github.com/yandex/ch-backup/pkg/storage"
	"github.com/yandex/ch-backup/pkg/utils"
)

const (
	// TimeFormatForBackup - default backup name format
	TimeFormatForBackup = "20060102T150405"
	// LastBackupAlias resolves to the most recent created backup
	LastBackupAlias = "LAST"

	dataPrefix             = "data"
	accessControlPrefix    = "access_control"
	udfPrefix              = "user_defined_functions"
	namedCollectionsPrefix = "named_collections"
	cloudStoragePrefix     = "cloud_storage"
)

// NewBackupName - return default timestamp backup name
func NewBackupName() string {
	return time.Now().UTC().Format(TimeFormatForBackup)
}

// ResolveBackupName expands the {uuid} token and falls back to the default
// timestamp name.
func ResolveBackupName(name string) string {
	if name == "" {
		return NewBackupName()
	}
	if strings.Contains(name, "{uuid}") {
		name = strings.ReplaceAll(name, "{uuid}", uuid.New().String())
	}
	return utils.CleanBackupNameRE.ReplaceAllString(name, "")
}

func backupMetadataKey(backupName string) string {
	return path.Join(backupName, metadata.BackupMetadataFileName)
}

func backupLightMetadataKey(backupName string) string {
	return path.Join(backupName, metadata.BackupLightMetadataFileName)
}

// PartDataKey - key of the TAR artifact of one part
func PartDataKey(backupName, database, table, partName string) string {
	return path.Join(backupName, dataPrefix, clickhouse.TablePathEncode(database), clickhouse.TablePathEncode(table), partName+".tar")
}

func accessControlKey(backupName, fileName string) string {
	return path.Join(backupName, accessControlPrefix, fileName)
}

func udfKey(backupName, functionName string) string {
	return path.Join(backupName, udfPrefix, functionName+".sql")
}

func namedCollectionKey(backupName, collectionName string) string {
	return path.Join(backupName, namedCollectionsPrefix, collectionName+".sql")
}

func cloudStorageKey(backupName, diskName, fileName string) string {
	return path.Join(backupName, cloudStoragePrefix, diskName, fileName)
}

// uploadBackupMetadata - whole-document replace of both the full and the
// light documents
func (b *Backuper) uploadBackupMetadata(ctx context.Context, backupMeta *metadata.BackupMetadata) error {
	body, err := json.Marshal(backupMeta)
	if err != nil {
		return errors.Wrap(err, "can't marshal backup document")
	}
	if err := b.dst.UploadData(ctx, backupMetadataKey(backupMeta.Name), body); err != nil {
		return errors.Wrap(err, "failed to upload backup metadata")
	}
	lightBody, err := backupMeta.DumpLight()
	if err != nil {
		return errors.Wrap(err, "can't marshal light backup document")
	}
	if err := b.dst.UploadData(ctx, backupLightMetadataKey(backupMeta.Name), lightBody); err != nil {
		return errors.Wrap(err, "failed to upload light backup metadata")
	}
	return nil
}

// loadBackupMetadata - fetch one backup document; light documents carry no
// part catalog
func (b *Backuper) loadBackupMetadata(ctx context.Context, backupName string, light bool) (*metadata.BackupMetadata, error) {
	key := backupMetadataKey(backupName)
	if light {
		key = backupLightMetadataKey(backupName)
	}
	body, err := b.dst.DownloadData(ctx, key)
	if err != nil {
		if light && errors.Is(err, storage.ErrNotFound) {
			// backups written before light documents existed
			return b.loadBackupMetadata(ctx, backupName, false)
		}
		return nil, err
	}
	backupMeta := &metadata.BackupMetadata{}
	if err := json.Unmarshal(body, backupMeta); err != nil {
		return nil, err
	}
	return backupMeta, nil
}

// listBackups - all backups in remote storage sorted by start time, most
// recent first. Unreadable documents are surfaced as failed so a broken
// backup never hides from the operator.
func (b *Backuper) listBackups(ctx context.Context, light bool) ([]*metadata.BackupMetadata, error) {
	var names []string
	err := b.dst.Walk(ctx, "/", false, func(ctx context.Context, f storage.RemoteFile) error {
		name := strings.Trim(f.Name(), "/")
		if name != "" && strings.HasSuffix(f.Name(), "/") {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	backups := make([]*metadata.BackupMetadata, 0, len(names))
	for _, name := range names {
		backupMeta, err := b.loadBackupMetadata(ctx, name, light)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Warn().Msgf("skip %s, backup document not found", name)
				continue
			}
			log.Warn().Msgf("backup %s is broken: %v", name, err)
			backups = append(backups, &metadata.BackupMetadata{
				Name:       name,
				State:      metadata.BackupStateFailed,
				FailReason: fmt.Sprintf("broken (%v)", err),
			})
			continue
		}
		backups = append(backups, backupMeta)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].StartTime.After(backups[j].StartTime)
	})
	return backups, nil
}

// GetBackup - fetch backup by name resolving the LAST alias
func (b *Backuper) GetBackup(ctx context.Context, backupName string) (*metadata.BackupMetadata, error) {
	if backupName == LastBackupAlias {
		backups, err := b.listBackups(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, backupMeta := range backups {
			if backupMeta.State == metadata.BackupStateCreated {
				return b.loadBackupMetadata(ctx, backupMeta.Name, false)
			}
		}
		return nil, errors.Wrap(ErrBackupNotFound, "no created backups")
	}
	backupMeta, err := b.loadBackupMetadata(ctx, backupName, false)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(ErrBackupNotFound, "%s", backupName)
		}
		return nil, err
	}
	return backupMeta, nil
}

// deleteBackupPrefix - remove every key of the backup including the document
func (b *Backuper) deleteBackupPrefix(ctx context.Context, backupName string) error {
	var keys []string
	err := b.dst.Walk(ctx, backupName+"/", true, func(ctx context.Context, f storage.RemoteFile) error {
		keys = append(keys, path.Join(backupName, f.Name()))
		return nil
	})
	if err != nil {
		return err
	}
	return b.dst.DeleteFiles(ctx, keys)
}
