package backup

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/lock"
	"github.com/yandex/ch-backup/pkg/metadata"
)

// PurgeBackups runs retention: the first retain_count created backups are
// protected, everything else is deleted only when it is also older than
// retain_time. When the policies conflict the one preserving more data
// wins. Returns names of fully removed backups.
func (b *Backuper) PurgeBackups(ctx context.Context) ([]string, error) {
	retainTime := b.cfg.Backup.RetainTime
	retainCount := b.cfg.Backup.RetainCount
	if retainTime <= 0 && retainCount <= 0 {
		log.Info().Msg("retain policies are not specified")
		return nil, nil
	}

	if err := b.ch.Connect(ctx); err != nil {
		return nil, err
	}
	defer b.ch.Close()

	locker := lock.NewLocker(b.cfg, b.ch)
	if err := locker.Acquire(ctx, "PURGE", true); err != nil {
		return nil, err
	}
	defer locker.Release()

	backups, err := b.listBackups(ctx, true)
	if err != nil {
		return nil, err
	}

	var retained, deleting []*metadata.BackupMetadata
	countLeft := retainCount
	for _, backupMeta := range backups {
		if countLeft > 0 {
			log.Info().Msgf("preserving backup per retain count policy: %s, state %s", backupMeta.Name, backupMeta.State)
			retained = append(retained, backupMeta)
			// partially deleted and failed backups do not consume the quota
			if backupMeta.State == metadata.BackupStateCreated {
				countLeft--
			}
			continue
		}
		if retainTime > 0 && utcNow().Sub(backupMeta.StartTime) < retainTime {
			log.Info().Msgf("preserving backup per retain time policy: %s, state %s", backupMeta.Name, backupMeta.State)
			retained = append(retained, backupMeta)
			continue
		}
		deleting = append(deleting, backupMeta)
	}
	if len(deleting) == 0 {
		return nil, nil
	}

	refs, err := b.collectDedupReferences(ctx, retained, deleting)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, backupMeta := range deleting {
		msg, err := b.deleteBackup(ctx, backupMeta, refs)
		if err != nil {
			return deleted, err
		}
		if msg == "" {
			deleted = append(deleted, backupMeta.Name)
		}
	}
	return deleted, nil
}
