package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/yandex/ch-backup/pkg/metadata"
)

// ListBackups - backups sorted by start time, most recent first. Without
// all only created backups are returned.
func (b *Backuper) ListBackups(ctx context.Context, all bool) ([]*metadata.BackupMetadata, error) {
	backups, err := b.listBackups(ctx, true)
	if err != nil {
		return nil, err
	}
	if all {
		return backups, nil
	}
	filtered := make([]*metadata.BackupMetadata, 0, len(backups))
	for _, backupMeta := range backups {
		if backupMeta.State == metadata.BackupStateCreated {
			filtered = append(filtered, backupMeta)
		}
	}
	return filtered, nil
}

// PrintBackups - render the list command output
func (b *Backuper) PrintBackups(ctx context.Context, w io.Writer, all bool) error {
	backups, err := b.ListBackups(ctx, all)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if all {
		fmt.Fprintln(tw, "name\tstate\tstart_time\tend_time\tsize\tdata_count\tlink_count")
		for _, backupMeta := range backups {
			endTime := ""
			if !backupMeta.EndTime.IsZero() {
				endTime = backupMeta.EndTime.Format(metadata.TimeFormat)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				backupMeta.Name, backupMeta.State,
				backupMeta.StartTime.Format(metadata.TimeFormat), endTime,
				backupMeta.Bytes, backupMeta.DataCount(), backupMeta.LinkCount())
		}
	} else {
		for _, backupMeta := range backups {
			fmt.Fprintln(tw, backupMeta.Name)
		}
	}
	return tw.Flush()
}

// PrintBackup - render the show command output
func (b *Backuper) PrintBackup(ctx context.Context, w io.Writer, backupName string) error {
	backupMeta, err := b.GetBackup(ctx, backupName)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(backupMeta, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(body))
	return err
}
