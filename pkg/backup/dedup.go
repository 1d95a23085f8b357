package backup

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/metadata"
)

// dedupEntry - one candidate artifact a new part may link to
type dedupEntry struct {
	// link is the ultimate artifact owner, never a link-to-link
	link     metadata.PartLink
	checksum string
	size     uint64
	verified bool
}

// DedupIndex - in-memory map of parts reusable by the current backup,
// keyed by (database, table, part name, checksum)
type DedupIndex struct {
	entries *xsync.MapOf[string, dedupEntry]
	// uploadLocks bounds concurrent uploads to one per checksum
	uploadLocks *xsync.MapOf[string, *sync.Mutex]
}

func newDedupIndex() *DedupIndex {
	return &DedupIndex{
		entries:     xsync.NewMapOf[dedupEntry](),
		uploadLocks: xsync.NewMapOf[*sync.Mutex](),
	}
}

func dedupKey(database, table, partName, checksum string) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", database, table, partName, checksum)
}

// LockChecksum - serialize uploads of identical content
func (idx *DedupIndex) LockChecksum(checksum string) func() {
	mutex, _ := idx.uploadLocks.LoadOrCompute(checksum, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mutex.Lock()
	return mutex.Unlock
}

// buildDedupIndex enumerates prior backups newest first and collects parts
// eligible as deduplication sources. A backup contributes entries iff it is
// young enough and not being deleted; `creating` and `failed` backups still
// contribute so a crashed run amortizes the next one. Each candidate's full
// document is loaded at once; its parts are indexed in
// deduplication_batch_size chunks with a cancellation check after each chunk.
func (b *Backuper) buildDedupIndex(ctx context.Context, priorBackups []*metadata.BackupMetadata) (*DedupIndex, error) {
	idx := newDedupIndex()
	if !b.cfg.Backup.DeduplicateParts {
		return idx, nil
	}
	ageLimit := utcNow().Add(-b.cfg.Backup.DeduplicationAgeLimit)
	candidateNames := map[string]bool{}
	var candidates []*metadata.BackupMetadata
	for _, prior := range priorBackups {
		if prior.StartTime.Before(ageLimit) {
			// prior backups are sorted newest first, the rest are older
			break
		}
		if prior.SchemaOnly {
			continue
		}
		switch prior.State {
		case metadata.BackupStateDeleting, metadata.BackupStatePartiallyDeleted:
			continue
		}
		candidateNames[prior.Name] = true
		candidates = append(candidates, prior)
	}
	batchSize := b.cfg.Backup.DeduplicationBatchSize
	for _, candidate := range candidates {
		full, err := b.loadBackupMetadata(ctx, candidate.Name, false)
		if err != nil {
			log.Warn().Msgf("skip dedup source %s: %v", candidate.Name, err)
			continue
		}
		parts := full.GetParts()
		for batchStart := 0; batchStart < len(parts); batchStart += batchSize {
			batchEnd := batchStart + batchSize
			if batchEnd > len(parts) {
				batchEnd = len(parts)
			}
			for _, part := range parts[batchStart:batchEnd] {
				key := dedupKey(part.Database, part.Table, part.Name, part.Checksum)
				if _, exists := idx.entries.Load(key); exists {
					continue
				}
				entry := dedupEntry{checksum: part.Checksum, size: part.Bytes}
				if part.Link != nil {
					// only links into the candidate set are trusted
					if !candidateNames[part.Link.BackupName] {
						continue
					}
					entry.link = *part.Link
					entry.verified = true
				} else {
					entry.link = metadata.PartLink{BackupName: full.Name, Database: part.Database, Table: part.Table}
					entry.verified = false
				}
				idx.entries.Store(key, entry)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
	}
	return idx, nil
}

// Deduplicate decides the fate of one candidate part: a link descriptor
// pointing at an existing artifact, or nil meaning the part must be
// uploaded. Unverified sources are HEAD-checked so broken artifacts never
// receive new links.
func (b *Backuper) Deduplicate(ctx context.Context, idx *DedupIndex, database, table, partName, checksum string) (*metadata.PartLink, uint64, error) {
	if !b.cfg.Backup.DeduplicateParts {
		return nil, 0, nil
	}
	entry, exists := idx.entries.Load(dedupKey(database, table, partName, checksum))
	if !exists {
		return nil, 0, nil
	}
	if !entry.verified {
		artifactKey := PartDataKey(entry.link.BackupName, entry.link.Database, entry.link.Table, partName)
		present, err := b.dst.ExistsNonEmpty(ctx, artifactKey)
		if err != nil {
			return nil, 0, err
		}
		if !present {
			log.Debug().Msgf("part %s found in %s, but it's invalid, skipping", partName, entry.link.BackupName)
			return nil, 0, nil
		}
		entry.verified = true
		idx.entries.Store(dedupKey(database, table, partName, checksum), entry)
	}
	log.Debug().Msgf("part %s found in %s, reusing", partName, entry.link.BackupName)
	link := entry.link
	return &link, entry.size, nil
}
