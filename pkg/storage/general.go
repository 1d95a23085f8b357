package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio/v3"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/ch-backup/pkg/codec"
	"github.com/yandex/ch-backup/pkg/config"
)

const (
	// BufferSize - size of ring buffer between stream handlers
	BufferSize = 512 * 1024
)

// BackupDestination wraps a RemoteStorage with the codec chain, retry policy
// and upload rate limiting. All data artifacts go through it; metadata
// documents are stored without the codec chain so listing stays cheap.
type BackupDestination struct {
	RemoteStorage
	Codecs            codec.Chain
	retriesOnFailure  int
	retriesPause      time.Duration
	maxUploadRate     int64
	validateUploads   bool
	trafficRetryAfter time.Duration
}

// NewBackupDestination - build destination from config
func NewBackupDestination(cfg *config.Config) (*BackupDestination, error) {
	chain := codec.Chain{}
	if cfg.Storage.Compression {
		chain = append(chain, codec.NewZSTD(cfg.Storage.CompressionLevel))
	}
	if cfg.Encryption.IsEnabled {
		key, err := cfg.Encryption.KeyBytes()
		if err != nil {
			return nil, err
		}
		secretboxCodec, err := codec.NewSecretbox(key, cfg.Encryption.ChunkSize)
		if err != nil {
			return nil, err
		}
		chain = append(chain, secretboxCodec)
	}
	s3Storage := &S3{
		Config: &cfg.S3,
		Path:   cfg.Backup.PathRoot,
	}
	return &BackupDestination{
		RemoteStorage:     s3Storage,
		Codecs:            chain,
		retriesOnFailure:  cfg.Storage.RetriesOnFailure,
		retriesPause:      cfg.Storage.RetriesPause,
		maxUploadRate:     cfg.RateLimiter.MaxUploadRate,
		validateUploads:   cfg.Backup.ValidatePartAfterUpload,
		trafficRetryAfter: cfg.Storage.UploadingTrafficLimitRetryTime,
	}, nil
}

func (bd *BackupDestination) retry(ctx context.Context, work func(ctx context.Context) error) error {
	// absent keys are a terminal answer, not a transient failure
	retry := retrier.New(retrier.ExponentialBackoff(bd.retriesOnFailure, bd.retriesPause), retrier.BlacklistClassifier{ErrNotFound})
	retry.SetJitter(0.25)
	return retry.RunCtx(ctx, work)
}

// UploadData - store a small blob (metadata document) under key
func (bd *BackupDestination) UploadData(ctx context.Context, key string, data []byte) error {
	return bd.retry(ctx, func(ctx context.Context) error {
		return bd.PutFile(ctx, key, bytes.NewReader(data), int64(len(data)))
	})
}

// DownloadData - fetch a small blob stored with UploadData
func (bd *BackupDestination) DownloadData(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := bd.retry(ctx, func(ctx context.Context) error {
		r, err := bd.GetFileReader(ctx, key)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				log.Warn().Msgf("can't close GetFileReader descriptor for %s: %v", key, closeErr)
			}
		}()
		data, err = io.ReadAll(r)
		return err
	})
	return data, err
}

// UploadPartStream streams the produced part archive through the codec chain
// into remote storage. produce writes the plain TAR into its writer and
// returns the archive description with the streaming checksum.
func (bd *BackupDestination) UploadPartStream(ctx context.Context, key string, produce func(w io.Writer) (*PartArchive, error)) (*PartArchive, error) {
	var archive *PartArchive
	uploadAttempt := func(ctx context.Context) error {
		pipeBuffer := buffer.New(BufferSize)
		body, w := nio.Pipe(pipeBuffer)
		g, gCtx := errgroup.WithContext(ctx)

		var writerErr, readerErr error
		g.Go(func() error {
			defer func() {
				if writerErr != nil {
					if err := w.CloseWithError(writerErr); err != nil {
						log.Error().Msgf("can't close after error %v pipe writer error: %v", writerErr, err)
					}
				} else {
					if err := w.Close(); err != nil {
						log.Error().Msgf("can't close pipe writer: %v", err)
					}
				}
			}()
			encoder, err := bd.Codecs.WrapWriter(w)
			if err != nil {
				writerErr = err
				return err
			}
			archive, writerErr = produce(encoder)
			if writerErr != nil {
				return writerErr
			}
			if writerErr = encoder.Close(); writerErr != nil {
				return writerErr
			}
			return nil
		})
		g.Go(func() error {
			defer func() {
				if readerErr != nil {
					if err := body.CloseWithError(readerErr); err != nil {
						log.Error().Msgf("can't close after error %v pipe reader error: %v", readerErr, err)
					}
				} else {
					if err := body.Close(); err != nil {
						log.Error().Msgf("can't close pipe reader: %v", err)
					}
				}
			}()
			putCtx := gCtx
			if bd.maxUploadRate > 0 && bd.trafficRetryAfter > 0 {
				// a part stalled by the limiter past the deadline is retried
				var putCancel context.CancelFunc
				putCtx, putCancel = context.WithTimeout(gCtx, bd.trafficRetryAfter)
				defer putCancel()
			}
			limited := NewRateLimitedReader(putCtx, body, bd.maxUploadRate)
			readerErr = bd.PutFile(putCtx, key, limited, 0)
			return readerErr
		})
		return g.Wait()
	}
	if err := bd.retry(ctx, uploadAttempt); err != nil {
		return nil, err
	}
	if bd.validateUploads {
		reupload := func() (*PartArchive, error) {
			err := bd.retry(ctx, uploadAttempt)
			return archive, err
		}
		if err := bd.validatePart(ctx, key, archive, reupload); err != nil {
			return nil, err
		}
	}
	return archive, nil
}

// validatePart reads the artifact back through the inverse codec chain and
// compares the plain-stream checksum. On mismatch the artifact is deleted
// and uploaded once more; second failure is fatal for the part.
func (bd *BackupDestination) validatePart(ctx context.Context, key string, archive *PartArchive, reupload func() (*PartArchive, error)) error {
	match, err := bd.checkPartChecksum(ctx, key, archive.Checksum)
	if err != nil {
		return err
	}
	if match {
		return nil
	}
	log.Warn().Msgf("artifact %s checksum mismatch after upload, re-uploading", key)
	if err := bd.DeleteFile(ctx, key); err != nil {
		return errors.Wrapf(err, "can't delete corrupted artifact %s", key)
	}
	reuploaded, err := reupload()
	if err != nil {
		return errors.Wrapf(err, "can't re-upload artifact %s", key)
	}
	if match, err = bd.checkPartChecksum(ctx, key, reuploaded.Checksum); err != nil {
		return err
	}
	if match {
		return nil
	}
	return errors.Errorf("artifact %s failed checksum validation after upload", key)
}

func (bd *BackupDestination) checkPartChecksum(ctx context.Context, key, expected string) (bool, error) {
	r, err := bd.DownloadPartStream(ctx, key)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			log.Warn().Msgf("can't close artifact reader for %s: %v", key, closeErr)
		}
	}()
	checksumReader := NewChecksumReader(r)
	if _, err := io.Copy(io.Discard, checksumReader); err != nil {
		return false, err
	}
	return checksumReader.Checksum() == expected, nil
}

// DownloadPartStream opens the artifact and returns the plain TAR stream
// after the inverse codec chain.
func (bd *BackupDestination) DownloadPartStream(ctx context.Context, key string) (io.ReadCloser, error) {
	raw, err := bd.GetFileReader(ctx, key)
	if err != nil {
		return nil, err
	}
	decoded, err := bd.Codecs.WrapReader(raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &partStreamReader{decoded: decoded, raw: raw}, nil
}

// DownloadPartStreamWithCodecs opens an artifact written with an explicit
// codec chain, used when restoring backups whose chain differs from the
// current config.
func (bd *BackupDestination) DownloadPartStreamWithCodecs(ctx context.Context, key string, chain codec.Chain) (io.ReadCloser, error) {
	raw, err := bd.GetFileReader(ctx, key)
	if err != nil {
		return nil, err
	}
	decoded, err := chain.WrapReader(raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &partStreamReader{decoded: decoded, raw: raw}, nil
}

type partStreamReader struct {
	decoded io.ReadCloser
	raw     io.ReadCloser
}

func (pr *partStreamReader) Read(p []byte) (int, error) {
	return pr.decoded.Read(p)
}

func (pr *partStreamReader) Close() error {
	decodedErr := pr.decoded.Close()
	rawErr := pr.raw.Close()
	if decodedErr != nil {
		return decodedErr
	}
	return rawErr
}

// ExistsNonEmpty - true if the key is present with non-zero size
func (bd *BackupDestination) ExistsNonEmpty(ctx context.Context, key string) (bool, error) {
	f, err := bd.StatFile(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return f.Size() > 0, nil
}

// ListPrefix - collect keys and sizes under a prefix
func (bd *BackupDestination) ListPrefix(ctx context.Context, prefix string, recursive bool) ([]RemoteFile, error) {
	var files []RemoteFile
	err := bd.Walk(ctx, prefix, recursive, func(ctx context.Context, f RemoteFile) error {
		files = append(files, f)
		return nil
	})
	return files, err
}
