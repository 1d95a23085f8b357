package storage

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound - requested object is absent in remote storage
var ErrNotFound = errors.New("key not found in remote storage")

// RemoteFile - one object returned by Walk or StatFile
type RemoteFile interface {
	Size() int64
	Name() string
	LastModified() time.Time
}

// RemoteStorage - minimal object storage contract consumed by the engine
type RemoteStorage interface {
	Kind() string
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	StatFile(ctx context.Context, key string) (RemoteFile, error)
	GetFileReader(ctx context.Context, key string) (io.ReadCloser, error)
	PutFile(ctx context.Context, key string, r io.Reader, sizeHint int64) error
	DeleteFile(ctx context.Context, key string) error
	DeleteFiles(ctx context.Context, keys []string) error
	Walk(ctx context.Context, prefix string, recursive bool, process func(ctx context.Context, f RemoteFile) error) error
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}
