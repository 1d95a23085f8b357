package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory - in-memory RemoteStorage used by tests and dry runs
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data     []byte
	modified time.Time
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]memoryObject{}}
}

func (m *Memory) Kind() string { return "memory" }

func (m *Memory) Connect(ctx context.Context) error { return nil }

func (m *Memory) Close(ctx context.Context) error { return nil }

func (m *Memory) StatFile(ctx context.Context, key string) (RemoteFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, exists := m.objects[key]
	if !exists {
		return nil, ErrNotFound
	}
	return &s3File{int64(len(obj.data)), obj.modified, key}, nil
}

func (m *Memory) GetFileReader(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, exists := m.objects[key]
	if !exists {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) PutFile(ctx context.Context, key string, r io.Reader, sizeHint int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, modified: time.Now()}
	return nil
}

func (m *Memory) DeleteFile(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) DeleteFiles(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}

func (m *Memory) Walk(ctx context.Context, prefix string, recursive bool, process func(ctx context.Context, f RemoteFile) error) error {
	prefix = addTrailingSlash(prefix)
	if prefix == "/" {
		prefix = ""
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	if recursive {
		for _, key := range keys {
			m.mu.RLock()
			obj := m.objects[key]
			m.mu.RUnlock()
			if err := process(ctx, &s3File{int64(len(obj.data)), obj.modified, strings.TrimPrefix(key, prefix)}); err != nil {
				return err
			}
		}
		return nil
	}
	seenDirs := map[string]bool{}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if idx := strings.Index(rel, "/"); idx >= 0 {
			dir := rel[:idx+1]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				if err := process(ctx, &s3File{name: dir}); err != nil {
					return err
				}
			}
			continue
		}
		m.mu.RLock()
		obj := m.objects[key]
		m.mu.RUnlock()
		if err := process(ctx, &s3File{int64(len(obj.data)), obj.modified, rel}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, exists := m.objects[srcBucket+"/"+srcKey]
	if !exists {
		return ErrNotFound
	}
	m.objects[dstBucket+"/"+dstKey] = memoryObject{data: append([]byte(nil), obj.data...), modified: time.Now()}
	return nil
}

// Keys - sorted object keys, used in test assertions
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
