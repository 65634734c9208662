package artifacts

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process. Presigned URLs are "mem://" keys.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Upload(_ context.Context, key string, reader io.Reader, _ int64, metadata map[string]string) (*Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return &Artifact{Key: key, Size: int64(len(data)), ContentType: ContentType(key), LastModified: time.Now(), Metadata: metadata}, nil
}

func (m *MemoryStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return "mem://" + key, nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Artifact
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, &Artifact{Key: k, Size: int64(len(v)), ContentType: ContentType(k)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *MemoryStore) EnsureBucket(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
