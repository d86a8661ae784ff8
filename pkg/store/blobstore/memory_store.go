package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements BlobStore
var _ BlobStore = &MemoryStore{}

type MemoryStore struct {
	blobs   map[Address]memoryBlob
	muBlobs sync.Mutex

	temporaries   map[string]*memoryTemporary
	muTemporaries sync.Mutex
}

type memoryBlob struct {
	mediaType string
	contents  []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:       make(map[Address]memoryBlob),
		temporaries: make(map[string]*memoryTemporary),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) CreateTemporary(ctx context.Context, mediaType string) (TemporaryObject, error) {
	tmp := &memoryTemporary{
		name:      uuid.NewString(),
		mediaType: mediaType,
	}
	m.muTemporaries.Lock()
	m.temporaries[tmp.name] = tmp
	m.muTemporaries.Unlock()
	return tmp, nil
}

func (m *MemoryStore) Exists(ctx context.Context, address Address) (bool, error) {
	m.muBlobs.Lock()
	_, ok := m.blobs[address]
	m.muBlobs.Unlock()
	return ok, nil
}

func (m *MemoryStore) Publish(ctx context.Context, tmp TemporaryObject, address Address) error {
	mt, err := m.lookup(tmp)
	if err != nil {
		return err
	}
	contents, closed := mt.snapshot()
	if !closed {
		return ErrNotClosed
	}

	m.muBlobs.Lock()
	if _, ok := m.blobs[address]; !ok {
		m.blobs[address] = memoryBlob{mediaType: mt.mediaType, contents: contents}
	}
	m.muBlobs.Unlock()

	// the temporary object is gone either way
	return m.DeleteTemporary(ctx, tmp)
}

func (m *MemoryStore) OpenRead(ctx context.Context, address Address) (io.ReadCloser, *BlobInfo, error) {
	m.muBlobs.Lock()
	v, ok := m.blobs[address]
	m.muBlobs.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(v.contents)), &BlobInfo{
		Address:   address,
		MediaType: v.mediaType,
		Size:      int64(len(v.contents)),
	}, nil
}

func (m *MemoryStore) DeleteTemporary(ctx context.Context, tmp TemporaryObject) error {
	mt, err := m.lookup(tmp)
	if err != nil {
		return err
	}
	mt.discard()
	m.muTemporaries.Lock()
	delete(m.temporaries, mt.name)
	m.muTemporaries.Unlock()
	return nil
}

func (m *MemoryStore) Ref(address Address) string {
	return "mem://" + address.String()
}

// Temporaries returns the number of temporary objects that were neither published nor deleted.
func (m *MemoryStore) Temporaries() int {
	m.muTemporaries.Lock()
	defer m.muTemporaries.Unlock()
	return len(m.temporaries)
}

func (m *MemoryStore) lookup(tmp TemporaryObject) (*memoryTemporary, error) {
	mt, ok := tmp.(*memoryTemporary)
	if !ok {
		return nil, ErrForeignObject
	}
	return mt, nil
}

// memoryTemporary implements TemporaryObject
var _ TemporaryObject = &memoryTemporary{}

type memoryTemporary struct {
	name      string
	mediaType string

	mu        sync.Mutex
	contents  []byte
	closed    bool
	discarded bool
}

func (mt *memoryTemporary) Write(p []byte) (int, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed || mt.discarded {
		return 0, ErrClosed
	}
	mt.contents = append(mt.contents, p...)
	return len(p), nil
}

func (mt *memoryTemporary) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.discarded {
		return ErrClosed
	}
	mt.closed = true
	return nil
}

func (mt *memoryTemporary) Name() string {
	return mt.name
}

func (mt *memoryTemporary) MediaType() string {
	return mt.mediaType
}

func (mt *memoryTemporary) snapshot() ([]byte, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.contents, mt.closed && !mt.discarded
}

func (mt *memoryTemporary) discard() {
	mt.mu.Lock()
	mt.discarded = true
	mt.contents = nil
	mt.mu.Unlock()
}
