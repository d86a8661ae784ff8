package metadatastore

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// MemoryStore implements MetadataStore
var _ MetadataStore = &MemoryStore{}

type MemoryStore struct {
	blobMeta   map[string]BlobMeta
	muBlobMeta sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobMeta: make(map[string]BlobMeta),
	}
}

func (ms *MemoryStore) Close() error {
	return nil
}

func (ms *MemoryStore) GetBlobMeta(ctx context.Context, address string) (*BlobMeta, error) {
	ms.muBlobMeta.Lock()
	v, ok := ms.blobMeta[address]
	ms.muBlobMeta.Unlock()
	if ok {
		return &v, nil
	}
	return nil, fmt.Errorf("blob meta for %v: %w", address, os.ErrNotExist)
}

func (ms *MemoryStore) PutBlobMeta(ctx context.Context, blobMeta *BlobMeta) error {
	err := blobMeta.Check()
	if err != nil {
		return err
	}

	ms.muBlobMeta.Lock()
	if _, ok := ms.blobMeta[blobMeta.Address]; !ok {
		ms.blobMeta[blobMeta.Address] = *blobMeta
	}
	ms.muBlobMeta.Unlock()
	return nil
}

func (ms *MemoryStore) DropAll(ctx context.Context) error {
	ms.muBlobMeta.Lock()
	for k := range ms.blobMeta {
		delete(ms.blobMeta, k)
	}
	ms.muBlobMeta.Unlock()
	return nil
}
