// Package metadatastore keeps track of the attributes of published blobs,
// for blob stores that can't store them alongside the contents.
package metadatastore

import (
	"context"
	"fmt"
	"io"
	"time"
)

type MetadataStore interface {
	GetBlobMeta(ctx context.Context, address string) (*BlobMeta, error)

	// PutBlobMeta records the attributes of a blob.
	// Blobs are immutable, so if there's already a record for that address, it's kept as is.
	PutBlobMeta(ctx context.Context, blobMeta *BlobMeta) error

	DropAll(ctx context.Context) error
	io.Closer
}

type BlobMeta struct {
	Address   string
	MediaType string
	Size      int64
	CreatedAt time.Time
}

// Check provides some sanity checking on values in the BlobMeta struct.
func (m *BlobMeta) Check() error {
	if len(m.Address) == 0 {
		return fmt.Errorf("invalid address: %v", m.Address)
	}

	if len(m.MediaType) == 0 {
		return fmt.Errorf("invalid media type: %v", m.MediaType)
	}

	if m.Size < 0 {
		return fmt.Errorf("invalid size: %v", m.Size)
	}

	return nil
}
