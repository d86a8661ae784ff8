// Package blobstore implements some content-addressed blob stores.
// You can store whatever you want in there, but need to address things by their hash to get them out.
//
// Blobs are written into a temporary object first. Only once the write stream
// is closed, the temporary object gets published under its content address,
// so partially written content is never addressable.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// BlobStore describes the interface of a blob store.
type BlobStore interface {
	// CreateTemporary allocates a new, randomly named, writable temporary object.
	CreateTemporary(ctx context.Context, mediaType string) (TemporaryObject, error)

	// Exists returns true if a blob is published under address.
	Exists(ctx context.Context, address Address) (bool, error)

	// Publish atomically makes a closed temporary object addressable as address.
	// If address is already taken, the temporary object is discarded and
	// nil is returned, as the content at that address is identical.
	Publish(ctx context.Context, tmp TemporaryObject, address Address) error

	// OpenRead opens a published blob for reading.
	// It returns ErrNotFound if nothing is published under address.
	OpenRead(ctx context.Context, address Address) (io.ReadCloser, *BlobInfo, error)

	// DeleteTemporary removes a temporary object, aborting any unfinished write stream.
	DeleteTemporary(ctx context.Context, tmp TemporaryObject) error

	// Ref returns a human-readable reference to where address is stored.
	Ref(address Address) string

	io.Closer
}

// TemporaryObject is the write stream of a blob that's not yet published.
// Close commits the written bytes to the store, but doesn't publish them.
type TemporaryObject interface {
	io.WriteCloser
	Name() string
	MediaType() string
}

// BlobInfo describes a published blob.
type BlobInfo struct {
	Address   Address
	MediaType string
	Size      int64
}

// DefaultMediaType is used whenever no media type was provided or stored.
const DefaultMediaType = "application/octet-stream"

var (
	ErrNotFound = errors.New("not found")

	// ErrForeignObject is returned when a temporary object is passed to a store that didn't create it.
	ErrForeignObject = errors.New("temporary object belongs to another store")

	// ErrNotClosed is returned when publishing a temporary object whose write stream is still open.
	ErrNotClosed = errors.New("temporary object not closed")

	// ErrClosed is returned when writing to an already closed or deleted temporary object.
	ErrClosed = errors.New("temporary object closed")
)
