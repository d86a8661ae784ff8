package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/bigstore-dev/bigstore/pkg/store/metadatastore"
)

// NewFromURL parses the url and returns the proper blob store for it.
//
// Supported are:
//   - mem://
//   - file:///path/to/dir
//   - casync:///path/to/dir[?catalog=database|file|memory]
//   - gs://bucket/prefix
//   - s3://bucket/prefix[?region=...&endpoint=...&scheme=http&profile=...]
func NewFromURL(ctx context.Context, storeURL string) (BlobStore, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "mem", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(u.Path)
	case "casync":
		return newCasyncStoreFromURL(ctx, u)
	case "gs":
		return NewGCSStore(ctx, u)
	case "s3":
		return NewS3Store(u)
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
}

// newCasyncStoreFromURL lays out the chunk store, index store and catalog below u.Path.
func newCasyncStoreFromURL(ctx context.Context, u *url.URL) (*CasyncStore, error) {
	if u.Path == "" {
		return nil, fmt.Errorf("casync store needs a path")
	}
	if err := os.MkdirAll(u.Path, os.ModePerm); err != nil {
		return nil, err
	}

	var (
		metadataStore metadatastore.MetadataStore
		err           error
	)
	switch catalog := u.Query().Get("catalog"); catalog {
	case "", "database":
		dsn := "file:" + filepath.Join(u.Path, "blobmeta.db")
		metadataStore, err = metadatastore.NewDatabaseStore(ctx, dsn)
	case "file":
		metadataStore, err = metadatastore.NewFileStore(filepath.Join(u.Path, "meta"))
	case "memory":
		metadataStore = metadatastore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown catalog %s", catalog)
	}
	if err != nil {
		return nil, err
	}

	cs, err := NewCasyncStore(
		filepath.Join(u.Path, "chunks"),
		filepath.Join(u.Path, "index"),
		metadataStore,
	)
	if err != nil {
		metadataStore.Close()
		return nil, err
	}
	return cs, nil
}
