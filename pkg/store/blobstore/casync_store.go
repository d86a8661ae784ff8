package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bigstore-dev/bigstore/pkg/store/metadatastore"
	"github.com/folbricht/desync"
	log "github.com/sirupsen/logrus"
)

var _ BlobStore = &CasyncStore{}

// CasyncStore chunks blobs into a local casync chunk store,
// and keeps an index per blob, named after its address.
// Identical chunks across blobs are only stored once.
// As indexes can't carry the media type, that's kept in a MetadataStore.
type CasyncStore struct {
	localStore      desync.WriteStore
	localIndexStore desync.IndexWriteStore
	metadataStore   metadatastore.MetadataStore
	tmpDir          string
	indexDir        string
	concurrency     int

	chunkSizeAvgDefault uint64
	chunkSizeMinDefault uint64
	chunkSizeMaxDefault uint64
}

// NewCasyncStore returns a CasyncStore.
// The CasyncStore takes ownership of metadataStore, and closes it in Close().
func NewCasyncStore(localStoreDir, localIndexStoreDir string, metadataStore metadatastore.MetadataStore) (*CasyncStore, error) {
	err := os.MkdirAll(localStoreDir, os.ModePerm)
	if err != nil {
		return nil, err
	}

	localStore, err := desync.NewLocalStore(localStoreDir, desync.StoreOptions{})
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(localIndexStoreDir, os.ModePerm)
	if err != nil {
		return nil, err
	}

	localIndexStore, err := desync.NewLocalIndexStore(localIndexStoreDir)
	if err != nil {
		return nil, err
	}

	// keep temporary files next to the chunk store, not in some tmpfs
	tmpDir := filepath.Join(localStoreDir, ".tmp")
	err = os.MkdirAll(tmpDir, os.ModePerm)
	if err != nil {
		return nil, err
	}

	return &CasyncStore{
		localStore:      localStore,
		localIndexStore: localIndexStore,
		metadataStore:   metadataStore,
		tmpDir:          tmpDir,
		indexDir:        localIndexStoreDir,
		concurrency:     1,

		// values stolen from chunker_test.go
		chunkSizeAvgDefault: 64 * 1024,
		chunkSizeMinDefault: 64 * 1024 / 4,
		chunkSizeMaxDefault: 64 * 1024 * 4,
	}, nil
}

func (c *CasyncStore) Close() error {
	err := c.localStore.Close()
	if err != nil {
		return err
	}
	err = c.localIndexStore.Close()
	if err != nil {
		return err
	}
	return c.metadataStore.Close()
}

func (c *CasyncStore) CreateTemporary(ctx context.Context, mediaType string) (TemporaryObject, error) {
	return newCasyncTemporary(c.tmpDir, mediaType)
}

func (c *CasyncStore) indexPath(address Address) string {
	return filepath.Join(c.indexDir, address.String())
}

func (c *CasyncStore) Exists(ctx context.Context, address Address) (bool, error) {
	// indexes only ever appear complete, so their presence is enough
	_, err := os.Stat(c.indexPath(address))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (c *CasyncStore) Publish(ctx context.Context, tmp TemporaryObject, address Address) error {
	ct, ok := tmp.(*casyncTemporary)
	if !ok {
		return ErrForeignObject
	}
	// we're done with the temporary file in all cases
	defer c.DeleteTemporary(ctx, tmp)

	// check if that same blob has already been uploaded.
	exists, err := c.Exists(ctx, address)
	if err != nil {
		return err
	}
	if exists {
		log.WithField("address", address).Debug("blob already published, discarding duplicate")
		return nil
	}

	caidx, err := ct.chunk(ctx,
		c.localStore,
		c.concurrency,
		c.chunkSizeMinDefault,
		c.chunkSizeAvgDefault,
		c.chunkSizeMaxDefault,
	)
	if err != nil {
		return fmt.Errorf("unable to chunk %v: %w", address, err)
	}

	// The index makes the blob visible, so the metadata needs to be there first.
	err = c.metadataStore.PutBlobMeta(ctx, &metadatastore.BlobMeta{
		Address:   address.String(),
		MediaType: ct.MediaType(),
		Size:      ct.size(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("unable to store metadata for %v: %w", address, err)
	}

	return c.storeIndex(address, caidx)
}

// storeIndex writes the index to a temporary file and renames it into place,
// so readers see either no index or a complete one.
// A racing publish of the same address replaces it with an identical index.
func (c *CasyncStore) storeIndex(address Address, caidx desync.Index) error {
	f, err := os.CreateTemp(c.indexDir, ".idx")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name()) // no-op after a successful rename

	_, err = caidx.WriteTo(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("unable to write index of %v: %w", address, err)
	}
	err = f.Sync()
	if err != nil {
		f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}

	err = os.Rename(f.Name(), c.indexPath(address))
	if err != nil {
		return fmt.Errorf("unable to publish %v: %w", address, err)
	}
	if err := syncDir(c.indexDir); err != nil {
		log.WithError(err).WithField("address", address).Warn("unable to sync index directory")
	}
	return nil
}

func (c *CasyncStore) OpenRead(ctx context.Context, address Address) (io.ReadCloser, *BlobInfo, error) {
	// retrieve .caidx
	caidx, err := c.localIndexStore.GetIndex(address.String())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	info := &BlobInfo{
		Address:   address,
		MediaType: DefaultMediaType,
		Size:      caidx.Length(),
	}

	blobMeta, err := c.metadataStore.GetBlobMeta(ctx, address.String())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		log.WithField("address", address).Warn("no metadata for blob, using default media type")
	} else {
		info.MediaType = blobMeta.MediaType
	}

	// nothing to assemble
	if info.Size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), info, nil
	}

	return newCasyncReader(ctx, caidx, c.localStore, c.tmpDir, c.concurrency), info, nil
}

func (c *CasyncStore) DeleteTemporary(ctx context.Context, tmp TemporaryObject) error {
	ct, ok := tmp.(*casyncTemporary)
	if !ok {
		return ErrForeignObject
	}
	return ct.remove()
}

func (c *CasyncStore) Ref(address Address) string {
	return "casync://" + c.indexPath(address)
}
