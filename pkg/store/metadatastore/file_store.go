package metadatastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
)

// FileStore implements MetadataStore
var _ MetadataStore = &FileStore{}

type FileStore struct {
	blobMetaDirectory string
}

func NewFileStore(baseDirectory string) (*FileStore, error) {
	blobMetaDirectory := path.Join(baseDirectory, "blobmeta")
	err := os.MkdirAll(blobMetaDirectory, os.ModePerm)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		blobMetaDirectory: blobMetaDirectory,
	}, nil
}

func (fs *FileStore) blobMetaPath(address string) string {
	return path.Join(fs.blobMetaDirectory, address[:2], address+".json")
}

func (fs *FileStore) GetBlobMeta(ctx context.Context, address string) (*BlobMeta, error) {
	if len(address) < 2 {
		return nil, fmt.Errorf("blob meta for %v: %w", address, os.ErrNotExist)
	}
	b, err := os.ReadFile(fs.blobMetaPath(address))
	if err != nil {
		// os.ErrNotExist is kept in the chain
		return nil, fmt.Errorf("blob meta for %v: %w", address, err)
	}
	var blobMeta BlobMeta
	err = json.Unmarshal(b, &blobMeta)
	if err != nil {
		return nil, err
	}
	return &blobMeta, nil
}

func (fs *FileStore) PutBlobMeta(ctx context.Context, blobMeta *BlobMeta) error {
	err := blobMeta.Check()
	if err != nil {
		return err
	}

	// blobs are immutable, keep the first record
	_, err = fs.GetBlobMeta(ctx, blobMeta.Address)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	p := fs.blobMetaPath(blobMeta.Address)
	dir := path.Dir(p)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.MkdirAll(dir, os.ModePerm)
		if err != nil {
			return err
		}
	}

	// create a tempfile (in the same directory), write to it, then move it to where we want it to be
	// this is to ensure an atomic write/replacement.
	tmpFile, err := os.CreateTemp(dir, "blobmeta")
	if err != nil {
		return err
	}

	defer os.Remove(tmpFile.Name())

	b, err := json.Marshal(blobMeta)
	if err != nil {
		tmpFile.Close()
		return err
	}
	_, err = tmpFile.Write(b)
	if err != nil {
		tmpFile.Close()
		return err
	}

	err = tmpFile.Sync()
	if err != nil {
		tmpFile.Close()
		return err
	}
	err = tmpFile.Close()
	if err != nil {
		return err
	}

	return os.Rename(tmpFile.Name(), p)
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) DropAll(ctx context.Context) error {
	err := os.RemoveAll(fs.blobMetaDirectory)
	if err != nil {
		return err
	}
	return os.MkdirAll(fs.blobMetaDirectory, os.ModePerm)
}
