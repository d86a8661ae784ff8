package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FileStore implements BlobStore
var _ BlobStore = &FileStore{}

// FileStore keeps blobs in a local directory.
// Every object is a directory holding the contents (data) and a small
// json document with its media type (meta.json).
// Temporary objects live in $root/tmp, published blobs in $root/blobs/$shard/$address.
// Publishing renames the whole directory, which is atomic on POSIX filesystems,
// and fails if the target already exists.
type FileStore struct {
	tmpDirectory   string
	blobsDirectory string
}

type fileMeta struct {
	MediaType string `json:"mediaType"`
}

const (
	fileDataName = "data"
	fileMetaName = "meta.json"
)

func NewFileStore(baseDirectory string) (*FileStore, error) {
	tmpDirectory := filepath.Join(baseDirectory, "tmp")
	err := os.MkdirAll(tmpDirectory, os.ModePerm)
	if err != nil {
		return nil, err
	}
	blobsDirectory := filepath.Join(baseDirectory, "blobs")
	err = os.MkdirAll(blobsDirectory, os.ModePerm)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		tmpDirectory:   tmpDirectory,
		blobsDirectory: blobsDirectory,
	}, nil
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) blobPath(address Address) string {
	return filepath.Join(fs.blobsDirectory, string(address[:2]), string(address))
}

func (fs *FileStore) CreateTemporary(ctx context.Context, mediaType string) (TemporaryObject, error) {
	name := uuid.NewString()
	dir := filepath.Join(fs.tmpDirectory, name)
	err := os.Mkdir(dir, 0o755)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(fileMeta{MediaType: mediaType})
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	err = writeFileSync(filepath.Join(dir, fileMetaName), b)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, fileDataName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &fileTemporary{
		name:      name,
		mediaType: mediaType,
		dir:       dir,
		f:         f,
	}, nil
}

func (fs *FileStore) Exists(ctx context.Context, address Address) (bool, error) {
	_, err := os.Stat(filepath.Join(fs.blobPath(address), fileDataName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (fs *FileStore) Publish(ctx context.Context, tmp TemporaryObject, address Address) error {
	ft, ok := tmp.(*fileTemporary)
	if !ok {
		return ErrForeignObject
	}
	if !ft.isClosed() {
		return ErrNotClosed
	}

	p := fs.blobPath(address)
	err := os.MkdirAll(filepath.Dir(p), os.ModePerm)
	if err != nil {
		return err
	}

	// data got synced on Close, meta.json on creation
	err = syncDir(ft.dir)
	if err != nil {
		return err
	}

	err = os.Rename(ft.dir, p)
	if err != nil {
		// Renaming onto an existing, non-empty directory fails.
		// If the blob is there, someone else already published the same contents.
		exists, existsErr := fs.Exists(ctx, address)
		if existsErr == nil && exists {
			log.WithField("address", address).Debug("blob already published, discarding duplicate")
			return fs.DeleteTemporary(ctx, tmp)
		}
		return fmt.Errorf("unable to publish %v: %w", address, err)
	}

	// the blob is published already, a crash can at most lose the rename
	if err := syncDir(filepath.Dir(p)); err != nil {
		log.WithError(err).WithField("address", address).Warn("unable to sync blob directory")
	}
	return nil
}

func (fs *FileStore) OpenRead(ctx context.Context, address Address) (io.ReadCloser, *BlobInfo, error) {
	p := fs.blobPath(address)

	f, err := os.Open(filepath.Join(p, fileDataName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	info := &BlobInfo{
		Address:   address,
		MediaType: DefaultMediaType,
		Size:      stat.Size(),
	}

	b, err := os.ReadFile(filepath.Join(p, fileMetaName))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	var meta fileMeta
	err = json.Unmarshal(b, &meta)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("unable to parse metadata of %v: %w", address, err)
	}
	if meta.MediaType != "" {
		info.MediaType = meta.MediaType
	}

	return f, info, nil
}

func (fs *FileStore) DeleteTemporary(ctx context.Context, tmp TemporaryObject) error {
	ft, ok := tmp.(*fileTemporary)
	if !ok {
		return ErrForeignObject
	}
	ft.abort()
	return os.RemoveAll(ft.dir)
}

func (fs *FileStore) Ref(address Address) string {
	return "file://" + fs.blobPath(address)
}

// fileTemporary implements TemporaryObject
var _ TemporaryObject = &fileTemporary{}

type fileTemporary struct {
	name      string
	mediaType string
	dir       string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

func (ft *fileTemporary) Write(p []byte) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.f == nil {
		return 0, ErrClosed
	}
	return ft.f.Write(p)
}

// Close flushes the contents to disk.
func (ft *fileTemporary) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.f == nil {
		return ErrClosed
	}
	f := ft.f
	ft.f = nil

	err := f.Sync()
	if err != nil {
		f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	ft.closed = true
	return nil
}

func (ft *fileTemporary) Name() string {
	return ft.name
}

func (ft *fileTemporary) MediaType() string {
	return ft.mediaType
}

func (ft *fileTemporary) isClosed() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed
}

func (ft *fileTemporary) abort() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.f != nil {
		ft.f.Close()
		ft.f = nil
	}
}

// writeFileSync writes b to a new file at name, and syncs it to disk.
func writeFileSync(name string, b []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
