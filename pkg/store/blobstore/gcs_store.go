package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
)

var _ BlobStore = &GCSStore{}

// GCSStore stores blobs in a Google Cloud Storage bucket.
// Temporary objects are uploaded below $prefix/tmp/, and copied to
// $prefix/$address on publish.
type GCSStore struct {
	url    *url.URL
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string

	// chunkSize is the size of the buffer the storage.Writer fills before sending a request.
	chunkSize int
}

// NewGCSStore returns a GCSStore for gs://$bucket/$prefix.
// Credentials are picked up from the environment.
func NewGCSStore(ctx context.Context, u *url.URL) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	return &GCSStore{
		url:       u,
		client:    client,
		bucket:    client.Bucket(u.Host),
		prefix:    u.Path,
		chunkSize: 1024 * 1024,
	}, nil
}

func (c *GCSStore) Close() error {
	return c.client.Close()
}

// objectName composes the path with the prefix.
func (c *GCSStore) objectName(p string) string {
	return strings.TrimPrefix(path.Join(c.prefix, p), "/")
}

func (c *GCSStore) CreateTemporary(ctx context.Context, mediaType string) (TemporaryObject, error) {
	name := c.objectName(path.Join("tmp", uuid.NewString()))
	obj := c.bucket.Object(name)

	// cancelling the context the writer was created with aborts the upload
	ctx, cancel := context.WithCancel(ctx)
	w := obj.NewWriter(ctx)
	w.ContentType = mediaType
	w.ChunkSize = c.chunkSize

	return &gcsTemporary{
		name:      name,
		mediaType: mediaType,
		obj:       obj,
		w:         w,
		cancel:    cancel,
	}, nil
}

func (c *GCSStore) Exists(ctx context.Context, address Address) (bool, error) {
	_, err := c.bucket.Object(c.objectName(address.String())).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}

func (c *GCSStore) Publish(ctx context.Context, tmp TemporaryObject, address Address) error {
	gt, ok := tmp.(*gcsTemporary)
	if !ok {
		return ErrForeignObject
	}
	if !gt.isClosed() {
		return ErrNotClosed
	}

	// Only copy if nothing is there yet, the server enforces this atomically.
	dst := c.bucket.Object(c.objectName(address.String())).If(storage.Conditions{DoesNotExist: true})
	copier := dst.CopierFrom(gt.obj)
	copier.ContentType = gt.mediaType
	_, err := copier.Run(ctx)
	if err != nil && !isPreconditionFailed(err) {
		return fmt.Errorf("unable to publish %v: %w", address, err)
	}
	if err != nil {
		log.WithField("address", address).Debug("blob already published, discarding duplicate")
	}

	if err := c.DeleteTemporary(ctx, tmp); err != nil {
		log.WithError(err).WithField("name", gt.name).Warn("unable to delete temporary object")
	}
	return nil
}

func (c *GCSStore) OpenRead(ctx context.Context, address Address) (io.ReadCloser, *BlobInfo, error) {
	obj := c.bucket.Object(c.objectName(address.String()))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	mediaType := r.Attrs.ContentType
	if mediaType == "" {
		mediaType = DefaultMediaType
	}

	return r, &BlobInfo{
		Address:   address,
		MediaType: mediaType,
		Size:      r.Attrs.Size,
	}, nil
}

func (c *GCSStore) DeleteTemporary(ctx context.Context, tmp TemporaryObject) error {
	gt, ok := tmp.(*gcsTemporary)
	if !ok {
		return ErrForeignObject
	}
	if !gt.abort() {
		// the upload never finished, so there's nothing to delete
		return nil
	}
	err := gt.obj.Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (c *GCSStore) Ref(address Address) string {
	return "gs://" + c.url.Host + "/" + c.objectName(address.String())
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// gcsTemporary implements TemporaryObject
var _ TemporaryObject = &gcsTemporary{}

type gcsTemporary struct {
	name      string
	mediaType string
	obj       *storage.ObjectHandle
	w         *storage.Writer
	cancel    context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (gt *gcsTemporary) Write(p []byte) (int, error) {
	return gt.w.Write(p)
}

// Close finishes the upload, and waits for it to be committed.
func (gt *gcsTemporary) Close() error {
	err := gt.w.Close()
	gt.mu.Lock()
	defer gt.mu.Unlock()
	if err != nil {
		return err
	}
	gt.closed = true
	return nil
}

func (gt *gcsTemporary) Name() string {
	return gt.name
}

func (gt *gcsTemporary) MediaType() string {
	return gt.mediaType
}

func (gt *gcsTemporary) isClosed() bool {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	return gt.closed
}

// abort cancels an upload still in progress.
// It returns true if the object was committed before.
func (gt *gcsTemporary) abort() bool {
	gt.cancel()
	return gt.isClosed()
}
