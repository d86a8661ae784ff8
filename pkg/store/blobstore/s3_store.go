package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var _ BlobStore = &S3Store{}

// S3Store stores blobs in an S3 bucket.
// Uploads are streamed as multipart uploads into $prefix/tmp/,
// and copied to $prefix/$address on publish.
type S3Store struct {
	url        *url.URL
	bucketName string
	prefix     string
	client     *s3.S3
	uploader   *s3manager.Uploader
}

var errUploadAborted = errors.New("upload aborted")

// NewS3Store returns a S3Store for s3://$bucket/$prefix.
// The scheme, profile, region and endpoint can be passed as query parameters.
func NewS3Store(u *url.URL) (*S3Store, error) {
	scheme := u.Query().Get("scheme")
	profile := u.Query().Get("profile")
	region := u.Query().Get("region")
	endpoint := u.Query().Get("endpoint")
	bucketName := u.Host
	creds := credentials.NewChainCredentials(
		[]credentials.Provider{
			&credentials.EnvProvider{},
			&credentials.SharedCredentialsProvider{Profile: profile},
		})

	var disableSSL bool
	switch scheme {
	case "http":
		disableSSL = true
	case "https", "":
		disableSSL = false
	default:
		return nil, fmt.Errorf("unsupported scheme %s", scheme)
	}

	config := aws.Config{
		Region:           aws.String(region),
		Credentials:      creds,
		DisableSSL:       aws.Bool(disableSSL),
		S3ForcePathStyle: aws.Bool(true),
	}
	if endpoint != "" {
		config.Endpoint = aws.String(endpoint)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		// Specify profile to load for the session's config
		Profile: profile,
		Config:  config,
	})
	if err != nil {
		return nil, err
	}

	client := s3.New(sess)
	return &S3Store{
		url:        u,
		bucketName: bucketName,
		prefix:     u.Path,
		client:     client,
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.Concurrency = 1
		}),
	}, nil
}

func (c *S3Store) Close() error {
	return nil
}

func (c *S3Store) key(p string) string {
	return strings.TrimPrefix(path.Join(c.prefix, p), "/")
}

func (c *S3Store) CreateTemporary(ctx context.Context, mediaType string) (TemporaryObject, error) {
	key := c.key(path.Join("tmp", uuid.NewString()))

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	st := &s3Temporary{
		key:       key,
		mediaType: mediaType,
		pw:        pw,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	// The uploader consumes the pipe until it's closed.
	go func() {
		defer close(st.done)
		_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(c.bucketName),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String(mediaType),
		})
		pr.CloseWithError(err)
		st.uploadErr = err
	}()

	return st, nil
}

func (c *S3Store) Exists(ctx context.Context, address Address) (bool, error) {
	_, err := c.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(c.key(address.String())),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *S3Store) Publish(ctx context.Context, tmp TemporaryObject, address Address) error {
	st, ok := tmp.(*s3Temporary)
	if !ok {
		return ErrForeignObject
	}
	if !st.isClosed() {
		return ErrNotClosed
	}

	exists, err := c.Exists(ctx, address)
	if err != nil {
		return err
	}
	if exists {
		log.WithField("address", address).Debug("blob already published, discarding duplicate")
	} else {
		// A concurrent publish of the same address writes identical bytes, so there's no need for a precondition.
		_, err = c.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:      aws.String(c.bucketName),
			Key:         aws.String(c.key(address.String())),
			CopySource:  aws.String(url.PathEscape(c.bucketName + "/" + st.key)),
			ContentType: aws.String(st.mediaType),
		})
		if err != nil {
			return fmt.Errorf("unable to publish %v: %w", address, err)
		}
	}

	if err := c.DeleteTemporary(ctx, tmp); err != nil {
		log.WithError(err).WithField("key", st.key).Warn("unable to delete temporary object")
	}
	return nil
}

func (c *S3Store) OpenRead(ctx context.Context, address Address) (io.ReadCloser, *BlobInfo, error) {
	obj, err := c.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(c.key(address.String())),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	info := &BlobInfo{
		Address:   address,
		MediaType: aws.StringValue(obj.ContentType),
		Size:      aws.Int64Value(obj.ContentLength),
	}
	if info.MediaType == "" {
		info.MediaType = DefaultMediaType
	}
	return obj.Body, info, nil
}

func (c *S3Store) DeleteTemporary(ctx context.Context, tmp TemporaryObject) error {
	st, ok := tmp.(*s3Temporary)
	if !ok {
		return ErrForeignObject
	}
	// abort a running upload, and wait for the uploader to return
	st.pw.CloseWithError(errUploadAborted)
	st.cancel()
	<-st.done

	if !st.isClosed() {
		// the multipart upload got aborted, nothing was created
		return nil
	}

	_, err := c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(st.key),
	})
	if err != nil && !isS3NotFound(err) {
		return err
	}
	return nil
}

func (c *S3Store) Ref(address Address) string {
	return "s3://" + c.bucketName + "/" + c.key(address.String())
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// s3Temporary implements TemporaryObject
var _ TemporaryObject = &s3Temporary{}

type s3Temporary struct {
	key       string
	mediaType string
	pw        *io.PipeWriter
	cancel    context.CancelFunc

	done      chan struct{}
	uploadErr error // only read after done is closed

	mu     sync.Mutex
	closed bool
}

func (st *s3Temporary) Write(p []byte) (int, error) {
	return st.pw.Write(p)
}

// Close finishes the upload, and waits for it to be committed.
func (st *s3Temporary) Close() error {
	err := st.pw.Close()
	if err != nil {
		return err
	}
	<-st.done
	if st.uploadErr != nil {
		return st.uploadErr
	}
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	return nil
}

func (st *s3Temporary) Name() string {
	return st.key
}

func (st *s3Temporary) MediaType() string {
	return st.mediaType
}

func (st *s3Temporary) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}
