// Package ingest streams uploads of unknown length into a blob store,
// and publishes them under their content address.
//
// Every upload is a small state machine. The connection is read on the
// calling goroutine, which updates the digest and hands the bytes to a
// single writer goroutine owning the backend write stream. While the writer
// is busy, bytes are coalesced in a pending buffer. Once that buffer reaches
// the chunk ceiling, reading from the client pauses until the writer is ready
// again, so memory use per upload is bounded by a small multiple of the ceiling.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	log "github.com/sirupsen/logrus"
)

// DefaultChunkCeiling is the maximum size of a single backend write.
const DefaultChunkCeiling = 1024 * 1024

// readSize is the maximum number of bytes read from the client at once.
const readSize = 32 * 1024

// ErrStorage is returned for every failed upload.
// The underlying cause is wrapped, but shouldn't be exposed to clients.
var ErrStorage = errors.New("storage error")

// Pipeline ingests uploads into a blob store.
// It's safe for concurrent use, every upload gets its own state.
type Pipeline struct {
	store        blobstore.BlobStore
	chunkCeiling int
}

// Result describes a committed upload.
type Result struct {
	Address   blobstore.Address
	MediaType string
	Size      int64
	// Ref points to where the blob is stored.
	Ref string
}

// NewPipeline returns a Pipeline writing to store.
// chunkCeiling caps the size of a single backend write, a value <= 0 uses DefaultChunkCeiling.
func NewPipeline(store blobstore.BlobStore, chunkCeiling int) *Pipeline {
	if chunkCeiling <= 0 {
		chunkCeiling = DefaultChunkCeiling
	}
	return &Pipeline{
		store:        store,
		chunkCeiling: chunkCeiling,
	}
}

// ChunkCeiling returns the maximum size of a single backend write.
func (p *Pipeline) ChunkCeiling() int {
	return p.chunkCeiling
}

// Ingest reads r until EOF, and publishes its contents as a blob with the given media type.
// Any error reading from r, writing to the backend or publishing aborts the upload,
// removes the temporary object, and returns an error wrapping ErrStorage.
// Cancelling ctx aborts the upload too.
func (p *Pipeline) Ingest(ctx context.Context, r io.Reader, mediaType string) (*Result, error) {
	if mediaType == "" {
		mediaType = blobstore.DefaultMediaType
	}

	tmp, err := p.store.CreateTemporary(ctx, mediaType)
	if err != nil {
		log.WithError(err).Error("unable to create temporary object")
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	u := &upload{
		ctx:     ctx,
		store:   p.store,
		tmp:     tmp,
		ceiling: p.chunkCeiling,
		hasher:  blobstore.NewHasher(),
		state:   StateReceiving,
		pending: make([]byte, 0, p.chunkCeiling),
		writes:  make(chan []byte),
		ready:   make(chan writeResult, 1),
		done:    make(chan struct{}),
		log: log.WithFields(log.Fields{
			"tmp":       tmp.Name(),
			"mediaType": mediaType,
		}),
	}
	go u.writer()

	return u.run(r)
}

// writeResult is what the writer reports back after each write.
// buf is handed back, so it can be reused.
type writeResult struct {
	buf []byte
	err error
}

// upload holds the state of a single upload.
// Everything except tmp is only touched by the goroutine calling run.
type upload struct {
	ctx     context.Context
	store   blobstore.BlobStore
	tmp     blobstore.TemporaryObject
	ceiling int
	log     *log.Entry

	hasher hash.Hash
	size   int64
	state  State

	// pending holds bytes not yet handed to the writer, never more than ceiling.
	pending []byte
	// spare is the buffer returned by the last write, reused as the next pending buffer.
	spare []byte

	writes   chan []byte
	ready    chan writeResult
	done     chan struct{}
	inFlight bool
	closed   bool
}

// writer is the only goroutine writing to tmp.
func (u *upload) writer() {
	defer close(u.done)
	for buf := range u.writes {
		_, err := u.tmp.Write(buf)
		// never blocks, there's at most one write in flight
		u.ready <- writeResult{buf: buf, err: err}
	}
}

func (u *upload) run(r io.Reader) (*Result, error) {
	readBuf := make([]byte, min(readSize, u.ceiling))
	for {
		if err := u.ctx.Err(); err != nil {
			return nil, u.fail(err)
		}

		n, err := r.Read(readBuf)
		if n > 0 {
			if recvErr := u.receive(readBuf[:n]); recvErr != nil {
				return nil, u.fail(recvErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, u.fail(fmt.Errorf("unable to read upload: %w", err))
		}
	}

	return u.finish()
}

// receive digests chunk, and queues it for the writer.
// It only blocks if the pending buffer is full and the writer still busy.
func (u *upload) receive(chunk []byte) error {
	u.hasher.Write(chunk)
	u.size += int64(len(chunk))

	if err := u.poll(); err != nil {
		return err
	}

	for len(chunk) > 0 {
		space := u.ceiling - len(u.pending)
		if space == 0 {
			if !u.inFlight {
				u.dispatch()
				continue
			}
			if err := u.awaitReady(); err != nil {
				return err
			}
			continue
		}
		take := min(space, len(chunk))
		u.pending = append(u.pending, chunk[:take]...)
		chunk = chunk[take:]
	}

	if !u.inFlight {
		u.dispatch()
	}
	return nil
}

// poll collects the result of a finished write, without blocking.
func (u *upload) poll() error {
	if !u.inFlight {
		return nil
	}
	select {
	case res := <-u.ready:
		return u.collect(res)
	default:
		return nil
	}
}

// awaitReady waits for the write in flight to finish.
func (u *upload) awaitReady() error {
	if !u.inFlight {
		return nil
	}
	select {
	case res := <-u.ready:
		return u.collect(res)
	case <-u.ctx.Done():
		return u.ctx.Err()
	}
}

// collect processes a write result.
// If bytes piled up in the meantime, they're handed to the writer right away.
func (u *upload) collect(res writeResult) error {
	u.inFlight = false
	if res.err != nil {
		return fmt.Errorf("unable to write to %v: %w", u.tmp.Name(), res.err)
	}
	u.spare = res.buf[:0]

	if len(u.pending) > 0 {
		if u.state == StateReceiving {
			u.transition(StateDraining)
			u.dispatch()
			u.transition(StateReceiving)
		} else {
			u.dispatch()
		}
	}
	return nil
}

// dispatch hands the pending buffer to the writer.
func (u *upload) dispatch() {
	if len(u.pending) == 0 {
		return
	}
	buf := u.pending
	if u.spare != nil {
		u.pending = u.spare
		u.spare = nil
	} else {
		u.pending = make([]byte, 0, u.ceiling)
	}
	u.inFlight = true
	u.writes <- buf
}

// finish flushes everything left, closes the write stream and publishes the blob.
func (u *upload) finish() (*Result, error) {
	u.transition(StateFinalizing)

	// wait for the writer until nothing is pending anymore
	for u.inFlight || len(u.pending) > 0 {
		if !u.inFlight {
			u.dispatch()
		}
		if err := u.awaitReady(); err != nil {
			return nil, u.fail(err)
		}
	}
	u.stopWriter()

	if err := u.tmp.Close(); err != nil {
		return nil, u.fail(fmt.Errorf("unable to close %v: %w", u.tmp.Name(), err))
	}

	address := blobstore.AddressFromDigest(u.hasher.Sum(nil))
	if err := u.store.Publish(u.ctx, u.tmp, address); err != nil {
		return nil, u.fail(fmt.Errorf("unable to publish %v: %w", address, err))
	}
	u.transition(StateCommitted)

	u.log.WithFields(log.Fields{
		"address": address,
		"size":    u.size,
	}).Debug("committed blob")

	return &Result{
		Address:   address,
		MediaType: u.tmp.MediaType(),
		Size:      u.size,
		Ref:       u.store.Ref(address),
	}, nil
}

// fail aborts the upload, and removes the temporary object.
// Cleanup failures are logged, but don't change the returned error.
func (u *upload) fail(err error) error {
	u.transition(StateFailed)
	u.log.WithError(err).WithField("size", u.size).Warn("upload failed")

	// Deleting aborts a write that might still be blocked in the backend.
	// The request context might be gone already, but cleanup should still happen.
	cleanupCtx := context.WithoutCancel(u.ctx)
	if delErr := u.store.DeleteTemporary(cleanupCtx, u.tmp); delErr != nil {
		u.log.WithError(delErr).Error("unable to delete temporary object")
	}
	u.stopWriter()

	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// stopWriter closes the write queue, and waits for the writer to exit.
func (u *upload) stopWriter() {
	if u.closed {
		return
	}
	u.closed = true
	close(u.writes)
	<-u.done
}

func (u *upload) transition(to State) {
	if !u.state.canTransition(to) {
		// a bug in this package, not something a client can trigger
		panic(fmt.Sprintf("invalid upload state transition from %v to %v", u.state, to))
	}
	u.log.WithFields(log.Fields{
		"from": u.state,
		"to":   to,
	}).Trace("upload state change")
	u.state = to
}
