package blobstore

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/folbricht/desync"
)

// casyncTemporary provides the TemporaryObject of a CasyncStore.
// The whole content of the blob is written to a local temporary file.
// Closing only flushes it, chunking happens on publish.
type casyncTemporary struct {
	name      string
	mediaType string

	mu           sync.Mutex
	f            *os.File
	bytesWritten int64
	closed       bool
	removed      bool
}

var _ TemporaryObject = &casyncTemporary{}

func newCasyncTemporary(dir, mediaType string) (*casyncTemporary, error) {
	tmpFile, err := os.CreateTemp(dir, "blob")
	if err != nil {
		return nil, err
	}
	// Cleanup is handled in CasyncStore.DeleteTemporary

	return &casyncTemporary{
		name:      tmpFile.Name(),
		mediaType: mediaType,
		f:         tmpFile,
	}, nil
}

func (ct *casyncTemporary) Write(p []byte) (int, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed || ct.removed {
		return 0, ErrClosed
	}
	n, err := ct.f.Write(p)
	ct.bytesWritten += int64(n)
	return n, err
}

func (ct *casyncTemporary) Close() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed || ct.removed {
		return ErrClosed
	}
	err := ct.f.Sync()
	if err != nil {
		return err
	}
	ct.closed = true
	return nil
}

func (ct *casyncTemporary) Name() string {
	return ct.name
}

func (ct *casyncTemporary) MediaType() string {
	return ct.mediaType
}

// chunk runs the chunker over the temporary file,
// uploads all chunks into the store and returns the index.
func (ct *casyncTemporary) chunk(
	ctx context.Context,
	desyncStore desync.WriteStore,
	concurrency int,
	chunkSizeMin, chunkSizeAvg, chunkSizeMax uint64,
) (desync.Index, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if !ct.closed || ct.removed {
		return desync.Index{}, ErrNotClosed
	}

	// seek to the start
	_, err := ct.f.Seek(0, io.SeekStart)
	if err != nil {
		return desync.Index{}, err
	}

	chunker, err := desync.NewChunker(
		ct.f,
		chunkSizeMin,
		chunkSizeAvg,
		chunkSizeMax,
	)
	if err != nil {
		return desync.Index{}, err
	}

	return desync.ChunkStream(ctx,
		chunker,
		desyncStore,
		concurrency,
	)
}

func (ct *casyncTemporary) size() int64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.bytesWritten
}

func (ct *casyncTemporary) remove() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.removed {
		return nil
	}
	ct.removed = true
	ct.f.Close()
	return os.Remove(ct.f.Name())
}
