package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/folbricht/desync"
)

// casyncReader reads a blob out of a casync chunk store.
// desync can only assemble into files, so the first Read assembles the whole
// blob into a file in dir, and all reads are served from there.
type casyncReader struct {
	ctx         context.Context
	index       desync.Index
	store       desync.Store
	dir         string
	concurrency int

	f   *os.File
	err error
}

var _ io.ReadCloser = &casyncReader{}

func newCasyncReader(ctx context.Context, index desync.Index, store desync.Store, dir string, concurrency int) *casyncReader {
	return &casyncReader{
		ctx:         ctx,
		index:       index,
		store:       store,
		dir:         dir,
		concurrency: concurrency,
	}
}

func (cr *casyncReader) assemble() error {
	f, err := os.CreateTemp(cr.dir, "assemble")
	if err != nil {
		return err
	}
	// from here on, Close removes the file
	cr.f = f

	_, err = desync.AssembleFile(cr.ctx, f.Name(), cr.index, cr.store, nil, cr.concurrency, nil)
	if err != nil {
		return fmt.Errorf("unable to assemble blob: %w", err)
	}

	// AssembleFile writes through its own file handles
	_, err = f.Seek(0, io.SeekStart)
	return err
}

func (cr *casyncReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.f == nil {
		if err := cr.assemble(); err != nil {
			cr.err = err
			return 0, err
		}
	}
	return cr.f.Read(p)
}

func (cr *casyncReader) Close() error {
	if cr.err == nil {
		cr.err = ErrClosed
	}
	if cr.f == nil {
		return nil
	}
	defer os.Remove(cr.f.Name())
	err := cr.f.Close()
	cr.f = nil
	return err
}
