package compression

import (
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4"
	"github.com/ulikunitz/xz"
)

var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// NewDecompressor decodes contents from an io.Reader
// according to the value of a Content-Encoding header.
// An empty value or "identity" returns the contents as-is.
// It's the callers responsibility to close the reader when done.
func NewDecompressor(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "bzip2":
		return io.NopCloser(bzip2.NewReader(r)), nil
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}

		return gzipReader, nil
	case "lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	case "xz":
		xzReader, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}

		return io.NopCloser(xzReader), nil
	case "zstd":
		return zstd.NewReader(r), nil
	}

	// compress, deflate, lzip, lzma, and stacked encodings
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, contentEncoding)
}
