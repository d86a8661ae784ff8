package compression

import (
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/andybalholm/brotli"
)

// Encodings are the content encodings NewCompressor supports, most preferred first.
var Encodings = []string{"zstd", "br", "gzip"}

// NewCompressor returns an io.WriteCloser that compresses its input.
// Only cheap compression is supported, as this happens on the fly while streaming responses.
// It's the callers responsibility to close the writer when done.
func NewCompressor(w io.Writer, contentEncoding string) (io.WriteCloser, error) {
	switch contentEncoding {
	case "br":
		return brotli.NewWriterLevel(w, brotli.BestSpeed), nil
	case "gzip":
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case "zstd":
		return zstd.NewWriterLevel(w, zstd.BestSpeed), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, contentEncoding)
}

// NegotiateEncoding picks the content encoding to respond with,
// given the value of an Accept-Encoding header.
// It returns an empty string if the response should not be encoded.
func NegotiateEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	accepted := make(map[string]float64)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}

		q := 1.0
		if params != "" {
			key, value, ok := strings.Cut(strings.TrimSpace(params), "=")
			if ok && strings.TrimSpace(key) == "q" {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
				if err == nil {
					q = parsed
				}
			}
		}
		accepted[name] = q
	}

	best, bestQ := "", 0.0
	for _, encoding := range Encodings {
		q, ok := accepted[encoding]
		if !ok {
			q, ok = accepted["*"]
		}
		if ok && q > bestQ {
			best, bestQ = encoding, q
		}
	}
	return best
}
