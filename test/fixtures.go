package test

import (
	"math/rand"
)

// ChunkCeiling is the chunk ceiling tests configure ingest pipelines with.
// It's kept small, so multi-chunk uploads stay cheap.
const ChunkCeiling = 64 * 1024

type Data struct {
	Contents  []byte
	MediaType string
}

type DataTable map[string]Data

// Bytes returns n pseudo-random bytes.
// The same seed always produces the same bytes.
func Bytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// GetTestDataTable returns blobs sized around ChunkCeiling:
// empty is zero bytes long,
// one is a single byte,
// ceiling is exactly one chunk ceiling,
// twoandahalf spans two and a half chunk ceilings,
// text is a small text document.
func GetTestDataTable() DataTable {
	return DataTable{
		"empty": {
			Contents:  []byte{},
			MediaType: "application/octet-stream",
		},
		"one": {
			Contents:  []byte{0x2a},
			MediaType: "application/octet-stream",
		},
		"ceiling": {
			Contents:  Bytes(ChunkCeiling, 1),
			MediaType: "image/png",
		},
		"twoandahalf": {
			Contents:  Bytes(ChunkCeiling*5/2, 2),
			MediaType: "video/mp4",
		},
		"text": {
			Contents:  []byte("Hello World\n"),
			MediaType: "text/plain",
		},
	}
}
