package metadatastore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	memoryStore := NewMemoryStore()
	t.Cleanup(func() {
		memoryStore.Close()
	})
	testMetadataStore(t, memoryStore)
}

func TestFileStore(t *testing.T) {
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		fileStore.Close()
	})
	testMetadataStore(t, fileStore)
}

func TestDatabaseStore(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "blobmeta.db")
	databaseStore, err := NewDatabaseStore(context.Background(), dsn)
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		databaseStore.Close()
	})
	testMetadataStore(t, databaseStore)
}

// testMetadataStore runs all metadata store tests against the passed store.
func testMetadataStore(t *testing.T, metadataStore MetadataStore) {
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	blobMetaA := &BlobMeta{
		Address:   "z4PhNX7vuL3xVChQ1m2AB9Yg5AULVxXcg_SpIdNs6c5H0NE8XYXysP-DGNKHfuwvY7kxvUdBeoGlODJ6-SfaPg",
		MediaType: "text/plain",
		Size:      3,
		CreatedAt: createdAt,
	}

	t.Run("GetBlobMetaNotFound", func(t *testing.T) {
		_, err := metadataStore.GetBlobMeta(context.Background(), blobMetaA.Address)
		if assert.Error(t, err) {
			assert.ErrorIsf(t, err, os.ErrNotExist, "on a non-existent BlobMeta, there should be a os.ErrNotExist in the error chain")
		}
	})

	t.Run("PutBlobMeta", func(t *testing.T) {
		err := metadataStore.PutBlobMeta(context.Background(), blobMetaA)
		assert.NoError(t, err)
	})

	t.Run("GetBlobMeta", func(t *testing.T) {
		blobMeta, err := metadataStore.GetBlobMeta(context.Background(), blobMetaA.Address)
		require.NoError(t, err)
		assert.Equal(t, blobMetaA.Address, blobMeta.Address)
		assert.Equal(t, blobMetaA.MediaType, blobMeta.MediaType)
		assert.Equal(t, blobMetaA.Size, blobMeta.Size)
		assert.True(t, blobMetaA.CreatedAt.Equal(blobMeta.CreatedAt))
	})

	t.Run("PutBlobMeta again keeps the first record", func(t *testing.T) {
		other := *blobMetaA
		other.MediaType = "application/octet-stream"
		err := metadataStore.PutBlobMeta(context.Background(), &other)
		assert.NoError(t, err)

		blobMeta, err := metadataStore.GetBlobMeta(context.Background(), blobMetaA.Address)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", blobMeta.MediaType)
	})

	t.Run("PutBlobMeta with invalid fields", func(t *testing.T) {
		broken := *blobMetaA
		broken.MediaType = ""
		assert.Error(t, metadataStore.PutBlobMeta(context.Background(), &broken))

		broken = *blobMetaA
		broken.Size = -1
		assert.Error(t, metadataStore.PutBlobMeta(context.Background(), &broken))
	})

	t.Run("DropAll", func(t *testing.T) {
		err := metadataStore.DropAll(context.Background())
		require.NoError(t, err)

		_, err = metadataStore.GetBlobMeta(context.Background(), blobMetaA.Address)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
