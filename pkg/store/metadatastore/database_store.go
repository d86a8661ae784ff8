package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

var _ MetadataStore = &DatabaseStore{}

type DatabaseStore struct {
	db *bun.DB
}

type DatabaseStoreBlobMeta struct {
	bun.BaseModel `bun:"table:blobmeta,alias:bm"`

	Address   string    `bun:"address,pk"`
	MediaType string    `bun:"media_type,notnull"`
	Size      int64     `bun:"size,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// NewDatabaseStore opens (and creates, if needed) a sqlite database at dsn.
func NewDatabaseStore(ctx context.Context, dsn string) (*DatabaseStore, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to use data source name: %v", err)
	}

	// sqlite only allows a single writer, and concurrent publishes
	// would otherwise fail with SQLITE_BUSY.
	sqldb.SetConnMaxLifetime(0)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithVerbose(true),
		bundebug.FromEnv("BUNDEBUG"),
	))

	_, err = db.NewCreateTable().
		Model((*DatabaseStoreBlobMeta)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DatabaseStore{
		db: db,
	}, nil
}

func (ds *DatabaseStore) GetBlobMeta(ctx context.Context, address string) (*BlobMeta, error) {
	dsBlobMeta := new(DatabaseStoreBlobMeta)

	err := ds.db.NewSelect().
		Model(dsBlobMeta).
		Where("address = ?", address).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("blob meta for %v: %w", address, os.ErrNotExist)
		}
		return nil, fmt.Errorf("unable to get blob meta: %v", err)
	}

	return &BlobMeta{
		Address:   dsBlobMeta.Address,
		MediaType: dsBlobMeta.MediaType,
		Size:      dsBlobMeta.Size,
		CreatedAt: dsBlobMeta.CreatedAt,
	}, nil
}

func (ds *DatabaseStore) PutBlobMeta(ctx context.Context, blobMeta *BlobMeta) error {
	err := blobMeta.Check()
	if err != nil {
		return err
	}

	dsBlobMeta := DatabaseStoreBlobMeta{
		Address:   blobMeta.Address,
		MediaType: blobMeta.MediaType,
		Size:      blobMeta.Size,
		CreatedAt: blobMeta.CreatedAt,
	}

	_, err = ds.db.NewInsert().
		Model(&dsBlobMeta).
		On("CONFLICT (address) DO NOTHING").
		Exec(ctx)
	return err
}

func (ds *DatabaseStore) DropAll(ctx context.Context) error {
	_, err := ds.db.NewTruncateTable().
		Model(&DatabaseStoreBlobMeta{}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unable to delete databaseStoreBlobMeta: %v", err)
	}
	return nil
}

func (ds *DatabaseStore) Close() error {
	return ds.db.Close()
}
