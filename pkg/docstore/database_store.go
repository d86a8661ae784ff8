package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

var _ DocumentStore = &DatabaseStore{}

// DatabaseStore keeps documents in a SQL database, either sqlite or postgres.
type DatabaseStore struct {
	db          *bun.DB
	collections Collections
}

type databaseStoreDocument struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	Collection string `bun:"collection,pk"`
	ID         string `bun:"id,pk"`
	// AuthorID is denormalized from the document, so List can filter on it.
	AuthorID string `bun:"author_id,notnull"`
	Value    string `bun:"value,notnull"`
}

// NewDatabaseStore connects to dsn, and creates the schema if needed.
// postgres:// and postgresql:// URLs use postgres through pgx, anything else is
// passed to sqlite.
func NewDatabaseStore(ctx context.Context, dsn string, collections []string) (*DatabaseStore, error) {
	var db *bun.DB
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("unable to use data source name: %v", err)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	} else {
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, fmt.Errorf("unable to use data source name: %v", err)
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithVerbose(true),
		bundebug.FromEnv("BUNDEBUG"),
	))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	_, err := db.NewCreateTable().
		Model((*databaseStoreDocument)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.NewCreateIndex().
		Model((*databaseStoreDocument)(nil)).
		Index("documents_author_idx").
		IfNotExists().
		Column("collection", "author_id").
		Exec(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DatabaseStore{
		db:          db,
		collections: NewCollections(collections),
	}, nil
}

func (ds *DatabaseStore) Get(ctx context.Context, sel Selector) (Document, error) {
	if err := ds.collections.Check(sel.Collection); err != nil {
		return nil, err
	}

	dsDocument := new(databaseStoreDocument)
	err := ds.db.NewSelect().
		Model(dsDocument).
		Where("collection = ?", sel.Collection).
		Where("id = ?", sel.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError(sel.ID)
		}
		return nil, fmt.Errorf("unable to get document %v: %w", sel, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(dsDocument.Value), &doc); err != nil {
		return nil, fmt.Errorf("unable to parse document %v: %w", sel, err)
	}
	return doc, nil
}

func (ds *DatabaseStore) Set(ctx context.Context, sel Selector, doc Document) error {
	if err := ds.collections.Check(sel.Collection); err != nil {
		return err
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("unable to serialize document %v: %w", sel, err)
	}
	author, _ := AuthorOf(doc)

	dsDocument := databaseStoreDocument{
		Collection: sel.Collection,
		ID:         sel.ID,
		AuthorID:   author.ID,
		Value:      string(b),
	}

	_, err = ds.db.NewInsert().
		Model(&dsDocument).
		On("CONFLICT (collection, id) DO UPDATE").
		Set("author_id = EXCLUDED.author_id").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unable to set document %v: %w", sel, err)
	}
	return nil
}

func (ds *DatabaseStore) Delete(ctx context.Context, sel Selector) error {
	if err := ds.collections.Check(sel.Collection); err != nil {
		return err
	}

	_, err := ds.db.NewDelete().
		Model((*databaseStoreDocument)(nil)).
		Where("collection = ?", sel.Collection).
		Where("id = ?", sel.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unable to delete document %v: %w", sel, err)
	}
	return nil
}

func (ds *DatabaseStore) List(ctx context.Context, collection string, authorID string) (map[string]Document, error) {
	if err := ds.collections.Check(collection); err != nil {
		return nil, err
	}

	var dsDocuments []databaseStoreDocument
	err := ds.db.NewSelect().
		Model(&dsDocuments).
		Where("collection = ?", collection).
		Where("author_id = ?", authorID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list collection %s: %w", collection, err)
	}

	docs := make(map[string]Document, len(dsDocuments))
	for _, dsDocument := range dsDocuments {
		var doc Document
		if err := json.Unmarshal([]byte(dsDocument.Value), &doc); err != nil {
			return nil, fmt.Errorf("unable to parse document %s/%s: %w", collection, dsDocument.ID, err)
		}
		docs[dsDocument.ID] = doc
	}
	return docs, nil
}

func (ds *DatabaseStore) Close() error {
	return ds.db.Close()
}
