// Package docstore stores JSON documents, keyed by collection and id,
// and decides who may read and write them.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Selector addresses a single document.
type Selector struct {
	Collection string
	ID         string
}

func (s Selector) String() string {
	return s.Collection + "/" + s.ID
}

// Document is a JSON object.
type Document map[string]any

// DocumentStore describes the interface of a document store.
type DocumentStore interface {
	// Get returns the document at sel, or an *Error wrapping ErrNotFound.
	Get(ctx context.Context, sel Selector) (Document, error)
	// Set creates or replaces the document at sel.
	Set(ctx context.Context, sel Selector, doc Document) error
	// Delete removes the document at sel. Deleting a missing document is not an error.
	Delete(ctx context.Context, sel Selector) error
	// List returns all documents in collection written by authorID, keyed by their id.
	List(ctx context.Context, collection string, authorID string) (map[string]Document, error)

	io.Closer
}

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNotFound          = errors.New("document not found")
)

// Error is an error with a message and status code suitable for clients.
type Error struct {
	Code    int
	Message string
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func unknownCollectionError(collection string) *Error {
	return &Error{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("Collection %q is invalid.", collection),
		err:     ErrUnknownCollection,
	}
}

func notFoundError(id string) *Error {
	return &Error{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("Document %q not found.", id),
		err:     ErrNotFound,
	}
}

// DefaultCollections are the collections served if none are configured.
var DefaultCollections = []string{
	"users",
	"user_verifications",
	"scenes",
	"challenges",
	"challenge_completions",
}

// Collections is the set of collections a store serves.
type Collections map[string]struct{}

func NewCollections(names []string) Collections {
	c := make(Collections, len(names))
	for _, name := range names {
		c[name] = struct{}{}
	}
	return c
}

// Check returns an *Error if collection isn't served.
func (c Collections) Check(collection string) error {
	if _, ok := c[collection]; !ok {
		return unknownCollectionError(collection)
	}
	return nil
}
