package docstore

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

const (
	AuthorTypeUser         = "user"
	AuthorTypeOrganization = "organization"
)

// Author is the "author" field of a document.
type Author struct {
	Type string
	ID   string
}

// AuthorOf extracts the author of doc.
// It returns false if doc has no author field.
// A malformed author field is returned as an Author with empty fields.
func AuthorOf(doc Document) (Author, bool) {
	v, ok := doc["author"]
	if !ok {
		return Author{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Author{}, true
	}
	t, _ := m["type"].(string)
	id, _ := m["id"].(string)
	return Author{Type: t, ID: id}, true
}

// Decision is the outcome of Authorize.
type Decision struct {
	Authorized bool
	// Exists is set if the document exists, but access got denied.
	Exists bool
	Value  Document
	Read   bool
	Write  bool
}

// Authorize decides what principal may do with the document at sel:
//   - a missing document is not accessible
//   - a document without author is read-only for everyone
//   - documents written by organizations aren't accessible (not supported yet)
//   - otherwise, only the author may read and write it
//
// Only an unknown collection is returned as error,
// other failures to get the document are logged and deny access.
func Authorize(ctx context.Context, store DocumentStore, sel Selector, principal string) (*Decision, error) {
	doc, err := store.Get(ctx, sel)
	if err != nil {
		if errors.Is(err, ErrUnknownCollection) {
			return nil, err
		}
		if !errors.Is(err, ErrNotFound) {
			log.WithError(err).WithField("selector", sel).Error("unable to get document")
		}
		return &Decision{}, nil
	}
	if doc == nil {
		return &Decision{}, nil
	}

	author, ok := AuthorOf(doc)
	if !ok {
		return &Decision{Authorized: true, Value: doc, Read: true}, nil
	}
	if author.Type == AuthorTypeOrganization {
		return &Decision{Exists: true}, nil
	}
	if author.ID != "" && author.ID == principal {
		return &Decision{Authorized: true, Value: doc, Read: true, Write: true}, nil
	}
	return &Decision{Exists: true}, nil
}

// CanCreate returns true if principal may create doc at a place it can't access otherwise:
// the document must not exist yet, and name principal as its user author.
func CanCreate(decision *Decision, doc Document, principal string) bool {
	if decision.Exists {
		return false
	}
	author, ok := AuthorOf(doc)
	if !ok {
		return false
	}
	return author.Type == AuthorTypeUser && author.ID != "" && author.ID == principal
}
