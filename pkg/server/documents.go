package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bigstore-dev/bigstore/pkg/docstore"
	"github.com/bigstore-dev/bigstore/pkg/identity"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// maxDocumentSize caps the body of document writes.
const maxDocumentSize = 4 * 1024 * 1024

type principalKey struct{}

// MountDocumentStore serves the documents in store below /{collection}.
// All routes require a bearer token accepted by verifier.
func (s *Server) MountDocumentStore(store docstore.DocumentStore, verifier identity.Verifier) {
	s.docStore = store
	s.verifier = verifier

	s.Handler.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/{collection}", s.handleListDocuments)
		r.Get("/{collection}/{id}", s.handleGetDocument)
		r.Post("/{collection}/{id}", s.handleSetDocument)
		r.Delete("/{collection}/{id}", s.handleDeleteDocument)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w)
			return
		}
		principal, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			log.WithError(err).Debug("rejected bearer token")
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func principalOf(r *http.Request) string {
	principal, _ := r.Context().Value(principalKey{}).(string)
	return principal
}

func selectorOf(r *http.Request) docstore.Selector {
	return docstore.Selector{
		Collection: chi.URLParam(r, "collection"),
		ID:         chi.URLParam(r, "id"),
	}
}

func unauthorized(w http.ResponseWriter) {
	respondJSON(w, http.StatusUnauthorized, messageResponse{Message: "Unauthorized"})
}

// respondDocumentError sends err to the client, keeping the code and message of a *docstore.Error.
func respondDocumentError(w http.ResponseWriter, err error) {
	var docErr *docstore.Error
	if errors.As(err, &docErr) {
		respondJSON(w, docErr.Code, messageResponse{Message: docErr.Message})
		return
	}
	log.WithError(err).Error("document store failure")
	respondJSON(w, http.StatusInternalServerError, messageResponse{Message: "Internal error."})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*docstore.Decision, bool) {
	decision, err := docstore.Authorize(r.Context(), s.docStore, selectorOf(r), principalOf(r))
	if err != nil {
		respondDocumentError(w, err)
		return nil, false
	}
	return decision, true
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	decision, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if !decision.Authorized || !decision.Read {
		unauthorized(w)
		return
	}
	respondJSON(w, http.StatusOK, decision.Value)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docStore.List(r.Context(), chi.URLParam(r, "collection"), principalOf(r))
	if err != nil {
		respondDocumentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

func (s *Server) handleSetDocument(w http.ResponseWriter, r *http.Request) {
	var doc docstore.Document
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentSize)).Decode(&doc)
	if err != nil || doc == nil {
		respondJSON(w, http.StatusBadRequest, messageResponse{Message: "Body must be a JSON object."})
		return
	}

	decision, ok := s.authorize(w, r)
	if !ok {
		return
	}
	principal := principalOf(r)
	switch {
	case decision.Authorized && decision.Write:
	case !decision.Authorized && docstore.CanCreate(decision, doc, principal):
	default:
		unauthorized(w)
		return
	}

	if err := s.docStore.Set(r.Context(), selectorOf(r), doc); err != nil {
		respondDocumentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	decision, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if !decision.Authorized || !decision.Write {
		unauthorized(w)
		return
	}

	if err := s.docStore.Delete(r.Context(), selectorOf(r)); err != nil {
		respondDocumentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
