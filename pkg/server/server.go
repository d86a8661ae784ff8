package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bigstore-dev/bigstore/pkg/docstore"
	"github.com/bigstore-dev/bigstore/pkg/identity"
	"github.com/bigstore-dev/bigstore/pkg/ingest"
	"github.com/bigstore-dev/bigstore/pkg/lease"
	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// DefaultStallTimeout is how long an upload may go without receiving a single byte.
const DefaultStallTimeout = 60 * time.Second

type Options struct {
	// CORSOrigins are the origins browsers may access the server from. Empty disables CORS.
	CORSOrigins []string
	// StallTimeout aborts uploads not making progress, 0 uses DefaultStallTimeout, <0 disables it.
	StallTimeout time.Duration
	// Registry metrics get registered with. Defaults to a new registry.
	Registry *prometheus.Registry
}

type Server struct {
	Handler *chi.Mux

	blobStore blobstore.BlobStore
	pipeline  *ingest.Pipeline
	authority *lease.Authority

	docStore docstore.DocumentStore
	verifier identity.Verifier

	metrics      *metrics
	stallTimeout time.Duration
	now          func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.StallTimeout == 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		metrics:      newMetrics(opts.Registry),
		stallTimeout: opts.StallTimeout,
		now:          time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Content-Encoding"},
			ExposedHeaders: []string{"Content-Length", "Content-Encoding"},
			MaxAge:         300,
		}))
	}

	// liveness check
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"database": "alive"})
	})

	s.Handler = r
	return s
}

// MountMetrics serves the metrics registry at /metrics.
func (s *Server) MountMetrics() {
	s.Handler.Method(http.MethodGet, "/metrics", s.metrics.handler())
}

// Close closes the stores mounted into the server.
func (s *Server) Close() error {
	var errs []error
	if s.blobStore != nil {
		errs = append(errs, s.blobStore.Close())
	}
	if s.docStore != nil {
		errs = append(errs, s.docStore.Close())
	}
	return errors.Join(errs...)
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Debug("unable to write response")
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorResponse{Error: msg})
}
