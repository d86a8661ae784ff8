package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bigstore-dev/bigstore/pkg/ingest"
	"github.com/bigstore-dev/bigstore/pkg/lease"
	"github.com/bigstore-dev/bigstore/pkg/server/compression"
	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// maxLeaseRequestSize caps the body of lease requests.
const maxLeaseRequestSize = 1024 * 1024

type uploadResponse struct {
	StorageRef string            `json:"storageRef"`
	Address    blobstore.Address `json:"address"`
	Size       int64             `json:"size"`
	MediaType  string            `json:"mediaType"`
}

type leaseRequest struct {
	Assets []string `json:"assets"`
}

// MountBigStore serves uploads, leases and leased retrieval of blobs below /v1/big_store.
func (s *Server) MountBigStore(blobStore blobstore.BlobStore, pipeline *ingest.Pipeline, authority *lease.Authority) {
	s.blobStore = blobStore
	s.pipeline = pipeline
	s.authority = authority

	s.Handler.Route("/v1/big_store", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Post("/lease", s.handleLease)
		r.Get("/{address}", s.handleRetrieve)
		r.Head("/{address}", s.handleRetrieve)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("requestID", middleware.GetReqID(r.Context()))

	mediaType := r.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = blobstore.DefaultMediaType
	}

	var body io.Reader = r.Body
	if s.stallTimeout > 0 {
		body = newStallReader(w, r.Body, s.stallTimeout)
	}

	// The address is the digest of the identity encoded contents.
	decoded, err := compression.NewDecompressor(body, r.Header.Get("Content-Encoding"))
	if err != nil {
		s.metrics.uploads.WithLabelValues("rejected").Inc()
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer decoded.Close()

	res, err := s.pipeline.Ingest(r.Context(), decoded, mediaType)
	if err != nil {
		logger.WithError(err).Error("upload failed")
		s.metrics.uploads.WithLabelValues("failed").Inc()
		respondError(w, http.StatusInternalServerError, ingest.ErrStorage.Error())
		return
	}

	s.metrics.uploads.WithLabelValues("committed").Inc()
	s.metrics.ingestBytes.Add(float64(res.Size))
	logger.WithFields(log.Fields{
		"address":   res.Address,
		"size":      res.Size,
		"mediaType": res.MediaType,
	}).Info("stored blob")

	respondJSON(w, http.StatusOK, uploadResponse{
		StorageRef: res.Ref,
		Address:    res.Address,
		Size:       res.Size,
		MediaType:  res.MediaType,
	})
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLeaseRequestSize)).Decode(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Assets == nil {
		respondError(w, http.StatusBadRequest, "invalid body: assets missing")
		return
	}

	token, err := s.authority.Issue(r.Context(), req.Assets, s.now())
	if err != nil {
		if lease.IsValidation(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.WithError(err).Error("unable to issue lease")
		respondError(w, http.StatusInternalServerError, ingest.ErrStorage.Error())
		return
	}

	s.metrics.leasesIssued.Inc()
	respondJSON(w, http.StatusOK, token)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	addressStr := chi.URLParam(r, "address")
	leaseText := r.URL.Query().Get("lease")
	ivText := r.URL.Query().Get("iv")
	if leaseText == "" || ivText == "" {
		respondError(w, http.StatusBadRequest, "lease and iv required")
		return
	}

	err := s.authority.Validate(leaseText, ivText, addressStr, s.now())
	if err != nil {
		var denied *lease.DeniedError
		if !errors.As(err, &denied) {
			denied = lease.ErrInvalidLease
		}
		s.metrics.leaseChecks.WithLabelValues(denied.Reason).Inc()
		respondError(w, http.StatusBadRequest, denied.Reason)
		return
	}
	s.metrics.leaseChecks.WithLabelValues("authorized").Inc()

	address, err := blobstore.ParseAddress(addressStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc, info, err := s.blobStore.OpenRead(r.Context(), address)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		log.WithError(err).WithField("address", address).Error("unable to open blob")
		respondError(w, http.StatusInternalServerError, ingest.ErrStorage.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.MediaType)
	w.Header().Set("Cache-Control", "private, immutable")
	w.Header().Add("Vary", "Accept-Encoding")

	encoding := compression.NegotiateEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" || r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, rc); err != nil {
			log.WithError(err).WithField("address", address).Warn("unable to send blob")
		}
		return
	}

	w.Header().Set("Content-Encoding", encoding)
	w.WriteHeader(http.StatusOK)
	cw, err := compression.NewCompressor(w, encoding)
	if err != nil {
		// NegotiateEncoding only returns supported encodings
		panic(err)
	}
	if _, err := io.Copy(cw, rc); err != nil {
		log.WithError(err).WithField("address", address).Warn("unable to send blob")
	}
	if err := cw.Close(); err != nil {
		log.WithError(err).WithField("address", address).Warn("unable to finish compressed response")
	}
}

// stallReader extends the read deadline of the connection on every read,
// so the upload fails once no data arrived for timeout.
type stallReader struct {
	r       io.Reader
	rc      *http.ResponseController
	timeout time.Duration
	enabled bool
}

func newStallReader(w http.ResponseWriter, r io.Reader, timeout time.Duration) *stallReader {
	return &stallReader{
		r:       r,
		rc:      http.NewResponseController(w),
		timeout: timeout,
		enabled: true,
	}
}

func (sr *stallReader) Read(p []byte) (int, error) {
	if sr.enabled {
		err := sr.rc.SetReadDeadline(time.Now().Add(sr.timeout))
		if errors.Is(err, http.ErrNotSupported) {
			// e.g. in tests, there's no connection to set deadlines on
			sr.enabled = false
		} else if err != nil {
			return 0, err
		}
	}
	return sr.r.Read(p)
}
