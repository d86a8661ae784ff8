package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bigstore-dev/bigstore/pkg/docstore"
	"github.com/bigstore-dev/bigstore/pkg/identity"
	"github.com/bigstore-dev/bigstore/pkg/ingest"
	"github.com/bigstore-dev/bigstore/pkg/lease"
	"github.com/bigstore-dev/bigstore/pkg/server"
	"github.com/bigstore-dev/bigstore/pkg/server/compression"
	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	"github.com/bigstore-dev/bigstore/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "sekrit"

type testEnv struct {
	server    *server.Server
	blobStore *blobstore.MemoryStore
	authority *lease.Authority
	verifier  *identity.JWTVerifier
}

func newTestEnv(t *testing.T, opts server.Options) *testEnv {
	blobStore := blobstore.NewMemoryStore()

	key, err := lease.GenerateKey()
	if err != nil {
		panic(err)
	}
	authority, err := lease.NewAuthority(key, blobStore, lease.Options{})
	if err != nil {
		panic(err)
	}

	dsn := "file:" + t.TempDir() + "/documents.db"
	docStore, err := docstore.NewDatabaseStore(context.Background(), dsn, docstore.DefaultCollections)
	if err != nil {
		panic(err)
	}
	verifier := identity.NewJWTVerifier(jwtSecret)

	s := server.NewServer(opts)
	s.MountBigStore(blobStore, ingest.NewPipeline(blobStore, test.ChunkCeiling), authority)
	s.MountDocumentStore(docstore.NewCachedStore(docStore, 16, time.Hour), verifier)
	s.MountMetrics()
	t.Cleanup(func() {
		s.Close()
	})

	return &testEnv{
		server:    s,
		blobStore: blobStore,
		authority: authority,
		verifier:  verifier,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) upload(t *testing.T, contents []byte, mediaType string) map[string]any {
	req := httptest.NewRequest(http.MethodPost, "/v1/big_store", bytes.NewReader(contents))
	req.Header.Set("Content-Type", mediaType)
	rr := e.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res
}

func (e *testEnv) lease(t *testing.T, assets ...string) *lease.Token {
	body, err := json.Marshal(map[string]any{"assets": assets})
	require.NoError(t, err)
	rr := e.do(httptest.NewRequest(http.MethodPost, "/v1/big_store/lease", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var token lease.Token
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &token))
	return &token
}

func retrieveRequest(method, address string, token *lease.Token) *http.Request {
	q := url.Values{}
	if token != nil {
		q.Set("lease", token.Lease)
		q.Set("iv", token.IV)
	}
	return httptest.NewRequest(method, "/v1/big_store/"+address+"?"+q.Encode(), nil)
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	var res map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res["error"]
}

func TestLiveness(t *testing.T) {
	e := newTestEnv(t, server.Options{})
	rr := e.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"database":"alive"}`, rr.Body.String())
}

func TestBigStore(t *testing.T) {
	e := newTestEnv(t, server.Options{})
	tdt := test.GetTestDataTable()

	for name, td := range tdt {
		t.Run("round trip "+name, func(t *testing.T) {
			res := e.upload(t, td.Contents, td.MediaType)
			address := blobstore.AddressOf(td.Contents).String()
			assert.Equal(t, address, res["address"])
			assert.Equal(t, e.blobStore.Ref(blobstore.Address(address)), res["storageRef"])
			assert.EqualValues(t, len(td.Contents), res["size"])
			assert.Equal(t, td.MediaType, res["mediaType"])

			token := e.lease(t, address)
			rr := e.do(retrieveRequest(http.MethodGet, address, token))
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, td.MediaType, rr.Header().Get("Content-Type"))
			assert.Equal(t, "private, immutable", rr.Header().Get("Cache-Control"))
			assert.Equal(t, td.Contents, append([]byte{}, rr.Body.Bytes()...))
		})
	}

	contents := tdt["twoandahalf"].Contents
	address := blobstore.AddressOf(contents).String()
	e.upload(t, contents, "video/mp4")
	token := e.lease(t, address)

	t.Run("default media type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/big_store", strings.NewReader("untyped"))
		rr := e.do(req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), blobstore.DefaultMediaType)
	})

	t.Run("upload again", func(t *testing.T) {
		res := e.upload(t, contents, "video/mp4")
		assert.Equal(t, address, res["address"])
	})

	t.Run("HEAD", func(t *testing.T) {
		rr := e.do(retrieveRequest(http.MethodHead, address, token))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
		assert.Equal(t, "163840", rr.Header().Get("Content-Length"))
		assert.Empty(t, rr.Body.Bytes())
	})

	for _, encoding := range compression.Encodings {
		t.Run("GET with Accept-Encoding "+encoding, func(t *testing.T) {
			req := retrieveRequest(http.MethodGet, address, token)
			req.Header.Set("Accept-Encoding", encoding)
			rr := e.do(req)
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, encoding, rr.Header().Get("Content-Encoding"))
			assert.Equal(t, "Accept-Encoding", rr.Header().Get("Vary"))

			r, err := compression.NewDecompressor(rr.Body, encoding)
			require.NoError(t, err)
			defer r.Close()
			decompressed, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, contents, decompressed)
		})

		t.Run("POST with Content-Encoding "+encoding, func(t *testing.T) {
			plain := test.Bytes(50*1024, 42)
			var buf bytes.Buffer
			w, err := compression.NewCompressor(&buf, encoding)
			require.NoError(t, err)
			_, err = w.Write(plain)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			req := httptest.NewRequest(http.MethodPost, "/v1/big_store", &buf)
			req.Header.Set("Content-Type", "application/pdf")
			req.Header.Set("Content-Encoding", encoding)
			rr := e.do(req)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), blobstore.AddressOf(plain).String())
		})
	}

	t.Run("POST with unsupported Content-Encoding", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/big_store", strings.NewReader("foo"))
		req.Header.Set("Content-Encoding", "compress")
		rr := e.do(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("GET without lease", func(t *testing.T) {
		rr := e.do(retrieveRequest(http.MethodGet, address, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "lease and iv required", errorOf(t, rr))
	})

	t.Run("GET not covered", func(t *testing.T) {
		other := blobstore.AddressOf(tdt["one"].Contents).String()
		rr := e.do(retrieveRequest(http.MethodGet, other, token))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "not covered", errorOf(t, rr))
	})

	t.Run("GET expired", func(t *testing.T) {
		expired, err := e.authority.Seal(&lease.Lease{
			ExpiresAt: time.Now().Add(-time.Minute),
			Assets:    []string{address},
		})
		require.NoError(t, err)
		rr := e.do(retrieveRequest(http.MethodGet, address, expired))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "expired", errorOf(t, rr))
	})

	t.Run("GET tampered", func(t *testing.T) {
		tampered := *token
		b := []byte(tampered.Lease)
		if b[0] == 'A' {
			b[0] = 'B'
		} else {
			b[0] = 'A'
		}
		tampered.Lease = string(b)
		rr := e.do(retrieveRequest(http.MethodGet, address, &tampered))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid lease", errorOf(t, rr))
	})

	t.Run("GET leased but missing", func(t *testing.T) {
		missing := blobstore.AddressOf([]byte("never uploaded")).String()
		sealed, err := e.authority.Seal(&lease.Lease{
			ExpiresAt: time.Now().Add(time.Hour),
			Assets:    []string{missing},
		})
		require.NoError(t, err)
		rr := e.do(retrieveRequest(http.MethodGet, missing, sealed))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "not found", errorOf(t, rr))
	})

	t.Run("lease unknown asset", func(t *testing.T) {
		body := `{"assets":["` + address + `","` + blobstore.AddressOf([]byte("nope")).String() + `"]}`
		rr := e.do(httptest.NewRequest(http.MethodPost, "/v1/big_store/lease", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, errorOf(t, rr), "unknown asset")
	})

	t.Run("lease malformed", func(t *testing.T) {
		for _, body := range []string{
			``,
			`{`,
			`{}`,
			`{"assets":"foo"}`,
			`{"assets":[]}`,
			`{"assets":["not-an-address"]}`,
		} {
			rr := e.do(httptest.NewRequest(http.MethodPost, "/v1/big_store/lease", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rr.Code, body)
			assert.NotEmpty(t, errorOf(t, rr), body)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rr := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		body := rr.Body.String()
		assert.Contains(t, body, `bigstore_uploads_total{result="committed"}`)
		assert.Contains(t, body, `bigstore_lease_checks_total{result="not covered"}`)
		assert.Contains(t, body, "bigstore_leases_issued_total")
		assert.Contains(t, body, `route="/v1/big_store/{address}"`)
	})
}

// brokenStore fails to create temporary objects.
type brokenStore struct {
	*blobstore.MemoryStore
}

func (brokenStore) CreateTemporary(ctx context.Context, mediaType string) (blobstore.TemporaryObject, error) {
	return nil, errors.New("disk on fire")
}

func TestUploadStorageError(t *testing.T) {
	store := brokenStore{blobstore.NewMemoryStore()}
	key, err := lease.GenerateKey()
	require.NoError(t, err)
	authority, err := lease.NewAuthority(key, store, lease.Options{})
	require.NoError(t, err)

	s := server.NewServer(server.Options{})
	s.MountBigStore(store, ingest.NewPipeline(store, 0), authority)

	rr := httptest.NewRecorder()
	s.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/big_store", strings.NewReader("foo")))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"storage error"}`, rr.Body.String())
}

func TestUploadStall(t *testing.T) {
	e := newTestEnv(t, server.Options{StallTimeout: 100 * time.Millisecond})
	ts := httptest.NewServer(e.server.Handler)
	defer ts.Close()

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		// send a bit, then stall
		pw.Write(test.Bytes(1024, 1))
	}()

	resp, err := http.Post(ts.URL+"/v1/big_store", "text/plain", pr)
	if err == nil {
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		resp.Body.Close()
	}

	assert.Eventually(t, func() bool {
		return e.blobStore.Temporaries() == 0
	}, 5*time.Second, 10*time.Millisecond)
	exists, err := e.blobStore.Exists(context.Background(), blobstore.AddressOf(test.Bytes(1024, 1)))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDocuments(t *testing.T) {
	e := newTestEnv(t, server.Options{})

	aliceToken, err := e.verifier.Issue("alice", time.Hour)
	require.NoError(t, err)
	bobToken, err := e.verifier.Issue("bob", time.Hour)
	require.NoError(t, err)

	request := func(method, target, token, body string) *httptest.ResponseRecorder {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, target, r)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return e.do(req)
	}

	aliceScene := `{"author":{"type":"user","id":"alice"},"name":"beach"}`

	t.Run("unauthenticated", func(t *testing.T) {
		for _, token := range []string{"", "garbage"} {
			rr := request(http.MethodGet, "/scenes/a", token, "")
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.JSONEq(t, `{"message":"Unauthorized"}`, rr.Body.String())
		}
	})

	t.Run("create", func(t *testing.T) {
		rr := request(http.MethodPost, "/scenes/a", aliceToken, aliceScene)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("create for someone else", func(t *testing.T) {
		rr := request(http.MethodPost, "/scenes/b", bobToken, aliceScene)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("create without author", func(t *testing.T) {
		rr := request(http.MethodPost, "/scenes/b", bobToken, `{"name":"x"}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("get", func(t *testing.T) {
		rr := request(http.MethodGet, "/scenes/a", aliceToken, "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, aliceScene, rr.Body.String())

		rr = request(http.MethodGet, "/scenes/a", bobToken, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = request(http.MethodGet, "/scenes/missing", aliceToken, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("overwrite", func(t *testing.T) {
		rr := request(http.MethodPost, "/scenes/a", bobToken, `{"author":{"type":"user","id":"bob"}}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		updated := `{"author":{"type":"user","id":"alice"},"name":"forest"}`
		rr = request(http.MethodPost, "/scenes/a", aliceToken, updated)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		rr = request(http.MethodGet, "/scenes/a", aliceToken, "")
		assert.JSONEq(t, updated, rr.Body.String())
	})

	t.Run("list", func(t *testing.T) {
		rr := request(http.MethodGet, "/scenes", aliceToken, "")
		require.Equal(t, http.StatusOK, rr.Code)
		var docs map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &docs))
		assert.Len(t, docs, 1)
		assert.Contains(t, docs, "a")

		rr = request(http.MethodGet, "/scenes", bobToken, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{}`, rr.Body.String())
	})

	t.Run("unknown collection", func(t *testing.T) {
		for _, rr := range []*httptest.ResponseRecorder{
			request(http.MethodGet, "/secrets/a", aliceToken, ""),
			request(http.MethodGet, "/secrets", aliceToken, ""),
			request(http.MethodPost, "/secrets/a", aliceToken, aliceScene),
			request(http.MethodDelete, "/secrets/a", aliceToken, ""),
		} {
			assert.Equal(t, http.StatusNotFound, rr.Code)
			assert.JSONEq(t, `{"message":"Collection \"secrets\" is invalid."}`, rr.Body.String())
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rr := request(http.MethodPost, "/scenes/a", aliceToken, `[1,2]`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rr := request(http.MethodDelete, "/scenes/a", bobToken, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = request(http.MethodDelete, "/scenes/a", aliceToken, "")
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = request(http.MethodGet, "/scenes/a", aliceToken, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
