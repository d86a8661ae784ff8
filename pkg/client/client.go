// Package client talks to the big store of a bigstore server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/bigstore-dev/bigstore/pkg/lease"
	"github.com/bigstore-dev/bigstore/pkg/server/compression"
	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	log "github.com/sirupsen/logrus"
)

// Client is a big store client.
type Client struct {
	url        *url.URL // assumes the URL doesn't end with '/'
	httpClient *http.Client
}

// New returns a client for the server at serverURL.
// If httpClient is nil, http.DefaultClient is used.
func New(serverURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: u, httpClient: httpClient}, nil
}

// getURL composes the path with the prefix to return an URL.
func (c *Client) getURL(p string, query url.Values) string {
	x := *c.url
	x.Path = path.Join(c.url.Path, p)
	x.RawQuery = query.Encode()
	return x.String()
}

// ResponseError is returned for responses with an unexpected status.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(b, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(b))
	}
	return &ResponseError{StatusCode: resp.StatusCode, Message: body.Error}
}

// UploadOptions configure an upload.
type UploadOptions struct {
	// MediaType the blob is stored with. Defaults to blobstore.DefaultMediaType.
	MediaType string
	// ContentEncoding compresses the body on the wire, if set.
	// It must be one of compression.Encodings.
	ContentEncoding string
	// Size of r, if known. It's only used if ContentEncoding is empty.
	Size int64
}

// UploadResult is the response to an upload.
type UploadResult struct {
	StorageRef string            `json:"storageRef"`
	Address    blobstore.Address `json:"address"`
	Size       int64             `json:"size"`
	MediaType  string            `json:"mediaType"`
}

// Upload streams r to the big store.
func (c *Client) Upload(ctx context.Context, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	if opts.MediaType == "" {
		opts.MediaType = blobstore.DefaultMediaType
	}

	body := r
	if opts.ContentEncoding != "" {
		pr, pw := io.Pipe()
		cw, err := compression.NewCompressor(pw, opts.ContentEncoding)
		if err != nil {
			return nil, err
		}
		go func() {
			_, err := io.Copy(cw, r)
			if err == nil {
				err = cw.Close()
			}
			pw.CloseWithError(err)
		}()
		defer pr.Close()
		body = pr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.getURL("/v1/big_store", nil), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", opts.MediaType)
	if opts.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", opts.ContentEncoding)
	} else if opts.Size > 0 {
		req.ContentLength = opts.Size
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var res UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("unable to parse response: %w", err)
	}
	return &res, nil
}

// Lease requests a lease on assets.
func (c *Client) Lease(ctx context.Context, assets []string) (*lease.Token, error) {
	b, err := json.Marshal(map[string][]string{"assets": assets})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.getURL("/v1/big_store/lease", nil), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var token lease.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("unable to parse response: %w", err)
	}
	return &token, nil
}

// Fetch retrieves the blob at address, using token to get access.
// The returned reader yields the decoded contents, it's the callers responsibility to close it.
func (c *Client) Fetch(ctx context.Context, address string, token *lease.Token) (io.ReadCloser, *blobstore.BlobInfo, error) {
	query := url.Values{}
	query.Set("lease", token.Lease)
	query.Set("iv", token.IV)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.getURL("/v1/big_store/"+address, query), nil)
	if err != nil {
		return nil, nil, err
	}
	// setting this ourselves disables the transparent gzip handling of net/http
	req.Header.Set("Accept-Encoding", strings.Join(compression.Encodings, ", "))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, nil, responseError(resp)
	}

	info := &blobstore.BlobInfo{
		Address:   blobstore.Address(address),
		MediaType: resp.Header.Get("Content-Type"),
		Size:      -1,
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = size
		}
	}

	contentEncoding := resp.Header.Get("Content-Encoding")
	dr, err := compression.NewDecompressor(resp.Body, contentEncoding)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"address":         address,
		"contentEncoding": contentEncoding,
	}).Debug("fetching blob")

	return &fetchReader{ReadCloser: dr, body: resp.Body}, info, nil
}

// fetchReader closes both the decompressor and the response body.
type fetchReader struct {
	io.ReadCloser
	body io.Closer
}

func (fr *fetchReader) Close() error {
	err := fr.ReadCloser.Close()
	if bodyErr := fr.body.Close(); err == nil {
		err = bodyErr
	}
	return err
}
