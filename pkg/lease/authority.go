package lease

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultTTL is how long issued leases stay valid.
const DefaultTTL = 30 * 24 * time.Hour

// existenceConcurrency limits the number of parallel existence checks per Issue call.
const existenceConcurrency = 8

// ExistenceChecker is the part of a blob store the Authority needs.
type ExistenceChecker interface {
	Exists(ctx context.Context, address blobstore.Address) (bool, error)
}

type Options struct {
	// Cipher is one of CipherAES256GCM (default) or CipherChaCha20Poly1305.
	Cipher string
	// TTL defaults to DefaultTTL.
	TTL time.Duration
}

// Authority issues and validates leases.
// It holds no mutable state, so it's safe for concurrent use.
type Authority struct {
	aead    cipher.AEAD
	aad     []byte
	checker ExistenceChecker
	ttl     time.Duration
}

// NewAuthority returns an Authority sealing leases with key.
// The key must be KeySize bytes, and stay the same for the lifetime of the process.
func NewAuthority(key []byte, checker ExistenceChecker, opts Options) (*Authority, error) {
	if opts.Cipher == "" {
		opts.Cipher = CipherAES256GCM
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	aead, err := newAEAD(opts.Cipher, key)
	if err != nil {
		return nil, err
	}

	return &Authority{
		aead: aead,
		// binds tokens to their purpose and cipher
		aad:     []byte("bigstore.lease.v1/" + opts.Cipher),
		checker: checker,
		ttl:     opts.TTL,
	}, nil
}

// TTL returns how long issued leases stay valid.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

// Issue returns a token granting access to assets until now+TTL.
// Every asset needs to exist in the blob store, otherwise no token is issued.
func (a *Authority) Issue(ctx context.Context, assets []string, now time.Time) (*Token, error) {
	if len(assets) == 0 {
		return nil, ErrNoAssets
	}
	for _, asset := range assets {
		if _, err := blobstore.ParseAddress(asset); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(existenceConcurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			exists, err := a.checker.Exists(gctx, blobstore.Address(asset))
			if err != nil {
				return fmt.Errorf("unable to check for %s: %w", asset, err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return a.Seal(&Lease{
		ExpiresAt: now.Add(a.ttl),
		Assets:    assets,
	})
}

// Seal encrypts l with a fresh random nonce.
func (a *Authority) Seal(l *Lease) (*Token, error) {
	b, err := l.marshal()
	if err != nil {
		return nil, fmt.Errorf("unable to marshal lease: %w", err)
	}

	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}

	return encodeToken(a.aead.Seal(nil, nonce, b, a.aad), nonce), nil
}

// Open decrypts and authenticates a token.
// Every failure is reported as ErrInvalidLease, the cause is only logged.
func (a *Authority) Open(leaseText, ivText string) (*Lease, error) {
	l, err := a.open(leaseText, ivText)
	if err != nil {
		log.WithError(err).Debug("rejecting lease")
		return nil, ErrInvalidLease
	}
	return l, nil
}

func (a *Authority) open(leaseText, ivText string) (*Lease, error) {
	ciphertext, nonce, err := decodeToken(leaseText, ivText)
	if err != nil {
		return nil, fmt.Errorf("unable to decode token: %w", err)
	}
	if len(nonce) != a.aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, expected %d", len(nonce), a.aead.NonceSize())
	}

	b, err := a.aead.Open(nil, nonce, ciphertext, a.aad)
	if err != nil {
		return nil, err
	}
	return unmarshalLease(b)
}

// Validate returns nil if the token grants access to address at now.
// Otherwise, it returns a *DeniedError: ErrInvalidLease, ErrExpired or ErrNotCovered.
func (a *Authority) Validate(leaseText, ivText, address string, now time.Time) error {
	l, err := a.Open(leaseText, ivText)
	if err != nil {
		return err
	}
	if l.Expired(now) {
		return ErrExpired
	}
	if !l.Covers(address) {
		return ErrNotCovered
	}
	return nil
}
