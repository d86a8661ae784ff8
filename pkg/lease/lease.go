// Package lease issues and validates leases: encrypted, self-contained
// capabilities granting read access to a set of blobs until they expire.
//
// Nothing about a lease is kept server-side. The token is the only copy,
// and it is authenticated, so it can't be forged or altered without the key.
package lease

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Lease is the plaintext of a token.
type Lease struct {
	ExpiresAt time.Time
	Assets    []string
}

// plaintext is the wire format of a Lease.
type plaintext struct {
	ExpiresAt string   `cbor:"expires_at"`
	Assets    []string `cbor:"assets"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("lease: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("lease: CBOR decoder initialization failed: " + err.Error())
	}
}

// Expired returns true if the lease isn't valid at now anymore.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Covers returns true if address is one of the leased assets.
func (l *Lease) Covers(address string) bool {
	for _, asset := range l.Assets {
		if asset == address {
			return true
		}
	}
	return false
}

func (l *Lease) marshal() ([]byte, error) {
	return encMode.Marshal(plaintext{
		ExpiresAt: l.ExpiresAt.UTC().Format(time.RFC3339Nano),
		Assets:    l.Assets,
	})
}

func unmarshalLease(b []byte) (*Lease, error) {
	var p plaintext
	if err := decMode.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	if p.ExpiresAt == "" {
		return nil, fmt.Errorf("expires_at missing")
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, p.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("unable to parse expires_at: %w", err)
	}
	if len(p.Assets) == 0 {
		return nil, fmt.Errorf("assets missing")
	}
	return &Lease{
		ExpiresAt: expiresAt,
		Assets:    p.Assets,
	}, nil
}
