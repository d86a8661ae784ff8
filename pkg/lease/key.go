package lease

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// KeySize is the size of a lease key in bytes.
const KeySize = 32

var ErrKeyRequired = errors.New("lease key required, but none configured")

// ParseKey decodes a hex or base64 (standard or URL-safe, padded or not) encoded key.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)

	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("lease key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, nil
	}

	return nil, fmt.Errorf("lease key is neither hex nor base64 encoded")
}

// GenerateKey returns a new random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("unable to generate lease key: %w", err)
	}
	return key, nil
}

// LoadKey parses the configured key.
// If none is configured, it fails if required is set,
// or generates an ephemeral one otherwise.
func LoadKey(s string, required bool) ([]byte, error) {
	if s != "" {
		return ParseKey(s)
	}
	if required {
		return nil, ErrKeyRequired
	}

	log.Warn("no lease key configured, using an ephemeral one. Issued leases won't survive a restart")
	return GenerateKey()
}

// EncodeKey returns the base64 encoding of key, as accepted by ParseKey.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
