package lease

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Supported ciphers. Both take a 256 bit key and a 96 bit nonce.
const (
	CipherAES256GCM        = "aes-256-gcm"
	CipherChaCha20Poly1305 = "chacha20-poly1305"
)

// NonceSize is the size of the nonce (the "iv" of a token) in bytes.
const NonceSize = 12

func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("lease key must be %d bytes, got %d", KeySize, len(key))
	}

	switch name {
	case CipherAES256GCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported lease cipher %s", name)
	}
}
