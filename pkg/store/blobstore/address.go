package blobstore

import (
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
)

// Address is the content address of a blob:
// the unpadded URL-safe base64 encoding of the SHA-512 digest of its bytes.
type Address string

// AddressLength is the length of an encoded SHA-512 digest.
var AddressLength = base64.RawURLEncoding.EncodedLen(sha512.Size)

var ErrInvalidAddress = errors.New("invalid address")

// NewHasher returns the hash used to compute content addresses.
func NewHasher() hash.Hash {
	return sha512.New()
}

// AddressFromDigest encodes a digest returned by NewHasher.
func AddressFromDigest(digest []byte) Address {
	return Address(base64.RawURLEncoding.EncodeToString(digest))
}

// AddressOf returns the content address of b.
func AddressOf(b []byte) Address {
	digest := sha512.Sum512(b)
	return AddressFromDigest(digest[:])
}

// ParseAddress validates s and returns it as Address.
// Anything that's not a canonically encoded SHA-512 digest is rejected,
// which also keeps addresses safe to use as file and object names.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressLength {
		return "", fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidAddress, AddressLength, len(s))
	}
	digest, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(digest) != sha512.Size {
		return "", fmt.Errorf("%w: bad digest length %d", ErrInvalidAddress, len(digest))
	}
	return Address(s), nil
}

func (a Address) String() string {
	return string(a)
}
