package lease

import (
	"encoding/base64"
)

// Token is the wire form of a lease: the ciphertext and the nonce it was sealed with.
// Both are unpadded URL-safe base64, so they can be passed in query strings as-is.
type Token struct {
	Lease string `json:"lease"`
	IV    string `json:"iv"`
}

// tokenEncoding rejects non-canonical encodings, so every token has exactly one textual form.
var tokenEncoding = base64.RawURLEncoding.Strict()

func encodeToken(ciphertext, nonce []byte) *Token {
	return &Token{
		Lease: tokenEncoding.EncodeToString(ciphertext),
		IV:    tokenEncoding.EncodeToString(nonce),
	}
}

func decodeToken(leaseText, ivText string) (ciphertext, nonce []byte, err error) {
	ciphertext, err = tokenEncoding.DecodeString(leaseText)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = tokenEncoding.DecodeString(ivText)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}
