package lease_test

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/bigstore-dev/bigstore/pkg/lease"
	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkerFunc adapts a function to lease.ExistenceChecker.
type checkerFunc func(ctx context.Context, address blobstore.Address) (bool, error)

func (f checkerFunc) Exists(ctx context.Context, address blobstore.Address) (bool, error) {
	return f(ctx, address)
}

var (
	assetA  = blobstore.AddressOf([]byte("A")).String()
	assetB  = blobstore.AddressOf([]byte("B")).String()
	assetC  = blobstore.AddressOf([]byte("C")).String()
	now     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey = mustGenerateKey()
)

func mustGenerateKey() []byte {
	key, err := lease.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// newStore returns a memory store containing A and B.
func newStore(t *testing.T) *blobstore.MemoryStore {
	store := blobstore.NewMemoryStore()
	for _, contents := range []string{"A", "B"} {
		tmp, err := store.CreateTemporary(context.Background(), "text/plain")
		require.NoError(t, err)
		_, err = tmp.Write([]byte(contents))
		require.NoError(t, err)
		require.NoError(t, tmp.Close())
		require.NoError(t, store.Publish(context.Background(), tmp, blobstore.AddressOf([]byte(contents))))
	}
	return store
}

func newAuthority(t *testing.T, key []byte, opts lease.Options) *lease.Authority {
	authority, err := lease.NewAuthority(key, newStore(t), opts)
	require.NoError(t, err)
	return authority
}

func TestAuthority(t *testing.T) {
	for _, cipherName := range []string{lease.CipherAES256GCM, lease.CipherChaCha20Poly1305} {
		t.Run(cipherName, func(t *testing.T) {
			testAuthority(t, newAuthority(t, testKey, lease.Options{Cipher: cipherName}))
		})
	}
}

func testAuthority(t *testing.T, authority *lease.Authority) {
	ctx := context.Background()

	token, err := authority.Issue(ctx, []string{assetA, assetB}, now)
	require.NoError(t, err)

	t.Run("token encoding", func(t *testing.T) {
		nonce, err := base64.RawURLEncoding.DecodeString(token.IV)
		require.NoError(t, err)
		assert.Len(t, nonce, lease.NonceSize)
		assert.NotContains(t, token.Lease, "=")
	})

	t.Run("authorized", func(t *testing.T) {
		assert.NoError(t, authority.Validate(token.Lease, token.IV, assetA, now))
		assert.NoError(t, authority.Validate(token.Lease, token.IV, assetB, now.Add(authority.TTL()-time.Nanosecond)))
	})

	t.Run("not covered", func(t *testing.T) {
		err := authority.Validate(token.Lease, token.IV, assetC, now)
		assert.ErrorIs(t, err, lease.ErrNotCovered)
		assert.Equal(t, "not covered", err.Error())
	})

	t.Run("expired", func(t *testing.T) {
		err := authority.Validate(token.Lease, token.IV, assetA, now.Add(authority.TTL()))
		assert.ErrorIs(t, err, lease.ErrExpired, "a lease is expired at its expiry time")

		err = authority.Validate(token.Lease, token.IV, assetA, now.Add(lease.DefaultTTL+time.Hour))
		assert.ErrorIs(t, err, lease.ErrExpired)
	})

	t.Run("open", func(t *testing.T) {
		l, err := authority.Open(token.Lease, token.IV)
		require.NoError(t, err)
		assert.True(t, l.ExpiresAt.Equal(now.Add(lease.DefaultTTL)))
		assert.Equal(t, []string{assetA, assetB}, l.Assets)
	})

	t.Run("fresh nonce per token", func(t *testing.T) {
		other, err := authority.Issue(ctx, []string{assetA, assetB}, now)
		require.NoError(t, err)
		assert.NotEqual(t, token.IV, other.IV)
		assert.NotEqual(t, token.Lease, other.Lease)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		ciphertext, err := base64.RawURLEncoding.DecodeString(token.Lease)
		require.NoError(t, err)
		for i := range ciphertext {
			tampered := append([]byte(nil), ciphertext...)
			tampered[i] ^= 0x01
			err := authority.Validate(base64.RawURLEncoding.EncodeToString(tampered), token.IV, assetA, now)
			assert.ErrorIs(t, err, lease.ErrInvalidLease, "byte %d", i)
		}
	})

	t.Run("tampered nonce", func(t *testing.T) {
		nonce, err := base64.RawURLEncoding.DecodeString(token.IV)
		require.NoError(t, err)
		for i := range nonce {
			tampered := append([]byte(nil), nonce...)
			tampered[i] ^= 0x80
			err := authority.Validate(token.Lease, base64.RawURLEncoding.EncodeToString(tampered), assetA, now)
			assert.ErrorIs(t, err, lease.ErrInvalidLease, "byte %d", i)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, tc := range []struct {
			Title string
			Lease string
			IV    string
		}{
			{"empty", "", ""},
			{"empty iv", token.Lease, ""},
			{"not base64", "not a lease!", token.IV},
			{"padded", token.Lease + "=", token.IV},
			{"std alphabet", token.Lease, token.IV[:len(token.IV)-1] + "+"},
			{"truncated", token.Lease[:10], token.IV},
			{"short iv", token.Lease, token.IV[:8]},
		} {
			t.Run(tc.Title, func(t *testing.T) {
				err := authority.Validate(tc.Lease, tc.IV, assetA, now)
				assert.ErrorIs(t, err, lease.ErrInvalidLease)
				assert.Equal(t, "invalid lease", err.Error(), "the cause must not be exposed")
			})
		}
	})
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	authority := newAuthority(t, testKey, lease.Options{})

	t.Run("unknown asset", func(t *testing.T) {
		token, err := authority.Issue(ctx, []string{assetA, assetC}, now)
		assert.ErrorIs(t, err, lease.ErrUnknownAsset)
		assert.True(t, lease.IsValidation(err))
		assert.Nil(t, token)
	})

	t.Run("invalid asset", func(t *testing.T) {
		token, err := authority.Issue(ctx, []string{"unknown-address"}, now)
		assert.ErrorIs(t, err, lease.ErrInvalidAsset)
		assert.True(t, lease.IsValidation(err))
		assert.Nil(t, token)
	})

	t.Run("no assets", func(t *testing.T) {
		_, err := authority.Issue(ctx, nil, now)
		assert.ErrorIs(t, err, lease.ErrNoAssets)
		assert.True(t, lease.IsValidation(err))
	})

	t.Run("backend failure", func(t *testing.T) {
		errBackend := errors.New("backend down")
		authority, err := lease.NewAuthority(testKey, checkerFunc(func(ctx context.Context, address blobstore.Address) (bool, error) {
			return false, errBackend
		}), lease.Options{})
		require.NoError(t, err)

		_, err = authority.Issue(ctx, []string{assetA}, now)
		assert.ErrorIs(t, err, errBackend)
		assert.False(t, lease.IsValidation(err))
	})

	t.Run("custom ttl", func(t *testing.T) {
		authority := newAuthority(t, testKey, lease.Options{TTL: time.Hour})
		token, err := authority.Issue(ctx, []string{assetA}, now)
		require.NoError(t, err)
		assert.NoError(t, authority.Validate(token.Lease, token.IV, assetA, now.Add(59*time.Minute)))
		assert.ErrorIs(t, authority.Validate(token.Lease, token.IV, assetA, now.Add(time.Hour)), lease.ErrExpired)
	})
}

func TestKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong key", func(t *testing.T) {
		token, err := newAuthority(t, testKey, lease.Options{}).Issue(ctx, []string{assetA}, now)
		require.NoError(t, err)

		other := newAuthority(t, mustGenerateKey(), lease.Options{})
		assert.ErrorIs(t, other.Validate(token.Lease, token.IV, assetA, now), lease.ErrInvalidLease)
	})

	t.Run("other cipher", func(t *testing.T) {
		token, err := newAuthority(t, testKey, lease.Options{Cipher: lease.CipherAES256GCM}).Issue(ctx, []string{assetA}, now)
		require.NoError(t, err)

		other := newAuthority(t, testKey, lease.Options{Cipher: lease.CipherChaCha20Poly1305})
		assert.ErrorIs(t, other.Validate(token.Lease, token.IV, assetA, now), lease.ErrInvalidLease)
	})

	t.Run("same key across instances", func(t *testing.T) {
		token, err := newAuthority(t, testKey, lease.Options{}).Issue(ctx, []string{assetA}, now)
		require.NoError(t, err)

		restarted := newAuthority(t, append([]byte(nil), testKey...), lease.Options{})
		assert.NoError(t, restarted.Validate(token.Lease, token.IV, assetA, now))
	})

	t.Run("unsupported cipher", func(t *testing.T) {
		_, err := lease.NewAuthority(testKey, newStore(t), lease.Options{Cipher: "rot13"})
		assert.Error(t, err)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := lease.NewAuthority(testKey[:16], newStore(t), lease.Options{})
		assert.Error(t, err)
	})

	t.Run("ParseKey", func(t *testing.T) {
		for _, encoded := range []string{
			hex.EncodeToString(testKey),
			base64.StdEncoding.EncodeToString(testKey),
			base64.RawURLEncoding.EncodeToString(testKey),
			lease.EncodeKey(testKey) + "\n",
		} {
			key, err := lease.ParseKey(encoded)
			assert.NoError(t, err, encoded)
			assert.Equal(t, testKey, key)
		}

		_, err := lease.ParseKey(base64.StdEncoding.EncodeToString(testKey[:16]))
		assert.Error(t, err)
		_, err = lease.ParseKey("not a key at all")
		assert.Error(t, err)
	})

	t.Run("LoadKey", func(t *testing.T) {
		key, err := lease.LoadKey(lease.EncodeKey(testKey), true)
		assert.NoError(t, err)
		assert.Equal(t, testKey, key)

		_, err = lease.LoadKey("", true)
		assert.ErrorIs(t, err, lease.ErrKeyRequired)

		ephemeral, err := lease.LoadKey("", false)
		assert.NoError(t, err)
		assert.Len(t, ephemeral, lease.KeySize)
	})
}
