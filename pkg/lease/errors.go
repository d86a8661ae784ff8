package lease

import "errors"

// DeniedError is returned when a lease doesn't grant access.
// Reason is safe to show to clients, it never carries the underlying cause.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

var (
	// ErrInvalidLease is returned for anything that can't be decoded, decrypted or parsed.
	ErrInvalidLease = &DeniedError{Reason: "invalid lease"}
	ErrExpired      = &DeniedError{Reason: "expired"}
	ErrNotCovered   = &DeniedError{Reason: "not covered"}
)

// Errors returned by Issue for requests that can't be fulfilled.
var (
	ErrNoAssets     = errors.New("no assets requested")
	ErrInvalidAsset = errors.New("invalid asset address")
	ErrUnknownAsset = errors.New("unknown asset")
)

// IsValidation returns true if err is caused by a bad request,
// as opposed to a failure checking the blob store.
func IsValidation(err error) bool {
	var denied *DeniedError
	return errors.Is(err, ErrNoAssets) ||
		errors.Is(err, ErrInvalidAsset) ||
		errors.Is(err, ErrUnknownAsset) ||
		errors.As(err, &denied)
}
