package image

import (
	"errors"
	"fmt"

	"github.com/flipbg/service/internal/quota"
)

// ErrNotFound is returned when no image exists for the given id and owner,
// or when an anonymous blob is absent.
var ErrNotFound = errors.New("image not found")

// ErrInvalidID is returned when an anonymous image id is malformed.
var ErrInvalidID = errors.New("invalid image id")

// ValidationError rejects an upload before any remote call is made. Reason
// is safe to show to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// QuotaExceededError is returned when an owner has used today's allowance.
type QuotaExceededError struct {
	Usage quota.Usage
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exhausted: %d of %d used", e.Usage.Used, e.Usage.Limit)
}

// PersistenceError wraps a metadata store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
