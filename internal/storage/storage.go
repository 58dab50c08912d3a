// Package storage defines the object store contract and its backends.
// The MinIO backend works with any S3-compatible provider (MinIO, Backblaze
// B2, AWS S3); the in-memory backend serves local development and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flipbg/service/internal/metrics"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("object not found")

// Error wraps a failed storage call with the operation and key.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PutRequest is a single object write.
type PutRequest struct {
	Key          string
	Data         []byte
	ContentType  string
	CacheControl string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage is the interface for storing and addressing blobs.
type Storage interface {
	// Put stores the object; it is fully readable afterwards or the call fails.
	// It returns the object's unsigned locator URL.
	Put(ctx context.Context, req PutRequest) (string, error)
	// Delete removes the object at key, returning ErrNotFound when absent.
	Delete(ctx context.Context, key string) error
	// SignedURL issues a read URL for key valid for ttl from now.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// PublicURL returns the unsigned locator for key.
	PublicURL(key string) string
}

// observe records metrics for one storage call and passes err through.
func observe(op string, start time.Time, err error) error {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.RecordStorageOperation(op, status, time.Since(start).Seconds())
	return err
}
