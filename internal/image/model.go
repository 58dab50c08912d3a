// Package image runs the ingestion pipeline and manages the lifecycle of
// processed images across the metadata store and the object store.
package image

import (
	"time"

	"github.com/flipbg/service/internal/quota"
)

// Status is the lifecycle state of a registered image.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Asset is a registered user's image record.
type Asset struct {
	ID               string `json:"id"`
	OwnerID          string `json:"user_id"`
	OriginalFilename string `json:"original_filename"`
	OriginalKey      string `json:"storage_key"`
	// DerivedKey is set only after the transformed result has been stored.
	DerivedKey *string `json:"processed_storage_key"`
	// DeliveryURL is the last URL handed out for the result. It may be an
	// expired signed URL; reads issue a fresh one.
	DeliveryURL *string   `json:"public_url"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Upload is one inbound file part.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IngestResult is the outcome of a registered ingestion.
type IngestResult struct {
	Asset     *Asset
	Remaining int
}

// DemoResult is the outcome of an anonymous ingestion.
type DemoResult struct {
	ID         string
	URL        string
	StorageKey string
}

// OrphanedBlob is a blob whose removal failed during a delete.
type OrphanedBlob struct {
	Key string
	Err error
}

// DeleteResult describes a registered delete. The metadata record is gone
// even when Orphaned is non-empty.
type DeleteResult struct {
	ID          string
	RemovedKeys []string
	Orphaned    []OrphanedBlob
}

// OrphanedKeys returns the keys of blobs left behind.
func (r *DeleteResult) OrphanedKeys() []string {
	if len(r.Orphaned) == 0 {
		return nil
	}
	keys := make([]string, len(r.Orphaned))
	for i, o := range r.Orphaned {
		keys[i] = o.Key
	}
	return keys
}

// Listing is an owner's images together with today's quota usage.
type Listing struct {
	Images []Asset
	Quota  quota.Usage
}
