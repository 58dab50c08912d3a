package image

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// allowedTypes maps accepted declared content types to the extension used
// for the stored original.
var allowedTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

var sniffedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// Validation reasons shown to callers.
const (
	ReasonMissingFile  = "No image file provided"
	ReasonInvalidType  = "Invalid file type. Allowed: JPEG, PNG, WebP, GIF"
	ReasonEmptyFile    = "File is empty"
	ReasonUnrecognized = "File content is not a supported image"
)

// SizeReason returns the message for an upload larger than maxBytes.
func SizeReason(maxBytes int64) string {
	return fmt.Sprintf("File size exceeds %dMB limit", maxBytes>>20)
}

// Validate checks an upload's presence, declared type, size and content.
func Validate(u Upload, maxBytes int64) error {
	if u.Data == nil && u.Filename == "" && u.ContentType == "" {
		return &ValidationError{Reason: ReasonMissingFile}
	}
	if _, ok := allowedTypes[mediaType(u.ContentType)]; !ok {
		return &ValidationError{Reason: ReasonInvalidType}
	}
	if int64(len(u.Data)) > maxBytes {
		return &ValidationError{Reason: SizeReason(maxBytes)}
	}
	if len(u.Data) == 0 {
		return &ValidationError{Reason: ReasonEmptyFile}
	}
	if !isSniffedImage(u.Data) {
		return &ValidationError{Reason: ReasonUnrecognized}
	}
	return nil
}

// Extension returns the stored extension for a declared content type.
func Extension(contentType string) string {
	return allowedTypes[mediaType(contentType)]
}

func isSniffedImage(data []byte) bool {
	detected := mimetype.Detect(data)
	for _, t := range sniffedTypes {
		if detected.Is(t) {
			return true
		}
	}
	return false
}

func mediaType(contentType string) string {
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		t = contentType
	}
	return strings.ToLower(strings.TrimSpace(t))
}
