// Package objectstore abstracts where image variants live. Keys follow the
// layout {image_id}/{preset}.jpg; Put overwrites, which is what makes
// re-uploads after a crash idempotent.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ContentTypeJPEG is the content type for all stored variants.
const ContentTypeJPEG = "image/jpeg"

// Store is the object-store collaborator interface.
type Store interface {
	// Put writes data at key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get reads the object at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// VariantKey returns the stable storage key for one variant of an image.
func VariantKey(imageID uuid.UUID, preset string) string {
	return fmt.Sprintf("%s/%s.jpg", imageID, preset)
}

// ImagePrefix returns the key prefix holding all variants of an image.
func ImagePrefix(imageID uuid.UUID) string {
	return imageID.String() + "/"
}
