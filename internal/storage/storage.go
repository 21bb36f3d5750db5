// Package storage provides object storage for screenshots and diff images.
//
// Two implementations back the Storage interface: LocalStorage writes to the
// filesystem for development, R2Storage talks to Cloudflare R2 (S3-compatible)
// in production.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Storage is the interface screenshot uploads and diff generation write
// through. All methods are context-aware.
type Storage interface {
	// Put stores data at the specified key. Unless opts.Overwrite is set,
	// Put fails with ErrKeyExists when the key is already taken.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the object at the specified key. The caller must close
	// the returned reader. Returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the specified key. Idempotent.
	Delete(ctx context.Context, key string) error

	// URL returns a URL for accessing the object: permanent for public
	// objects, presigned for the given duration otherwise.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists reports whether an object exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is the MIME type. Empty means auto-detect from the key.
	ContentType string

	// MaxSize caps the object size in bytes. Zero means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool

	// Public marks the object publicly readable.
	Public bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where files are stored.
	BasePath string

	// BaseURL is the public URL prefix for accessing files,
	// e.g. "http://localhost:8080/files".
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the bucket's public URL when served from a custom
	// domain. Empty means presigned URLs for all access.
	PublicURL string

	// Region is required by the AWS SDK; R2 accepts "auto".
	Region string
}

// Storage provider names, as configured via STORAGE_PROVIDER.
const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// MaxScreenshotSize caps a single uploaded screenshot at 20MB.
const MaxScreenshotSize = 20 << 20

// ScreenshotKey generates a storage key for an uploaded screenshot.
// Format: screenshots/{buildID}/{uuid}.{ext}
func ScreenshotKey(buildID uuid.UUID, filename string) string {
	return fmt.Sprintf("screenshots/%s/%s%s", buildID, uuid.New(), filepath.Ext(filename))
}

// DiffKey generates a storage key for a generated diff image.
// Format: diffs/{buildID}/{uuid}.png
func DiffKey(buildID uuid.UUID) string {
	return fmt.Sprintf("diffs/%s/%s.png", buildID, uuid.New())
}

// ThumbnailKey is the storage key for a screenshot's JPEG preview. It is
// deterministic so the build API can derive it without a lookup.
func ThumbnailKey(screenshotID uuid.UUID) string {
	return fmt.Sprintf("thumbnails/%s.jpg", screenshotID)
}
