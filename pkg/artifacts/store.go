// Package artifacts archives collected run outputs in S3-compatible
// storage.
package artifacts

import (
	"context"
	"io"
	"mime"
	"path"
	"time"
)

// Artifact represents a stored output with metadata.
type Artifact struct {
	Key          string            `json:"key"`           // e.g. "runs/<guid>/<guid>.zip"
	Bucket       string            `json:"bucket"`        // Bucket name
	Size         int64             `json:"size"`          // Size in bytes
	ContentType  string            `json:"content_type"`  // MIME type
	LastModified time.Time         `json:"last_modified"` // Last modification time
	Metadata     map[string]string `json:"metadata"`      // Custom metadata
}

// Store defines the artifact storage operations the orchestrator needs.
type Store interface {
	// Upload stores size bytes from reader under key. size may be -1 when
	// unknown.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) (*Artifact, error)

	// Download retrieves an artifact by key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// PresignedURL generates a time-limited download URL.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// List lists all artifacts with the given prefix.
	List(ctx context.Context, prefix string) ([]*Artifact, error)

	// DeletePrefix removes all artifacts with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// EnsureBucket ensures the bucket exists, creating it if necessary.
	EnsureBucket(ctx context.Context) error
}

// RunPrefix returns the key prefix holding a run's outputs.
func RunPrefix(guid string) string {
	return "runs/" + guid + "/"
}

// RunKey returns the key of one output of a run.
func RunKey(guid, name string) string {
	return RunPrefix(guid) + name
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
