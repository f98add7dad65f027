// Package provider is the object storage contract shared by every backend.
// Supported backends: local filesystem and Amazon S3 (and S3-compatible
// services). Business logic depends on Provider only.
package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"filevault/internal/models"
)

// Operation is the permission a signed URL grants.
type Operation string

const (
	OpGet Operation = "get"
	OpPut Operation = "put"
)

// Disposition controls how a browser treats a signed GET download.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// Object is the metadata of a stored object.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	Metadata     map[string]string
	Tier         models.StorageTier
	LastModified time.Time
}

type UploadResult struct {
	Key  string
	ETag string
	Size int64
}

type DownloadResult struct {
	Data        []byte
	ContentType string
	Size        int64
	ETag        string
}

// SignOptions are caller-supplied; providers apply no defaults beyond a
// missing disposition meaning inline.
type SignOptions struct {
	Operation   Operation
	TTL         time.Duration
	ContentType string
	Disposition Disposition
	Filename    string
}

type ListResult struct {
	Items         []Object
	NextPageToken string
}

// Provider is implemented identically by every backend. Network and auth
// faults surface as apperr StorageUnavailable, missing objects as NotFound.
// Providers never retry.
type Provider interface {
	Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*UploadResult, error)
	// Download reads an object; versionRef selects a backend object version
	// and may be empty.
	Download(ctx context.Context, key, versionRef string) (*DownloadResult, error)
	SignedURL(ctx context.Context, key string, opts SignOptions) (string, error)
	// Delete is idempotent: deleting a missing object succeeds.
	Delete(ctx context.Context, key, versionRef string) error
	Exists(ctx context.Context, key string) (bool, error)
	Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) (*Object, error)
	List(ctx context.Context, prefix string, pageSize int, pageToken string) (*ListResult, error)
	// SetTier changes the storage class of an object in place.
	SetTier(ctx context.Context, key string, tier models.StorageTier) error
	HealthCheck(ctx context.Context) bool
}

// New builds the backend named by cfg.Provider and bounds every call by
// cfg.Timeout.
func New(ctx context.Context, cfg models.StorageConfig, publicBaseURL string, log *zap.Logger) (Provider, error) {
	const op = "provider.New"

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "local":
		p, err = NewLocal(cfg.Local.Root, publicBaseURL, []byte(cfg.Local.SigningSecret))
	case "s3":
		p, err = NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("%s: unknown storage provider %q", op, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("storage provider ready", zap.String("provider", cfg.Provider), zap.Duration("timeout", cfg.Timeout))
	return WithTimeout(p, cfg.Timeout), nil
}
