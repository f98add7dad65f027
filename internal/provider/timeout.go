package provider

import (
	"context"
	"errors"
	"time"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A deadline hit is reported as
// StorageUnavailable. A non-positive d returns next unchanged.
func WithTimeout(next Provider, d time.Duration) Provider {
	if d <= 0 {
		return next
	}
	return &timeoutProvider{next: next, timeout: d}
}

// Unwrap exposes the decorated backend to local-only routes such as the blob
// endpoint.
func (t *timeoutProvider) Unwrap() Provider { return t.next }

func (t *timeoutProvider) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, t.timeout)
}

func deadline(op string, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	return err
}

func (t *timeoutProvider) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*UploadResult, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	res, err := t.next.Upload(ctx, key, data, contentType, metadata)
	return res, deadline("provider.Upload", err)
}

func (t *timeoutProvider) Download(ctx context.Context, key, versionRef string) (*DownloadResult, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	res, err := t.next.Download(ctx, key, versionRef)
	return res, deadline("provider.Download", err)
}

func (t *timeoutProvider) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	u, err := t.next.SignedURL(ctx, key, opts)
	return u, deadline("provider.SignedURL", err)
}

func (t *timeoutProvider) Delete(ctx context.Context, key, versionRef string) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return deadline("provider.Delete", t.next.Delete(ctx, key, versionRef))
}

func (t *timeoutProvider) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	ok, err := t.next.Exists(ctx, key)
	return ok, deadline("provider.Exists", err)
}

func (t *timeoutProvider) Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) (*Object, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	obj, err := t.next.Copy(ctx, srcKey, dstKey, metadata)
	return obj, deadline("provider.Copy", err)
}

func (t *timeoutProvider) List(ctx context.Context, prefix string, pageSize int, pageToken string) (*ListResult, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	res, err := t.next.List(ctx, prefix, pageSize, pageToken)
	return res, deadline("provider.List", err)
}

func (t *timeoutProvider) SetTier(ctx context.Context, key string, tier models.StorageTier) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return deadline("provider.SetTier", t.next.SetTier(ctx, key, tier))
}

func (t *timeoutProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.next.HealthCheck(ctx)
}

// AsLocal returns the filesystem backend behind p, if that is what p is.
func AsLocal(p Provider) (*Local, bool) {
	for {
		switch v := p.(type) {
		case *Local:
			return v, true
		case interface{ Unwrap() Provider }:
			p = v.Unwrap()
		default:
			return nil, false
		}
	}
}
