// Package delivery issues time-limited download links for files and their
// variants, optionally fronted by a CDN.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/storage"
)

var (
	urlCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fv_url_cache_total",
		Help: "Signed URL cache lookups by result.",
	}, []string{"result"})

	cdnPurgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fv_cdn_purges_total",
		Help: "CDN purge requests by outcome.",
	}, []string{"outcome"})
)

// Link is a download URL and the moment it stops working.
type Link struct {
	URL       string             `json:"url"`
	ExpiresAt time.Time          `json:"expires_at"`
	Variant   models.VariantType `json:"variant,omitempty"`
	CDN       bool               `json:"cdn,omitempty"`
}

// Opener decrypts stored originals for content links.
type Opener interface {
	Open(blob []byte) ([]byte, error)
}

type Config struct {
	TTL           time.Duration
	PublicBaseURL string
	TokenSecret   string
	CDN           models.CDNConfig
}

type Service struct {
	repo     storage.Repository
	provider provider.Provider
	opener   Opener
	tokens   *Tokens
	cfg      Config
	cache    *expirable.LRU[string, *Link]
	client   *http.Client
	log      *zap.Logger
	now      func() time.Time
	purges   sync.WaitGroup
}

// New builds the service. opener is nil when encryption is disabled.
func New(repo storage.Repository, p provider.Provider, opener Opener, cfg Config, log *zap.Logger) *Service {
	size := cfg.CDN.CacheSize
	if size <= 0 {
		size = 10000
	}
	// Cached links are handed out for at most half their lifetime.
	cacheTTL := cfg.TTL / 2
	if cacheTTL <= 0 {
		cacheTTL = time.Second
	}
	if cfg.CDN.PurgeRetry <= 0 {
		cfg.CDN.PurgeRetry = 30 * time.Second
	}
	return &Service{
		repo:     repo,
		provider: p,
		opener:   opener,
		tokens:   NewTokens(cfg.TokenSecret),
		cfg:      cfg,
		cache:    expirable.NewLRU[string, *Link](size, nil, cacheTTL),
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With(zap.String("component", "delivery")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func cacheKey(f *models.FileRecord, variant models.VariantType) string {
	return fmt.Sprintf("%s|%d|%s", f.ID, f.Version, variant)
}

// DownloadURL returns a link to the current content of a file, or to one of
// its variants when variant is set.
func (s *Service) DownloadURL(ctx context.Context, fileID string, variant models.VariantType) (*Link, error) {
	const op = "delivery.DownloadURL"

	f, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch f.Status {
	case models.FileStatusReady:
	case models.FileStatusDeleted:
		return nil, apperr.Newf(apperr.KindNotFound, op, "file %s", f.ID)
	default:
		return nil, apperr.Newf(apperr.KindInvalidState, op, "file %s is %s", f.ID, f.Status)
	}

	ck := cacheKey(f, variant)
	if l, ok := s.cache.Get(ck); ok && l.ExpiresAt.After(s.now()) {
		urlCacheTotal.WithLabelValues("hit").Inc()
		return l, nil
	}
	urlCacheTotal.WithLabelValues("miss").Inc()

	var l *Link
	if variant != "" {
		v, err := s.repo.GetVariant(ctx, f.ID, variant)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		l, err = s.objectLink(ctx, v.StorageKey, v.MimeType, variantFilename(f, v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		l.Variant = variant
	} else if f.IsEncrypted {
		l, err = s.contentLink(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		l, err = s.objectLink(ctx, f.StorageKey, f.MimeType, f.OriginalFilename)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	s.cache.Add(ck, l)
	return l, nil
}

func variantFilename(f *models.FileRecord, v *models.Variant) string {
	base := strings.TrimSuffix(f.OriginalFilename, path.Ext(f.OriginalFilename))
	if base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s-%s.%s", base, v.VariantType, v.Format)
}

func (s *Service) objectLink(ctx context.Context, key, contentType, filename string) (*Link, error) {
	expires := s.now().Add(s.cfg.TTL)
	if s.cfg.CDN.Enabled {
		u, err := s.cdnURL(key, expires)
		if err != nil {
			return nil, err
		}
		return &Link{URL: u, ExpiresAt: expires, CDN: true}, nil
	}
	u, err := s.provider.SignedURL(ctx, key, provider.SignOptions{
		Operation:   provider.OpGet,
		TTL:         s.cfg.TTL,
		ContentType: contentType,
		Disposition: provider.DispositionInline,
		Filename:    filename,
	})
	if err != nil {
		return nil, err
	}
	return &Link{URL: u, ExpiresAt: expires}, nil
}

// contentLink points at the server route that decrypts on the fly. Encrypted
// originals never go through the CDN.
func (s *Service) contentLink(f *models.FileRecord) (*Link, error) {
	expires := s.now().Add(s.cfg.TTL)
	token, err := s.tokens.Issue(f.ID, f.Version, expires)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(s.cfg.PublicBaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path.Join(u.Path, ContentRoute, token)
	return &Link{URL: u.String(), ExpiresAt: expires}, nil
}

// SignCDN computes the signature a CDN edge checks: HMAC-SHA256 over the
// object path and the unix expiry.
func SignCDN(secret, objectPath string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%d", objectPath, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) cdnURL(key string, expires time.Time) (string, error) {
	u, err := url.Parse(s.cfg.CDN.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join("/", u.Path, key)
	exp := expires.Unix()
	q := url.Values{}
	q.Set("Expires", strconv.FormatInt(exp, 10))
	q.Set("Signature", SignCDN(s.cfg.CDN.SigningKey, u.Path, exp))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Content is a decrypted original served through a content link.
type Content struct {
	Data     []byte
	MimeType string
	Filename string
}

// OpenContent resolves a content token. Links issued for an older version
// stop working once the file changes.
func (s *Service) OpenContent(ctx context.Context, token string) (*Content, error) {
	const op = "delivery.OpenContent"
	fileID, version, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	f, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if f.Status != models.FileStatusReady {
		return nil, apperr.Newf(apperr.KindNotFound, op, "file %s", f.ID)
	}
	if f.Version != version {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "link was issued for version %d", version)
	}
	dl, err := s.provider.Download(ctx, f.StorageKey, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data := dl.Data
	if f.IsEncrypted {
		if s.opener == nil {
			return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "file %s is encrypted but no key is configured", f.ID)
		}
		if data, err = s.opener.Open(data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return &Content{Data: data, MimeType: f.MimeType, Filename: f.OriginalFilename}, nil
}

// Invalidate drops cached links for a file and, with a CDN purge endpoint
// configured, asks the CDN to forget its objects. The purge runs in the
// background; Close waits for outstanding purges.
func (s *Service) Invalidate(ctx context.Context, f *models.FileRecord) {
	prefix := f.ID + "|"
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	if !s.cfg.CDN.Enabled || s.cfg.CDN.PurgeURL == "" {
		return
	}

	paths := []string{"/" + f.StorageKey}
	if variants, err := s.repo.ListVariants(ctx, f.ID); err == nil {
		for _, v := range variants {
			paths = append(paths, "/"+v.StorageKey)
		}
	}
	ctx = context.WithoutCancel(ctx)
	s.purges.Add(1)
	go func() {
		defer s.purges.Done()
		if err := s.purge(ctx, paths); err != nil {
			cdnPurgesTotal.WithLabelValues("failed").Inc()
			s.log.Error("cdn purge failed", zap.String("file_id", f.ID), zap.Strings("paths", paths), zap.Error(err))
			return
		}
		cdnPurgesTotal.WithLabelValues("ok").Inc()
	}()
}

// purge posts the paths to the CDN, retrying 5xx and network faults with
// exponential backoff for up to PurgeRetry.
func (s *Service) purge(ctx context.Context, paths []string) error {
	const op = "delivery.purge"
	body, err := json.Marshal(map[string][]string{"paths": paths})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CDN.PurgeURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.CDN.PurgeToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.CDN.PurgeToken)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("cdn returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("cdn rejected purge with %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.cfg.CDN.PurgeRetry
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close waits for background purges.
func (s *Service) Close() {
	s.purges.Wait()
}
