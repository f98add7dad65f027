package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// Local stores objects under root/objects and a JSON sidecar per object
// under root/meta. Signed URLs point at the blob route of the HTTP server and
// carry an HMAC over operation, key, expiry and response headers.
type Local struct {
	root    string
	baseURL *url.URL
	secret  []byte
	now     func() time.Time
}

type localMeta struct {
	ContentType  string             `json:"content_type"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	ETag         string             `json:"etag"`
	Size         int64              `json:"size"`
	Tier         models.StorageTier `json:"tier"`
	LastModified time.Time          `json:"last_modified"`
}

// BlobRoute is the HTTP path prefix local signed URLs are served under.
const BlobRoute = "/blobs"

func NewLocal(root, publicBaseURL string, secret []byte) (*Local, error) {
	const op = "provider.NewLocal"
	if len(secret) == 0 {
		return nil, fmt.Errorf("%s: signing secret is empty", op)
	}
	base, err := url.Parse(publicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, dir := range []string{"objects", "meta"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return &Local{root: root, baseURL: base, secret: secret, now: time.Now}, nil
}

func cleanKey(op, key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", apperr.Newf(apperr.KindValidationFailed, op, "invalid storage key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return "", apperr.Newf(apperr.KindValidationFailed, op, "invalid storage key %q", key)
		}
	}
	return key, nil
}

func (l *Local) objectPath(key string) string {
	return filepath.Join(l.root, "objects", filepath.FromSlash(key))
}

func (l *Local) metaPath(key string) string {
	return filepath.Join(l.root, "meta", filepath.FromSlash(key)+".json")
}

func unavailable(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
}

// writeAtomic writes data through a temp file, fsync and rename.
func writeAtomic(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (l *Local) readMeta(key string) (*localMeta, error) {
	data, err := os.ReadFile(l.metaPath(key))
	if err != nil {
		return nil, err
	}
	var m localMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (l *Local) writeMeta(key string, m *localMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeAtomic(l.metaPath(key), data)
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func (l *Local) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*UploadResult, error) {
	const op = "provider.Local.Upload"
	key, err := cleanKey(op, key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}

	tier := models.TierStandard
	if prev, err := l.readMeta(key); err == nil && prev.Tier != "" {
		tier = prev.Tier
	}
	if err := writeAtomic(l.objectPath(key), data); err != nil {
		return nil, unavailable(op, err)
	}
	m := &localMeta{
		ContentType:  contentType,
		Metadata:     metadata,
		ETag:         etagOf(data),
		Size:         int64(len(data)),
		Tier:         tier,
		LastModified: l.now().UTC(),
	}
	if err := l.writeMeta(key, m); err != nil {
		return nil, unavailable(op, err)
	}
	return &UploadResult{Key: key, ETag: m.ETag, Size: m.Size}, nil
}

func (l *Local) Download(ctx context.Context, key, versionRef string) (*DownloadResult, error) {
	const op = "provider.Local.Download"
	key, err := cleanKey(op, key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	data, err := os.ReadFile(l.objectPath(key))
	if err != nil {
		return nil, unavailable(op, err)
	}
	res := &DownloadResult{Data: data, Size: int64(len(data)), ETag: etagOf(data), ContentType: "application/octet-stream"}
	if m, err := l.readMeta(key); err == nil {
		res.ContentType = m.ContentType
	}
	// The filesystem keeps one generation per key; a version reference must
	// name that generation.
	if versionRef != "" && versionRef != res.ETag {
		return nil, apperr.Newf(apperr.KindNotFound, op, "version %s of %s", versionRef, key)
	}
	return res, nil
}

func (l *Local) SignedURL(_ context.Context, key string, opts SignOptions) (string, error) {
	const op = "provider.Local.SignedURL"
	key, err := cleanKey(op, key)
	if err != nil {
		return "", err
	}
	if opts.TTL <= 0 {
		return "", apperr.Newf(apperr.KindValidationFailed, op, "signed url ttl must be positive")
	}
	if opts.Operation == "" {
		opts.Operation = OpGet
	}
	if opts.Disposition == "" {
		opts.Disposition = DispositionInline
	}
	expires := l.now().Add(opts.TTL).Unix()

	q := url.Values{}
	q.Set("op", string(opts.Operation))
	q.Set("expires", strconv.FormatInt(expires, 10))
	if opts.ContentType != "" {
		q.Set("ct", opts.ContentType)
	}
	q.Set("disp", string(opts.Disposition))
	if opts.Filename != "" {
		q.Set("fn", opts.Filename)
	}
	q.Set("sig", l.sign(opts.Operation, key, expires, opts.ContentType, opts.Disposition, opts.Filename))

	u := *l.baseURL
	u.Path = path.Join(u.Path, BlobRoute, key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (l *Local) sign(o Operation, key string, expires int64, contentType string, disp Disposition, filename string) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d\n%s\n%s\n%s", o, key, expires, contentType, disp, filename)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignedRequest checks a blob request against its signature and expiry
// and returns the signed response options.
func (l *Local) VerifySignedRequest(o Operation, key string, q url.Values) (*SignOptions, error) {
	const op = "provider.Local.VerifySignedRequest"
	key, err := cleanKey(op, key)
	if err != nil {
		return nil, err
	}
	if Operation(q.Get("op")) != o {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "signature does not grant %s", o)
	}
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "malformed expiry")
	}
	if l.now().Unix() > expires {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "signed url expired")
	}
	disp := Disposition(q.Get("disp"))
	want := l.sign(o, key, expires, q.Get("ct"), disp, q.Get("fn"))
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "signature mismatch")
	}
	return &SignOptions{
		Operation:   o,
		TTL:         time.Until(time.Unix(expires, 0)),
		ContentType: q.Get("ct"),
		Disposition: disp,
		Filename:    q.Get("fn"),
	}, nil
}

func (l *Local) Delete(ctx context.Context, key, versionRef string) error {
	const op = "provider.Local.Delete"
	key, err := cleanKey(op, key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	if versionRef != "" {
		if m, err := l.readMeta(key); err == nil && m.ETag != versionRef {
			return nil
		}
	}
	if err := os.Remove(l.objectPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable(op, err)
	}
	if err := os.Remove(l.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable(op, err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	const op = "provider.Local.Exists"
	key, err := cleanKey(op, key)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	_, err = os.Stat(l.objectPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, unavailable(op, err)
}

func (l *Local) Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) (*Object, error) {
	const op = "provider.Local.Copy"
	src, err := l.Download(ctx, srcKey, "")
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		if m, err := l.readMeta(srcKey); err == nil {
			metadata = m.Metadata
		}
	}
	if _, err := l.Upload(ctx, dstKey, src.Data, src.ContentType, metadata); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return l.stat(dstKey)
}

func (l *Local) stat(key string) (*Object, error) {
	const op = "provider.Local.stat"
	m, err := l.readMeta(key)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return &Object{
		Key:          key,
		Size:         m.Size,
		ETag:         m.ETag,
		ContentType:  m.ContentType,
		Metadata:     m.Metadata,
		Tier:         m.Tier,
		LastModified: m.LastModified,
	}, nil
}

// List pages through keys in lexical order; the page token is the last key
// of the previous page.
func (l *Local) List(ctx context.Context, prefix string, pageSize int, pageToken string) (*ListResult, error) {
	const op = "provider.Local.List"
	if pageSize <= 0 {
		pageSize = 1000
	}
	base := filepath.Join(l.root, "objects")
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && key > pageToken {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	sort.Strings(keys)

	res := &ListResult{}
	for i, key := range keys {
		if i == pageSize {
			res.NextPageToken = res.Items[len(res.Items)-1].Key
			break
		}
		obj, err := l.stat(key)
		if err != nil {
			obj = &Object{Key: key}
		}
		res.Items = append(res.Items, *obj)
	}
	return res, nil
}

func (l *Local) SetTier(ctx context.Context, key string, tier models.StorageTier) error {
	const op = "provider.Local.SetTier"
	key, err := cleanKey(op, key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	m, err := l.readMeta(key)
	if err != nil {
		return unavailable(op, err)
	}
	m.Tier = tier
	if err := l.writeMeta(key, m); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (l *Local) HealthCheck(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	probe := filepath.Join(l.root, "meta", ".health")
	if err := writeAtomic(probe, []byte(l.now().UTC().Format(time.RFC3339))); err != nil {
		return false
	}
	return true
}
