// Package versioning keeps point-in-time copies of a file's content. The
// live object always stays at the file's storage key; older content is
// copied aside under versions/.
package versioning

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/encryption"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/storage"
	"filevault/internal/upload"
)

type Cipher interface {
	Seal(plaintext []byte) ([]byte, *encryption.Sealed, error)
	Open(blob []byte) ([]byte, error)
}

type Engine struct {
	repo     storage.Repository
	provider provider.Provider
	cipher   Cipher
	cfg      models.VersioningConfig
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	onChange func(ctx context.Context, f *models.FileRecord)
}

func New(repo storage.Repository, p provider.Provider, cipher Cipher, cfg models.VersioningConfig, log *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		provider: p,
		cipher:   cipher,
		cfg:      cfg,
		log:      log.With(zap.String("component", "versioning")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnContentChange sets a hook called after a file's live content changes.
func (e *Engine) OnContentChange(fn func(ctx context.Context, f *models.FileRecord)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// versionKey is unique per attempt, so discarding a failed attempt's
// archive never touches an object a committed row points at.
func versionKey(f *models.FileRecord, n int, attempt string) string {
	return path.Join("versions", f.ID, fmt.Sprintf("v%d-%s-%s", n, attempt, upload.Sanitize(f.OriginalFilename)))
}

// CreateVersion replaces a file's content with data. The outgoing content
// is copied aside under its version key. When any step fails the file keeps
// its previous content, row and current snapshot.
func (e *Engine) CreateVersion(ctx context.Context, fileID string, data []byte, mimeType, note string) (*models.VersionSnapshot, error) {
	const op = "versioning.CreateVersion"
	if !e.cfg.Enabled {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "versioning is disabled")
	}

	// Writers to one file serialize: each overwrites the same live key.
	unlock, err := e.repo.LockFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	f, err := e.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if f.Status != models.FileStatusReady {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "file %s is %s", f.ID, f.Status)
	}
	if len(data) == 0 {
		return nil, apperr.Newf(apperr.KindValidationFailed, op, "new content is empty")
	}
	if mimeType == "" {
		mimeType = f.MimeType
	}
	log := e.log.With(zap.String("file_id", f.ID))

	// Both objects are written before any row changes, so a failed upload
	// leaves the metadata describing the content that is still live.
	cur, err := e.provider.Download(ctx, f.StorageKey, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	meta := map[string]string{"file-id": f.ID}
	archiveID := uuid.NewString()
	archived := &models.VersionSnapshot{
		ID:            archiveID,
		FileID:        f.ID,
		VersionNumber: f.Version,
		StorageKey:    versionKey(f, f.Version, archiveID[:8]),
		SizeBytes:     f.SizeBytes,
		Checksum:      models.Checksum(cur.Data),
		MimeType:      f.MimeType,
		CreatedAt:     e.now(),
	}
	if _, err := e.provider.Upload(ctx, archived.StorageKey, cur.Data, f.MimeType, meta); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	next := *f
	stored := data
	if f.IsEncrypted {
		if e.cipher == nil {
			e.discardArchive(ctx, archived)
			return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "file %s is encrypted but no key is configured", f.ID)
		}
		blob, sealed, err := e.cipher.Seal(data)
		if err != nil {
			e.discardArchive(ctx, archived)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		stored = blob
		next.EncryptionNonce = hex.EncodeToString(sealed.Nonce)
		next.EncryptionTag = hex.EncodeToString(sealed.Tag)
	}
	if _, err := e.provider.Upload(ctx, f.StorageKey, stored, mimeType, meta); err != nil {
		e.discardArchive(ctx, archived)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := e.now()
	next.Version++
	next.SizeBytes = int64(len(data))
	next.MimeType = mimeType
	next.FileType = models.FileTypeOf(mimeType)
	next.Checksum = models.Checksum(stored)
	next.Width, next.Height = 0, 0
	if next.FileType == models.FileTypeImage {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			next.Width, next.Height = cfg.Width, cfg.Height
		}
	}
	next.ModifiedAt = now
	next.UpdatedAt = now

	current := &models.VersionSnapshot{
		ID:            uuid.NewString(),
		FileID:        f.ID,
		VersionNumber: next.Version,
		StorageKey:    f.StorageKey,
		SizeBytes:     next.SizeBytes,
		Checksum:      next.Checksum,
		MimeType:      next.MimeType,
		IsCurrent:     true,
		Note:          note,
		CreatedAt:     now,
	}
	if err := e.repo.CommitVersion(ctx, &next, archived, current); err != nil {
		// A stale commit means another writer already moved the file on;
		// its content is live now and must not be overwritten.
		if !errors.Is(err, storage.ErrStaleVersion) {
			e.restoreLive(ctx, f, cur.Data)
		} else {
			log.Error("version commit lost to a concurrent writer", zap.Int("version", next.Version))
		}
		e.discardArchive(ctx, archived)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f = &next
	log.Info("version created", zap.Int("version", f.Version), zap.Int64("size", f.SizeBytes))

	e.prune(ctx, f.ID)
	e.mu.Lock()
	onChange := e.onChange
	e.mu.Unlock()
	if onChange != nil {
		onChange(ctx, f)
	}
	return current, nil
}

// restoreLive puts the previous bytes back at the live key after the
// metadata commit failed, so the row's checksum still matches.
func (e *Engine) restoreLive(ctx context.Context, f *models.FileRecord, data []byte) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.provider.Upload(ctx, f.StorageKey, data, f.MimeType, map[string]string{"file-id": f.ID}); err != nil {
		e.log.Error("live content no longer matches the file row",
			zap.String("file_id", f.ID), zap.String("key", f.StorageKey), zap.Error(err))
	}
}

// discardArchive drops an archive object no row points at.
func (e *Engine) discardArchive(ctx context.Context, v *models.VersionSnapshot) {
	if err := e.provider.Delete(context.WithoutCancel(ctx), v.StorageKey, ""); err != nil {
		e.log.Warn("discard orphaned archive", zap.String("file_id", v.FileID), zap.String("key", v.StorageKey), zap.Error(err))
	}
}

// prune deletes the oldest non-current snapshots until the file holds at
// most MaxVersions. Failures are logged; the next version retries them.
func (e *Engine) prune(ctx context.Context, fileID string) {
	if e.cfg.MaxVersions <= 0 {
		return
	}
	list, err := e.repo.ListVersions(ctx, fileID)
	if err != nil {
		e.log.Error("list versions for pruning", zap.String("file_id", fileID), zap.Error(err))
		return
	}
	var old []*models.VersionSnapshot
	for _, v := range list {
		if !v.IsCurrent {
			old = append(old, v)
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].VersionNumber < old[j].VersionNumber })

	excess := len(list) - e.cfg.MaxVersions
	for i := 0; i < excess && i < len(old); i++ {
		if err := e.remove(ctx, old[i]); err != nil {
			e.log.Error("prune version", zap.String("file_id", fileID), zap.Int("version", old[i].VersionNumber), zap.Error(err))
		}
	}
}

// remove deletes a non-current snapshot's object, then its row.
func (e *Engine) remove(ctx context.Context, v *models.VersionSnapshot) error {
	if err := e.provider.Delete(ctx, v.StorageKey, ""); err != nil {
		return err
	}
	return e.repo.DeleteVersion(ctx, v.ID)
}

// RestoreVersion makes the content of version number current again as a
// new version; history is never rewritten.
func (e *Engine) RestoreVersion(ctx context.Context, fileID string, number int) (*models.VersionSnapshot, error) {
	const op = "versioning.RestoreVersion"

	f, err := e.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	snap, err := e.repo.GetVersion(ctx, fileID, number)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	dl, err := e.provider.Download(ctx, snap.StorageKey, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data := dl.Data
	if f.IsEncrypted {
		if e.cipher == nil {
			return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "file %s is encrypted but no key is configured", f.ID)
		}
		if data, err = e.cipher.Open(data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return e.CreateVersion(ctx, fileID, data, snap.MimeType, fmt.Sprintf("restored from version %d", number))
}

func (e *Engine) GetVersion(ctx context.Context, fileID string, number int) (*models.VersionSnapshot, error) {
	return e.repo.GetVersion(ctx, fileID, number)
}

// ListVersions returns the history oldest first.
func (e *Engine) ListVersions(ctx context.Context, fileID string) ([]*models.VersionSnapshot, error) {
	const op = "versioning.ListVersions"
	if _, err := e.repo.GetFile(ctx, fileID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e.repo.ListVersions(ctx, fileID)
}

func (e *Engine) DeleteVersion(ctx context.Context, fileID string, number int) error {
	const op = "versioning.DeleteVersion"
	v, err := e.repo.GetVersion(ctx, fileID, number)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if v.IsCurrent {
		return apperr.Newf(apperr.KindInvalidState, op, "version %d is the current version", number)
	}
	if err := e.remove(ctx, v); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteAll removes every archived snapshot of a file, used when the file
// itself is deleted. It returns the bytes released.
func (e *Engine) DeleteAll(ctx context.Context, fileID string) (int64, error) {
	const op = "versioning.DeleteAll"
	list, err := e.repo.ListVersions(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	var freed int64
	for _, v := range list {
		if v.IsCurrent {
			continue
		}
		if err := e.remove(ctx, v); err != nil {
			return freed, fmt.Errorf("%s: %w", op, err)
		}
		freed += v.SizeBytes
	}
	return freed, nil
}

// SweepExpired deletes non-current snapshots older than the retention
// window. Per-snapshot failures are logged and skipped.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	const op = "versioning.SweepExpired"
	if e.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := e.now().AddDate(0, 0, -e.cfg.RetentionDays)
	const batch = 200

	deleted := 0
	failed := map[string]bool{}
	for {
		limit := batch + len(failed)
		list, err := e.repo.ListExpiredVersions(ctx, cutoff, limit)
		if err != nil {
			return deleted, fmt.Errorf("%s: %w", op, err)
		}
		progress := false
		for _, v := range list {
			if failed[v.ID] {
				continue
			}
			if err := e.remove(ctx, v); err != nil {
				failed[v.ID] = true
				e.log.Error("delete expired version", zap.String("file_id", v.FileID),
					zap.Int("version", v.VersionNumber), zap.Error(err))
				continue
			}
			deleted++
			progress = true
		}
		if !progress || len(list) < limit {
			break
		}
	}
	if deleted > 0 {
		e.log.Info("expired versions deleted", zap.Int("count", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
