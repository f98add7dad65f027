// Package upload turns a submitted payload into a stored FileRecord:
// validate, scan, encrypt, checksum, then write.
package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"filevault/internal/apperr"
	"filevault/internal/encryption"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/scanner"
	"filevault/internal/storage"
	"filevault/internal/validation"
)

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fv_uploads_total",
	Help: "Uploads by outcome.",
}, []string{"outcome"})

// Sealer encrypts content before it is stored.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, *encryption.Sealed, error)
}

type Request struct {
	Data     []byte
	Filename string
	MimeType string
	OwnerID  string
	// EntityID optionally scopes the file to a collaborator entity.
	EntityID string
}

type Service struct {
	repo      storage.Repository
	provider  provider.Provider
	validator *validation.Engine
	scanner   scanner.Scanner
	sealer    Sealer
	log       *zap.Logger
	now       func() time.Time
}

// New builds the orchestrator. sealer is nil when encryption is disabled.
func New(repo storage.Repository, p provider.Provider, v *validation.Engine, s scanner.Scanner, sealer Sealer, log *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		provider:  p,
		validator: v,
		scanner:   s,
		sealer:    sealer,
		log:       log.With(zap.String("component", "upload")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Upload runs the pipeline. Rejections happen before anything is written;
// once the pending row exists a storage failure leaves it FAILED with the
// cause recorded.
func (s *Service) Upload(ctx context.Context, req Request) (*models.FileRecord, error) {
	const op = "upload.Upload"
	log := s.log.With(zap.String("owner_id", req.OwnerID), zap.String("filename", req.Filename))

	if req.OwnerID == "" {
		return nil, apperr.Newf(apperr.KindValidationFailed, op, "owner id is required")
	}

	scan, err := s.Screen(ctx, req.Data, req.Filename, req.MimeType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	mimeType := strings.ToLower(strings.TrimSpace(strings.Split(req.MimeType, ";")[0]))
	now := s.now()
	f := &models.FileRecord{
		ID:               id.String(),
		OwnerID:          req.OwnerID,
		EntityID:         req.EntityID,
		OriginalFilename: req.Filename,
		MimeType:         mimeType,
		FileType:         models.FileTypeOf(mimeType),
		SizeBytes:        int64(len(req.Data)),
		Status:           models.FileStatusPending,
		Version:          1,
		ScanResult:       scan.Summary(),
		StorageTier:      models.TierStandard,
		CreatedAt:        now,
		UpdatedAt:        now,
		ModifiedAt:       now,
	}
	f.StorageKey = StorageKey(req.OwnerID, req.EntityID, f.ID, req.Filename)
	if f.FileType == models.FileTypeImage {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Data)); err == nil {
			f.Width, f.Height = cfg.Width, cfg.Height
		}
	}

	stored := req.Data
	if s.sealer != nil {
		blob, sealed, err := s.sealer.Seal(req.Data)
		if err != nil {
			uploadsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		stored = blob
		f.IsEncrypted = true
		f.EncryptionNonce = hex.EncodeToString(sealed.Nonce)
		f.EncryptionTag = hex.EncodeToString(sealed.Tag)
	}
	f.Checksum = models.Checksum(stored)

	if err := s.repo.CreateFile(ctx, f); err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	meta := map[string]string{"file-id": f.ID, "owner-id": f.OwnerID}
	if _, err := s.provider.Upload(ctx, f.StorageKey, stored, f.MimeType, meta); err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		f.Status = models.FileStatusFailed
		f.ErrorMessage = err.Error()
		f.UpdatedAt = s.now()
		if uerr := s.repo.UpdateFile(ctx, f); uerr != nil {
			log.Error("mark upload failed", zap.String("file_id", f.ID), zap.Error(uerr))
		}
		log.Error("store upload", zap.String("file_id", f.ID), zap.String("key", f.StorageKey), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	f.Status = models.FileStatusReady
	f.UpdatedAt = s.now()
	if err := s.repo.UpdateFile(ctx, f); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	uploadsTotal.WithLabelValues("ready").Inc()
	log.Info("file stored", zap.String("file_id", f.ID), zap.String("key", f.StorageKey),
		zap.Int64("size", f.SizeBytes), zap.Bool("encrypted", f.IsEncrypted))
	return f, nil
}

// Screen validates and virus-scans content before anything is stored. Both
// uploads and new versions pass through it.
func (s *Service) Screen(ctx context.Context, data []byte, filename, mimeType string) (*scanner.Result, error) {
	const op = "upload.Screen"
	log := s.log.With(zap.String("filename", filename))

	res := s.validator.Validate(data, filename, mimeType)
	if err := res.Err(op); err != nil {
		outcome := "rejected"
		if res.Executable != "" {
			outcome = "threat"
		}
		uploadsTotal.WithLabelValues(outcome).Inc()
		log.Warn("content rejected", zap.Strings("errors", res.Errors))
		return nil, err
	}
	for _, w := range res.Warnings {
		log.Info("content warning", zap.String("warning", w))
	}

	scan := s.scanner.Scan(ctx, data)
	if !scan.Clean {
		if scan.Threat != "" {
			uploadsTotal.WithLabelValues("threat").Inc()
			log.Warn("threat detected", zap.String("threat", scan.Threat), zap.String("engine", scan.Engine))
			return nil, apperr.Newf(apperr.KindSecurityThreat, op, "%s detected by %s", scan.Threat, scan.Engine)
		}
		uploadsTotal.WithLabelValues("failed").Inc()
		log.Error("scan failed", zap.String("error", scan.Error), zap.String("engine", scan.Engine))
		return nil, apperr.Newf(apperr.KindStorageUnavailable, op, "virus scan could not complete")
	}
	return scan, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Sanitize reduces a name to a safe single path segment.
func Sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, ".-")
	if len(name) > 100 {
		ext := path.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:100-len(ext)] + ext
	}
	if name == "" {
		return "file"
	}
	return name
}

// StorageKey scopes objects by owner and entity; the time-ordered id keeps
// keys unique and sortable by upload time.
func StorageKey(ownerID, entityID, id, filename string) string {
	scope := "unscoped"
	if entityID != "" {
		scope = Sanitize(entityID)
	}
	return path.Join("files", Sanitize(ownerID), scope, id+"-"+Sanitize(filename))
}
