// Package files is the surface other domains call: upload, lookup, links,
// history, deletion and processing requests.
package files

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/delivery"
	"filevault/internal/lifecycle"
	"filevault/internal/models"
	"filevault/internal/processing"
	"filevault/internal/provider"
	"filevault/internal/storage"
	"filevault/internal/upload"
	"filevault/internal/versioning"
)

type Service struct {
	repo       storage.Repository
	provider   provider.Provider
	uploads    *upload.Service
	processing *processing.Engine
	versions   *versioning.Engine
	delivery   *delivery.Service
	log        *zap.Logger
	now        func() time.Time
}

// New wires the engines together. Content changes made by processing or
// versioning invalidate outstanding links.
func New(repo storage.Repository, p provider.Provider, u *upload.Service, proc *processing.Engine,
	v *versioning.Engine, d *delivery.Service, log *zap.Logger) *Service {
	proc.OnContentChange(d.Invalidate)
	v.OnContentChange(d.Invalidate)
	return &Service{
		repo:       repo,
		provider:   p,
		uploads:    u,
		processing: proc,
		versions:   v,
		delivery:   d,
		log:        log.With(zap.String("component", "files")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) UploadFile(ctx context.Context, req upload.Request) (*models.FileRecord, error) {
	return s.uploads.Upload(ctx, req)
}

// GetFile returns the row in any status, including soft-deleted ones.
func (s *Service) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	return s.repo.GetFile(ctx, id)
}

func (s *Service) GetFilesByEntity(ctx context.Context, entityID string) ([]*models.FileRecord, error) {
	const op = "files.GetFilesByEntity"
	if entityID == "" {
		return nil, apperr.Newf(apperr.KindValidationFailed, op, "entity id is required")
	}
	list, err := s.repo.ListFilesByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := list[:0]
	for _, f := range list {
		if f.Status != models.FileStatusDeleted {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Service) GetDownloadURL(ctx context.Context, id string, variant models.VariantType) (*delivery.Link, error) {
	return s.delivery.DownloadURL(ctx, id, variant)
}

func (s *Service) GetVersionHistory(ctx context.Context, id string) ([]*models.VersionSnapshot, error) {
	return s.versions.ListVersions(ctx, id)
}

// CreateVersion screens new content the same way uploads are screened
// before it replaces the current version.
func (s *Service) CreateVersion(ctx context.Context, id string, data []byte, mimeType, note string) (*models.VersionSnapshot, error) {
	const op = "files.CreateVersion"
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if mimeType == "" {
		mimeType = f.MimeType
	}
	if _, err := s.uploads.Screen(ctx, data, f.OriginalFilename, mimeType); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.versions.CreateVersion(ctx, id, data, mimeType, note)
}

func (s *Service) RestoreVersion(ctx context.Context, id string, number int) (*models.VersionSnapshot, error) {
	return s.versions.RestoreVersion(ctx, id, number)
}

func (s *Service) DeleteVersion(ctx context.Context, id string, number int) error {
	return s.versions.DeleteVersion(ctx, id, number)
}

func (s *Service) QueueProcessing(ctx context.Context, id string, opts processing.Options) ([]*models.ProcessingJob, error) {
	return s.processing.Enqueue(ctx, id, opts)
}

// DeleteFile cancels pending work, removes every stored object and marks the
// row DELETED. Jobs already running finish, but their results are no longer
// reachable through the file.
func (s *Service) DeleteFile(ctx context.Context, id string) error {
	const op = "files.DeleteFile"
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if f.Status == models.FileStatusDeleted {
		return apperr.Newf(apperr.KindNotFound, op, "file %s", id)
	}
	log := s.log.With(zap.String("file_id", f.ID))

	if _, err := s.processing.CancelJobs(ctx, f.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.delivery.Invalidate(ctx, f)

	freed, err := lifecycle.DeleteVariants(ctx, s.repo, s.provider, f.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := s.versions.DeleteAll(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	freed += n
	if err := s.provider.Delete(ctx, f.StorageKey, ""); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	freed += f.SizeBytes

	now := s.now()
	f.Status = models.FileStatusDeleted
	f.DeletedAt = &now
	f.UpdatedAt = now
	if err := s.repo.UpdateFile(ctx, f); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("file deleted", zap.Int64("freed", freed))
	return nil
}

// Jobs exposes job queries and controls.
func (s *Service) Jobs() *processing.Engine { return s.processing }
