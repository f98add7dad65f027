package storage

import (
	"context"
	"errors"
	"time"

	"filevault/internal/models"
)

// Repository is the metadata store behind every engine. Get* methods return
// an apperr NotFound error for unknown ids.
type Repository interface {
	Ping(ctx context.Context) error
	Close()

	CreateFile(ctx context.Context, f *models.FileRecord) error
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	UpdateFile(ctx context.Context, f *models.FileRecord) error
	// LockFile blocks until the caller holds the exclusive content lock for
	// the file id. The returned func releases it.
	LockFile(ctx context.Context, id string) (func(), error)
	ListFilesByEntity(ctx context.Context, entityID string) ([]*models.FileRecord, error)
	ListFilesByOwner(ctx context.Context, ownerID string) ([]*models.FileRecord, error)
	// ListAgingFiles returns non-deleted files in one of tiers whose content
	// was modified at or before cutoff, ordered by id, starting after afterID.
	ListAgingFiles(ctx context.Context, q AgingQuery) ([]*models.FileRecord, error)

	CreateVariant(ctx context.Context, v *models.Variant) error
	GetVariant(ctx context.Context, fileID string, t models.VariantType) (*models.Variant, error)
	ListVariants(ctx context.Context, fileID string) ([]*models.Variant, error)
	UpdateVariant(ctx context.Context, v *models.Variant) error
	DeleteVariant(ctx context.Context, id string) error
	// ListOrphanVariants returns variants whose parent file row does not exist.
	ListOrphanVariants(ctx context.Context, limit int) ([]*models.Variant, error)

	CreateVersion(ctx context.Context, v *models.VersionSnapshot) error
	// PromoteVersion inserts v as the only current snapshot of its file.
	PromoteVersion(ctx context.Context, v *models.VersionSnapshot) error
	// CommitVersion updates f, stores archived as a non-current snapshot
	// (replacing the row with the same version number) and promotes current,
	// as one unit. Nothing is written when any step fails. It fails with
	// ErrStaleVersion when the stored row is no longer at f.Version-1.
	CommitVersion(ctx context.Context, f *models.FileRecord, archived, current *models.VersionSnapshot) error
	GetVersion(ctx context.Context, fileID string, number int) (*models.VersionSnapshot, error)
	ListVersions(ctx context.Context, fileID string) ([]*models.VersionSnapshot, error)
	DeleteVersion(ctx context.Context, id string) error
	ListExpiredVersions(ctx context.Context, before time.Time, limit int) ([]*models.VersionSnapshot, error)

	CreateJob(ctx context.Context, j *models.ProcessingJob) error
	GetJob(ctx context.Context, id string) (*models.ProcessingJob, error)
	UpdateJob(ctx context.Context, j *models.ProcessingJob) error
	// ClaimJob moves a pending job to processing and counts the attempt.
	// It returns an InvalidState error when the job is not pending.
	ClaimJob(ctx context.Context, id string, now time.Time) (*models.ProcessingJob, error)
	// SettleJob writes j only while the row is still processing under the
	// claim that produced j, identified by its attempt count. It returns an
	// InvalidState error when the claim was lost.
	SettleJob(ctx context.Context, j *models.ProcessingJob) error
	ListJobs(ctx context.Context, fileID string) ([]*models.ProcessingJob, error)
	ListBlockedJobs(ctx context.Context, blockerID string) ([]*models.ProcessingJob, error)
	// ListStaleJobs returns processing jobs whose claim started before
	// startedBefore, oldest first.
	ListStaleJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.ProcessingJob, error)
	CancelPendingJobs(ctx context.Context, fileID string, now time.Time) (int, error)
	JobStats(ctx context.Context) (models.JobStats, error)

	GetSweepState(ctx context.Context, name string) (time.Time, error)
	SetSweepState(ctx context.Context, name string, at time.Time) error
}

// ErrStaleVersion marks a version commit that lost to another writer.
var ErrStaleVersion = errors.New("file version changed since it was read")

// AgingQuery selects lifecycle candidates.
type AgingQuery struct {
	Tiers         []models.StorageTier
	Cutoff        time.Time
	AfterID       string
	Limit         int
	SkipProtected bool
}
