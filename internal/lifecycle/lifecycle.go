// Package lifecycle ages stored files through cheaper storage tiers and
// eventually purges them.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/storage"
)

var (
	lifecycleObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fv_lifecycle_objects_total",
		Help: "Records handled by lifecycle passes.",
	}, []string{"pass", "outcome"})

	lifecycleBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fv_lifecycle_bytes_total",
		Help: "Bytes moved or released by lifecycle passes.",
	}, []string{"pass"})
)

const (
	PassIA      = "ia"
	PassArchive = "archive"
	PassPurge   = "purge"
	PassOrphans = "orphans"
)

// PassReport counts one sub-pass.
type PassReport struct {
	Processed int   `json:"processed"`
	Bytes     int64 `json:"bytes"`
	Errors    int   `json:"errors"`
}

type SweepReport struct {
	IA         PassReport `json:"ia"`
	Archive    PassReport `json:"archive"`
	Purged     PassReport `json:"purged"`
	Orphans    PassReport `json:"orphans"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// VersionCleaner drops archived snapshots of a purged file.
type VersionCleaner interface {
	DeleteAll(ctx context.Context, fileID string) (int64, error)
}

type Engine struct {
	repo     storage.Repository
	provider provider.Provider
	versions VersionCleaner
	cfg      models.LifecycleConfig
	limiter  *rate.Limiter
	log      *zap.Logger
	now      func() time.Time
	onDelete func(ctx context.Context, f *models.FileRecord)
}

// New builds the engine. versions may be nil when versioning is off.
func New(repo storage.Repository, p provider.Provider, versions VersionCleaner, cfg models.LifecycleConfig, log *zap.Logger) *Engine {
	limit := rate.Inf
	burst := 1
	if cfg.OpsPerSecond > 0 {
		limit = rate.Limit(cfg.OpsPerSecond)
		if b := int(cfg.OpsPerSecond); b > 1 {
			burst = b
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Engine{
		repo:     repo,
		provider: p,
		versions: versions,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log.With(zap.String("component", "lifecycle")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnDelete sets a hook called after a file is purged.
func (e *Engine) OnDelete(fn func(ctx context.Context, f *models.FileRecord)) {
	e.onDelete = fn
}

func (e *Engine) cutoff(days int) time.Time {
	return e.now().AddDate(0, 0, -days)
}

// Sweep runs the tier, purge and orphan passes in order. Per-record failures
// are counted and logged; only a failure to list candidates ends a pass early.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	const op = "lifecycle.Sweep"
	rep := &SweepReport{StartedAt: e.now()}
	var errs []error

	if e.cfg.MoveToIAAfterDays > 0 {
		if err := e.moveTier(ctx, PassIA, models.TierInfrequentAccess,
			[]models.StorageTier{models.TierStandard}, e.cfg.MoveToIAAfterDays, &rep.IA); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cfg.MoveToArchiveAfterDays > 0 {
		if err := e.moveTier(ctx, PassArchive, models.TierArchive,
			[]models.StorageTier{models.TierStandard, models.TierInfrequentAccess}, e.cfg.MoveToArchiveAfterDays, &rep.Archive); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cfg.DeleteAfterDays > 0 {
		if err := e.purge(ctx, &rep.Purged); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.orphans(ctx, &rep.Orphans); err != nil {
		errs = append(errs, err)
	}
	rep.FinishedAt = e.now()

	e.log.Info("lifecycle sweep finished",
		zap.Int("ia", rep.IA.Processed), zap.Int("archive", rep.Archive.Processed),
		zap.Int("purged", rep.Purged.Processed), zap.Int("orphans", rep.Orphans.Processed),
		zap.Int("errors", rep.IA.Errors+rep.Archive.Errors+rep.Purged.Errors+rep.Orphans.Errors),
		zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)))

	if len(errs) > 0 {
		return rep, fmt.Errorf("%s: %w", op, errs[0])
	}
	return rep, nil
}

// eachAging pages through candidates by id so records updated mid-sweep are
// never revisited.
func (e *Engine) eachAging(ctx context.Context, q storage.AgingQuery, fn func(f *models.FileRecord)) error {
	q.Limit = e.cfg.BatchSize
	for {
		list, err := e.repo.ListAgingFiles(ctx, q)
		if err != nil {
			return err
		}
		for _, f := range list {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			fn(f)
		}
		if len(list) < q.Limit {
			return nil
		}
		q.AfterID = list[len(list)-1].ID
	}
}

func (e *Engine) record(pass string, r *PassReport, size int64, err error) {
	if err != nil {
		r.Errors++
		lifecycleObjects.WithLabelValues(pass, "error").Inc()
		return
	}
	r.Processed++
	r.Bytes += size
	lifecycleObjects.WithLabelValues(pass, "ok").Inc()
	lifecycleBytes.WithLabelValues(pass).Add(float64(size))
}

func (e *Engine) moveTier(ctx context.Context, pass string, target models.StorageTier, from []models.StorageTier, days int, r *PassReport) error {
	const op = "lifecycle.moveTier"
	q := storage.AgingQuery{Tiers: from, Cutoff: e.cutoff(days)}
	err := e.eachAging(ctx, q, func(f *models.FileRecord) {
		size, err := e.moveFile(ctx, f, target)
		if err != nil {
			e.log.Error("tier move failed", zap.String("pass", pass), zap.String("file_id", f.ID),
				zap.String("key", f.StorageKey), zap.Error(err))
		}
		e.record(pass, r, size, err)
	})
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, pass, err)
	}
	return nil
}

func (e *Engine) moveFile(ctx context.Context, f *models.FileRecord, target models.StorageTier) (int64, error) {
	if err := e.provider.SetTier(ctx, f.StorageKey, target); err != nil {
		return 0, err
	}
	size := f.SizeBytes
	if e.cfg.MoveVariants {
		variants, err := e.repo.ListVariants(ctx, f.ID)
		if err != nil {
			return 0, err
		}
		for _, v := range variants {
			if v.StorageTier == target {
				continue
			}
			if err := e.provider.SetTier(ctx, v.StorageKey, target); err != nil {
				return 0, err
			}
			v.StorageTier = target
			if err := e.repo.UpdateVariant(ctx, v); err != nil {
				return 0, err
			}
			size += v.SizeBytes
		}
	}
	f.StorageTier = target
	f.UpdatedAt = e.now()
	if err := e.repo.UpdateFile(ctx, f); err != nil {
		return 0, err
	}
	return size, nil
}

func (e *Engine) purge(ctx context.Context, r *PassReport) error {
	const op = "lifecycle.purge"
	q := storage.AgingQuery{
		Tiers:         []models.StorageTier{models.TierStandard, models.TierInfrequentAccess, models.TierArchive},
		Cutoff:        e.cutoff(e.cfg.DeleteAfterDays),
		SkipProtected: true,
	}
	err := e.eachAging(ctx, q, func(f *models.FileRecord) {
		size, err := e.purgeFile(ctx, f)
		if err != nil {
			e.log.Error("purge failed", zap.String("file_id", f.ID), zap.String("key", f.StorageKey), zap.Error(err))
		}
		e.record(PassPurge, r, size, err)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// purgeFile removes every object of f and soft-deletes the row. A failure
// leaves the row as it was so the next sweep picks it up again.
func (e *Engine) purgeFile(ctx context.Context, f *models.FileRecord) (int64, error) {
	if _, err := e.repo.CancelPendingJobs(ctx, f.ID, e.now()); err != nil {
		return 0, err
	}
	freed, err := DeleteVariants(ctx, e.repo, e.provider, f.ID)
	if err != nil {
		return 0, err
	}
	if e.versions != nil {
		n, err := e.versions.DeleteAll(ctx, f.ID)
		if err != nil {
			return 0, err
		}
		freed += n
	}
	if err := e.provider.Delete(ctx, f.StorageKey, ""); err != nil {
		return 0, err
	}
	freed += f.SizeBytes

	now := e.now()
	f.Status = models.FileStatusDeleted
	f.DeletedAt = &now
	f.UpdatedAt = now
	if err := e.repo.UpdateFile(ctx, f); err != nil {
		return 0, err
	}
	if e.onDelete != nil {
		e.onDelete(ctx, f)
	}
	return freed, nil
}

// DeleteVariants removes every variant object and row of a file and returns
// the bytes released.
func DeleteVariants(ctx context.Context, repo storage.Repository, p provider.Provider, fileID string) (int64, error) {
	variants, err := repo.ListVariants(ctx, fileID)
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, v := range variants {
		if err := p.Delete(ctx, v.StorageKey, ""); err != nil {
			return freed, err
		}
		if err := repo.DeleteVariant(ctx, v.ID); err != nil {
			return freed, err
		}
		freed += v.SizeBytes
	}
	return freed, nil
}

func (e *Engine) orphans(ctx context.Context, r *PassReport) error {
	const op = "lifecycle.orphans"
	failed := map[string]bool{}
	for {
		limit := e.cfg.BatchSize + len(failed)
		list, err := e.repo.ListOrphanVariants(ctx, limit)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		progress := false
		for _, v := range list {
			if failed[v.ID] {
				continue
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			err := e.provider.Delete(ctx, v.StorageKey, "")
			if err == nil {
				err = e.repo.DeleteVariant(ctx, v.ID)
			}
			if err != nil {
				failed[v.ID] = true
				e.log.Error("orphan cleanup failed", zap.String("variant_id", v.ID), zap.String("key", v.StorageKey), zap.Error(err))
			} else {
				progress = true
			}
			e.record(PassOrphans, r, v.SizeBytes, err)
		}
		if !progress || len(list) < limit {
			return nil
		}
	}
}
