// Package processing runs derived-output jobs for stored files. Each media
// category has its own queue and worker pool.
package processing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/encryption"
	"filevault/internal/events"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/storage"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fv_jobs_total",
		Help: "Processing job executions by type and outcome.",
	}, []string{"type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fv_job_duration_seconds",
		Help:    "Processing job execution time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"type"})
)

// Input is what a handler works on: the plaintext original and its row.
type Input struct {
	File *models.FileRecord
	Job  *models.ProcessingJob
	Data []byte
}

// Output is a handler result. InPlace outputs replace the original object;
// all others become a Variant.
type Output struct {
	Variant         models.VariantType
	Data            []byte
	MimeType        string
	Format          string
	Width           int
	Height          int
	DurationSeconds float64
	InPlace         bool
	// Unchanged marks an in-place result that needs no write.
	Unchanged bool
}

type Handler func(ctx context.Context, in *Input) (*Output, error)

// Cipher seals and opens stored blobs for encrypted files.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, *encryption.Sealed, error)
	Open(blob []byte) ([]byte, error)
}

// Options selects which jobs Enqueue creates.
type Options struct {
	StripMetadata     bool `json:"strip_metadata"`
	GenerateThumbnail bool `json:"generate_thumbnail"`
	Compress          bool `json:"compress"`
	WebP              bool `json:"webp"`
	Watermark         bool `json:"watermark"`
	Preview           bool `json:"preview"`
	Transcode         bool `json:"transcode"`
}

// DefaultOptions enables every job the configuration allows.
func DefaultOptions(cfg models.ProcessingConfig) Options {
	return Options{
		StripMetadata:     true,
		GenerateThumbnail: true,
		Compress:          true,
		WebP:              cfg.WebP,
		Watermark:         cfg.WatermarkText != "",
		Preview:           true,
		Transcode:         cfg.Transcode,
	}
}

type plannedJob struct {
	typ      models.JobType
	priority int
}

// plan returns the jobs for a file type. Strip-metadata comes first with
// priority 0; derivations follow in order.
func plan(ft models.FileType, o Options) []plannedJob {
	var out []plannedJob
	add := func(on bool, t models.JobType) {
		if !on {
			return
		}
		p := len(out) + 1
		if t == models.JobStripMetadata {
			p = 0
		}
		out = append(out, plannedJob{typ: t, priority: p})
	}
	switch ft {
	case models.FileTypeImage:
		add(o.StripMetadata, models.JobStripMetadata)
		add(o.GenerateThumbnail, models.JobThumbnail)
		add(o.Compress, models.JobCompress)
		add(o.WebP, models.JobWebP)
		add(o.Watermark, models.JobWatermark)
	case models.FileTypeVideo:
		add(o.StripMetadata, models.JobStripMetadata)
		add(o.GenerateThumbnail, models.JobVideoThumbnail)
		add(o.Preview, models.JobPreview)
		add(o.Transcode, models.JobTranscode)
	}
	return out
}

type Engine struct {
	repo     storage.Repository
	provider provider.Provider
	queue    Queue
	events   events.Publisher
	cipher   Cipher
	cfg      models.ProcessingConfig
	log      *zap.Logger
	now      func() time.Time

	handlers map[models.JobType]Handler

	mu       sync.Mutex
	onChange func(ctx context.Context, f *models.FileRecord)
	timers   map[string]*time.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine with no handlers; see Register and
// RegisterDefaults. cipher may be nil when encryption is off.
func NewEngine(repo storage.Repository, p provider.Provider, q Queue, pub events.Publisher,
	cipher Cipher, cfg models.ProcessingConfig, log *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Engine{
		repo:     repo,
		provider: p,
		queue:    q,
		events:   pub,
		cipher:   cipher,
		cfg:      cfg,
		log:      log.With(zap.String("component", "processing")),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[models.JobType]Handler),
		timers:   make(map[string]*time.Timer),
	}
}

func (e *Engine) Register(t models.JobType, h Handler) {
	e.handlers[t] = h
}

// RegisterDefaults wires the image and video operations.
func (e *Engine) RegisterDefaults(img *ImageOps, vid *VideoOps) {
	e.Register(models.JobThumbnail, img.Thumbnail)
	e.Register(models.JobCompress, img.Compress)
	e.Register(models.JobWebP, img.WebP)
	e.Register(models.JobWatermark, img.Watermark)
	e.Register(models.JobVideoThumbnail, vid.Thumbnail)
	e.Register(models.JobPreview, vid.Preview)
	e.Register(models.JobTranscode, vid.Transcode)
	e.Register(models.JobStripMetadata, func(ctx context.Context, in *Input) (*Output, error) {
		if in.File.FileType == models.FileTypeVideo {
			return vid.StripMetadata(ctx, in)
		}
		return img.StripMetadata(ctx, in)
	})
}

// OnContentChange sets a hook called after a job rewrites an original.
func (e *Engine) OnContentChange(fn func(ctx context.Context, f *models.FileRecord)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Enqueue creates the jobs opts selects for a ready file. Strip-metadata
// is queued alone; the rest wait for it to settle.
func (e *Engine) Enqueue(ctx context.Context, fileID string, opts Options) ([]*models.ProcessingJob, error) {
	const op = "processing.Engine.Enqueue"

	file, err := e.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if file.Status != models.FileStatusReady {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "file %s is %s", file.ID, file.Status)
	}
	planned := plan(file.FileType, opts)
	if len(planned) == 0 {
		return nil, apperr.Newf(apperr.KindValidationFailed, op, "no processing applies to %s file with the given options", file.FileType)
	}

	now := e.now()
	jobs := make([]*models.ProcessingJob, 0, len(planned))
	var blocker string
	for _, p := range planned {
		j := &models.ProcessingJob{
			ID:          uuid.NewString(),
			FileID:      file.ID,
			Type:        p.typ,
			Status:      models.JobPending,
			Priority:    p.priority,
			MaxAttempts: e.cfg.MaxAttempts,
			BlockedBy:   blocker,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.repo.CreateJob(ctx, j); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if p.typ == models.JobStripMetadata {
			blocker = j.ID
		}
		jobs = append(jobs, j)
	}

	for _, j := range jobs {
		if j.BlockedBy != "" {
			e.publish(ctx, j, events.TypeQueued, "waiting for "+string(models.JobStripMetadata))
			continue
		}
		if err := e.dispatch(ctx, file, j); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	e.log.Info("processing queued", zap.String("file_id", file.ID), zap.Int("jobs", len(jobs)))
	return jobs, nil
}

func categoryFor(t models.JobType, ft models.FileType) Category {
	if ft == models.FileTypeVideo {
		return CategoryVideo
	}
	return CategoryOf(t)
}

// dispatch puts a pending job on its queue. A job that cannot be queued is
// marked failed so it does not sit pending forever.
func (e *Engine) dispatch(ctx context.Context, file *models.FileRecord, j *models.ProcessingJob) error {
	const op = "processing.Engine.dispatch"
	err := e.queue.Publish(ctx, Message{
		JobID:    j.ID,
		FileID:   j.FileID,
		Type:     j.Type,
		Category: categoryFor(j.Type, file.FileType),
	})
	if err != nil {
		j.Status = models.JobFailed
		j.ErrorMessage = "enqueue: " + err.Error()
		j.UpdatedAt = e.now()
		if uerr := e.repo.UpdateJob(ctx, j); uerr != nil {
			e.log.Error("mark unqueued job failed", zap.String("job_id", j.ID), zap.Error(uerr))
		}
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	e.publish(ctx, j, events.TypeQueued, "")
	return nil
}

func (e *Engine) publish(ctx context.Context, j *models.ProcessingJob, t events.Type, msg string) {
	e.events.Publish(ctx, events.Event{
		Type:    t,
		FileID:  j.FileID,
		JobID:   j.ID,
		JobType: j.Type,
		Status:  j.Status,
		Message: msg,
		At:      e.now(),
	})
}

func (e *Engine) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	return e.repo.GetJob(ctx, id)
}

func (e *Engine) ListJobs(ctx context.Context, fileID string) ([]*models.ProcessingJob, error) {
	return e.repo.ListJobs(ctx, fileID)
}

func (e *Engine) GetStats(ctx context.Context) (models.JobStats, error) {
	return e.repo.JobStats(ctx)
}

// CancelJobs cancels every pending job of a file. Jobs already running are
// left to finish.
func (e *Engine) CancelJobs(ctx context.Context, fileID string) (int, error) {
	const op = "processing.Engine.CancelJobs"
	n, err := e.repo.CancelPendingJobs(ctx, fileID, e.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		e.log.Info("jobs cancelled", zap.String("file_id", fileID), zap.Int("count", n))
	}
	return n, nil
}

// RetryJob puts a failed job back on its queue. Exhausted jobs return a
// JobExhausted error.
func (e *Engine) RetryJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	const op = "processing.Engine.RetryJob"
	j, err := e.repo.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if j.Status != models.JobFailed {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "job %s is %s", j.ID, j.Status)
	}
	if j.Attempts >= j.MaxAttempts {
		return nil, apperr.Newf(apperr.KindJobExhausted, op, "job %s used %d of %d attempts", j.ID, j.Attempts, j.MaxAttempts)
	}
	e.stopTimer(j.ID)
	if err := e.requeue(ctx, j); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

func (e *Engine) requeue(ctx context.Context, j *models.ProcessingJob) error {
	file, err := e.repo.GetFile(ctx, j.FileID)
	if err != nil {
		return err
	}
	j.Status = models.JobPending
	j.UpdatedAt = e.now()
	if err := e.repo.UpdateJob(ctx, j); err != nil {
		return err
	}
	return e.dispatch(ctx, file, j)
}

// Start launches the worker pools. Stop waits for running jobs.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	pools := []struct {
		c Category
		n int
	}{
		{CategoryImage, e.cfg.ImageWorkers},
		{CategoryVideo, e.cfg.VideoWorkers},
	}
	for _, p := range pools {
		n := p.n
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			e.wg.Add(1)
			go e.worker(ctx, p.c, i)
		}
	}
	if e.cfg.JobLease > 0 {
		e.wg.Add(1)
		go e.reaper(ctx)
	}
	e.log.Info("workers started", zap.Int("image", e.cfg.ImageWorkers), zap.Int("video", e.cfg.VideoWorkers))
}

const reapBatch = 100

// reaper recovers abandoned jobs at start-up and then every half lease.
func (e *Engine) reaper(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.JobLease / 2)
	defer t.Stop()
	for {
		if _, err := e.ReapStale(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("reap stale jobs", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// ReapStale recovers jobs left processing longer than the lease, usually by
// a worker that died mid-job; a redelivered message cannot claim them. Jobs
// with attempts left go back on the queue; the rest fail and release their
// dependents.
func (e *Engine) ReapStale(ctx context.Context) (int, error) {
	const op = "processing.Engine.ReapStale"
	if e.cfg.JobLease <= 0 {
		return 0, nil
	}
	stale, err := e.repo.ListStaleJobs(ctx, e.now().Add(-e.cfg.JobLease), reapBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n := 0
	for _, j := range stale {
		log := e.log.With(zap.String("job_id", j.ID), zap.String("file_id", j.FileID), zap.Int("attempts", j.Attempts))
		j.UpdatedAt = e.now()
		if j.Attempts < j.MaxAttempts {
			j.Status = models.JobPending
			if err := e.repo.SettleJob(ctx, j); err != nil {
				// The worker settled it between the listing and now.
				log.Debug("stale job settled elsewhere", zap.Error(err))
				continue
			}
			file, err := e.repo.GetFile(ctx, j.FileID)
			if err == nil {
				err = e.dispatch(ctx, file, j)
			}
			if err != nil {
				log.Error("requeue stale job", zap.Error(err))
				continue
			}
			log.Warn("stale job requeued")
			n++
			continue
		}
		j.Status = models.JobFailed
		j.ErrorMessage = "worker lease expired"
		if err := e.repo.SettleJob(ctx, j); err != nil {
			log.Debug("stale job settled elsewhere", zap.Error(err))
			continue
		}
		jobsTotal.WithLabelValues(string(j.Type), "failed").Inc()
		e.publish(ctx, j, events.TypeError, j.ErrorMessage)
		log.Warn("stale job failed")
		e.release(ctx, j)
		n++
	}
	return n, nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.log.Info("workers stopped")
}

func (e *Engine) worker(ctx context.Context, c Category, n int) {
	defer e.wg.Done()
	log := e.log.With(zap.String("pool", string(c)), zap.Int("worker", n))
	consumer := e.queue.Subscribe(c)
	defer consumer.Close()

	for {
		m, ack, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			log.Warn("read job message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// A started job runs to completion even during shutdown.
		jobCtx := context.WithoutCancel(ctx)
		e.handle(jobCtx, m)
		if err := ack(jobCtx); err != nil {
			log.Warn("ack job message", zap.String("job_id", m.JobID), zap.Error(err))
		}
	}
}

// handle runs one delivery of a job message. Deliveries for jobs that are
// no longer pending (duplicates, cancellations) are skipped.
func (e *Engine) handle(ctx context.Context, m Message) {
	log := e.log.With(zap.String("job_id", m.JobID), zap.String("file_id", m.FileID), zap.String("type", string(m.Type)))

	j, err := e.repo.ClaimJob(ctx, m.JobID, e.now())
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindInvalidState, apperr.KindNotFound:
			log.Debug("skip job delivery", zap.Error(err))
		default:
			log.Error("claim job", zap.Error(err))
		}
		return
	}
	e.publish(ctx, j, events.TypeStatus, "")

	runCtx, cancel := e.runContext(ctx)
	start := time.Now()
	result, err := e.execute(runCtx, j)
	cancel()
	jobDuration.WithLabelValues(string(j.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("job failed", zap.Int("attempt", j.Attempts), zap.Error(err))
		e.fail(ctx, j, err)
		return
	}

	now := e.now()
	j.Status = models.JobCompleted
	j.Result = result
	j.ErrorMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	if err := e.repo.SettleJob(ctx, j); err != nil {
		log.Error("mark job completed", zap.Error(err))
		return
	}
	jobsTotal.WithLabelValues(string(j.Type), "completed").Inc()
	e.publish(ctx, j, events.TypeComplete, "")
	log.Info("job completed", zap.Duration("took", time.Since(start)))
	e.release(ctx, j)
}

// runContext bounds one execution to a fraction of the job lease, so a
// run is stopped before the reaper can hand the job to another worker.
func (e *Engine) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.JobLease <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.JobLease*4/5)
}

func (e *Engine) execute(ctx context.Context, j *models.ProcessingJob) (*models.JobResult, error) {
	const op = "processing.Engine.execute"

	file, err := e.repo.GetFile(ctx, j.FileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if file.Status != models.FileStatusReady {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "file %s is %s", file.ID, file.Status)
	}
	h, ok := e.handlers[j.Type]
	if !ok {
		return nil, fmt.Errorf("%s: no handler for job type %q", op, j.Type)
	}

	dl, err := e.provider.Download(ctx, file.StorageKey, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data := dl.Data
	if file.IsEncrypted {
		if e.cipher == nil {
			return nil, apperr.Newf(apperr.KindEncryptionFailed, op, "file %s is encrypted but no key is configured", file.ID)
		}
		if data, err = e.cipher.Open(data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	out, err := h(ctx, &Input{File: file, Job: j, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if out.InPlace {
		return e.rewriteOriginal(ctx, file, out)
	}
	return e.storeVariant(ctx, file, j, out)
}

func variantKey(fileID string, vt models.VariantType, jobID, format string) string {
	return path.Join("variants", fileID, fmt.Sprintf("%s-%s.%s", vt, jobID, format))
}

// storeVariant uploads a derived output. A variant of the same type is
// replaced and its old object removed.
func (e *Engine) storeVariant(ctx context.Context, file *models.FileRecord, j *models.ProcessingJob, out *Output) (*models.JobResult, error) {
	const op = "processing.Engine.storeVariant"

	key := variantKey(file.ID, out.Variant, j.ID, out.Format)
	meta := map[string]string{"file-id": file.ID, "variant": string(out.Variant)}
	if _, err := e.provider.Upload(ctx, key, out.Data, out.MimeType, meta); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	v := &models.Variant{
		ID:          uuid.NewString(),
		FileID:      file.ID,
		VariantType: out.Variant,
		StorageKey:  key,
		MimeType:    out.MimeType,
		Format:      out.Format,
		Width:       out.Width,
		Height:      out.Height,
		SizeBytes:   int64(len(out.Data)),
		StorageTier: models.TierStandard,
		CreatedAt:   e.now(),
	}

	prev, err := e.repo.GetVariant(ctx, file.ID, out.Variant)
	switch {
	case err == nil:
		v.ID = prev.ID
		if err := e.repo.UpdateVariant(ctx, v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if prev.StorageKey != key {
			if err := e.provider.Delete(ctx, prev.StorageKey, ""); err != nil {
				e.log.Warn("delete replaced variant", zap.String("key", prev.StorageKey), zap.Error(err))
			}
		}
	case errors.Is(err, apperr.ErrNotFound):
		if err := e.repo.CreateVariant(ctx, v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.JobResult{
		VariantID:       v.ID,
		StorageKey:      key,
		Width:           v.Width,
		Height:          v.Height,
		SizeBytes:       v.SizeBytes,
		Format:          v.Format,
		DurationSeconds: out.DurationSeconds,
	}, nil
}

// rewriteOriginal overwrites the canonical object, sealing it again when the
// file is encrypted.
func (e *Engine) rewriteOriginal(ctx context.Context, file *models.FileRecord, out *Output) (*models.JobResult, error) {
	const op = "processing.Engine.rewriteOriginal"

	result := &models.JobResult{
		StorageKey:      file.StorageKey,
		Width:           out.Width,
		Height:          out.Height,
		SizeBytes:       file.SizeBytes,
		Format:          out.Format,
		DurationSeconds: out.DurationSeconds,
	}
	if out.Unchanged {
		return result, nil
	}

	// Versioning writes the same key; hold the file lock and give up when
	// the content moved on since it was read. The retry reads it again.
	unlock, err := e.repo.LockFile(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()
	cur, err := e.repo.GetFile(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cur.Version != file.Version || cur.Checksum != file.Checksum {
		return nil, fmt.Errorf("%s: file %s changed from version %d to %d while processing", op, file.ID, file.Version, cur.Version)
	}

	stored := out.Data
	if file.IsEncrypted {
		blob, sealed, err := e.cipher.Seal(out.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		stored = blob
		file.EncryptionNonce = hex.EncodeToString(sealed.Nonce)
		file.EncryptionTag = hex.EncodeToString(sealed.Tag)
	}
	if _, err := e.provider.Upload(ctx, file.StorageKey, stored, file.MimeType, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := e.now()
	file.SizeBytes = int64(len(out.Data))
	file.Checksum = models.Checksum(stored)
	if out.Width > 0 {
		file.Width, file.Height = out.Width, out.Height
	}
	if out.DurationSeconds > 0 {
		file.DurationSeconds = out.DurationSeconds
	}
	file.ModifiedAt = now
	file.UpdatedAt = now
	if err := e.repo.UpdateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.mu.Lock()
	onChange := e.onChange
	e.mu.Unlock()
	if onChange != nil {
		onChange(ctx, file)
	}
	result.SizeBytes = file.SizeBytes
	return result, nil
}

// permanent reports failures another attempt cannot fix: undecodable or
// rejected content, missing key material, a file that is gone or not ready.
func permanent(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidationFailed, apperr.KindSecurityThreat, apperr.KindEncryptionFailed,
		apperr.KindInvalidState, apperr.KindNotFound:
		return true
	}
	return false
}

// fail records a failed execution. Anything but a permanent failure is
// retried with exponential backoff until attempts run out.
func (e *Engine) fail(ctx context.Context, j *models.ProcessingJob, cause error) {
	j.Status = models.JobFailed
	j.ErrorMessage = cause.Error()
	j.UpdatedAt = e.now()
	if err := e.repo.SettleJob(ctx, j); err != nil {
		e.log.Error("mark job failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	jobsTotal.WithLabelValues(string(j.Type), "failed").Inc()
	e.publish(ctx, j, events.TypeError, j.ErrorMessage)

	if !permanent(cause) && j.Attempts < j.MaxAttempts {
		e.scheduleRetry(j)
		return
	}
	e.release(ctx, j)
}

// retryDelay is the backoff before the next attempt of a job that has made
// attempts tries so far.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffInitial
	b.MaxInterval = e.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) scheduleRetry(j *models.ProcessingJob) {
	delay := e.retryDelay(j.Attempts)
	id := j.ID
	e.log.Info("job retry scheduled", zap.String("job_id", id), zap.Int("attempt", j.Attempts), zap.Duration("delay", delay))

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[id]; ok {
		old.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()

		ctx := context.Background()
		j, err := e.repo.GetJob(ctx, id)
		if err != nil {
			e.log.Error("load job for retry", zap.String("job_id", id), zap.Error(err))
			return
		}
		// A manual retry or cancellation may have won.
		if j.Status != models.JobFailed {
			return
		}
		if err := e.requeue(ctx, j); err != nil {
			e.log.Error("requeue job", zap.String("job_id", id), zap.Error(err))
		}
	})
}

func (e *Engine) stopTimer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

// release queues the jobs that waited on j once j has settled.
func (e *Engine) release(ctx context.Context, j *models.ProcessingJob) {
	blocked, err := e.repo.ListBlockedJobs(ctx, j.ID)
	if err != nil {
		e.log.Error("list blocked jobs", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	if len(blocked) == 0 {
		return
	}
	file, err := e.repo.GetFile(ctx, j.FileID)
	if err != nil {
		e.log.Error("load file for blocked jobs", zap.String("file_id", j.FileID), zap.Error(err))
		return
	}
	for _, b := range blocked {
		if b.Status != models.JobPending {
			continue
		}
		b.BlockedBy = ""
		b.UpdatedAt = e.now()
		if err := e.repo.UpdateJob(ctx, b); err != nil {
			e.log.Error("unblock job", zap.String("job_id", b.ID), zap.Error(err))
			continue
		}
		if err := e.dispatch(ctx, file, b); err != nil {
			e.log.Error("queue unblocked job", zap.String("job_id", b.ID), zap.Error(err))
		}
	}
}
