package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// MemStorage is an in-process Repository for single-node deployments and
// tests. Values are copied in and out so callers never share rows.
type MemStorage struct {
	mu       sync.RWMutex
	files    map[string]models.FileRecord
	variants map[string]models.Variant
	versions map[string]models.VersionSnapshot
	jobs     map[string]models.ProcessingJob
	sweeps   map[string]time.Time

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

var _ Repository = (*MemStorage)(nil)

func NewMemStorage() *MemStorage {
	return &MemStorage{
		files:    make(map[string]models.FileRecord),
		variants: make(map[string]models.Variant),
		versions: make(map[string]models.VersionSnapshot),
		jobs:     make(map[string]models.ProcessingJob),
		sweeps:   make(map[string]time.Time),
		locks:    make(map[string]chan struct{}),
	}
}

func (m *MemStorage) Ping(context.Context) error { return nil }
func (m *MemStorage) Close()                     {}

func (m *MemStorage) CreateFile(_ context.Context, f *models.FileRecord) error {
	const op = "storage.CreateFile"
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return apperr.Newf(apperr.KindInvalidState, op, "file %s already exists", f.ID)
	}
	for _, other := range m.files {
		if other.StorageKey == f.StorageKey {
			return apperr.Newf(apperr.KindInvalidState, op, "storage key %s already in use", f.StorageKey)
		}
	}
	m.files[f.ID] = *f
	return nil
}

// LockFile hands out one lock per file id; a waiter wakes when the holder's
// channel closes and races for the next one.
func (m *MemStorage) LockFile(ctx context.Context, id string) (func(), error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage.LockFile", err)
		}
		m.lockMu.Lock()
		held, ok := m.locks[id]
		if !ok {
			ch := make(chan struct{})
			m.locks[id] = ch
			m.lockMu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					m.lockMu.Lock()
					delete(m.locks, id)
					m.lockMu.Unlock()
					close(ch)
				})
			}, nil
		}
		m.lockMu.Unlock()
		select {
		case <-held:
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage.LockFile", ctx.Err())
		}
	}
}

func (m *MemStorage) GetFile(_ context.Context, id string) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "storage.GetFile", "file %s", id)
	}
	return &f, nil
}

func (m *MemStorage) UpdateFile(_ context.Context, f *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "storage.UpdateFile", "file %s", f.ID)
	}
	m.files[f.ID] = *f
	return nil
}

func (m *MemStorage) listFiles(match func(models.FileRecord) bool) []*models.FileRecord {
	var out []*models.FileRecord
	for _, f := range m.files {
		if match(f) {
			f := f
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemStorage) ListFilesByEntity(_ context.Context, entityID string) ([]*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listFiles(func(f models.FileRecord) bool {
		return f.EntityID == entityID && f.Status != models.FileStatusDeleted
	}), nil
}

func (m *MemStorage) ListFilesByOwner(_ context.Context, ownerID string) ([]*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listFiles(func(f models.FileRecord) bool {
		return f.OwnerID == ownerID && f.Status != models.FileStatusDeleted
	}), nil
}

func (m *MemStorage) ListAgingFiles(_ context.Context, q AgingQuery) ([]*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.listFiles(func(f models.FileRecord) bool {
		if f.Status == models.FileStatusDeleted || f.ID <= q.AfterID || f.ModifiedAt.After(q.Cutoff) {
			return false
		}
		if q.SkipProtected && f.Protected {
			return false
		}
		for _, t := range q.Tiers {
			if f.StorageTier == t {
				return true
			}
		}
		return false
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemStorage) CreateVariant(_ context.Context, v *models.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[v.ID] = *v
	return nil
}

func (m *MemStorage) GetVariant(_ context.Context, fileID string, t models.VariantType) (*models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Variant
	for _, v := range m.variants {
		if v.FileID != fileID || v.VariantType != t {
			continue
		}
		if best == nil || v.CreatedAt.After(best.CreatedAt) {
			v := v
			best = &v
		}
	}
	if best == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "storage.GetVariant", "%s variant of file %s", t, fileID)
	}
	return best, nil
}

func (m *MemStorage) ListVariants(_ context.Context, fileID string) ([]*models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Variant
	for _, v := range m.variants {
		if v.FileID == fileID {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStorage) UpdateVariant(_ context.Context, v *models.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variants[v.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "storage.UpdateVariant", "variant %s", v.ID)
	}
	m.variants[v.ID] = *v
	return nil
}

func (m *MemStorage) DeleteVariant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variants[id]; !ok {
		return apperr.Newf(apperr.KindNotFound, "storage.DeleteVariant", "variant %s", id)
	}
	delete(m.variants, id)
	return nil
}

func (m *MemStorage) ListOrphanVariants(_ context.Context, limit int) ([]*models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Variant
	for _, v := range m.variants {
		if _, ok := m.files[v.FileID]; !ok {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteFileRow removes a file row outright. Normal deletes are soft; this
// exists for operators repairing metadata by hand.
func (m *MemStorage) DeleteFileRow(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
}

func (m *MemStorage) CreateVersion(_ context.Context, v *models.VersionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersionUnique(v); err != nil {
		return err
	}
	if v.IsCurrent {
		m.clearCurrent(v.FileID)
	}
	m.versions[v.ID] = *v
	return nil
}

func (m *MemStorage) PromoteVersion(_ context.Context, v *models.VersionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersionUnique(v); err != nil {
		return err
	}
	m.clearCurrent(v.FileID)
	v.IsCurrent = true
	m.versions[v.ID] = *v
	return nil
}

func (m *MemStorage) archive(v *models.VersionSnapshot) {
	for id, other := range m.versions {
		if other.FileID == v.FileID && other.VersionNumber == v.VersionNumber {
			delete(m.versions, id)
			v.ID = other.ID
			v.CreatedAt = other.CreatedAt
		}
	}
	v.IsCurrent = false
	m.versions[v.ID] = *v
}

func (m *MemStorage) CommitVersion(_ context.Context, f *models.FileRecord, archived, current *models.VersionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "storage.CommitVersion", "file %s", f.ID)
	}
	if stored := m.files[f.ID]; stored.Version != f.Version-1 {
		return apperr.Wrap(apperr.KindInvalidState, "storage.CommitVersion", ErrStaleVersion)
	}
	if err := m.checkVersionUnique(current); err != nil {
		return err
	}
	m.files[f.ID] = *f
	m.archive(archived)
	m.clearCurrent(current.FileID)
	current.IsCurrent = true
	m.versions[current.ID] = *current
	return nil
}

func (m *MemStorage) checkVersionUnique(v *models.VersionSnapshot) error {
	for _, other := range m.versions {
		if other.FileID == v.FileID && other.VersionNumber == v.VersionNumber {
			return apperr.Newf(apperr.KindInvalidState, "storage.CreateVersion",
				"version %d of file %s already exists", v.VersionNumber, v.FileID)
		}
	}
	return nil
}

func (m *MemStorage) clearCurrent(fileID string) {
	for id, other := range m.versions {
		if other.FileID == fileID && other.IsCurrent {
			other.IsCurrent = false
			m.versions[id] = other
		}
	}
}

func (m *MemStorage) GetVersion(_ context.Context, fileID string, number int) (*models.VersionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.FileID == fileID && v.VersionNumber == number {
			return &v, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "storage.GetVersion", "version %d of file %s", number, fileID)
}

func (m *MemStorage) ListVersions(_ context.Context, fileID string) ([]*models.VersionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.VersionSnapshot
	for _, v := range m.versions {
		if v.FileID == fileID {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (m *MemStorage) DeleteVersion(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok || v.IsCurrent {
		return apperr.Newf(apperr.KindNotFound, "storage.DeleteVersion", "non-current version %s", id)
	}
	delete(m.versions, id)
	return nil
}

func (m *MemStorage) ListExpiredVersions(_ context.Context, before time.Time, limit int) ([]*models.VersionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.VersionSnapshot
	for _, v := range m.versions {
		if !v.IsCurrent && v.CreatedAt.Before(before) {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStorage) CreateJob(_ context.Context, j *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = copyJob(*j)
	return nil
}

func (m *MemStorage) GetJob(_ context.Context, id string) (*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "storage.GetJob", "job %s", id)
	}
	j = copyJob(j)
	return &j, nil
}

func (m *MemStorage) UpdateJob(_ context.Context, j *models.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "storage.UpdateJob", "job %s", j.ID)
	}
	m.jobs[j.ID] = copyJob(*j)
	return nil
}

func (m *MemStorage) SettleJob(_ context.Context, j *models.ProcessingJob) error {
	const op = "storage.SettleJob"
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, op, "job %s", j.ID)
	}
	if cur.Status != models.JobProcessing || cur.Attempts != j.Attempts {
		return apperr.Newf(apperr.KindInvalidState, op, "job %s attempt %d no longer holds its claim", j.ID, j.Attempts)
	}
	cur.Status = j.Status
	cur.Result = j.Result
	cur.ErrorMessage = j.ErrorMessage
	cur.UpdatedAt = j.UpdatedAt
	cur.CompletedAt = j.CompletedAt
	m.jobs[j.ID] = copyJob(cur)
	return nil
}

func (m *MemStorage) ClaimJob(_ context.Context, id string, now time.Time) (*models.ProcessingJob, error) {
	const op = "storage.ClaimJob"
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, op, "job %s", id)
	}
	if j.Status != models.JobPending {
		return nil, apperr.Newf(apperr.KindInvalidState, op, "job %s is not pending", id)
	}
	j.Status = models.JobProcessing
	j.Attempts++
	started := now
	j.StartedAt = &started
	j.UpdatedAt = now
	m.jobs[id] = j
	j = copyJob(j)
	return &j, nil
}

func (m *MemStorage) listJobs(match func(models.ProcessingJob) bool) []*models.ProcessingJob {
	var out []*models.ProcessingJob
	for _, j := range m.jobs {
		if match(j) {
			j := copyJob(j)
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func (m *MemStorage) ListJobs(_ context.Context, fileID string) ([]*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listJobs(func(j models.ProcessingJob) bool { return j.FileID == fileID }), nil
}

func (m *MemStorage) ListBlockedJobs(_ context.Context, blockerID string) ([]*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listJobs(func(j models.ProcessingJob) bool { return j.BlockedBy == blockerID }), nil
}

func (m *MemStorage) ListStaleJobs(_ context.Context, startedBefore time.Time, limit int) ([]*models.ProcessingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.listJobs(func(j models.ProcessingJob) bool {
		return j.Status == models.JobProcessing && j.StartedAt != nil && j.StartedAt.Before(startedBefore)
	})
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(*out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStorage) CancelPendingJobs(_ context.Context, fileID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.FileID == fileID && j.Status == models.JobPending {
			j.Status = models.JobCancelled
			j.UpdatedAt = now
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (m *MemStorage) JobStats(context.Context) (models.JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st models.JobStats
	for _, j := range m.jobs {
		st.Add(j.Status, 1)
	}
	return st, nil
}

func (m *MemStorage) GetSweepState(_ context.Context, name string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sweeps[name], nil
}

func (m *MemStorage) SetSweepState(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps[name] = at
	return nil
}

func copyJob(j models.ProcessingJob) models.ProcessingJob {
	if j.Result != nil {
		r := *j.Result
		j.Result = &r
	}
	return j
}
