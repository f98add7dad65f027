package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/storage"
)

var now = time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

type fixture struct {
	repo   *storage.MemStorage
	store  *provider.Local
	engine *Engine
}

func newFixture(t *testing.T, cfg models.LifecycleConfig) *fixture {
	t.Helper()
	store, err := provider.NewLocal(t.TempDir(), "http://localhost:8080", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	repo := storage.NewMemStorage()
	e := New(repo, store, nil, cfg, zap.NewNop())
	e.now = func() time.Time { return now }
	return &fixture{repo: repo, store: store, engine: e}
}

func (fx *fixture) addFile(t *testing.T, id string, modified time.Time, tier models.StorageTier) *models.FileRecord {
	t.Helper()
	ctx := context.Background()
	f := &models.FileRecord{
		ID:          id,
		OwnerID:     "u1",
		StorageKey:  "files/u1/unscoped/" + id,
		MimeType:    "image/jpeg",
		FileType:    models.FileTypeImage,
		SizeBytes:   10,
		Status:      models.FileStatusReady,
		Version:     1,
		StorageTier: tier,
		CreatedAt:   modified,
		UpdatedAt:   modified,
		ModifiedAt:  modified,
	}
	if _, err := fx.store.Upload(ctx, f.StorageKey, []byte("0123456789"), f.MimeType, nil); err != nil {
		t.Fatal(err)
	}
	if err := fx.repo.CreateFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	return f
}

func (fx *fixture) addVariant(t *testing.T, fileID string, vt models.VariantType) *models.Variant {
	t.Helper()
	ctx := context.Background()
	v := &models.Variant{
		ID:          fileID + "-" + string(vt),
		FileID:      fileID,
		VariantType: vt,
		StorageKey:  fmt.Sprintf("variants/%s/%s.jpg", fileID, vt),
		MimeType:    "image/jpeg",
		Format:      "jpg",
		SizeBytes:   4,
		StorageTier: models.TierStandard,
		CreatedAt:   now,
	}
	if _, err := fx.store.Upload(ctx, v.StorageKey, []byte("abcd"), v.MimeType, nil); err != nil {
		t.Fatal(err)
	}
	if err := fx.repo.CreateVariant(ctx, v); err != nil {
		t.Fatal(err)
	}
	return v
}

func (fx *fixture) tierOf(t *testing.T, key string) models.StorageTier {
	t.Helper()
	res, err := fx.store.List(context.Background(), key, 1, "")
	if err != nil || len(res.Items) != 1 {
		t.Fatalf("list %s: %v", key, err)
	}
	return res.Items[0].Tier
}

func days(n int) time.Time { return now.AddDate(0, 0, -n) }

func TestIACutoffIsInclusive(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{MoveToIAAfterDays: 30, MoveToArchiveAfterDays: 90})
	ctx := context.Background()
	exact := fx.addFile(t, "a-exact", days(30), models.TierStandard)
	short := fx.addFile(t, "b-short", days(29), models.TierStandard)

	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.IA.Processed != 1 || rep.IA.Bytes != 10 || rep.IA.Errors != 0 {
		t.Errorf("ia report = %+v", rep.IA)
	}
	got, _ := fx.repo.GetFile(ctx, exact.ID)
	if got.StorageTier != models.TierInfrequentAccess {
		t.Errorf("exact threshold tier = %s", got.StorageTier)
	}
	if !got.ModifiedAt.Equal(exact.ModifiedAt) {
		t.Error("tier change must not touch modified_at")
	}
	if fx.tierOf(t, exact.StorageKey) != models.TierInfrequentAccess {
		t.Error("provider tier not changed")
	}
	got, _ = fx.repo.GetFile(ctx, short.ID)
	if got.StorageTier != models.TierStandard {
		t.Errorf("one day short tier = %s", got.StorageTier)
	}
}

func TestArchivePass(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{MoveToIAAfterDays: 30, MoveToArchiveAfterDays: 90, MoveVariants: true})
	ctx := context.Background()
	old := fx.addFile(t, "old", days(120), models.TierInfrequentAccess)
	v := fx.addVariant(t, old.ID, models.VariantThumbnail)

	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Archive.Processed != 1 || rep.Archive.Bytes != 14 {
		t.Errorf("archive report = %+v", rep.Archive)
	}
	got, _ := fx.repo.GetFile(ctx, old.ID)
	if got.StorageTier != models.TierArchive {
		t.Errorf("tier = %s", got.StorageTier)
	}
	vs, _ := fx.repo.ListVariants(ctx, old.ID)
	if len(vs) != 1 || vs[0].StorageTier != models.TierArchive {
		t.Errorf("variants = %+v", vs)
	}
	if fx.tierOf(t, v.StorageKey) != models.TierArchive {
		t.Error("variant object not moved")
	}
}

func TestPurge(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{MoveToIAAfterDays: 30, MoveToArchiveAfterDays: 90, DeleteAfterDays: 365})
	ctx := context.Background()
	doomed := fx.addFile(t, "doomed", days(400), models.TierArchive)
	fx.addVariant(t, doomed.ID, models.VariantThumbnail)
	fx.addVariant(t, doomed.ID, models.VariantCompressed)
	kept := fx.addFile(t, "kept", days(400), models.TierArchive)
	kept.Protected = true
	_ = fx.repo.UpdateFile(ctx, kept)

	var deleted []string
	fx.engine.OnDelete(func(_ context.Context, f *models.FileRecord) { deleted = append(deleted, f.ID) })

	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Purged.Processed != 1 || rep.Purged.Bytes != 18 {
		t.Errorf("purge report = %+v", rep.Purged)
	}
	got, err := fx.repo.GetFile(ctx, doomed.ID)
	if err != nil {
		t.Fatal("purge must keep the row")
	}
	if got.Status != models.FileStatusDeleted || got.DeletedAt == nil {
		t.Errorf("row = %+v", got)
	}
	if ok, _ := fx.store.Exists(ctx, doomed.StorageKey); ok {
		t.Error("primary object left behind")
	}
	if vs, _ := fx.repo.ListVariants(ctx, doomed.ID); len(vs) != 0 {
		t.Errorf("variants left = %d", len(vs))
	}
	if len(deleted) != 1 || deleted[0] != doomed.ID {
		t.Errorf("delete hook = %v", deleted)
	}

	got, _ = fx.repo.GetFile(ctx, kept.ID)
	if got.Status != models.FileStatusReady {
		t.Error("protected file purged")
	}

	// Deleted rows are not candidates again.
	rep, _ = fx.engine.Sweep(ctx)
	if rep.Purged.Processed != 0 {
		t.Errorf("second sweep purged %d", rep.Purged.Processed)
	}
}

func TestOrphanVariants(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{})
	ctx := context.Background()
	f := fx.addFile(t, "gone", now, models.TierStandard)
	v := fx.addVariant(t, f.ID, models.VariantThumbnail)
	live := fx.addFile(t, "live", now, models.TierStandard)
	fx.addVariant(t, live.ID, models.VariantThumbnail)
	fx.repo.DeleteFileRow(f.ID)

	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Orphans.Processed != 1 || rep.Orphans.Bytes != 4 {
		t.Errorf("orphans = %+v", rep.Orphans)
	}
	if ok, _ := fx.store.Exists(ctx, v.StorageKey); ok {
		t.Error("orphan object left behind")
	}
	if vs, _ := fx.repo.ListVariants(ctx, live.ID); len(vs) != 1 {
		t.Error("live variant removed")
	}
}

// flakyTier fails tier changes for one key.
type flakyTier struct {
	provider.Provider
	bad string
}

func (f flakyTier) SetTier(ctx context.Context, key string, tier models.StorageTier) error {
	if key == f.bad {
		return apperr.Newf(apperr.KindStorageUnavailable, "test", "throttled")
	}
	return f.Provider.SetTier(ctx, key, tier)
}

func TestRecordFailureDoesNotAbortPass(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{MoveToIAAfterDays: 30, MoveToArchiveAfterDays: 90})
	ctx := context.Background()
	a := fx.addFile(t, "a", days(40), models.TierStandard)
	b := fx.addFile(t, "b", days(40), models.TierStandard)
	c := fx.addFile(t, "c", days(40), models.TierStandard)
	fx.engine.provider = flakyTier{Provider: fx.store, bad: b.StorageKey}

	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.IA.Processed != 2 || rep.IA.Errors != 1 {
		t.Errorf("ia = %+v", rep.IA)
	}
	for _, id := range []string{a.ID, c.ID} {
		got, _ := fx.repo.GetFile(ctx, id)
		if got.StorageTier != models.TierInfrequentAccess {
			t.Errorf("%s tier = %s", id, got.StorageTier)
		}
	}
	got, _ := fx.repo.GetFile(ctx, b.ID)
	if got.StorageTier != models.TierStandard {
		t.Errorf("failed record changed to %s", got.StorageTier)
	}
}

func TestBatchesPaginate(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{MoveToIAAfterDays: 30, MoveToArchiveAfterDays: 90, BatchSize: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fx.addFile(t, fmt.Sprintf("f%d", i), days(31), models.TierStandard)
	}
	rep, err := fx.engine.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.IA.Processed != 5 {
		t.Errorf("processed = %d", rep.IA.Processed)
	}
}

func TestCancelledContextEndsSweep(t *testing.T) {
	fx := newFixture(t, models.LifecycleConfig{MoveToIAAfterDays: 30, MoveToArchiveAfterDays: 90})
	fx.addFile(t, "x", days(31), models.TierStandard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fx.engine.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}
