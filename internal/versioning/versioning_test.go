package versioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/encryption"
	"filevault/internal/models"
	"filevault/internal/provider"
	"filevault/internal/storage"
)

type fixture struct {
	repo   *storage.MemStorage
	store  provider.Provider
	engine *Engine
	clock  time.Time
}

func newFixture(t *testing.T, cfg models.VersioningConfig, cipher Cipher) *fixture {
	t.Helper()
	store, err := provider.NewLocal(t.TempDir(), "http://localhost:8080", []byte("signing-secret"))
	if err != nil {
		t.Fatal(err)
	}
	fx := &fixture{
		repo:  storage.NewMemStorage(),
		store: store,
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	fx.engine = New(fx.repo, store, cipher, cfg, zap.NewNop())
	fx.engine.now = func() time.Time {
		fx.clock = fx.clock.Add(time.Minute)
		return fx.clock
	}
	return fx
}

func (fx *fixture) addFile(t *testing.T, content []byte, encrypted bool, cipher Cipher) *models.FileRecord {
	t.Helper()
	ctx := context.Background()
	stored := content
	if encrypted {
		blob, _, err := cipher.Seal(content)
		if err != nil {
			t.Fatal(err)
		}
		stored = blob
	}
	f := &models.FileRecord{
		ID:               "file-1",
		OwnerID:          "u1",
		OriginalFilename: "notes.txt",
		StorageKey:       "files/u1/unscoped/file-1-notes.txt",
		MimeType:         "text/plain",
		FileType:         models.FileTypeDocument,
		SizeBytes:        int64(len(content)),
		Checksum:         models.Checksum(stored),
		IsEncrypted:      encrypted,
		Status:           models.FileStatusReady,
		Version:          1,
		StorageTier:      models.TierStandard,
		CreatedAt:        fx.clock,
		UpdatedAt:        fx.clock,
		ModifiedAt:       fx.clock,
	}
	if _, err := fx.store.Upload(ctx, f.StorageKey, stored, f.MimeType, nil); err != nil {
		t.Fatal(err)
	}
	if err := fx.repo.CreateFile(ctx, f); err != nil {
		t.Fatal(err)
	}
	return f
}

func (fx *fixture) content(t *testing.T, key string) []byte {
	t.Helper()
	dl, err := fx.store.Download(context.Background(), key, "")
	if err != nil {
		t.Fatal(err)
	}
	return dl.Data
}

// archives lists the archive objects stored for a file.
func (fx *fixture) archives(t *testing.T, fileID string) []string {
	t.Helper()
	res, err := fx.store.List(context.Background(), "versions/"+fileID+"/", 100, "")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, o := range res.Items {
		keys = append(keys, o.Key)
	}
	return keys
}

func currentCount(list []*models.VersionSnapshot) int {
	n := 0
	for _, v := range list {
		if v.IsCurrent {
			n++
		}
	}
	return n
}

func enabled(max int) models.VersioningConfig {
	return models.VersioningConfig{Enabled: true, MaxVersions: max, RetentionDays: 30}
}

func TestCreateVersion(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1 content"), false, nil)

	snap, err := fx.engine.CreateVersion(ctx, f.ID, []byte("v2 content"), "", "edit")
	if err != nil {
		t.Fatal(err)
	}
	if snap.VersionNumber != 2 || !snap.IsCurrent || snap.Note != "edit" || snap.StorageKey != f.StorageKey {
		t.Errorf("snapshot = %+v", snap)
	}

	got, _ := fx.repo.GetFile(ctx, f.ID)
	if got.Version != 2 || got.SizeBytes != int64(len("v2 content")) {
		t.Errorf("file = %+v", got)
	}
	if got.Checksum == f.Checksum || got.Checksum != models.Checksum(fx.content(t, got.StorageKey)) {
		t.Error("checksum must track the live bytes")
	}
	if !got.ModifiedAt.After(f.ModifiedAt) {
		t.Error("modified_at did not move")
	}
	if string(fx.content(t, got.StorageKey)) != "v2 content" {
		t.Error("live key not overwritten")
	}

	v1, err := fx.engine.GetVersion(ctx, f.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v1.IsCurrent || v1.StorageKey == f.StorageKey || string(fx.content(t, v1.StorageKey)) != "v1 content" {
		t.Errorf("v1 = %+v", v1)
	}
}

func TestVersionsStayMonotonic(t *testing.T) {
	fx := newFixture(t, enabled(100), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1"), false, nil)

	for i := 2; i <= 6; i++ {
		snap, err := fx.engine.CreateVersion(ctx, f.ID, []byte(fmt.Sprintf("v%d", i)), "", "")
		if err != nil {
			t.Fatal(err)
		}
		if snap.VersionNumber != i {
			t.Fatalf("version = %d, want %d", snap.VersionNumber, i)
		}
		list, _ := fx.engine.ListVersions(ctx, f.ID)
		if currentCount(list) != 1 {
			t.Fatalf("after v%d: %d current snapshots", i, currentCount(list))
		}
		if len(list) != i {
			t.Fatalf("after v%d: %d snapshots", i, len(list))
		}
	}

	list, _ := fx.engine.ListVersions(ctx, f.ID)
	for _, v := range list {
		want := fmt.Sprintf("v%d", v.VersionNumber)
		if got := string(fx.content(t, v.StorageKey)); got != want {
			t.Errorf("version %d holds %q", v.VersionNumber, got)
		}
	}
}

func TestPruneKeepsCurrent(t *testing.T) {
	fx := newFixture(t, enabled(3), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1"), false, nil)

	for i := 2; i <= 8; i++ {
		if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte(fmt.Sprintf("v%d", i)), "", ""); err != nil {
			t.Fatal(err)
		}
		list, _ := fx.engine.ListVersions(ctx, f.ID)
		if len(list) > 3 {
			t.Fatalf("after v%d: %d snapshots, max 3", i, len(list))
		}
		if currentCount(list) != 1 || list[len(list)-1].VersionNumber != i || !list[len(list)-1].IsCurrent {
			t.Fatalf("after v%d: current lost: %+v", i, list)
		}
	}

	list, _ := fx.engine.ListVersions(ctx, f.ID)
	if list[0].VersionNumber != 6 {
		t.Errorf("oldest kept = %d, want 6", list[0].VersionNumber)
	}
	if keys := fx.archives(t, f.ID); len(keys) != 2 {
		t.Errorf("archive objects = %v, want the two kept snapshots", keys)
	}
}

func TestRestoreVersion(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("original"), false, nil)

	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("changed"), "", ""); err != nil {
		t.Fatal(err)
	}
	snap, err := fx.engine.RestoreVersion(ctx, f.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.VersionNumber != 3 || snap.Note != "restored from version 1" {
		t.Errorf("restore = %+v", snap)
	}
	got, _ := fx.repo.GetFile(ctx, f.ID)
	if string(fx.content(t, got.StorageKey)) != "original" || got.Version != 3 {
		t.Errorf("file after restore = %+v", got)
	}
	list, _ := fx.engine.ListVersions(ctx, f.ID)
	if len(list) != 3 || currentCount(list) != 1 {
		t.Errorf("history = %+v", list)
	}

	if _, err := fx.engine.RestoreVersion(ctx, f.ID, 42); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown version: %v", err)
	}
}

func TestEncryptedVersions(t *testing.T) {
	svc, err := encryption.New("0123456789abcdef0123", "salt")
	if err != nil {
		t.Fatal(err)
	}
	fx := newFixture(t, enabled(10), svc)
	ctx := context.Background()
	f := fx.addFile(t, []byte("secret v1"), true, svc)

	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("secret v2"), "", ""); err != nil {
		t.Fatal(err)
	}
	got, _ := fx.repo.GetFile(ctx, f.ID)
	live := fx.content(t, got.StorageKey)
	if bytes.Contains(live, []byte("secret v2")) {
		t.Fatal("new version stored in plaintext")
	}
	if plain, err := svc.Open(live); err != nil || string(plain) != "secret v2" {
		t.Errorf("open = %q, %v", plain, err)
	}

	if _, err := fx.engine.RestoreVersion(ctx, f.ID, 1); err != nil {
		t.Fatal(err)
	}
	got, _ = fx.repo.GetFile(ctx, f.ID)
	if plain, err := svc.Open(fx.content(t, got.StorageKey)); err != nil || string(plain) != "secret v1" {
		t.Errorf("restored = %q, %v", plain, err)
	}
}

func TestDeleteVersion(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1"), false, nil)
	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("v2"), "", ""); err != nil {
		t.Fatal(err)
	}

	if err := fx.engine.DeleteVersion(ctx, f.ID, 2); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("delete current: %v", err)
	}
	v1, _ := fx.engine.GetVersion(ctx, f.ID, 1)
	if err := fx.engine.DeleteVersion(ctx, f.ID, 1); err != nil {
		t.Fatal(err)
	}
	if ok, _ := fx.store.Exists(ctx, v1.StorageKey); ok {
		t.Error("snapshot object left behind")
	}
	if err := fx.engine.DeleteVersion(ctx, f.ID, 1); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("delete twice: %v", err)
	}
}

func TestVersioningDisabled(t *testing.T) {
	fx := newFixture(t, models.VersioningConfig{}, nil)
	f := fx.addFile(t, []byte("v1"), false, nil)
	if _, err := fx.engine.CreateVersion(context.Background(), f.ID, []byte("v2"), "", ""); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("err = %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	fx := newFixture(t, enabled(100), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1"), false, nil)

	for i := 2; i <= 4; i++ {
		if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte(fmt.Sprintf("v%d", i)), "", ""); err != nil {
			t.Fatal(err)
		}
	}
	// Nothing is old enough yet.
	if n, err := fx.engine.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	fx.clock = fx.clock.AddDate(0, 0, 31)
	n, err := fx.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	list, _ := fx.engine.ListVersions(ctx, f.ID)
	if len(list) != 1 || !list[0].IsCurrent {
		t.Errorf("left = %+v", list)
	}
}

func TestDeleteAll(t *testing.T) {
	fx := newFixture(t, enabled(100), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1"), false, nil)
	for i := 2; i <= 3; i++ {
		if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte(fmt.Sprintf("v%d", i)), "", ""); err != nil {
			t.Fatal(err)
		}
	}
	freed, err := fx.engine.DeleteAll(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 4 {
		t.Errorf("freed = %d, want 4", freed)
	}
	list, _ := fx.engine.ListVersions(ctx, f.ID)
	if len(list) != 1 {
		t.Errorf("left = %d", len(list))
	}
}

// flakyStore fails uploads to one key.
type flakyStore struct {
	provider.Provider
	failKey string
}

func (s flakyStore) Upload(ctx context.Context, key string, data []byte, contentType string, md map[string]string) (*provider.UploadResult, error) {
	if key == s.failKey {
		return nil, apperr.New(apperr.KindStorageUnavailable, "test.Upload")
	}
	return s.Provider.Upload(ctx, key, data, contentType, md)
}

// brokenCommit rejects every version commit.
type brokenCommit struct {
	*storage.MemStorage
}

func (brokenCommit) CommitVersion(context.Context, *models.FileRecord, *models.VersionSnapshot, *models.VersionSnapshot) error {
	return apperr.New(apperr.KindStorageUnavailable, "test.CommitVersion")
}

func TestFailedLiveUploadKeepsFile(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1 content"), false, nil)
	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("v2 content"), "", ""); err != nil {
		t.Fatal(err)
	}
	before, _ := fx.repo.GetFile(ctx, f.ID)

	fx.engine.provider = flakyStore{Provider: fx.store, failKey: f.StorageKey}
	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("v3 content"), "", ""); !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}

	got, _ := fx.repo.GetFile(ctx, f.ID)
	if got.Version != 2 || got.Checksum != before.Checksum {
		t.Errorf("file = version %d checksum %s, want unchanged", got.Version, got.Checksum)
	}
	if string(fx.content(t, f.StorageKey)) != "v2 content" {
		t.Error("live bytes changed")
	}
	list, _ := fx.repo.ListVersions(ctx, f.ID)
	if currentCount(list) != 1 {
		t.Errorf("current snapshots = %d, want 1", currentCount(list))
	}
	for _, v := range list {
		if v.VersionNumber == 2 && (!v.IsCurrent || v.StorageKey != f.StorageKey) {
			t.Errorf("version 2 = %+v, want the live key", v)
		}
	}
	if keys := fx.archives(t, f.ID); len(keys) != 1 {
		t.Errorf("archive objects = %v, want only version 1", keys)
	}
}

func TestFailedCommitRestoresLiveContent(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1 content"), false, nil)
	fx.engine.repo = brokenCommit{MemStorage: fx.repo}

	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("v2 content"), "", ""); err == nil {
		t.Fatal("CreateVersion succeeded with a broken commit")
	}

	got, _ := fx.repo.GetFile(ctx, f.ID)
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	live := fx.content(t, f.StorageKey)
	if string(live) != "v1 content" || got.Checksum != models.Checksum(live) {
		t.Errorf("live = %q, checksum match = %v", live, got.Checksum == models.Checksum(live))
	}
	if list, _ := fx.repo.ListVersions(ctx, f.ID); len(list) != 0 {
		t.Errorf("versions = %d, want none", len(list))
	}
	if keys := fx.archives(t, f.ID); len(keys) != 0 {
		t.Errorf("orphaned archive objects left behind: %v", keys)
	}
}

// gatedStore holds live-key uploads until released, so two writers can
// reach the overwrite together when nothing serializes them.
type gatedStore struct {
	provider.Provider
	liveKey string
	arrived chan struct{}
	release chan struct{}
}

func (s gatedStore) Upload(ctx context.Context, key string, data []byte, contentType string, md map[string]string) (*provider.UploadResult, error) {
	if key == s.liveKey {
		s.arrived <- struct{}{}
		<-s.release
	}
	return s.Provider.Upload(ctx, key, data, contentType, md)
}

func TestConcurrentVersionsSerialize(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1 content"), false, nil)

	gate := gatedStore{Provider: fx.store, liveKey: f.StorageKey,
		arrived: make(chan struct{}, 2), release: make(chan struct{})}
	fx.engine.provider = gate

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, body := range []string{"A content", "B content"} {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			_, errs[i] = fx.engine.CreateVersion(ctx, f.ID, []byte(body), "", "")
		}(i, body)
	}

	<-gate.arrived
	select {
	case <-gate.arrived:
		t.Fatal("both writers reached the live key at once")
	case <-time.After(100 * time.Millisecond):
	}
	close(gate.release)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("CreateVersion: %v", err)
		}
	}
	got, _ := fx.repo.GetFile(ctx, f.ID)
	live := fx.content(t, f.StorageKey)
	if got.Version != 3 || got.Checksum != models.Checksum(live) {
		t.Errorf("file = version %d, live %q, checksum match = %v", got.Version, live, got.Checksum == models.Checksum(live))
	}
	list, _ := fx.repo.ListVersions(ctx, f.ID)
	if len(list) != 3 || currentCount(list) != 1 {
		t.Fatalf("snapshots = %+v", list)
	}
	for _, v := range list[:2] {
		if _, err := fx.store.Download(ctx, v.StorageKey, ""); err != nil {
			t.Errorf("snapshot %d object: %v", v.VersionNumber, err)
		}
	}
	if string(fx.content(t, list[0].StorageKey)) != "v1 content" {
		t.Error("version 1 lost its content")
	}
}

// staleCommit loses every commit to a writer that got there first.
type staleCommit struct {
	*storage.MemStorage
}

func (staleCommit) CommitVersion(context.Context, *models.FileRecord, *models.VersionSnapshot, *models.VersionSnapshot) error {
	return apperr.Wrap(apperr.KindInvalidState, "test.CommitVersion", storage.ErrStaleVersion)
}

func TestStaleCommitLeavesWinnerContent(t *testing.T) {
	fx := newFixture(t, enabled(10), nil)
	ctx := context.Background()
	f := fx.addFile(t, []byte("v1 content"), false, nil)
	fx.engine.repo = staleCommit{MemStorage: fx.repo}

	if _, err := fx.engine.CreateVersion(ctx, f.ID, []byte("late content"), "", ""); !errors.Is(err, storage.ErrStaleVersion) {
		t.Fatalf("err = %v, want a stale version", err)
	}
	if live := fx.content(t, f.StorageKey); string(live) != "late content" {
		t.Errorf("live = %q, the compensating rewrite must not run", live)
	}
	if keys := fx.archives(t, f.ID); len(keys) != 0 {
		t.Errorf("archive objects = %v", keys)
	}
}
