package files

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/delivery"
	"filevault/internal/events"
	"filevault/internal/models"
	"filevault/internal/processing"
	"filevault/internal/provider"
	"filevault/internal/scanner"
	"filevault/internal/storage"
	"filevault/internal/upload"
	"filevault/internal/validation"
	"filevault/internal/versioning"
)

const linkTTL = 10 * time.Minute

type cleanScanner struct{}

func (cleanScanner) Scan(context.Context, []byte) *scanner.Result {
	return &scanner.Result{Clean: true, Scanned: true, Engine: scanner.EngineHeuristic}
}

func (cleanScanner) Available(context.Context) bool { return true }

type fixture struct {
	repo  *storage.MemStorage
	store provider.Provider
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	store, err := provider.NewLocal(t.TempDir(), "http://localhost:8080", []byte("signing-secret"))
	if err != nil {
		t.Fatal(err)
	}
	repo := storage.NewMemStorage()

	v := validation.New(models.ValidationConfig{
		MaxImageBytes:    1 << 20,
		MaxVideoBytes:    10 << 20,
		MaxDocumentBytes: 1 << 20,
		MaxDefaultBytes:  1 << 20,
	})
	up := upload.New(repo, store, v, cleanScanner{}, nil, log)

	pcfg := models.ProcessingConfig{
		ImageWorkers:   2,
		VideoWorkers:   1,
		MaxAttempts:    3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		ThumbnailSize:  16,
		CompressWidth:  24,
		JPEGQuality:    80,
	}
	ff := processing.NewFFmpeg("ffmpeg", "ffprobe")
	img, err := processing.NewImageOps(pcfg, ff)
	if err != nil {
		t.Fatal(err)
	}
	proc := processing.NewEngine(repo, store, processing.NewMemQueue(0), events.NewLocalBus(), nil, pcfg, log)
	proc.RegisterDefaults(img, processing.NewVideoOps(pcfg, ff))
	proc.Start(context.Background())
	t.Cleanup(proc.Stop)

	ver := versioning.New(repo, store, nil, models.VersioningConfig{Enabled: true, MaxVersions: 5, RetentionDays: 30}, log)
	del := delivery.New(repo, store, nil, delivery.Config{
		TTL:           linkTTL,
		PublicBaseURL: "http://localhost:8080",
		TokenSecret:   "token-secret",
	}, log)
	t.Cleanup(del.Close)

	return &fixture{repo: repo, store: store, svc: New(repo, store, up, proc, ver, del, log)}
}

func photo(t *testing.T) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{uint8(r.Intn(256)), uint8(x * 6), uint8(y * 8), 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func waitJobs(t *testing.T, e *processing.Engine, ids []string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, id := range ids {
			j, err := e.GetJob(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if j.Status.Terminal() {
				done++
			}
		}
		if done == len(ids) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for jobs")
}

func (fx *fixture) uploadPhoto(t *testing.T) *models.FileRecord {
	t.Helper()
	f, err := fx.svc.UploadFile(context.Background(), upload.Request{
		Data:     photo(t),
		Filename: "dog.jpg",
		MimeType: "image/jpeg",
		OwnerID:  "user-1",
		EntityID: "pet-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestUploadProcessAndLink(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f := fx.uploadPhoto(t)
	if f.FileType != models.FileTypeImage || f.Status != models.FileStatusReady {
		t.Fatalf("uploaded = %+v", f)
	}

	jobs, err := fx.svc.QueueProcessing(ctx, f.ID, processing.Options{GenerateThumbnail: true, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	ids := []string{jobs[0].ID, jobs[1].ID}
	waitJobs(t, fx.svc.Jobs(), ids)
	for _, id := range ids {
		j, _ := fx.svc.Jobs().GetJob(ctx, id)
		if j.Status != models.JobCompleted {
			t.Errorf("job %s (%s) = %s: %s", j.ID, j.Type, j.Status, j.ErrorMessage)
		}
	}

	variants, err := fx.repo.ListVariants(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	types := map[models.VariantType]bool{}
	for _, v := range variants {
		types[v.VariantType] = true
	}
	if len(variants) != 2 || !types[models.VariantThumbnail] || !types[models.VariantCompressed] {
		t.Fatalf("variants = %+v", variants)
	}

	before := time.Now()
	link, err := fx.svc.GetDownloadURL(ctx, f.ID, models.VariantThumbnail)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(link.URL, f.StorageKey) {
		t.Errorf("thumbnail url %s points at the original", link.URL)
	}
	if d := link.ExpiresAt.Sub(before); d < linkTTL-time.Minute || d > linkTTL+time.Minute {
		t.Errorf("link expires in %v, want %v", d, linkTTL)
	}

	stats, _ := fx.svc.Jobs().GetStats(ctx)
	if stats.Completed != 2 || stats.Total() != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNewVersionRetiresLinks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f := fx.uploadPhoto(t)

	first, err := fx.svc.GetDownloadURL(ctx, f.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	data := photo(t)
	if _, err := fx.svc.CreateVersion(ctx, f.ID, data[:len(data)-1], "", "trim"); err != nil {
		t.Fatal(err)
	}
	second, err := fx.svc.GetDownloadURL(ctx, f.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("cached link survived a content change")
	}

	history, err := fx.svc.GetVersionHistory(ctx, f.ID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history = %d, %v", len(history), err)
	}
	snap, err := fx.svc.RestoreVersion(ctx, f.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.VersionNumber != 3 {
		t.Errorf("restored as %d", snap.VersionNumber)
	}
	if err := fx.svc.DeleteVersion(ctx, f.ID, 3); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("deleting current: %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f := fx.uploadPhoto(t)

	jobs, err := fx.svc.QueueProcessing(ctx, f.ID, processing.Options{GenerateThumbnail: true})
	if err != nil {
		t.Fatal(err)
	}
	waitJobs(t, fx.svc.Jobs(), []string{jobs[0].ID})
	if _, err := fx.svc.CreateVersion(ctx, f.ID, photo(t), "", ""); err != nil {
		t.Fatal(err)
	}

	if err := fx.svc.DeleteFile(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	got, err := fx.svc.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatal("soft delete must keep the row")
	}
	if got.Status != models.FileStatusDeleted || got.DeletedAt == nil {
		t.Errorf("row = %+v", got)
	}
	if ok, _ := fx.store.Exists(ctx, f.StorageKey); ok {
		t.Error("original left behind")
	}
	if vs, _ := fx.repo.ListVariants(ctx, f.ID); len(vs) != 0 {
		t.Errorf("variants left = %d", len(vs))
	}
	if _, err := fx.svc.GetDownloadURL(ctx, f.ID, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("link for deleted file: %v", err)
	}
	if list, _ := fx.svc.GetFilesByEntity(ctx, "pet-1"); len(list) != 0 {
		t.Errorf("entity listing still shows %d files", len(list))
	}
	if err := fx.svc.DeleteFile(ctx, f.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if _, err := fx.svc.QueueProcessing(ctx, f.ID, processing.Options{Compress: true}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("processing a deleted file: %v", err)
	}
}

func TestGetFilesByEntity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.uploadPhoto(t)
	b := fx.uploadPhoto(t)

	list, err := fx.svc.GetFilesByEntity(ctx, "pet-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %d", len(list))
	}
	seen := map[string]bool{list[0].ID: true, list[1].ID: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Error("missing files")
	}
	if _, err := fx.svc.GetFilesByEntity(ctx, ""); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("empty entity: %v", err)
	}
}
