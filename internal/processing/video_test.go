package processing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

func requireFFmpeg(t *testing.T) *FFmpeg {
	t.Helper()
	ff := NewFFmpeg("ffmpeg", "ffprobe")
	if !ff.Available() {
		t.Skip("ffmpeg/ffprobe not installed")
	}
	return ff
}

// testVideo renders a two second test pattern with a title tag.
func testVideo(t *testing.T, ff *FFmpeg) []byte {
	t.Helper()
	out := filepath.Join(t.TempDir(), "src.mp4")
	_, err := ff.Pipe(context.Background(), nil, "-y",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=320x240:rate=10",
		"-pix_fmt", "yuv420p", "-metadata", "title=secret-title", out)
	if err != nil {
		t.Skipf("cannot render test video: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func videoInput(data []byte) *Input {
	return &Input{
		File: &models.FileRecord{ID: "v1", OriginalFilename: "clip.mp4", MimeType: "video/mp4", FileType: models.FileTypeVideo},
		Job:  &models.ProcessingJob{ID: "j1"},
		Data: data,
	}
}

func TestVideoOps(t *testing.T) {
	ff := requireFFmpeg(t)
	src := testVideo(t, ff)
	cfg := testConfig()
	ops := NewVideoOps(cfg, ff)
	ctx := context.Background()

	t.Run("thumbnail", func(t *testing.T) {
		out, err := ops.Thumbnail(ctx, videoInput(src))
		if err != nil {
			t.Fatal(err)
		}
		if out.Variant != models.VariantThumbnail || out.MimeType != "image/jpeg" {
			t.Errorf("output = %+v", out)
		}
		if out.Width != cfg.ThumbnailSize || out.Height > cfg.ThumbnailSize {
			t.Errorf("size = %dx%d", out.Width, out.Height)
		}
	})

	t.Run("preview", func(t *testing.T) {
		out, err := ops.Preview(ctx, videoInput(src))
		if err != nil {
			t.Fatal(err)
		}
		if out.Variant != models.VariantPreview || out.Width != cfg.PreviewWidth {
			t.Errorf("output = %+v", out)
		}
		if out.DurationSeconds <= 0 || out.DurationSeconds > float64(cfg.PreviewSeconds)+0.5 {
			t.Errorf("duration = %f", out.DurationSeconds)
		}
	})

	t.Run("strip metadata", func(t *testing.T) {
		out, err := ops.StripMetadata(ctx, videoInput(src))
		if err != nil {
			t.Fatal(err)
		}
		if !out.InPlace || out.Width != 320 || out.Height != 240 {
			t.Errorf("output = %+v", out)
		}
		path := filepath.Join(t.TempDir(), "stripped.mp4")
		if err := os.WriteFile(path, out.Data, 0o600); err != nil {
			t.Fatal(err)
		}
		tags, err := ff.run(ctx, nil, ff.ffprobe, "-v", "error", "-show_entries", "format_tags=title",
			"-of", "default=nw=1:nk=1", path)
		if err != nil {
			t.Fatal(err)
		}
		if len(tags) != 0 {
			t.Errorf("title survived: %q", tags)
		}
	})
}

func TestProbeRejectsGarbage(t *testing.T) {
	ff := requireFFmpeg(t)
	path := filepath.Join(t.TempDir(), "junk.mp4")
	if err := os.WriteFile(path, []byte("not a video"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ff.ProbeFile(context.Background(), path); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("err = %v", err)
	}
}
