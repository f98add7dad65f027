package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// FFmpeg runs the ffmpeg and ffprobe binaries. Video work happens in a
// scratch directory because mp4 muxing needs seekable output.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	return &FFmpeg{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// Available reports whether both binaries can be found.
func (f *FFmpeg) Available() bool {
	if _, err := exec.LookPath(f.ffmpeg); err != nil {
		return false
	}
	_, err := exec.LookPath(f.ffprobe)
	return err == nil
}

func (f *FFmpeg) run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
	}
	return stdout.Bytes(), nil
}

// Pipe feeds in to ffmpeg on stdin and returns what it writes to stdout.
func (f *FFmpeg) Pipe(ctx context.Context, in []byte, args ...string) ([]byte, error) {
	return f.run(ctx, in, f.ffmpeg, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
}

// Probe is the subset of ffprobe output the pipeline records.
type Probe struct {
	DurationSeconds float64
	Width           int
	Height          int
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (f *FFmpeg) ProbeFile(ctx context.Context, path string) (*Probe, error) {
	const op = "processing.FFmpeg.ProbeFile"
	out, err := f.run(ctx, nil, f.ffprobe,
		"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidationFailed, op, err)
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p := &Probe{}
	p.DurationSeconds, _ = strconv.ParseFloat(po.Format.Duration, 64)
	for _, s := range po.Streams {
		if s.CodecType == "video" {
			p.Width, p.Height = s.Width, s.Height
			break
		}
	}
	return p, nil
}

// VideoOps implements the video job handlers on top of ffmpeg.
type VideoOps struct {
	cfg    models.ProcessingConfig
	ffmpeg *FFmpeg
}

func NewVideoOps(cfg models.ProcessingConfig, ff *FFmpeg) *VideoOps {
	return &VideoOps{cfg: cfg, ffmpeg: ff}
}

// scratch writes the source to a temp dir and returns its path, the path
// for the output file and a cleanup func.
func scratch(op string, in *Input, outName string) (string, string, func(), error) {
	dir, err := os.MkdirTemp("", "filevault-video-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("%s: %w", op, err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	ext := filepath.Ext(in.File.OriginalFilename)
	if ext == "" {
		ext = ".bin"
	}
	src := filepath.Join(dir, "source"+ext)
	if err := os.WriteFile(src, in.Data, 0o600); err != nil {
		cleanup()
		return "", "", nil, fmt.Errorf("%s: %w", op, err)
	}
	return src, filepath.Join(dir, outName), cleanup, nil
}

func (v *VideoOps) output(ctx context.Context, op string, vt models.VariantType, path, mimeType, format string) (*Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := &Output{Variant: vt, Data: data, MimeType: mimeType, Format: format}
	if p, err := v.ffmpeg.ProbeFile(ctx, path); err == nil {
		out.Width, out.Height, out.DurationSeconds = p.Width, p.Height, p.DurationSeconds
	}
	return out, nil
}

// Thumbnail grabs the frame at one second, or the first frame of shorter clips.
func (v *VideoOps) Thumbnail(ctx context.Context, in *Input) (*Output, error) {
	const op = "processing.VideoOps.Thumbnail"
	src, dst, cleanup, err := scratch(op, in, "thumb.jpg")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	seek := "1"
	if p, err := v.ffmpeg.ProbeFile(ctx, src); err == nil && p.DurationSeconds > 0 && p.DurationSeconds < 1 {
		seek = "0"
	}
	size := strconv.Itoa(v.cfg.ThumbnailSize)
	scale := fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=decrease", size, size)
	if _, err := v.ffmpeg.Pipe(ctx, nil, "-y", "-ss", seek, "-i", src,
		"-frames:v", "1", "-vf", scale, "-q:v", "3", dst); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.output(ctx, op, models.VariantThumbnail, dst, "image/jpeg", "jpeg")
}

// Preview cuts a short silent clip scaled to the preview width.
func (v *VideoOps) Preview(ctx context.Context, in *Input) (*Output, error) {
	const op = "processing.VideoOps.Preview"
	src, dst, cleanup, err := scratch(op, in, "preview.mp4")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if _, err := v.ffmpeg.Pipe(ctx, nil, "-y", "-i", src,
		"-t", strconv.Itoa(v.cfg.PreviewSeconds),
		"-vf", fmt.Sprintf("scale=%d:-2", v.cfg.PreviewWidth),
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-an", "-movflags", "+faststart", dst); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.output(ctx, op, models.VariantPreview, dst, "video/mp4", "mp4")
}

// Transcode produces a web-playable H.264/AAC mp4.
func (v *VideoOps) Transcode(ctx context.Context, in *Input) (*Output, error) {
	const op = "processing.VideoOps.Transcode"
	src, dst, cleanup, err := scratch(op, in, "transcoded.mp4")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if _, err := v.ffmpeg.Pipe(ctx, nil, "-y", "-i", src,
		"-c:v", "libx264", "-crf", "23", "-preset", "medium", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart", dst); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.output(ctx, op, models.VariantTranscoded, dst, "video/mp4", "mp4")
}

// StripMetadata remuxes without the global metadata; streams are copied.
func (v *VideoOps) StripMetadata(ctx context.Context, in *Input) (*Output, error) {
	const op = "processing.VideoOps.StripMetadata"
	ext := filepath.Ext(in.File.OriginalFilename)
	if ext == "" {
		ext = ".mp4"
	}
	src, dst, cleanup, err := scratch(op, in, "stripped"+ext)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if _, err := v.ffmpeg.Pipe(ctx, nil, "-y", "-i", src,
		"-map", "0", "-map_metadata", "-1", "-c", "copy", dst); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out, err := v.output(ctx, op, "", dst, in.File.MimeType, strings.TrimPrefix(ext, "."))
	if err != nil {
		return nil, err
	}
	out.InPlace = true
	return out, nil
}
