package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/webp"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// ImageOps implements the image job handlers with imaging and freetype.
type ImageOps struct {
	cfg    models.ProcessingConfig
	font   *truetype.Font
	ffmpeg *FFmpeg
}

func NewImageOps(cfg models.ProcessingConfig, ff *FFmpeg) (*ImageOps, error) {
	const op = "processing.NewImageOps"
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &ImageOps{cfg: cfg, font: f, ffmpeg: ff}, nil
}

// decode failures are content problems and never retried.
func decodeImage(op string, data []byte) (image.Image, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindValidationFailed, op, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindValidationFailed, op, err)
	}
	return img, format, nil
}

func (o *ImageOps) encodeJPEG(op string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(o.cfg.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return buf.Bytes(), nil
}

func jpegOutput(vt models.VariantType, data []byte, img image.Image) *Output {
	b := img.Bounds()
	return &Output{
		Variant:  vt,
		Data:     data,
		MimeType: "image/jpeg",
		Format:   "jpeg",
		Width:    b.Dx(),
		Height:   b.Dy(),
	}
}

func (o *ImageOps) Thumbnail(_ context.Context, in *Input) (*Output, error) {
	const op = "processing.ImageOps.Thumbnail"
	img, _, err := decodeImage(op, in.Data)
	if err != nil {
		return nil, err
	}
	thumb := imaging.Fit(img, o.cfg.ThumbnailSize, o.cfg.ThumbnailSize, imaging.Lanczos)
	data, err := o.encodeJPEG(op, thumb)
	if err != nil {
		return nil, err
	}
	return jpegOutput(models.VariantThumbnail, data, thumb), nil
}

// Compress re-encodes as JPEG at the configured quality, shrinking wide
// images to the configured width.
func (o *ImageOps) Compress(_ context.Context, in *Input) (*Output, error) {
	const op = "processing.ImageOps.Compress"
	img, _, err := decodeImage(op, in.Data)
	if err != nil {
		return nil, err
	}
	if o.cfg.CompressWidth > 0 && img.Bounds().Dx() > o.cfg.CompressWidth {
		img = imaging.Resize(img, o.cfg.CompressWidth, 0, imaging.Lanczos)
	}
	data, err := o.encodeJPEG(op, img)
	if err != nil {
		return nil, err
	}
	return jpegOutput(models.VariantCompressed, data, img), nil
}

// WebP needs ffmpeg with libwebp; x/image only decodes WebP.
func (o *ImageOps) WebP(ctx context.Context, in *Input) (*Output, error) {
	const op = "processing.ImageOps.WebP"
	img, _, err := decodeImage(op, in.Data)
	if err != nil {
		return nil, err
	}
	var png bytes.Buffer
	if err := imaging.Encode(&png, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := o.ffmpeg.Pipe(ctx, png.Bytes(),
		"-f", "png_pipe", "-i", "pipe:0",
		"-c:v", "libwebp", "-quality", fmt.Sprint(o.cfg.JPEGQuality),
		"-f", "webp", "pipe:1")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: encoder produced invalid webp: %w", op, err)
	}
	return &Output{
		Variant:  models.VariantWebP,
		Data:     data,
		MimeType: "image/webp",
		Format:   "webp",
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

// Watermark draws the configured text in the lower right corner.
func (o *ImageOps) Watermark(_ context.Context, in *Input) (*Output, error) {
	const op = "processing.ImageOps.Watermark"
	img, _, err := decodeImage(op, in.Data)
	if err != nil {
		return nil, err
	}
	text := o.cfg.WatermarkText
	if text == "" {
		return nil, apperr.Newf(apperr.KindValidationFailed, op, "watermark text is not configured")
	}
	b := img.Bounds()

	size := float64(b.Dx()) / 20
	if size < 10 {
		size = 10
	}
	face := truetype.NewFace(o.font, &truetype.Options{Size: size, DPI: 72})
	defer face.Close()
	width := font.MeasureString(face, text).Ceil()
	margin := int(size / 2)

	layer := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(o.font)
	c.SetFontSize(size)
	c.SetClip(layer.Bounds())
	c.SetDst(layer)
	c.SetSrc(image.NewUniform(color.White))
	c.SetHinting(font.HintingNone)

	pt := freetype.Pt(b.Dx()-width-margin, b.Dy()-margin)
	if _, err := c.DrawString(text, pt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := imaging.Overlay(img, layer, image.Pt(0, 0), o.cfg.WatermarkAlpha)
	data, err := o.encodeJPEG(op, out)
	if err != nil {
		return nil, err
	}
	return jpegOutput(models.VariantWatermarked, data, out), nil
}

// StripMetadata re-encodes the pixels, which drops EXIF, XMP and comments.
// Orientation is applied first so the stripped image still displays upright.
// Formats without an encoder are left untouched.
func (o *ImageOps) StripMetadata(_ context.Context, in *Input) (*Output, error) {
	const op = "processing.ImageOps.StripMetadata"

	cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidationFailed, op, err)
	}

	var buf bytes.Buffer
	switch format {
	case "gif":
		g, err := gif.DecodeAll(bytes.NewReader(in.Data))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidationFailed, op, err)
		}
		if err := gif.EncodeAll(&buf, g); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return inPlace(buf.Bytes(), "image/gif", format, g.Config.Width, g.Config.Height), nil
	case "jpeg", "png", "bmp", "tiff":
		img, err := imaging.Decode(bytes.NewReader(in.Data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidationFailed, op, err)
		}
		f, _ := imaging.FormatFromExtension(format)
		opts := []imaging.EncodeOption{}
		if f == imaging.JPEG {
			// Stay close to the source quality; this replaces the original.
			opts = append(opts, imaging.JPEGQuality(95))
		}
		if err := imaging.Encode(&buf, img, f, opts...); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		b := img.Bounds()
		return inPlace(buf.Bytes(), in.File.MimeType, format, b.Dx(), b.Dy()), nil
	default:
		return &Output{InPlace: true, Unchanged: true, MimeType: in.File.MimeType, Format: format,
			Width: cfg.Width, Height: cfg.Height}, nil
	}
}

func inPlace(data []byte, mimeType, format string, w, h int) *Output {
	return &Output{InPlace: true, Data: data, MimeType: mimeType, Format: format, Width: w, Height: h}
}

