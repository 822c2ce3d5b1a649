package imageopt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"

	// Decoders registered with image.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for target types the transformer cannot
// encode.
var ErrUnsupportedFormat = errors.New("imageopt: unsupported output format")

// TransformRequest describes one resize and re-encode.
type TransformRequest struct {
	Buffer      []byte
	ContentType string
	Width       int
	Quality     int
}

// Transformer resizes and re-encodes images.
type Transformer interface {
	Optimize(ctx context.Context, req TransformRequest) ([]byte, error)
}

// DrawTransformer is the built-in Transformer. It scales with
// golang.org/x/image and encodes WebP and AVIF through the wasm builds of
// libwebp and libavif, so no cgo is needed. Images are never enlarged.
type DrawTransformer struct {
	// MaxInputPixels rejects larger sources; zero means no limit.
	MaxInputPixels int
}

// Encoder effort: libwebp method 0-6, libavif speed 0-10 (10 fastest).
const (
	webpMethod = 4
	avifSpeed  = 10
)

// EncodeQuality maps a requested quality to the encoder setting for
// contentType.
func EncodeQuality(contentType string, quality int) int {
	if contentType == MimeAVIF {
		return max(quality-20, 1)
	}
	return quality
}

func (t DrawTransformer) Optimize(ctx context.Context, req TransformRequest) ([]byte, error) {
	switch req.ContentType {
	case MimeJPEG, MimePNG, MimeGIF, MimeWEBP, MimeAVIF:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.ContentType)
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf, err := t.transform(req)
		done <- result{buf, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("imageopt: transform: %w", ctx.Err())
	case r := <-done:
		return r.buf, r.err
	}
}

func (t DrawTransformer) transform(req TransformRequest) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Buffer))
	if err != nil {
		return nil, fmt.Errorf("imageopt: decode config: %w", err)
	}
	if t.MaxInputPixels > 0 && cfg.Width*cfg.Height > t.MaxInputPixels {
		return nil, fmt.Errorf("imageopt: input exceeds %d pixels", t.MaxInputPixels)
	}
	src, _, err := image.Decode(bytes.NewReader(req.Buffer))
	if err != nil {
		return nil, fmt.Errorf("imageopt: decode: %w", err)
	}

	img := resize(src, req.Width)
	quality := EncodeQuality(req.ContentType, req.Quality)
	var buf bytes.Buffer
	switch req.ContentType {
	case MimeJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case MimeWEBP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: webpMethod})
	case MimeAVIF:
		err = avif.Encode(&buf, img, avif.Options{
			Quality:      quality,
			QualityAlpha: quality,
			Speed:        avifSpeed,
		})
	case MimePNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	case MimeGIF:
		err = gif.Encode(&buf, img, &gif.Options{NumColors: 256, Drawer: draw.FloydSteinberg})
	}
	if err != nil {
		return nil, fmt.Errorf("imageopt: encode %s: %w", req.ContentType, err)
	}
	return buf.Bytes(), nil
}

func resize(src image.Image, width int) image.Image {
	b := src.Bounds()
	if width <= 0 || width >= b.Dx() {
		return src
	}
	height := max(1, (b.Dy()*width+b.Dx()/2)/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// imageSize decodes only the header of buf.
func imageSize(buf []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
