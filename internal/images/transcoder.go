// Package images resolves which historical file represents each record and
// turns downloaded originals into fixed-size thumbnails.
package images

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	// Registers the WebP decoder with image.Decode.
	_ "golang.org/x/image/webp"
)

// Default thumbnail geometry and encoding.
const (
	DefaultWidth   = 300
	DefaultQuality = 80
)

// Transcoder re-encodes raw image bytes into a thumbnail.
type Transcoder interface {
	Transcode(raw []byte) ([]byte, error)
}

// ImagingTranscoder resizes to a fixed width, keeping the aspect ratio, and
// encodes JPEG at a fixed quality. Transparent pixels are flattened onto
// white because JPEG has no alpha channel.
type ImagingTranscoder struct {
	Width   int
	Quality int
}

// NewImagingTranscoder builds a transcoder, substituting defaults for
// non-positive settings.
func NewImagingTranscoder(width, quality int) *ImagingTranscoder {
	if width <= 0 {
		width = DefaultWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &ImagingTranscoder{Width: width, Quality: quality}
}

// Transcode decodes png, jpeg, gif, bmp, tiff or webp input.
func (t *ImagingTranscoder) Transcode(raw []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	resized := imaging.Resize(src, t.Width, 0, imaging.Lanczos)

	bounds := resized.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	canvas = imaging.Overlay(canvas, resized, image.Pt(0, 0), 1.0)

	var out bytes.Buffer
	if err := imaging.Encode(&out, canvas, imaging.JPEG, imaging.JPEGQuality(t.Quality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}
