// Package media prepares captured payloads before upload. Oversized images are
// downscaled and re-encoded to cut transfer size; everything else passes
// through untouched. Preprocessing never blocks an upload: any failure falls
// back to the original payload.
package media

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// Preprocessor shrinks image payloads prior to upload.
type Preprocessor struct {
	maxEdge int // longer edge limit in pixels
	quality int // JPEG re-encode quality
}

// NewPreprocessor creates a Preprocessor with the given limits.
func NewPreprocessor(maxEdge, quality int) *Preprocessor {
	return &Preprocessor{
		maxEdge: maxEdge,
		quality: quality,
	}
}

// compressibleImageTypes are the image formats worth re-encoding. SVG and
// other vector types are excluded since rasterizing them changes meaning.
var compressibleImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Prepare returns the payload to upload. For image payloads the image is
// decoded, downscaled so the longer edge fits within the configured maximum,
// and re-encoded as JPEG; the encoded result replaces the original only when
// it is strictly smaller. The returned name carries a .jpg extension when the
// payload was re-encoded.
func (p *Preprocessor) Prepare(name string, data []byte) (string, []byte) {
	if len(data) == 0 {
		return name, data
	}

	mtype := mimetype.Detect(data)
	if !compressibleImageTypes[mtype.String()] {
		return name, data
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		slog.Debug("image decode failed, uploading original", "name", name, "error", err)
		return name, data
	}

	bounds := img.Bounds()
	if bounds.Dx() > p.maxEdge || bounds.Dy() > p.maxEdge {
		img = imaging.Fit(img, p.maxEdge, p.maxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		slog.Debug("image encode failed, uploading original", "name", name, "error", err)
		return name, data
	}

	if buf.Len() >= len(data) {
		// Re-encoding didn't help; keep the original bytes
		return name, data
	}

	slog.Debug("image compressed",
		"name", name,
		"original_size", len(data),
		"compressed_size", buf.Len(),
	)

	return jpegName(name), buf.Bytes()
}

// jpegName swaps the file extension for .jpg.
func jpegName(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return name + ".jpg"
	}
	if strings.EqualFold(ext, ".jpg") || strings.EqualFold(ext, ".jpeg") {
		return name
	}
	return strings.TrimSuffix(name, ext) + ".jpg"
}
