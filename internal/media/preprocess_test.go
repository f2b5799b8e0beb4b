package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
)

// makePNG renders a noisy test image so re-encoding has real work to do.
func makePNG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 7) % 256),
				G: uint8((y * 13) % 256),
				B: uint8((x*y + 31) % 256),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

func TestPrepare_DownscalesOversizedImage(t *testing.T) {
	p := NewPreprocessor(100, 80)
	data := makePNG(t, 400, 200)

	name, out := p.Prepare("photo.png", data)

	if len(out) >= len(data) {
		t.Errorf("prepared size = %d, want smaller than original %d", len(out), len(data))
	}
	if name != "photo.jpg" {
		t.Errorf("name = %s, want photo.jpg", name)
	}

	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decoding prepared image: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > 100 || bounds.Dy() > 100 {
		t.Errorf("prepared dimensions = %dx%d, want longer edge <= 100", bounds.Dx(), bounds.Dy())
	}

	// Aspect ratio preserved: 400x200 -> 100x50
	if bounds.Dx() != 100 || bounds.Dy() != 50 {
		t.Errorf("prepared dimensions = %dx%d, want 100x50", bounds.Dx(), bounds.Dy())
	}
}

func TestPrepare_PassesThroughNonImage(t *testing.T) {
	p := NewPreprocessor(1920, 80)
	data := []byte("%PDF-1.4 not an image at all")

	name, out := p.Prepare("notes.pdf", data)

	if name != "notes.pdf" {
		t.Errorf("name = %s, want notes.pdf", name)
	}
	if !bytes.Equal(out, data) {
		t.Error("non-image payload was modified")
	}
}

func TestPrepare_PassesThroughEmptyPayload(t *testing.T) {
	p := NewPreprocessor(1920, 80)

	name, out := p.Prepare("empty.bin", nil)

	if name != "empty.bin" {
		t.Errorf("name = %s, want empty.bin", name)
	}
	if len(out) != 0 {
		t.Errorf("output length = %d, want 0", len(out))
	}
}

func TestPrepare_KeepsOriginalWhenNotSmaller(t *testing.T) {
	p := NewPreprocessor(1920, 100)

	// A tiny flat image re-encoded at quality 100 will not shrink
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	data := buf.Bytes()

	name, out := p.Prepare("dot.png", data)

	if !bytes.Equal(out, data) {
		t.Error("original should be kept when re-encoding is not smaller")
	}
	if name != "dot.png" {
		t.Errorf("name = %s, want dot.png (unchanged when original kept)", name)
	}
}

func TestPrepare_CorruptImageFallsBack(t *testing.T) {
	p := NewPreprocessor(1920, 80)

	// Valid PNG magic bytes followed by garbage: detected as image, fails decode
	data := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0xde, 0xad}, 64)...)

	name, out := p.Prepare("broken.png", data)

	if name != "broken.png" {
		t.Errorf("name = %s, want broken.png", name)
	}
	if !bytes.Equal(out, data) {
		t.Error("corrupt payload should pass through unchanged")
	}
}

func TestJpegName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.png", "photo.jpg"},
		{"photo.jpg", "photo.jpg"},
		{"photo.JPEG", "photo.JPEG"},
		{"archive.tar.gz", "archive.tar.jpg"},
		{"noext", "noext.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := jpegName(tt.in); got != tt.want {
				t.Errorf("jpegName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
