package imcurate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

var colorOpaque = color.RGBA{R: 10, G: 200, B: 30, A: 255}

// fillRGBA returns an opaque w×h image in a single color.
func fillRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// makeJPEG returns a minimal valid JPEG of the given dimensions.
func makeJPEG(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fillRGBA(w, h, color.RGBA{R: 100, G: 149, B: 237, A: 255}), nil); err != nil {
		panic("makeJPEG: " + err.Error())
	}
	return buf.Bytes()
}

// makePNG encodes img as PNG.
func makePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic("makePNG: " + err.Error())
	}
	return buf.Bytes()
}

// writeFile creates dir/rel with data, making parent folders, and returns
// the resolved absolute path.
func writeFile(t *testing.T, dir, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}
