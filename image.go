package imcurate

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// decodeFile decodes the image at path.
func decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	img, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, format, nil
}

// decodeConfigFile reads only the image header.
func decodeConfigFile(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("decode header %s: %w", filepath.Base(path), err)
	}
	return cfg, format, nil
}

// channelCount maps a decoder color model to a channel count. Go decodes
// opaque truecolor PNGs into RGBA, so RGBA counts as three channels while
// NRGBA (PNG with alpha) counts as four.
func channelCount(m color.Model) int64 {
	switch m {
	case color.GrayModel, color.Gray16Model, color.AlphaModel, color.Alpha16Model:
		return 1
	case color.YCbCrModel, color.RGBAModel, color.RGBA64Model:
		return 3
	case color.NRGBAModel, color.NRGBA64Model, color.CMYKModel, color.NYCbCrAModel:
		return 4
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return 4
			}
		}
		return 3
	}
	return 3
}

// encodeFor encodes img in the format implied by path.
func encodeFor(path string, img image.Image) ([]byte, error) {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return nil, fmt.Errorf("no encoder for %q: %w", filepath.Ext(path), err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(95)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
