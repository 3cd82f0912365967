package imcurate

import (
	"bytes"
	"image"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/disintegration/imaging"
)

// Filter transforms decoded image data before it is written. Randomized
// filters draw from rng, which is owned by the calling worker.
type Filter interface {
	Name() string
	Apply(img image.Image, rng *rand.Rand) (image.Image, error)
}

// pick returns a uniform value in [r[0], r[1]].
func pick(rng *rand.Rand, r [2]int) int {
	if r[1] <= r[0] {
		return r[0]
	}
	return r[0] + rng.IntN(r[1]-r[0]+1)
}

func pickName(rng *rand.Rand, names []string) string {
	return names[rng.IntN(len(names))]
}

func validRange(name string, r [2]int, lo, hi int) error {
	if r[0] < lo || r[1] > hi || r[0] > r[1] {
		return configErr("%s range [%d, %d] outside [%d, %d]", name, r[0], r[1], lo, hi)
	}
	return nil
}

// validAlgorithms checks that names is non-empty and every entry is known.
func validAlgorithms(filter string, names, known []string) error {
	if len(names) == 0 {
		return configErr("%s needs at least one algorithm", filter)
	}
	for _, n := range names {
		if !slices.Contains(known, n) {
			return configErr("unknown %s algorithm %q (want one of %v)", filter, n, known)
		}
	}
	return nil
}

// Resize modes.
const (
	ResizeValue         = "value"          // multiply both sides by Scale
	ResizeMaxResolution = "max_resolution" // shrink until the largest side is at most Size
	ResizeMinResolution = "min_resolution" // shrink until the smallest side is at most Size
)

// ResizeDownUp first rescales by a random factor from DownUpRange and then
// to the target size, each step with its own random resampler.
const ResizeDownUp = "down_up"

var resampleFilters = map[string]imaging.ResampleFilter{
	"nearest":  imaging.NearestNeighbor,
	"bilinear": imaging.Linear,
	"bicubic":  imaging.CatmullRom,
	"box":      imaging.Box,
	"lanczos":  imaging.Lanczos,
}

// resampleNames is resampleFilters' key set in a stable order.
var resampleNames = []string{"nearest", "bilinear", "bicubic", "box", "lanczos"}

// ResizeFilter scales the image with a randomly chosen resampler.
type ResizeFilter struct {
	Mode        string     `json:"mode"`
	Scale       float64    `json:"scale"`
	Size        int        `json:"size"`
	Algorithms  []string   `json:"algorithms"`
	DownUpRange [2]float64 `json:"down_up_range"`
}

func (f ResizeFilter) validate() error {
	switch f.Mode {
	case ResizeValue:
		if f.Scale <= 0 {
			return configErr("resize scale must be positive")
		}
	case ResizeMaxResolution, ResizeMinResolution:
		if f.Size <= 0 {
			return configErr("resize size must be positive for mode %s", f.Mode)
		}
	default:
		return configErr("unknown resize mode %q", f.Mode)
	}
	if err := validAlgorithms("resize", f.Algorithms, append(slices.Clone(resampleNames), ResizeDownUp)); err != nil {
		return err
	}
	if slices.Contains(f.Algorithms, ResizeDownUp) {
		if r := f.DownUpRange; r[0] <= 0 || r[0] > r[1] {
			return configErr("resize down_up_range [%g, %g] must be positive and ordered", r[0], r[1])
		}
	}
	return nil
}

func (ResizeFilter) Name() string { return "resize" }

// target returns the output size for a w×h source.
func (f ResizeFilter) target(w, h int) (int, int) {
	scale := 1.0
	switch f.Mode {
	case ResizeValue:
		scale = f.Scale
	case ResizeMaxResolution:
		if m := max(w, h); m > f.Size {
			scale = float64(f.Size) / float64(m)
		}
	case ResizeMinResolution:
		if m := min(w, h); m > f.Size {
			scale = float64(f.Size) / float64(m)
		}
	}
	return max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1)
}

func (f ResizeFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	b := img.Bounds()
	w, h := f.target(b.Dx(), b.Dy())
	algo := pickName(rng, f.Algorithms)
	if algo != ResizeDownUp {
		if w == b.Dx() && h == b.Dy() {
			return img, nil
		}
		return imaging.Resize(img, w, h, resampleFilters[algo]), nil
	}

	// The intermediate steps only use plain resamplers.
	plain := slices.DeleteFunc(slices.Clone(f.Algorithms), func(s string) bool { return s == ResizeDownUp })
	if len(plain) == 0 {
		plain = resampleNames
	}
	factor := f.DownUpRange[0] + rng.Float64()*(f.DownUpRange[1]-f.DownUpRange[0])
	mw, mh := max(int(float64(b.Dx())*factor), 1), max(int(float64(b.Dy())*factor), 1)
	mid := imaging.Resize(img, mw, mh, resampleFilters[pickName(rng, plain)])
	return imaging.Resize(mid, w, h, resampleFilters[pickName(rng, plain)]), nil
}

// CropFilter trims the image. Scale rounds both sides down to a multiple of
// Scale; Width and Height, when set, cut a window of that size at a random offset.
type CropFilter struct {
	Scale  int `json:"scale"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f CropFilter) validate() error {
	if f.Scale < 0 || f.Width < 0 || f.Height < 0 {
		return configErr("crop sizes must be non-negative")
	}
	if f.Scale == 0 && f.Width == 0 && f.Height == 0 {
		return configErr("crop needs scale or width/height")
	}
	return nil
}

func (CropFilter) Name() string { return "crop" }

func (f CropFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if f.Width > 0 {
		w = min(w, f.Width)
	}
	if f.Height > 0 {
		h = min(h, f.Height)
	}
	if f.Scale > 1 {
		w, h = w/f.Scale*f.Scale, h/f.Scale*f.Scale
	}
	if w == 0 || h == 0 {
		return nil, errImageTooSmall
	}
	x0 := b.Min.X + rng.IntN(b.Dx()-w+1)
	y0 := b.Min.Y + rng.IntN(b.Dy()-h+1)
	return imaging.Crop(img, image.Rect(x0, y0, x0+w, y0+h)), nil
}

// FlipFilter mirrors the image horizontally with XChance and vertically with YChance.
type FlipFilter struct {
	XChance float64 `json:"x_chance"`
	YChance float64 `json:"y_chance"`
}

func (f FlipFilter) validate() error {
	if f.XChance < 0 || f.XChance > 1 || f.YChance < 0 || f.YChance > 1 {
		return configErr("flip chances must be within [0, 1]")
	}
	return nil
}

func (FlipFilter) Name() string { return "flip" }

func (f FlipFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	fx := rng.Float64() < f.XChance
	fy := rng.Float64() < f.YChance
	if fx {
		img = imaging.FlipH(img)
	}
	if fy {
		img = imaging.FlipV(img)
	}
	return img, nil
}

// RotateFilter turns the image clockwise by one of Directions (multiples of
// 90 degrees) with probability Chance.
type RotateFilter struct {
	Chance     float64 `json:"chance"`
	Directions []int   `json:"directions"`
}

func (f RotateFilter) validate() error {
	if f.Chance < 0 || f.Chance > 1 {
		return configErr("rotate chance must be within [0, 1]")
	}
	if len(f.Directions) == 0 {
		return configErr("rotate needs at least one direction")
	}
	for _, d := range f.Directions {
		if d != 90 && d != 180 && d != 270 {
			return configErr("rotate direction %d is not 90, 180 or 270", d)
		}
	}
	return nil
}

func (RotateFilter) Name() string { return "rotate" }

func (f RotateFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	if rng.Float64() >= f.Chance {
		return img, nil
	}
	// imaging rotates counter-clockwise.
	switch f.Directions[rng.IntN(len(f.Directions))] {
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	default:
		return imaging.Rotate90(img), nil
	}
}

// Blur algorithms.
const (
	BlurAverage     = "average"
	BlurGaussian    = "gaussian"
	BlurIsotropic   = "isotropic"
	BlurAnisotropic = "anisotropic"
)

var blurAlgorithms = []string{BlurAverage, BlurGaussian, BlurIsotropic, BlurAnisotropic}

// BlurFilter blurs with a strength drawn from Range and multiplied by Scale.
// Average uses it as a box kernel size, gaussian as a kernel size whose sigma
// follows from it, and isotropic/anisotropic directly as the sigma.
type BlurFilter struct {
	Algorithms []string `json:"algorithms"`
	Range      [2]int   `json:"blur_range"`
	Scale      float64  `json:"scale"`
}

func (f BlurFilter) validate() error {
	if err := validAlgorithms("blur", f.Algorithms, blurAlgorithms); err != nil {
		return err
	}
	if f.Scale <= 0 {
		return configErr("blur scale must be positive")
	}
	return validRange("blur", f.Range, 0, 256)
}

func (BlurFilter) Name() string { return "blur" }

func (f BlurFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	ri := pick(rng, f.Range)
	switch pickName(rng, f.Algorithms) {
	case BlurAverage:
		k := oddKernel(int(float64(ri) * f.Scale))
		if k <= 1 {
			return img, nil
		}
		src := imaging.Clone(img)
		return boxPass(boxPass(src, k/2, false), k/2, true), nil
	case BlurGaussian:
		k := oddKernel(int(float64(ri|1) * f.Scale))
		if k <= 1 {
			return img, nil
		}
		return imaging.Blur(img, kernelSigma(k)), nil
	default:
		// imaging has a single sigma for both axes, so anisotropic draws
		// the same value as isotropic.
		sigma := float64(ri) * f.Scale
		if sigma <= 0 {
			return img, nil
		}
		return imaging.Blur(img, sigma), nil
	}
}

func oddKernel(k int) int {
	if k%2 == 0 {
		k++
	}
	return k
}

// kernelSigma is the sigma OpenCV derives for a gaussian kernel of size k.
func kernelSigma(k int) float64 {
	return 0.3*((float64(k)-1)*0.5-1) + 0.8
}

// boxPass averages each channel over a 2r+1 window along one axis.
func boxPass(src *image.NRGBA, r int, vertical bool) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	n, lines := src.Rect.Dx(), src.Rect.Dy()
	step, lineStep := 4, src.Stride
	if vertical {
		n, lines = lines, n
		step, lineStep = lineStep, step
	}
	for line := range lines {
		base := line * lineStep
		for i := range n {
			lo, hi := max(i-r, 0), min(i+r, n-1)
			for c := range 4 {
				sum := 0
				for k := lo; k <= hi; k++ {
					sum += int(src.Pix[base+k*step+c])
				}
				dst.Pix[base+i*step+c] = uint8(sum / (hi - lo + 1))
			}
		}
	}
	return dst
}

// Noise algorithms.
const (
	NoiseUniform  = "uniform"
	NoiseGaussian = "gaussian"
	NoiseColor    = "color"
	NoiseGray     = "gray"
)

var noiseAlgorithms = []string{NoiseUniform, NoiseGaussian, NoiseColor, NoiseGray}

// NoiseFilter adds per-pixel noise with an intensity drawn from Range.
// Uniform offsets by up to intensity×Scale, gaussian uses a sigma of
// sqrt(intensity×Scale), color draws a separate sigma per channel and gray
// applies one normal offset to all channels of a pixel.
type NoiseFilter struct {
	Algorithms []string `json:"algorithms"`
	Range      [2]int   `json:"intensity_range"`
	Scale      float64  `json:"scale"`
}

func (f NoiseFilter) validate() error {
	if err := validAlgorithms("noise", f.Algorithms, noiseAlgorithms); err != nil {
		return err
	}
	if f.Scale <= 0 {
		return configErr("noise scale must be positive")
	}
	return validRange("noise intensity", f.Range, 0, 255)
}

func (NoiseFilter) Name() string { return "noise" }

func (f NoiseFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	var (
		gray   bool
		sample func(c int) float64
	)
	switch pickName(rng, f.Algorithms) {
	case NoiseUniform:
		amp := float64(pick(rng, f.Range)) * f.Scale
		sample = func(int) float64 { return (rng.Float64()*2 - 1) * amp }
	case NoiseGaussian:
		sigma := math.Sqrt(float64(pick(rng, f.Range)) * f.Scale)
		sample = func(int) float64 { return rng.NormFloat64() * sigma }
	case NoiseColor:
		sigmas := [3]float64{float64(pick(rng, f.Range)), float64(pick(rng, f.Range)), float64(pick(rng, f.Range))}
		sample = func(c int) float64 { return rng.NormFloat64() * sigmas[c] }
	default:
		sigma := float64(pick(rng, f.Range))
		gray = true
		sample = func(int) float64 { return rng.NormFloat64() * sigma }
	}

	// The worker rng is not safe for imaging.AdjustFunc's goroutines, so
	// the samples are drawn here in pixel order.
	dst := imaging.Clone(img)
	for i := 0; i < len(dst.Pix); i += 4 {
		d := 0.0
		for c := range 3 {
			if !gray || c == 0 {
				d = sample(c)
			}
			dst.Pix[i+c] = clamp8(int(math.Round(float64(dst.Pix[i+c]) + d)))
		}
	}
	return dst, nil
}

func clamp8(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

// CompressFilter re-encodes the image as JPEG with a quality drawn from
// Quality, introducing compression artifacts.
type CompressFilter struct {
	Quality [2]int `json:"quality"`
}

func (f CompressFilter) validate() error { return validRange("compress quality", f.Quality, 1, 100) }

func (CompressFilter) Name() string { return "compress" }

func (f CompressFilter) Apply(img image.Image, rng *rand.Rand) (image.Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(pick(rng, f.Quality))); err != nil {
		return nil, err
	}
	return imaging.Decode(&buf)
}
