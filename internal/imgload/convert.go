package imgload

import (
	"fmt"
	"image"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/wsbg/wsbg/internal/logging"
)

// ColorTransform is the legacy brightness/contrast adjustment. The
// zero value leaves pixels untouched.
type ColorTransform struct {
	// Brightness is added to every channel, clamped to [0, 255].
	Brightness int

	// Contrast in percent; the curve steepens around the midpoint.
	Contrast float64
}

// IsNone reports whether the transform is the identity.
func (t ColorTransform) IsNone() bool {
	return t.Brightness == 0 && t.Contrast == 0
}

// lut builds the per-channel lookup table applying contrast first,
// then brightness.
func (t ColorTransform) lut() *[256]uint8 {
	var table [256]uint8
	percent := (100.0 + t.Contrast) / 100.0
	percent *= percent
	for i := range table {
		v := float64(i)
		if t.Contrast != 0 {
			v = ((v/255.0-0.5)*percent + 0.5) * 255.0
		}
		v += float64(t.Brightness)
		table[i] = uint8(math.Round(math.Min(255, math.Max(0, v))))
	}
	return &table
}

// LoadWallpaper decodes the image at path into dst, resized to
// width x height when necessary, written as the requested format with
// the given row stride. dst must hold at least stride*height bytes.
func LoadWallpaper(path string, dst []byte, width, height, stride int, format Format, transform ColorTransform) error {
	need := stride * height
	if len(dst) < need {
		return fmt.Errorf("%w: have %d, need %d", ErrBufferTooSmall, len(dst), need)
	}
	dst = dst[:need]

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("imgload: %w", err)
	}
	defer f.Close()

	img, fileFormat, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("imgload: decoding %s: %w", path, err)
	}
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return fmt.Errorf("imgload: %s has invalid dimensions %dx%d", path, srcW, srcH)
	}
	log := logging.Logger()
	log.Debug("decoded image",
		"path", path, "format", fileFormat, "width", srcW, "height", srcH)

	rgba := toRGBA(img)
	if !transform.IsNone() {
		applyLUT(rgba, transform.lut())
	}
	if srcW != width || srcH != height {
		log.Debug("resizing image",
			"from_width", srcW, "from_height", srcH,
			"to_width", width, "to_height", height)
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), rgba, rgba.Bounds(), draw.Src, nil)
		rgba = scaled
	}

	switch format {
	case FormatBgr888:
		writeBGR(rgba, dst, width, height, stride)
	default:
		writeXRGB(rgba, dst, width, height, stride)
	}
	return nil
}

// toRGBA returns img as *image.RGBA without copying when possible.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

func applyLUT(img *image.RGBA, table *[256]uint8) {
	pix := img.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i] = table[pix[i]]
		pix[i+1] = table[pix[i+1]]
		pix[i+2] = table[pix[i+2]]
	}
}

// writeXRGB writes little-endian XRGB8888 rows: bytes B, G, R, X.
// The alpha channel of the source is ignored.
func writeXRGB(img *image.RGBA, dst []byte, width, height, stride int) {
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride:]
		row := dst[y*stride:]
		for x := 0; x < width; x++ {
			s := src[x*4:]
			d := row[x*4:]
			d[0] = s[2]
			d[1] = s[1]
			d[2] = s[0]
			d[3] = 0xFF
		}
	}
}

// writeBGR writes tightly packed Bgr888 rows (memory order R, G, B),
// leaving stride padding untouched.
func writeBGR(img *image.RGBA, dst []byte, width, height, stride int) {
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride:]
		row := dst[y*stride:]
		for x := 0; x < width; x++ {
			s := src[x*4:]
			d := row[x*3:]
			d[0] = s[0]
			d[1] = s[1]
			d[2] = s[2]
		}
	}
}
