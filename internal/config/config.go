// Package config holds the daemon configuration: command line flags,
// an optional YAML file supplying the same knobs, and compositor
// autodetection from the session environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wsbg/wsbg/internal/compositor"
)

// Errors returned by configuration loading and validation.
var (
	ErrBadPixelFormat = errors.New("config: pixelformat must be auto or baseline")
	ErrBadContrast    = errors.New("config: contrast must be between -100 and 100")
	ErrBadBrightness  = errors.New("config: brightness must be between -100 and 100")
)

// PixelFormat selects the wl_shm buffer format policy.
type PixelFormat string

const (
	// PixelFormatAuto picks the most memory-efficient format the
	// compositor advertises (Bgr888 when available, Xrgb8888 otherwise).
	PixelFormatAuto PixelFormat = "auto"

	// PixelFormatBaseline forces Xrgb8888, which every compositor must
	// support.
	PixelFormatBaseline PixelFormat = "baseline"
)

// Config is the complete runtime configuration.
type Config struct {
	// WallpaperDir is the root directory holding one subdirectory per
	// output, canonicalized at startup.
	WallpaperDir string

	// Contrast adjustment in [-100, 100]; 0 leaves pixels untouched.
	Contrast float64

	// Brightness adjustment in [-100, 100]; 0 leaves pixels untouched.
	Brightness int

	// PixelFormat is the wl_shm format policy.
	PixelFormat PixelFormat

	// Compositor forces a backend; empty means autodetect.
	Compositor compositor.Name

	// GPU enables wallpaper storage in GPU memory via linux-dmabuf.
	GPU bool

	// Verbose enables debug logging.
	Verbose bool
}

// Default returns the configuration used when neither flags nor a
// config file say otherwise.
func Default() Config {
	return Config{PixelFormat: PixelFormatAuto}
}

// Validate checks value ranges and canonicalizes the wallpaper
// directory, resolving symlinks so cache identity stays stable.
func (c *Config) Validate() error {
	switch c.PixelFormat {
	case PixelFormatAuto, PixelFormatBaseline:
	default:
		return fmt.Errorf("%w: got %q", ErrBadPixelFormat, c.PixelFormat)
	}
	if c.Contrast < -100 || c.Contrast > 100 {
		return fmt.Errorf("%w: got %v", ErrBadContrast, c.Contrast)
	}
	if c.Brightness < -100 || c.Brightness > 100 {
		return fmt.Errorf("%w: got %d", ErrBadBrightness, c.Brightness)
	}
	if c.WallpaperDir != "" {
		dir, err := filepath.EvalSymlinks(c.WallpaperDir)
		if err != nil {
			return fmt.Errorf("config: wallpaper directory: %w", err)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("config: wallpaper directory: %w", err)
		}
		c.WallpaperDir = abs
	}
	return nil
}

// File mirrors Config for the YAML config file. All fields are
// pointers so that an absent key can be told apart from a zero value.
type File struct {
	WallpaperDir *string  `yaml:"wallpaper_dir"`
	Contrast     *float64 `yaml:"contrast"`
	Brightness   *int     `yaml:"brightness"`
	PixelFormat  *string  `yaml:"pixelformat"`
	Compositor   *string  `yaml:"compositor"`
	GPU          *bool    `yaml:"gpu"`
	Verbose      *bool    `yaml:"verbose"`
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// Apply overlays file values onto c for every knob the command line
// left untouched. flagChanged reports whether the named flag was set
// explicitly; flags always win over the file.
func (f *File) Apply(c *Config, flagChanged func(name string) bool) {
	if f.WallpaperDir != nil && c.WallpaperDir == "" {
		c.WallpaperDir = *f.WallpaperDir
	}
	if f.Contrast != nil && !flagChanged("contrast") {
		c.Contrast = *f.Contrast
	}
	if f.Brightness != nil && !flagChanged("brightness") {
		c.Brightness = *f.Brightness
	}
	if f.PixelFormat != nil && !flagChanged("pixelformat") {
		c.PixelFormat = PixelFormat(*f.PixelFormat)
	}
	if f.Compositor != nil && !flagChanged("compositor") {
		c.Compositor = compositor.Name(*f.Compositor)
	}
	if f.GPU != nil && !flagChanged("gpu") {
		c.GPU = *f.GPU
	}
	if f.Verbose != nil && !flagChanged("verbose") {
		c.Verbose = *f.Verbose
	}
}
