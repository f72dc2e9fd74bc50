// Package imgload turns wallpaper files into pixel buffers: directory
// discovery, decoding, the optional brightness/contrast adjustment,
// high quality resizing and conversion into the wire pixel format.
package imgload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wsbg/wsbg/internal/logging"
)

// DefaultWorkspace is the reserved file stem matched when no wallpaper
// file matches the activated workspace by name or number.
const DefaultWorkspace = "_default"

// ErrBufferTooSmall is returned when the destination buffer cannot
// hold stride*height bytes.
var ErrBufferTooSmall = errors.New("imgload: buffer smaller than wallpaper size")

// Format is the destination pixel layout.
type Format int

const (
	// FormatXrgb8888 is 4 bytes per pixel, bytes B G R X. Every
	// compositor supports it.
	FormatXrgb8888 Format = iota

	// FormatBgr888 is 3 tightly packed bytes per pixel, bytes R G B in
	// memory order. Saves a quarter of the buffer memory.
	FormatBgr888
)

// BytesPerPixel returns the pixel size in bytes.
func (f Format) BytesPerPixel() int {
	if f == FormatBgr888 {
		return 3
	}
	return 4
}

// Stride returns the row length in bytes for the given width. Bgr888
// rows are aligned to 12 bytes (one 4 byte word boundary with 3 byte
// pixels); some compositors render garbage with unaligned strides.
func (f Format) Stride(width int) int {
	if f == FormatBgr888 {
		row := width * 3
		if rem := row % 12; rem != 0 {
			row += 12 - rem
		}
		return row
	}
	return width * 4
}

func (f Format) String() string {
	if f == FormatBgr888 {
		return "bgr888"
	}
	return "xrgb8888"
}

// WallpaperFile is one entry of an output's wallpaper directory. The
// canonical path and modification time identify the content for
// deduplication across symlinked files.
type WallpaperFile struct {
	Path            string
	Workspace       string
	CanonPath       string
	CanonModifiedNS int64
}

// OutputWallpaperFiles lists the wallpaper files of one output
// directory. Nested directories are skipped with a warning; entries
// whose path or metadata cannot be resolved are skipped with an error
// log. The workspace is the file name without extension.
func OutputWallpaperFiles(outputDir string) ([]WallpaperFile, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("imgload: %w", err)
	}
	log := logging.Logger()
	var files []WallpaperFile
	for _, entry := range entries {
		path := filepath.Join(outputDir, entry.Name())
		if entry.IsDir() {
			log.Warn("skipping nested directory", "path", path)
			continue
		}
		workspace := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		canonPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			log.Error("failed to resolve wallpaper path", "path", path, "error", err)
			continue
		}
		info, err := os.Stat(canonPath)
		if err != nil {
			log.Error("failed to stat wallpaper file", "path", canonPath, "error", err)
			continue
		}
		if info.IsDir() {
			log.Warn("skipping directory symlink", "path", path)
			continue
		}
		files = append(files, WallpaperFile{
			Path:            path,
			Workspace:       workspace,
			CanonPath:       canonPath,
			CanonModifiedNS: info.ModTime().UnixNano(),
		})
	}
	return files, nil
}
