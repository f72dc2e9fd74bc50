package imgload

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestFormatStride(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		width  int
		want   int
	}{
		{"xrgb is packed", FormatXrgb8888, 1920, 1920 * 4},
		{"xrgb odd width", FormatXrgb8888, 1087, 1087 * 4},
		{"bgr aligned width", FormatBgr888, 1920, 1920 * 3},
		{"bgr pads to 12", FormatBgr888, 1366, 4104},
		{"bgr tiny", FormatBgr888, 1, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.Stride(tt.width); got != tt.want {
				t.Errorf("Stride(%d) = %d, want %d", tt.width, got, tt.want)
			}
			if got := tt.format.Stride(tt.width) % tt.format.BytesPerPixel(); tt.format == FormatXrgb8888 && got != 0 {
				t.Errorf("stride not a pixel multiple")
			}
		})
	}
}

func TestOutputWallpaperFiles(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "1.png"), color.NRGBA{R: 255, A: 255}, 2, 2)
	writePNG(t, filepath.Join(dir, "coding.jpg.png"), color.NRGBA{G: 255, A: 255}, 2, 2)
	writePNG(t, filepath.Join(dir, "_default.png"), color.NRGBA{B: 255, A: 255}, 2, 2)
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := OutputWallpaperFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3 (nested dir must be skipped): %+v", len(files), files)
	}

	byWorkspace := map[string]WallpaperFile{}
	for _, f := range files {
		byWorkspace[f.Workspace] = f
	}
	for _, want := range []string{"1", "coding.jpg", DefaultWorkspace} {
		if _, ok := byWorkspace[want]; !ok {
			t.Errorf("missing workspace %q in %v", want, files)
		}
	}
	f := byWorkspace["1"]
	if f.CanonPath == "" || f.CanonModifiedNS == 0 {
		t.Errorf("identity fields not populated: %+v", f)
	}
}

func TestOutputWallpaperFilesResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "shared.png")
	writePNG(t, target, color.NRGBA{R: 1, A: 255}, 2, 2)

	outDir := filepath.Join(dir, "DP-1")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(outDir, "3.png")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	files, err := OutputWallpaperFiles(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatal(err)
	}
	if files[0].CanonPath != resolved {
		t.Errorf("CanonPath = %q, want %q", files[0].CanonPath, resolved)
	}
	if files[0].Workspace != "3" {
		t.Errorf("Workspace = %q, want %q", files[0].Workspace, "3")
	}
}

func TestLoadWallpaperXRGB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.png")
	writePNG(t, path, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, 2, 2)

	stride := FormatXrgb8888.Stride(2)
	dst := make([]byte, stride*2)
	if err := LoadWallpaper(path, dst, 2, 2, stride, FormatXrgb8888, ColorTransform{}); err != nil {
		t.Fatal(err)
	}
	// Little-endian XRGB8888: B, G, R, X.
	want := []byte{30, 20, 10, 0xFF}
	for i := 0; i < len(dst); i += 4 {
		for j := 0; j < 4; j++ {
			if dst[i+j] != want[j] {
				t.Fatalf("pixel at %d = %v, want %v", i, dst[i:i+4], want)
			}
		}
	}
}

func TestLoadWallpaperBGRStridePadding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.png")
	writePNG(t, path, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, 2, 2)

	stride := FormatBgr888.Stride(2) // 12 bytes for 6 bytes of pixels
	dst := make([]byte, stride*2)
	for i := range dst {
		dst[i] = 0xAB // padding sentinel
	}
	if err := LoadWallpaper(path, dst, 2, 2, stride, FormatBgr888, ColorTransform{}); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 2; y++ {
		row := dst[y*stride:]
		for x := 0; x < 2; x++ {
			got := row[x*3 : x*3+3]
			if got[0] != 10 || got[1] != 20 || got[2] != 30 {
				t.Errorf("row %d pixel %d = %v, want [10 20 30]", y, x, got)
			}
		}
		for i := 6; i < stride; i++ {
			if row[i] != 0xAB {
				t.Errorf("row %d padding byte %d overwritten", y, i)
			}
		}
	}
}

func TestLoadWallpaperResizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.png")
	writePNG(t, path, color.NRGBA{R: 100, G: 100, B: 100, A: 255}, 4, 4)

	stride := FormatXrgb8888.Stride(8)
	dst := make([]byte, stride*8)
	if err := LoadWallpaper(path, dst, 8, 8, stride, FormatXrgb8888, ColorTransform{}); err != nil {
		t.Fatal(err)
	}
	// A solid image stays solid under resampling.
	for i := 0; i < len(dst); i += 4 {
		if dst[i] != 100 || dst[i+1] != 100 || dst[i+2] != 100 {
			t.Fatalf("pixel at %d = %v, want solid 100", i, dst[i:i+4])
		}
	}
}

func TestLoadWallpaperBufferTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.png")
	writePNG(t, path, color.NRGBA{A: 255}, 2, 2)

	err := LoadWallpaper(path, make([]byte, 7), 2, 2, 8, FormatXrgb8888, ColorTransform{})
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("err = %v, want ErrBufferTooSmall", err)
	}
}

func TestColorTransform(t *testing.T) {
	t.Run("zero value is identity", func(t *testing.T) {
		if !(ColorTransform{}).IsNone() {
			t.Error("zero transform should be none")
		}
		table := ColorTransform{}.lut()
		for i := range table {
			if table[i] != uint8(i) {
				t.Fatalf("identity lut[%d] = %d", i, table[i])
			}
		}
	})

	t.Run("brightness shifts and clamps", func(t *testing.T) {
		table := ColorTransform{Brightness: 50}.lut()
		if table[0] != 50 {
			t.Errorf("lut[0] = %d, want 50", table[0])
		}
		if table[250] != 255 {
			t.Errorf("lut[250] = %d, want clamp to 255", table[250])
		}
	})

	t.Run("positive contrast spreads around midpoint", func(t *testing.T) {
		table := ColorTransform{Contrast: 50}.lut()
		if table[200] <= 200 {
			t.Errorf("bright values should brighten: lut[200] = %d", table[200])
		}
		if table[50] >= 50 {
			t.Errorf("dark values should darken: lut[50] = %d", table[50])
		}
	})
}

func writePNG(t *testing.T, path string, c color.NRGBA, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}
