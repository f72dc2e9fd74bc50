package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wsbg/wsbg/internal/compositor"
)

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults pass", func(c *Config) {}, nil},
		{"contrast low", func(c *Config) { c.Contrast = -101 }, ErrBadContrast},
		{"contrast high", func(c *Config) { c.Contrast = 100.5 }, ErrBadContrast},
		{"brightness low", func(c *Config) { c.Brightness = -101 }, ErrBadBrightness},
		{"brightness high", func(c *Config) { c.Brightness = 101 }, ErrBadBrightness},
		{"bad pixelformat", func(c *Config) { c.PixelFormat = "rgb565" }, ErrBadPixelFormat},
		{"baseline ok", func(c *Config) { c.PixelFormat = PixelFormatBaseline }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateResolvesWallpaperDir(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "wallpapers")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	c := Default()
	c.WallpaperDir = link
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatal(err)
	}
	if c.WallpaperDir != resolved {
		t.Errorf("WallpaperDir = %q, want %q", c.WallpaperDir, resolved)
	}
}

func TestFileApplyPrecedence(t *testing.T) {
	contrast := 25.0
	gpu := true
	comp := "niri"
	f := &File{Contrast: &contrast, GPU: &gpu, Compositor: &comp}

	t.Run("file fills unset flags", func(t *testing.T) {
		c := Default()
		f.Apply(&c, func(string) bool { return false })
		if c.Contrast != 25.0 || !c.GPU || c.Compositor != compositor.Niri {
			t.Errorf("file values not applied: %+v", c)
		}
	})

	t.Run("explicit flags win", func(t *testing.T) {
		c := Default()
		c.Contrast = -10
		f.Apply(&c, func(name string) bool { return name == "contrast" })
		if c.Contrast != -10 {
			t.Errorf("flag value overridden: contrast = %v", c.Contrast)
		}
		if !c.GPU {
			t.Error("untouched knob should still come from the file")
		}
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsbg.yaml")
	data := "contrast: 12.5\nbrightness: -20\npixelformat: baseline\ngpu: true\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	c := Default()
	f.Apply(&c, func(string) bool { return false })

	if c.Contrast != 12.5 || c.Brightness != -20 || c.PixelFormat != PixelFormatBaseline || !c.GPU {
		t.Errorf("unexpected config: %+v", c)
	}
}

func TestDetectCompositor(t *testing.T) {
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}
	tests := []struct {
		name     string
		explicit compositor.Name
		env      map[string]string
		want     compositor.Name
		wantErr  bool
	}{
		{
			name:     "explicit wins over everything",
			explicit: compositor.Hyprland,
			env:      map[string]string{"XDG_SESSION_DESKTOP": "sway"},
			want:     compositor.Hyprland,
		},
		{
			name: "session desktop prefix",
			env:  map[string]string{"XDG_SESSION_DESKTOP": "sway:wlroots"},
			want: compositor.Sway,
		},
		{
			name: "session desktop beats current desktop",
			env: map[string]string{
				"XDG_SESSION_DESKTOP": "niri",
				"XDG_CURRENT_DESKTOP": "Hyprland",
			},
			want: compositor.Niri,
		},
		{
			name: "unrecognized desktop falls through to sockets",
			env: map[string]string{
				"XDG_SESSION_DESKTOP": "gnome",
				"NIRI_SOCKET":         "/run/user/1000/niri.sock",
			},
			want: compositor.Niri,
		},
		{
			name: "current desktop used when session unset",
			env:  map[string]string{"XDG_CURRENT_DESKTOP": "Hyprland"},
			want: compositor.Hyprland,
		},
		{
			name: "swaysock beats later socket vars",
			env: map[string]string{
				"SWAYSOCK":                     "/run/sway.sock",
				"HYPRLAND_INSTANCE_SIGNATURE": "abc",
			},
			want: compositor.Sway,
		},
		{
			name:    "nothing detected",
			env:     map[string]string{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectCompositor(tt.explicit, env(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectCompositor error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DetectCompositor = %q, want %q", got, tt.want)
			}
		})
	}
}
