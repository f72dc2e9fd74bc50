// Command wsbg draws per-workspace wallpapers on sway, Hyprland and
// niri. Wallpapers live in one directory per output, one image file
// per workspace; the image matching the visible workspace is attached
// to a background layer surface whenever the workspace changes.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wsbg/wsbg/internal/compositor"
	"github.com/wsbg/wsbg/internal/config"
	"github.com/wsbg/wsbg/internal/eventloop"
	"github.com/wsbg/wsbg/internal/imgload"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/wayland"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string

	cmd := &cobra.Command{
		Use:   "wsbg [flags] <wallpaper_dir>",
		Short: "Per-workspace wallpaper daemon for sway, Hyprland and niri",
		Long: `wsbg sets a wallpaper per workspace per output.

The wallpaper directory holds one subdirectory per output (eDP-1,
HDMI-A-1, ...), each containing one image per workspace named after
the workspace ("1.jpg", "mail.png") plus an optional "_default" image
for workspaces without their own file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.WallpaperDir = args[0]
			if err := mergeConfigFile(&cfg, configPath, cmd.Flags().Changed); err != nil {
				return err
			}
			setupLogging(cfg.Verbose)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := run(cfg); err != nil {
				logging.Logger().Error("fatal", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Float64VarP(&cfg.Contrast, "contrast", "c", 0,
		"contrast adjustment between -100 and 100")
	flags.IntVarP(&cfg.Brightness, "brightness", "b", 0,
		"brightness adjustment between -100 and 100")
	flags.StringVar((*string)(&cfg.PixelFormat), "pixelformat", string(cfg.PixelFormat),
		"wl_shm pixel format policy: auto or baseline")
	flags.StringVar((*string)(&cfg.Compositor), "compositor", "",
		"compositor backend: sway, hyprland or niri (default autodetect)")
	flags.BoolVar(&cfg.GPU, "gpu", false,
		"store wallpapers in GPU memory via linux-dmabuf")
	flags.StringVar(&configPath, "config", "",
		"config file (default $XDG_CONFIG_HOME/wsbg/config.yaml)")
	flags.BoolVar(&cfg.Verbose, "verbose", false,
		"enable debug logging")
	return cmd
}

// mergeConfigFile overlays the YAML config onto cfg. An explicitly
// named file must exist; the default location may be absent.
func mergeConfigFile(cfg *config.Config, path string, flagChanged func(string) bool) error {
	explicit := path != ""
	if !explicit {
		confDir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(confDir, "wsbg", "config.yaml")
	}
	file, err := config.LoadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	// The wallpaper directory is a positional argument and always
	// set; the file never overrides it.
	file.Apply(cfg, flagChanged)
	return nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func run(cfg config.Config) error {
	name, err := config.DetectCompositor(cfg.Compositor, os.Getenv)
	if err != nil {
		return err
	}
	logging.Logger().Info("starting", "compositor", string(name),
		"wallpaper_dir", cfg.WallpaperDir, "gpu", cfg.GPU)

	state, err := wayland.Connect(wayland.Options{
		WallpaperDir: cfg.WallpaperDir,
		ColorTransform: imgload.ColorTransform{
			Brightness: cfg.Brightness,
			Contrast:   cfg.Contrast,
		},
		PixelFormat: cfg.PixelFormat,
		GPU:         cfg.GPU,
	})
	if err != nil {
		return err
	}
	defer state.Close()

	events := make(chan compositor.WorkspaceVisible, 64)
	task, err := compositor.NewConnectionTask(name, events, state.Wake)
	if err != nil {
		return err
	}
	if err := compositor.SpawnSubscribe(name, events, state.Wake); err != nil {
		return err
	}

	signals := eventloop.Notify(state.Wake)
	defer signals.Close()

	// The roundtrip inside Start delivers the initial output events
	// and creates the background layers.
	if err := state.Start(task); err != nil {
		return err
	}

	for {
		if err := state.Dispatch(); err != nil {
			return fmt.Errorf("wayland dispatch: %w", err)
		}
	drain:
		for {
			select {
			case w := <-events:
				state.WorkspaceVisible(w)
			default:
				break drain
			}
		}
		if eventloop.Terminated(signals.Take()) {
			return nil
		}
	}
}
