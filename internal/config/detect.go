package config

import (
	"errors"
	"strings"

	"github.com/wsbg/wsbg/internal/compositor"
	"github.com/wsbg/wsbg/internal/logging"
)

// ErrNoCompositor is returned when no supported compositor can be
// detected from the environment.
var ErrNoCompositor = errors.New("config: no supported compositor detected, pass --compositor")

// DetectCompositor resolves the compositor backend to use. An explicit
// choice wins; otherwise the session environment is inspected in order:
// XDG_SESSION_DESKTOP, XDG_CURRENT_DESKTOP, then the per-compositor IPC
// socket variables. getenv is injected for testability; pass os.Getenv.
func DetectCompositor(explicit compositor.Name, getenv func(string) string) (compositor.Name, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, key := range []string{"XDG_SESSION_DESKTOP", "XDG_CURRENT_DESKTOP"} {
		if name, ok := fromDesktopVar(key, getenv(key)); ok {
			return name, nil
		}
	}
	if name, ok := fromSocketVars(getenv); ok {
		return name, nil
	}
	return "", ErrNoCompositor
}

// fromDesktopVar matches the desktop identifiers the three compositors
// set. Values are prefix-matched: sessions report strings like
// "sway:wlroots" or "Hyprland".
func fromDesktopVar(key, value string) (compositor.Name, bool) {
	if value == "" {
		return "", false
	}
	log := logging.Logger()
	switch {
	case strings.HasPrefix(value, "sway"):
		log.Debug("compositor selected from environment", "var", key, "compositor", "sway")
		return compositor.Sway, true
	case strings.HasPrefix(value, "Hyprland"):
		log.Debug("compositor selected from environment", "var", key, "compositor", "hyprland")
		return compositor.Hyprland, true
	case strings.HasPrefix(value, "niri"):
		log.Debug("compositor selected from environment", "var", key, "compositor", "niri")
		return compositor.Niri, true
	default:
		log.Warn("unrecognized compositor in environment", "var", key, "value", value)
		return "", false
	}
}

func fromSocketVars(getenv func(string) string) (compositor.Name, bool) {
	switch {
	case getenv("SWAYSOCK") != "":
		return compositor.Sway, true
	case getenv("HYPRLAND_INSTANCE_SIGNATURE") != "":
		return compositor.Hyprland, true
	case getenv("NIRI_SOCKET") != "":
		return compositor.Niri, true
	default:
		return "", false
	}
}
