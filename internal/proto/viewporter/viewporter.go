// Package viewporter is a client binding for wp_viewporter, which
// scales and crops surface contents in the compositor. The daemon uses
// it to stretch a buffer-sized wallpaper to an output's logical size
// when the output runs a fractional scale.
package viewporter

import (
	wl "github.com/neurlang/wayland/wl"
)

// InterfaceName is the global advertised by the registry.
const InterfaceName = "wp_viewporter"

const (
	opViewporterDestroy     = 0
	opViewporterGetViewport = 1
)

const (
	opViewportDestroy        = 0
	opViewportSetSource      = 1
	opViewportSetDestination = 2
)

// Viewporter is the wp_viewporter global.
type Viewporter struct {
	wl.BaseProxy
}

// BindViewporter binds the global from a registry global event.
func BindViewporter(registry *wl.Registry, name uint32, version uint32) *Viewporter {
	vp := new(Viewporter)
	registry.Context().Register(vp)
	registry.Bind(name, InterfaceName, version, vp)
	return vp
}

// GetViewport extends a surface with crop and scale state.
func (v *Viewporter) GetViewport(surface *wl.Surface) (*Viewport, error) {
	view := new(Viewport)
	v.Context().Register(view)
	err := v.Context().SendRequest(v, opViewporterGetViewport, view, surface)
	if err != nil {
		v.Context().Unregister(view.Id())
		return nil, err
	}
	return view, nil
}

// Destroy destroys the global binding; existing viewports live on.
func (v *Viewporter) Destroy() error {
	err := v.Context().SendRequest(v, opViewporterDestroy)
	v.Context().Unregister(v.Id())
	return err
}

// Viewport is per-surface crop and scale state. It has no events.
type Viewport struct {
	wl.BaseProxy
}

// Dispatch implements wl event dispatch; wp_viewport has no events.
func (v *Viewport) Dispatch(event *wl.Event) {}

// SetDestination sets the surface size the buffer is scaled to, in
// surface-local coordinates. Takes effect on the next commit.
func (v *Viewport) SetDestination(width, height int32) error {
	return v.Context().SendRequest(v, opViewportSetDestination, width, height)
}

// Destroy removes the crop and scale state from the surface.
func (v *Viewport) Destroy() error {
	err := v.Context().SendRequest(v, opViewportDestroy)
	v.Context().Unregister(v.Id())
	return err
}
