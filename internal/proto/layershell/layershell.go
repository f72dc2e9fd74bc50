// Package layershell is a client binding for the zwlr_layer_shell_v1
// protocol, which places surfaces into compositor-defined layers. The
// daemon only ever uses the background layer.
package layershell

import (
	wl "github.com/neurlang/wayland/wl"
)

// InterfaceName is the global advertised by the registry.
const InterfaceName = "zwlr_layer_shell_v1"

// Layers, bottom to top.
const (
	LayerBackground uint32 = 0
	LayerBottom     uint32 = 1
	LayerTop        uint32 = 2
	LayerOverlay    uint32 = 3
)

// Anchor bits for LayerSurface.SetAnchor.
const (
	AnchorTop    uint32 = 1
	AnchorBottom uint32 = 2
	AnchorLeft   uint32 = 4
	AnchorRight  uint32 = 8

	// AnchorAll stretches the surface across the whole output.
	AnchorAll = AnchorTop | AnchorBottom | AnchorLeft | AnchorRight
)

// Keyboard interactivity modes.
const (
	KeyboardInteractivityNone      uint32 = 0
	KeyboardInteractivityExclusive uint32 = 1
)

const (
	opShellGetLayerSurface = 0
	opShellDestroy         = 1
)

const (
	opSurfaceSetSize                   = 0
	opSurfaceSetAnchor                 = 1
	opSurfaceSetExclusiveZone          = 2
	opSurfaceSetMargin                 = 3
	opSurfaceSetKeyboardInteractivity  = 4
	opSurfaceGetPopup                  = 5
	opSurfaceAckConfigure              = 6
	opSurfaceDestroy                   = 7
	opSurfaceSetLayer                  = 8
)

// LayerShell is the zwlr_layer_shell_v1 global.
type LayerShell struct {
	wl.BaseProxy
}

// BindLayerShell binds the global from a registry global event.
func BindLayerShell(registry *wl.Registry, name uint32, version uint32) *LayerShell {
	shell := new(LayerShell)
	registry.Context().Register(shell)
	registry.Bind(name, InterfaceName, version, shell)
	return shell
}

// GetLayerSurface assigns the layer role to a surface on the given
// output. The namespace identifies the surface purpose to the
// compositor.
func (s *LayerShell) GetLayerSurface(surface *wl.Surface, output *wl.Output, layer uint32, namespace string) (*LayerSurface, error) {
	ls := new(LayerSurface)
	s.Context().Register(ls)
	err := s.Context().SendRequest(s, opShellGetLayerSurface, ls, surface, output, layer, namespace)
	if err != nil {
		s.Context().Unregister(ls.Id())
		return nil, err
	}
	return ls, nil
}

// Destroy destroys the shell binding; existing layer surfaces live on.
func (s *LayerShell) Destroy() error {
	err := s.Context().SendRequest(s, opShellDestroy)
	s.Context().Unregister(s.Id())
	return err
}

// LayerSurfaceConfigureEvent asks the client to resize to the given
// size and acknowledge with the serial.
type LayerSurfaceConfigureEvent struct {
	Serial uint32
	Width  uint32
	Height uint32
}

// LayerSurfaceClosedEvent means the compositor dropped the surface,
// for example because its output disappeared.
type LayerSurfaceClosedEvent struct{}

// LayerSurfaceListener receives layer surface events.
type LayerSurfaceListener interface {
	HandleLayerSurfaceConfigure(LayerSurfaceConfigureEvent)
	HandleLayerSurfaceClosed(LayerSurfaceClosedEvent)
}

// LayerSurface is a wl_surface with the layer role.
type LayerSurface struct {
	wl.BaseProxy
	listener LayerSurfaceListener
}

// LayerSurfaceAddListener sets the event listener. Only one listener
// is supported; the last call wins.
func LayerSurfaceAddListener(ls *LayerSurface, listener LayerSurfaceListener) {
	ls.listener = listener
}

// Dispatch implements wl event dispatch for the layer surface.
func (ls *LayerSurface) Dispatch(event *wl.Event) {
	if ls.listener == nil {
		return
	}
	switch event.Opcode {
	case 0:
		ev := LayerSurfaceConfigureEvent{}
		ev.Serial = event.Uint32()
		ev.Width = event.Uint32()
		ev.Height = event.Uint32()
		ls.listener.HandleLayerSurfaceConfigure(ev)
	case 1:
		ls.listener.HandleLayerSurfaceClosed(LayerSurfaceClosedEvent{})
	}
}

// SetSize requests a fixed surface size; zero means "let the anchors
// decide".
func (ls *LayerSurface) SetSize(width, height uint32) error {
	return ls.Context().SendRequest(ls, opSurfaceSetSize, width, height)
}

// SetAnchor anchors the surface to the given output edges.
func (ls *LayerSurface) SetAnchor(anchor uint32) error {
	return ls.Context().SendRequest(ls, opSurfaceSetAnchor, anchor)
}

// SetExclusiveZone with -1 makes the surface ignore other surfaces'
// exclusive zones, which is what a background wants.
func (ls *LayerSurface) SetExclusiveZone(zone int32) error {
	return ls.Context().SendRequest(ls, opSurfaceSetExclusiveZone, zone)
}

// SetKeyboardInteractivity sets how the surface takes keyboard focus.
func (ls *LayerSurface) SetKeyboardInteractivity(mode uint32) error {
	return ls.Context().SendRequest(ls, opSurfaceSetKeyboardInteractivity, mode)
}

// AckConfigure acknowledges a configure event.
func (ls *LayerSurface) AckConfigure(serial uint32) error {
	return ls.Context().SendRequest(ls, opSurfaceAckConfigure, serial)
}

// Destroy destroys the layer surface.
func (ls *LayerSurface) Destroy() error {
	err := ls.Context().SendRequest(ls, opSurfaceDestroy)
	ls.Context().Unregister(ls.Id())
	return err
}
