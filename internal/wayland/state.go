// Package wayland owns the display connection and everything hanging
// off it: output discovery, the background layer surfaces, the shared
// wallpaper store and the zero-copy buffer negotiation. All state in
// this package belongs to the goroutine running the dispatch loop;
// only Wake may be called from elsewhere.
package wayland

import (
	"errors"
	"fmt"

	"github.com/neurlang/wayland/wl"
	"github.com/neurlang/wayland/wlclient"

	"github.com/wsbg/wsbg/internal/compositor"
	"github.com/wsbg/wsbg/internal/config"
	"github.com/wsbg/wsbg/internal/gpu"
	"github.com/wsbg/wsbg/internal/imgload"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/proto/layershell"
	"github.com/wsbg/wsbg/internal/proto/linuxdmabuf"
	"github.com/wsbg/wsbg/internal/proto/viewporter"
)

// MaxFDsOut is the number of in-flight file descriptors sent to the
// compositor before the connection is drained with a barrier. Matches
// the fd batch limit of libwayland connections.
const MaxFDsOut = 28

// ErrMissingGlobal is returned when the compositor does not advertise
// an interface the daemon cannot run without.
var ErrMissingGlobal = errors.New("wayland: required global missing")

// Options configures the connection.
type Options struct {
	WallpaperDir   string
	ColorTransform imgload.ColorTransform
	PixelFormat    config.PixelFormat
	GPU            bool
}

// State is the root object of the Wayland side of the daemon.
type State struct {
	display  *wl.Display
	registry *wl.Registry

	compositor *wl.Compositor
	shm        *wl.Shm
	layerShell *layershell.LayerShell
	viewporter *viewporter.Viewporter

	dmabuf        *linuxdmabuf.Dmabuf
	dmabufVersion uint32

	wallpaperDir   string
	colorTransform imgload.ColorTransform
	pixelFormat    config.PixelFormat

	shmFormats    map[uint32]bool
	shmFormat     imgload.Format
	haveShmFormat bool

	gpu  *gpu.GPU
	task *compositor.ConnectionTask

	outputs map[uint32]*output
	layers  []*BackgroundLayer

	// XRGB8888 modifiers from the legacy (version 3) dmabuf events.
	legacyModifiers []uint64

	flush flushCounter
}

// Connect dials the display, binds the globals and prepares GPU use
// when requested. A nil error means the required globals (compositor,
// shm, layer shell, viewporter) are all bound.
func Connect(opts Options) (*State, error) {
	display, err := wlclient.DisplayConnect(nil)
	if err != nil {
		return nil, fmt.Errorf("wayland: connecting to display: %w", err)
	}
	s := &State{
		display:        display,
		wallpaperDir:   opts.WallpaperDir,
		colorTransform: opts.ColorTransform,
		pixelFormat:    opts.PixelFormat,
		shmFormats:     make(map[uint32]bool),
		outputs:        make(map[uint32]*output),
	}
	s.registry, err = display.GetRegistry()
	if err != nil {
		wlclient.DisplayDisconnect(display)
		return nil, fmt.Errorf("wayland: getting registry: %w", err)
	}
	s.registry.AddGlobalHandler(s)
	s.registry.AddGlobalRemoveHandler(s)
	if err := s.Roundtrip(); err != nil {
		wlclient.DisplayDisconnect(display)
		return nil, fmt.Errorf("wayland: registry roundtrip: %w", err)
	}
	if err := s.checkRequiredGlobals(); err != nil {
		wlclient.DisplayDisconnect(display)
		return nil, err
	}
	if opts.GPU {
		s.setupGPU()
	}
	return s, nil
}

func (s *State) checkRequiredGlobals() error {
	for _, g := range []struct {
		name  string
		bound bool
	}{
		{"wl_compositor", s.compositor != nil},
		{"wl_shm", s.shm != nil},
		{layershell.InterfaceName, s.layerShell != nil},
		{viewporter.InterfaceName, s.viewporter != nil},
	} {
		if !g.bound {
			return fmt.Errorf("%w: %s", ErrMissingGlobal, g.name)
		}
	}
	return nil
}

// setupGPU decides whether dma-buf upload is possible and initializes
// Vulkan if so. Failure never takes the daemon down, the shm path
// always remains.
func (s *State) setupGPU() {
	log := logging.Logger()
	if s.dmabuf == nil {
		log.Error("Linux DMA-BUF is unavailable from the compositor, disabling GPU use")
		return
	}
	if s.dmabufVersion >= 4 {
		log.Debug("using Linux DMA-BUF", "version", s.dmabufVersion)
	} else {
		log.Warn("only legacy Linux DMA-BUF is available from the compositor " +
			"where it gives no information about which GPU it uses")
	}
	g, err := gpu.New()
	if err != nil {
		log.Error("failed to set up GPU, disabling GPU use", "error", err)
		return
	}
	s.gpu = g
}

// Start attaches the compositor IPC task and performs the roundtrip
// that delivers the initial output events, creating the background
// layers.
func (s *State) Start(task *compositor.ConnectionTask) error {
	s.task = task
	if err := s.Roundtrip(); err != nil {
		return fmt.Errorf("wayland: output roundtrip: %w", err)
	}
	return nil
}

// Dispatch blocks until at least one batch of events is handled.
func (s *State) Dispatch() error {
	return wlclient.DisplayDispatch(s.display)
}

// Roundtrip flushes and waits until the compositor has processed all
// prior requests, dispatching everything that arrives meanwhile.
func (s *State) Roundtrip() error {
	return wlclient.DisplayRoundtrip(s.display)
}

// Wake nudges a Dispatch blocked on the connection by sending a sync;
// the reply makes the dispatch return. Safe to call from any
// goroutine. This and the channels feeding the main loop are the only
// concurrency seams of the package.
func (s *State) Wake() {
	s.display.Sync()
}

// Close tears down the display connection and the GPU.
func (s *State) Close() {
	if s.gpu != nil {
		s.gpu.Close()
		s.gpu = nil
	}
	wlclient.DisplayDisconnect(s.display)
}

// HandleRegistryGlobal binds the globals the daemon uses.
func (s *State) HandleRegistryGlobal(ev wl.RegistryGlobalEvent) {
	switch ev.Interface {
	case "wl_compositor":
		s.compositor = wlclient.RegistryBindCompositorInterface(s.registry, ev.Name, 4)
	case "wl_shm":
		s.shm = wlclient.RegistryBindShmInterface(s.registry, ev.Name, 1)
		s.shm.AddFormatHandler(s)
	case "wl_output":
		s.bindOutput(ev.Name, min(ev.Version, uint32(4)))
	case layershell.InterfaceName:
		s.layerShell = layershell.BindLayerShell(s.registry, ev.Name, 1)
	case viewporter.InterfaceName:
		s.viewporter = viewporter.BindViewporter(s.registry, ev.Name, 1)
	case linuxdmabuf.InterfaceName:
		s.dmabufVersion = min(ev.Version, uint32(linuxdmabuf.MaxVersion))
		s.dmabuf = linuxdmabuf.BindDmabuf(s.registry, ev.Name, s.dmabufVersion)
		linuxdmabuf.DmabufAddListener(s.dmabuf, s)
	}
}

// HandleRegistryGlobalRemove handles output unplug; nothing else the
// daemon binds is expected to disappear.
func (s *State) HandleRegistryGlobalRemove(ev wl.RegistryGlobalRemoveEvent) {
	if o, ok := s.outputs[ev.Name]; ok {
		delete(s.outputs, ev.Name)
		s.outputDestroyed(o)
	}
}

// HandleShmFormat collects the advertised wl_shm formats.
func (s *State) HandleShmFormat(ev wl.ShmFormatEvent) {
	s.shmFormats[uint32(ev.Format)] = true
}

// HandleDmabufFormat is part of the legacy dmabuf advertisement; a
// bare format carries no modifier and is not usable for GPU export.
func (s *State) HandleDmabufFormat(ev linuxdmabuf.DmabufFormatEvent) {}

// HandleDmabufModifier collects XRGB8888 modifiers from the legacy
// (pre-feedback) dmabuf advertisement.
func (s *State) HandleDmabufModifier(ev linuxdmabuf.DmabufModifierEvent) {
	if ev.Format != gpu.DRMFormatXRGB8888 {
		return
	}
	modifier := ev.Modifier()
	for _, m := range s.legacyModifiers {
		if m == modifier {
			return
		}
	}
	s.legacyModifiers = append(s.legacyModifiers, modifier)
}

// resolveShmFormat picks the shm pixel format once, on first use.
// Bgr888 saves a quarter of the buffer memory but is not universally
// supported; baseline policy forces Xrgb8888.
func (s *State) resolveShmFormat() imgload.Format {
	if s.haveShmFormat {
		return s.shmFormat
	}
	format := imgload.FormatXrgb8888
	if s.pixelFormat != config.PixelFormatBaseline && s.shmFormats[uint32(wl.ShmFormatBgr888)] {
		format = imgload.FormatBgr888
	}
	logging.Logger().Debug("using shm format", "format", format.String())
	s.shmFormat = format
	s.haveShmFormat = true
	return format
}

// WorkspaceVisible reacts to a workspace becoming visible on an
// output: the matching background layer redraws.
func (s *State) WorkspaceVisible(w compositor.WorkspaceVisible) {
	for _, bg := range s.layers {
		if bg.outputName == w.Output {
			bg.drawWorkspace(w.WorkspaceName, w.WorkspaceNumber)
			return
		}
	}
	logging.Logger().Error("workspace is on an unknown output",
		"workspace", w.WorkspaceName, "output", w.Output,
		"known_outputs", s.outputNames())
}

func (s *State) outputNames() []string {
	names := make([]string, len(s.layers))
	for i, bg := range s.layers {
		names[i] = bg.outputName
	}
	return names
}

// flushCounter tracks file descriptors sent since the last connection
// barrier. Too many queued descriptors can exhaust the transfer batch
// of the receiving side.
type flushCounter struct {
	fds int
}

// add records n descriptors about to be sent and reports whether a
// barrier is needed first.
func (c *flushCounter) add(n int) bool {
	if c.fds+n > MaxFDsOut {
		c.fds = n
		return true
	}
	c.fds += n
	return false
}

// take returns the pending count and resets it.
func (c *flushCounter) take() int {
	n := c.fds
	c.fds = 0
	return n
}

// fdBarrier counts n outgoing descriptors and drains the connection
// when the batch limit would be exceeded.
func (s *State) fdBarrier(n int) {
	if s.flush.add(n) {
		logging.Logger().Debug("descriptor batch limit reached, draining connection")
		if err := s.Roundtrip(); err != nil {
			logging.Logger().Error("connection barrier failed", "error", err)
		}
	}
}

// fdFlushTrailing drains the connection if any descriptors are still
// pending from the last batch.
func (s *State) fdFlushTrailing() {
	if s.flush.take() > 0 {
		if err := s.Roundtrip(); err != nil {
			logging.Logger().Error("connection barrier failed", "error", err)
		}
	}
}
