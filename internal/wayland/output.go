package wayland

import (
	"github.com/neurlang/wayland/wl"
	"github.com/neurlang/wayland/wlclient"

	"github.com/wsbg/wsbg/internal/gpu"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/proto/layershell"
)

// scalingMode says how a full size wallpaper buffer gets mapped onto
// the logical size of an output.
type scalingMode int

const (
	// The output is not scaled, or the compositor reports logical
	// sizes in pixels. Attach as is.
	scalingNone scalingMode = iota
	// Integer scale. Let the compositor divide with set_buffer_scale.
	scalingBuffer
	// Fractional or otherwise odd scale. Map the buffer onto the
	// logical size with a viewport.
	scalingViewport
)

// scalingDecision picks how to present a width x height pixel buffer
// on an output whose logical size is logicalWidth x logicalHeight at
// the given integer scale factor.
func scalingDecision(width, height, logicalWidth, logicalHeight, scale int32) scalingMode {
	if width == logicalWidth || height == logicalHeight {
		return scalingNone
	}
	if width == logicalWidth*scale && height == logicalHeight*scale {
		return scalingBuffer
	}
	return scalingViewport
}

// adjustedSize swaps the mode dimensions for 90 and 270 degree output
// transforms, giving the size a surface buffer must have.
func adjustedSize(width, height, transform int32) (int32, int32) {
	if transform%2 != 0 {
		return height, width
	}
	return width, height
}

// output accumulates per wl_output state between done events.
type output struct {
	s          *State
	globalName uint32
	wlOutput   *wl.Output

	name      string
	width     int32
	height    int32
	scale     int32
	transform int32

	announced bool
}

func (s *State) bindOutput(name, version uint32) {
	o := &output{
		s:          s,
		globalName: name,
		wlOutput:   wlclient.RegistryBindOutputInterface(s.registry, name, version),
		scale:      1,
	}
	o.wlOutput.AddGeometryHandler(o)
	o.wlOutput.AddModeHandler(o)
	o.wlOutput.AddScaleHandler(o)
	o.wlOutput.AddNameHandler(o)
	o.wlOutput.AddDoneHandler(o)
	s.outputs[name] = o
}

func (o *output) HandleOutputGeometry(ev wl.OutputGeometryEvent) {
	o.transform = int32(ev.Transform)
}

func (o *output) HandleOutputMode(ev wl.OutputModeEvent) {
	if ev.Flags&wl.OutputModeCurrent != 0 {
		o.width = ev.Width
		o.height = ev.Height
	}
}

func (o *output) HandleOutputScale(ev wl.OutputScaleEvent) {
	o.scale = ev.Factor
}

func (o *output) HandleOutputName(ev wl.OutputNameEvent) {
	o.name = ev.Name
}

func (o *output) HandleOutputDone(ev wl.OutputDoneEvent) {
	if o.announced {
		o.s.updateOutput(o)
		return
	}
	o.announced = true
	o.s.addOutput(o)
}

// addOutput creates the background layer surface of a newly announced
// output, requests its dmabuf feedback when the GPU path is on, and
// otherwise loads the wallpapers right away.
func (s *State) addOutput(o *output) {
	log := logging.Logger()
	if o.name == "" {
		log.Error("compositor did not send the name of the output, skipping it")
		return
	}
	if o.width <= 0 || o.height <= 0 {
		log.Error("output has no valid current mode, skipping it", "output", o.name)
		return
	}
	width, height := adjustedSize(o.width, o.height, o.transform)
	scale := o.scale
	if scale < 1 {
		scale = 1
	}
	logicalWidth, logicalHeight := width/scale, height/scale
	log.Debug("new output",
		"output", o.name,
		"width", width, "height", height,
		"scale", scale, "transform", o.transform)

	surface, err := s.compositor.CreateSurface()
	if err != nil {
		log.Error("failed to create surface", "output", o.name, "error", err)
		return
	}
	layer, err := s.layerShell.GetLayerSurface(surface, o.wlOutput,
		layershell.LayerBackground, "wsbg_wallpaper_"+o.name)
	if err != nil {
		log.Error("failed to create layer surface", "output", o.name, "error", err)
		surface.Destroy()
		return
	}
	layer.SetAnchor(layershell.AnchorAll)
	layer.SetExclusiveZone(-1)
	layer.SetKeyboardInteractivity(layershell.KeyboardInteractivityNone)

	// Wallpapers take no input. An empty region lets clicks fall
	// through to whatever the compositor puts below.
	if region, err := s.compositor.CreateRegion(); err == nil {
		surface.SetInputRegion(region)
		region.Destroy()
	} else {
		log.Error("failed to create input region", "output", o.name, "error", err)
	}

	bg := &BackgroundLayer{
		s:          s,
		out:        o,
		outputName: o.name,
		width:      width,
		height:     height,
		transform:  o.transform,
		surface:    surface,
		layer:      layer,
	}
	layershell.LayerSurfaceAddListener(layer, bg)
	bg.applyScaling(scalingDecision(width, height, logicalWidth, logicalHeight, scale),
		scale, logicalWidth, logicalHeight)
	surface.Commit()
	s.layers = append(s.layers, bg)

	switch {
	case s.gpu != nil && s.dmabufVersion >= 4:
		bg.requestFeedback()
	case s.gpu != nil:
		// Legacy dmabuf gives no device hint. Assume the render
		// device the compositor uses is ours and fall back on
		// failure.
		uploader, err := s.gpu.Uploader(gpu.DRMDev{},
			uint32(width), uint32(height), s.legacyModifiers)
		if err != nil {
			log.Error("GPU upload unavailable, using shm", "output", o.name, "error", err)
			s.loadWallpapers(bg, nil)
			return
		}
		s.loadWallpapers(bg, uploader)
	default:
		s.loadWallpapers(bg, nil)
	}
}

// applyScaling sets the buffer scale or viewport destination of the
// layer surface for the chosen mode, undoing the other mechanism.
func (bg *BackgroundLayer) applyScaling(mode scalingMode, scale, logicalWidth, logicalHeight int32) {
	log := logging.Logger()
	switch mode {
	case scalingNone:
		bg.surface.SetBufferScale(1)
		bg.destroyViewport()
	case scalingBuffer:
		bg.surface.SetBufferScale(scale)
		bg.destroyViewport()
		log.Debug("scaling with buffer scale", "output", bg.outputName, "scale", scale)
	case scalingViewport:
		bg.surface.SetBufferScale(1)
		if bg.viewport == nil {
			vp, err := bg.s.viewporter.GetViewport(bg.surface)
			if err != nil {
				log.Error("failed to create viewport", "output", bg.outputName, "error", err)
				return
			}
			bg.viewport = vp
		}
		bg.viewport.SetDestination(logicalWidth, logicalHeight)
		log.Debug("scaling with viewport",
			"output", bg.outputName,
			"logical_width", logicalWidth, "logical_height", logicalHeight)
	}
}

func (bg *BackgroundLayer) destroyViewport() {
	if bg.viewport != nil {
		bg.viewport.Destroy()
		bg.viewport = nil
	}
}

// updateOutput reacts to mode, scale or transform changes on a known
// output. Scaling is re-decided; a change of the pixel size would need
// new buffers and is only reported.
func (s *State) updateOutput(o *output) {
	log := logging.Logger()
	var bg *BackgroundLayer
	for _, l := range s.layers {
		if l.out == o {
			bg = l
			break
		}
	}
	if bg == nil {
		// First done was skipped (no name or mode), try again.
		o.announced = false
		o.HandleOutputDone(wl.OutputDoneEvent{})
		return
	}
	width, height := adjustedSize(o.width, o.height, o.transform)
	scale := o.scale
	if scale < 1 {
		scale = 1
	}
	if width != bg.width || height != bg.height {
		log.Warn("changing the resolution of an output is not implemented, "+
			"keeping the wallpapers of the old resolution",
			"output", o.name,
			"width", width, "height", height,
			"old_width", bg.width, "old_height", bg.height)
		width, height = bg.width, bg.height
	}
	log.Debug("output changed",
		"output", o.name,
		"scale", scale, "transform", o.transform)
	bg.transform = o.transform
	bg.applyScaling(scalingDecision(width, height, width/scale, height/scale, scale),
		scale, width/scale, height/scale)
	if bg.current != nil && bg.current.buffer != nil {
		bg.surface.Attach(bg.current.buffer, 0, 0)
		bg.surface.DamageBuffer(0, 0, bg.width, bg.height)
	}
	bg.surface.Commit()
}

// outputDestroyed tears down the layer of an unplugged output and
// drops its wallpapers. The visible workspaces of the remaining
// outputs are requested anew because workspaces migrate on unplug.
func (s *State) outputDestroyed(o *output) {
	log := logging.Logger()
	log.Debug("output removed", "output", o.name)
	for i, bg := range s.layers {
		if bg.out != o {
			continue
		}
		s.layers = append(s.layers[:i], s.layers[i+1:]...)
		bg.destroy()
		break
	}
	o.wlOutput.Release()
	if s.task != nil {
		task := s.task
		go func() {
			if err := task.RequestVisibleWorkspaces(); err != nil {
				logging.Logger().Error("failed to request visible workspaces", "error", err)
			}
		}()
	}
	s.logMemoryStats()
}
