package wayland

import (
	"strconv"

	"github.com/neurlang/wayland/wl"

	"github.com/wsbg/wsbg/internal/imgload"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/proto/layershell"
	"github.com/wsbg/wsbg/internal/proto/linuxdmabuf"
	"github.com/wsbg/wsbg/internal/proto/viewporter"
)

// WorkspaceBackground associates one workspace with its wallpaper on
// one output.
type WorkspaceBackground struct {
	workspaceName string
	// Numeric prefix of the workspace name, -1 when there is none.
	workspaceNumber int
	wp              *Wallpaper
}

// BackgroundLayer is the wallpaper surface of one output.
type BackgroundLayer struct {
	s          *State
	out        *output
	outputName string

	// Buffer size in pixels, transform adjusted.
	width     int32
	height    int32
	transform int32

	surface  *wl.Surface
	layer    *layershell.LayerSurface
	viewport *viewporter.Viewport

	feedback     *linuxdmabuf.Feedback
	feedbackData *dmabufFeedback

	configured bool

	backgrounds []WorkspaceBackground
	// Wallpaper currently attached to the surface.
	current *Wallpaper
	// Wallpaper of the visible workspace whose buffer was not ready
	// at draw time. Drawn as soon as its buffer arrives.
	pending *Wallpaper
}

// workspaceNumber extracts the numeric workspace identity from a
// workspace file stem; -1 means not numeric.
func workspaceNumber(workspace string) int {
	n, err := strconv.Atoi(workspace)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// HandleLayerSurfaceConfigure acks the configure and, on the first
// one, asks the compositor IPC for the visible workspace so the
// wallpaper appears without waiting for a workspace switch.
func (bg *BackgroundLayer) HandleLayerSurfaceConfigure(ev layershell.LayerSurfaceConfigureEvent) {
	bg.layer.AckConfigure(ev.Serial)
	if bg.configured {
		return
	}
	bg.configured = true
	logging.Logger().Debug("layer surface configured",
		"output", bg.outputName, "width", ev.Width, "height", ev.Height)
	if task := bg.s.task; task != nil {
		output := bg.outputName
		go func() {
			if err := task.RequestVisibleWorkspace(output); err != nil {
				logging.Logger().Error("failed to request visible workspace",
					"output", output, "error", err)
			}
		}()
	}
}

func (bg *BackgroundLayer) HandleLayerSurfaceClosed(ev layershell.LayerSurfaceClosedEvent) {
	logging.Logger().Debug("layer surface closed", "output", bg.outputName)
}

// findWorkspaceBackground resolves the wallpaper for a workspace:
// exact name match first, then numeric match, then the default.
func findWorkspaceBackground(backgrounds []WorkspaceBackground, name string, number int) *WorkspaceBackground {
	for i := range backgrounds {
		if backgrounds[i].workspaceName == name {
			return &backgrounds[i]
		}
	}
	if number >= 0 {
		for i := range backgrounds {
			if backgrounds[i].workspaceNumber == number {
				return &backgrounds[i]
			}
		}
	}
	for i := range backgrounds {
		if backgrounds[i].workspaceName == imgload.DefaultWorkspace {
			return &backgrounds[i]
		}
	}
	return nil
}

// drawWorkspace attaches the wallpaper of the given workspace to the
// layer surface. Unready wallpapers are remembered and drawn when
// their buffer arrives.
func (bg *BackgroundLayer) drawWorkspace(name string, number int) {
	log := logging.Logger()
	if !bg.configured {
		log.Error("cannot draw wallpaper, layer surface is not configured",
			"output", bg.outputName, "workspace", name)
		return
	}
	found := findWorkspaceBackground(bg.backgrounds, name, number)
	if found == nil {
		log.Error("no wallpaper for workspace",
			"output", bg.outputName, "workspace", name,
			"available", bg.workspaceNames())
		return
	}
	wp := found.wp
	if bg.current == wp {
		log.Debug("wallpaper is already drawn",
			"output", bg.outputName, "workspace", name)
		return
	}
	if wp.buffer == nil {
		log.Debug("wallpaper buffer is not ready yet, queueing",
			"output", bg.outputName, "workspace", name)
		bg.pending = wp
		return
	}
	bg.surface.Attach(wp.buffer, 0, 0)
	bg.surface.DamageBuffer(0, 0, bg.width, bg.height)
	bg.surface.Commit()
	bg.setCurrent(wp)
	bg.pending = nil
	log.Debug("drew wallpaper", "output", bg.outputName, "workspace", name)
}

func (bg *BackgroundLayer) setCurrent(wp *Wallpaper) {
	if wp != nil {
		wp.retain()
	}
	if bg.current != nil {
		bg.current.release()
	}
	bg.current = wp
}

func (bg *BackgroundLayer) workspaceNames() []string {
	names := make([]string, len(bg.backgrounds))
	for i := range bg.backgrounds {
		names[i] = bg.backgrounds[i].workspaceName
	}
	return names
}

// appendBackground adds a wallpaper for one workspace, taking one
// reference.
func (bg *BackgroundLayer) appendBackground(workspace string, wp *Wallpaper) {
	bg.backgrounds = append(bg.backgrounds, WorkspaceBackground{
		workspaceName:   workspace,
		workspaceNumber: workspaceNumber(workspace),
		wp:              wp.retain(),
	})
}

// clearBackgrounds releases every workspace wallpaper. The currently
// attached wallpaper keeps its own reference until replaced.
func (bg *BackgroundLayer) clearBackgrounds() {
	for i := range bg.backgrounds {
		bg.backgrounds[i].wp.release()
	}
	bg.backgrounds = nil
	bg.pending = nil
}

// requestFeedback subscribes to per surface dmabuf feedback, which
// triggers the initial wallpaper load once it arrives.
func (bg *BackgroundLayer) requestFeedback() {
	fb, err := bg.s.dmabuf.GetSurfaceFeedback(bg.surface)
	if err != nil {
		logging.Logger().Error("failed to get dmabuf feedback, using shm",
			"output", bg.outputName, "error", err)
		bg.s.loadWallpapers(bg, nil)
		return
	}
	bg.feedback = fb
	bg.feedbackData = &dmabufFeedback{s: bg.s, bg: bg}
	linuxdmabuf.FeedbackAddListener(fb, bg.feedbackData)
}

// dropFeedback unsubscribes from dmabuf feedback and frees the format
// table.
func (bg *BackgroundLayer) dropFeedback() {
	if bg.feedback != nil {
		bg.feedback.Destroy()
		bg.feedback = nil
	}
	if bg.feedbackData != nil {
		bg.feedbackData.close()
		bg.feedbackData = nil
	}
}

// destroy releases every resource of the layer.
func (bg *BackgroundLayer) destroy() {
	bg.dropFeedback()
	bg.clearBackgrounds()
	bg.setCurrent(nil)
	bg.destroyViewport()
	bg.layer.Destroy()
	bg.surface.Destroy()
}
