package wayland

import (
	"errors"
	"path/filepath"

	"github.com/neurlang/wayland/wl"
	"golang.org/x/sys/unix"

	"github.com/wsbg/wsbg/internal/gpu"
	"github.com/wsbg/wsbg/internal/imgload"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/proto/linuxdmabuf"
)

func shmWireFormat(format imgload.Format) uint32 {
	if format == imgload.FormatBgr888 {
		return uint32(wl.ShmFormatBgr888)
	}
	return uint32(wl.ShmFormatXrgb8888)
}

// loadWallpapers reads the wallpaper directory of the layer's output
// and creates one buffer per workspace image, deduplicating identical
// files within and across outputs. A non-nil uploader puts the pixels
// in GPU memory; any upload failure downgrades the rest of the run to
// shm.
func (s *State) loadWallpapers(bg *BackgroundLayer, uploader *gpu.Uploader) {
	log := logging.Logger()
	defer func() {
		if uploader != nil {
			uploader.Close()
		}
	}()

	outputDir := filepath.Join(s.wallpaperDir, bg.outputName)
	files, err := imgload.OutputWallpaperFiles(outputDir)
	if err != nil {
		log.Error("failed to read wallpaper directory",
			"dir", outputDir, "error", err)
		return
	}

	format := s.resolveShmFormat()
	stride := format.Stride(int(bg.width))
	poolSize := stride * int(bg.height)

	var loaded, reused, failed int
	for _, f := range files {
		if f.Path == f.CanonPath {
			log.Debug("loading wallpaper", "workspace", f.Workspace, "path", f.Path)
		} else {
			log.Debug("loading wallpaper", "workspace", f.Workspace,
				"path", f.Path, "resolved", f.CanonPath)
		}

		if wp := bg.findWallpaper(f, uploader); wp != nil {
			bg.appendBackground(f.Workspace, wp)
			reused++
			continue
		}
		if wp := s.findSharedWallpaper(bg, f, uploader); wp != nil {
			bg.appendBackground(f.Workspace, wp)
			reused++
			continue
		}

		if uploader != nil {
			switch wp, err := s.loadGPUWallpaper(bg, f, uploader); {
			case err == nil:
				bg.appendBackground(f.Workspace, wp)
				loaded++
				continue
			case errors.Is(err, errUploadBroken):
				// The session itself is unusable. Close it and
				// load everything else over shm.
				log.Error("GPU upload failed, falling back to shm",
					"output", bg.outputName)
				uploader.Close()
				uploader = nil
			default:
				log.Error("failed to load wallpaper",
					"workspace", f.Workspace, "path", f.Path, "error", err)
				failed++
				continue
			}
		}

		wp, err := s.loadShmWallpaper(bg, f, format, stride, poolSize)
		if err != nil {
			log.Error("failed to load wallpaper",
				"workspace", f.Workspace, "path", f.Path, "error", err)
			failed++
			continue
		}
		bg.appendBackground(f.Workspace, wp)
		loaded++
	}
	s.fdFlushTrailing()

	log.Debug("wallpapers ready", "output", bg.outputName,
		"loaded", loaded, "reused", reused, "failed", failed,
		"workspaces", bg.workspaceNames())
	s.logMemoryStats()
}

// errUploadBroken marks an upload session failure as opposed to a per
// file problem.
var errUploadBroken = errors.New("upload session broken")

// loadGPUWallpaper decodes the file into the staging buffer, uploads
// it to GPU memory and starts the linux-dmabuf buffer creation. The
// returned wallpaper has no wl_buffer yet; the created event fills it
// in.
func (s *State) loadGPUWallpaper(bg *BackgroundLayer, f imgload.WallpaperFile, uploader *gpu.Uploader) (*Wallpaper, error) {
	err := imgload.LoadWallpaper(f.Path, uploader.StagingBuffer(),
		int(bg.width), int(bg.height), int(bg.width)*4,
		imgload.FormatXrgb8888, s.colorTransform)
	if err != nil {
		return nil, err
	}
	gw, err := uploader.Upload()
	if err != nil {
		logging.Logger().Error("GPU upload failed", "error", err)
		return nil, errUploadBroken
	}

	s.fdBarrier(1)
	params, err := s.dmabuf.CreateParams()
	if err != nil {
		unix.Close(gw.Fd)
		gw.Memory.Release()
		return nil, err
	}
	wp := &Wallpaper{
		gpuMem:          gw.Memory,
		params:          params,
		canonPath:       f.CanonPath,
		canonModifiedNS: f.CanonModifiedNS,
	}
	linuxdmabuf.BufferParamsAddListener(params, &paramsResult{s: s, params: params})
	for i := 0; i < gw.PlaneCount; i++ {
		params.Add(uintptr(gw.Fd), uint32(i),
			uint32(gw.Planes[i].Offset), uint32(gw.Planes[i].Stride), gw.Modifier)
	}
	params.Create(bg.width, bg.height, gpu.DRMFormatXRGB8888, 0)
	// The request queue owns a duplicate by now.
	unix.Close(gw.Fd)
	return wp, nil
}

// loadShmWallpaper decodes the file straight into a fresh shared
// memory pool and creates the wl_buffer, which is usable immediately.
func (s *State) loadShmWallpaper(bg *BackgroundLayer, f imgload.WallpaperFile, format imgload.Format, stride, poolSize int) (*Wallpaper, error) {
	s.fdBarrier(1)
	pool, err := newShmPool(s.shm, poolSize)
	if err != nil {
		return nil, err
	}
	err = imgload.LoadWallpaper(f.Path, pool.data,
		int(bg.width), int(bg.height), stride, format, s.colorTransform)
	if err != nil {
		pool.destroy()
		return nil, err
	}
	buffer, err := pool.pool.CreateBuffer(0, bg.width, bg.height,
		int32(stride), shmWireFormat(format))
	if err != nil {
		pool.destroy()
		return nil, err
	}
	return &Wallpaper{
		buffer:          buffer,
		shm:             pool,
		canonPath:       f.CanonPath,
		canonModifiedNS: f.CanonModifiedNS,
	}, nil
}

// paramsResult routes the created and failed events of one buffer
// params request back into the wallpaper store.
type paramsResult struct {
	s      *State
	params *linuxdmabuf.BufferParams
}

func (r *paramsResult) HandleBufferParamsCreated(ev linuxdmabuf.BufferParamsCreatedEvent) {
	r.s.dmabufCreated(r.params, ev.Buffer)
}

func (r *paramsResult) HandleBufferParamsFailed(ev linuxdmabuf.BufferParamsFailedEvent) {
	r.s.dmabufFailed(r.params)
}

// findParamsBackground returns the layer and workspace background
// whose wallpaper is waiting on the given buffer params.
func findParamsBackground(layers []*BackgroundLayer, params *linuxdmabuf.BufferParams) (*BackgroundLayer, *WorkspaceBackground) {
	for _, bg := range layers {
		for i := range bg.backgrounds {
			if bg.backgrounds[i].wp.params == params {
				return bg, &bg.backgrounds[i]
			}
		}
	}
	return nil, nil
}

// clearFailedParams drops the params reference from every wallpaper
// waiting on it and returns the layers that lost a buffer.
func clearFailedParams(layers []*BackgroundLayer, params *linuxdmabuf.BufferParams) []*BackgroundLayer {
	var affected []*BackgroundLayer
	for _, bg := range layers {
		for i := range bg.backgrounds {
			wp := bg.backgrounds[i].wp
			if wp.params == params {
				wp.params = nil
				affected = append(affected, bg)
				break
			}
		}
	}
	return affected
}

// dmabufCreated attaches the arrived wl_buffer to its wallpaper and
// redraws the workspace that was waiting for it.
func (s *State) dmabufCreated(params *linuxdmabuf.BufferParams, buffer *wl.Buffer) {
	bg, wb := findParamsBackground(s.layers, params)
	if wb == nil {
		logging.Logger().Error("created dmabuf buffer belongs to no wallpaper")
		params.Destroy()
		buffer.Destroy()
		return
	}
	params.Destroy()
	wb.wp.params = nil
	wb.wp.buffer = buffer
	logging.Logger().Debug("dmabuf buffer created",
		"output", bg.outputName, "workspace", wb.workspaceName)
	if bg.pending == wb.wp {
		bg.drawWorkspace(wb.workspaceName, wb.workspaceNumber)
	}
}

// dmabufFailed downgrades every layer that was waiting on the failed
// buffer to shm wallpapers.
func (s *State) dmabufFailed(params *linuxdmabuf.BufferParams) {
	log := logging.Logger()
	log.Error("compositor rejected a dmabuf wallpaper buffer")
	affected := clearFailedParams(s.layers, params)
	params.Destroy()
	for _, bg := range affected {
		log.Error("falling back to shm wallpapers", "output", bg.outputName)
		s.fallbackShm(bg)
	}
}

// fallbackShm drops the GPU path of one layer for good: feedback is
// unsubscribed, the wallpapers are released and reloaded into shared
// memory.
func (s *State) fallbackShm(bg *BackgroundLayer) {
	bg.dropFeedback()
	bg.clearBackgrounds()
	s.loadWallpapers(bg, nil)
}
