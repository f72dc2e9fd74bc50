package wayland

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/justincormack/go-memfd"
	"github.com/neurlang/wayland/wl"

	"github.com/wsbg/wsbg/internal/gpu"
	"github.com/wsbg/wsbg/internal/imgload"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/proto/linuxdmabuf"
)

// Wallpaper is one loaded image, shared by every workspace and output
// that displays it. References are counted by hand because ownership
// is spread over workspace lists, the currently attached buffer and
// in-flight buffer creation.
type Wallpaper struct {
	// Nil while a dmabuf buffer creation is still in flight.
	buffer *wl.Buffer

	// Exactly one of shm and gpuMem is set.
	shm    *shmPool
	gpuMem *gpu.Memory

	// In-flight dmabuf buffer params, cleared on created or failed.
	params *linuxdmabuf.BufferParams

	canonPath       string
	canonModifiedNS int64

	refs int
}

func (wp *Wallpaper) retain() *Wallpaper {
	wp.refs++
	return wp
}

func (wp *Wallpaper) release() {
	wp.refs--
	if wp.refs > 0 {
		return
	}
	if wp.buffer != nil {
		wp.buffer.Destroy()
		wp.buffer = nil
	}
	if wp.params != nil {
		wp.params.Destroy()
		wp.params = nil
	}
	if wp.shm != nil {
		wp.shm.destroy()
		wp.shm = nil
	}
	if wp.gpuMem != nil {
		wp.gpuMem.Release()
		wp.gpuMem = nil
	}
}

// matchesFile reports whether this wallpaper was loaded from the same
// underlying image file, by canonical path and modification time.
func (wp *Wallpaper) matchesFile(f imgload.WallpaperFile) bool {
	return wp.canonPath == f.CanonPath && wp.canonModifiedNS == f.CanonModifiedNS
}

// matchesMemory reports whether this wallpaper lives in the kind of
// memory the given upload session produces: GPU memory servable by the
// session, or shm when there is no session.
func (wp *Wallpaper) matchesMemory(uploader *gpu.Uploader) bool {
	if uploader == nil {
		return wp.shm != nil
	}
	return wp.gpuMem != nil && wp.gpuMem.ServedBy(uploader)
}

// findWallpaper searches this layer for an already loaded copy of the
// file in compatible memory.
func (bg *BackgroundLayer) findWallpaper(f imgload.WallpaperFile, uploader *gpu.Uploader) *Wallpaper {
	for i := range bg.backgrounds {
		wp := bg.backgrounds[i].wp
		if wp.matchesFile(f) && wp.matchesMemory(uploader) {
			return wp
		}
	}
	return nil
}

// findSharedWallpaper searches the other layers. Sharing needs equal
// pixel geometry and compatible memory besides the same file.
func (s *State) findSharedWallpaper(bg *BackgroundLayer, f imgload.WallpaperFile, uploader *gpu.Uploader) *Wallpaper {
	for _, other := range s.layers {
		if other == bg ||
			other.width != bg.width ||
			other.height != bg.height ||
			other.transform != bg.transform {
			continue
		}
		for i := range other.backgrounds {
			wp := other.backgrounds[i].wp
			if wp.matchesFile(f) && wp.matchesMemory(uploader) {
				return wp
			}
		}
	}
	return nil
}

// shmPool is one wallpaper sized pool of shared memory backed by a
// memfd, mapped for writing on our side.
type shmPool struct {
	mfd  *memfd.Memfd
	data []byte
	pool *wl.ShmPool
	size int
}

func newShmPool(shm *wl.Shm, size int) (*shmPool, error) {
	mfd, err := memfd.Create()
	if err != nil {
		return nil, fmt.Errorf("creating memfd: %w", err)
	}
	if err := mfd.Truncate(int64(size)); err != nil {
		mfd.Close()
		return nil, fmt.Errorf("sizing memfd: %w", err)
	}
	data, err := mfd.Map()
	if err != nil {
		mfd.Close()
		return nil, fmt.Errorf("mapping memfd: %w", err)
	}
	pool, err := shm.CreatePool(mfd.Fd(), int32(size))
	if err != nil {
		mfd.Unmap()
		mfd.Close()
		return nil, fmt.Errorf("creating shm pool: %w", err)
	}
	return &shmPool{mfd: mfd, data: data, pool: pool, size: size}, nil
}

func (p *shmPool) destroy() {
	p.pool.Destroy()
	p.mfd.Unmap()
	p.mfd.Close()
	p.data = nil
}

// memoryStats sums the wallpaper memory of the store. Shared
// wallpapers are weighted by one over their reference count so the
// totals add up across layers.
type memoryStats struct {
	shmCount    float64
	shmBytes    float64
	dmabufCount float64
	dmabufBytes float64
}

func (st memoryStats) String() string {
	return fmt.Sprintf("%.0f KiB in %.1f wl_shm pools, %.0f KiB in %.1f DMA-BUFs",
		st.shmBytes/1024, st.shmCount, st.dmabufBytes/1024, st.dmabufCount)
}

func (s *State) memoryStats() memoryStats {
	var st memoryStats
	add := func(wp *Wallpaper) {
		if wp == nil || wp.refs == 0 {
			return
		}
		w := 1 / float64(wp.refs)
		switch {
		case wp.shm != nil:
			st.shmCount += w
			st.shmBytes += w * float64(wp.shm.size)
		case wp.gpuMem != nil:
			st.dmabufCount += w
			st.dmabufBytes += w * float64(wp.gpuMem.Size())
		}
	}
	for _, bg := range s.layers {
		for i := range bg.backgrounds {
			add(bg.backgrounds[i].wp)
		}
		add(bg.current)
	}
	return st
}

func (s *State) logMemoryStats() {
	log := logging.Logger()
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	log.Debug("wallpaper memory in use", "stats", s.memoryStats().String())
}
