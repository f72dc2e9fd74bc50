package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wsbg/wsbg/internal/gpu"
	"github.com/wsbg/wsbg/internal/logging"
	"github.com/wsbg/wsbg/internal/proto/linuxdmabuf"
)

// formatTableCellSize is the packed size of one format table entry:
// format, 4 bytes padding, modifier.
const formatTableCellSize = 16

var (
	errNoMainDevice = errors.New("feedback carries no main device")
	errNoTranches   = errors.New("feedback carries no tranches")
	errNoTranche    = errors.New("no tranche targets the main device")
	errNoModifiers  = errors.New("no modifiers for XRGB8888 in the selected tranche")
)

// tranche is one preference group of the dmabuf feedback.
type tranche struct {
	device     uint64
	haveDevice bool
	indices    []uint16
	flags      uint32
}

// dmabufFeedback accumulates one feedback round for one background
// layer. The compositor resends the whole state on every change, so
// the accumulated fields reset after each done event while the format
// table persists until replaced.
type dmabufFeedback struct {
	s  *State
	bg *BackgroundLayer

	table []byte

	mainDevice uint64
	haveMain   bool
	tranches   []tranche
	cur        tranche
}

func (f *dmabufFeedback) close() {
	if f.table != nil {
		unix.Munmap(f.table)
		f.table = nil
	}
}

func (f *dmabufFeedback) HandleFeedbackFormatTable(ev linuxdmabuf.FeedbackFormatTableEvent) {
	if f.table != nil {
		unix.Munmap(f.table)
		f.table = nil
	}
	data, err := unix.Mmap(int(ev.Fd), 0, int(ev.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	unix.Close(int(ev.Fd))
	if err != nil {
		logging.Logger().Error("failed to map dmabuf format table",
			"output", f.bg.outputName, "error", err)
		return
	}
	f.table = data
}

func (f *dmabufFeedback) HandleFeedbackMainDevice(ev linuxdmabuf.FeedbackMainDeviceEvent) {
	f.mainDevice = ev.Device
	f.haveMain = true
}

func (f *dmabufFeedback) HandleFeedbackTrancheTargetDevice(ev linuxdmabuf.FeedbackTrancheTargetDeviceEvent) {
	f.cur.device = ev.Device
	f.cur.haveDevice = true
}

func (f *dmabufFeedback) HandleFeedbackTrancheFormats(ev linuxdmabuf.FeedbackTrancheFormatsEvent) {
	f.cur.indices = append(f.cur.indices, ev.Indices...)
}

func (f *dmabufFeedback) HandleFeedbackTrancheFlags(ev linuxdmabuf.FeedbackTrancheFlagsEvent) {
	f.cur.flags = ev.Flags
}

func (f *dmabufFeedback) HandleFeedbackTrancheDone(ev linuxdmabuf.FeedbackTrancheDoneEvent) {
	f.tranches = append(f.tranches, f.cur)
	f.cur = tranche{}
}

func (f *dmabufFeedback) HandleFeedbackDone(ev linuxdmabuf.FeedbackDoneEvent) {
	if err := f.s.applyFeedback(f); err != nil {
		logging.Logger().Error("cannot use dmabuf feedback, falling back to shm",
			"output", f.bg.outputName, "error", err)
		f.s.fallbackShm(f.bg)
		return
	}
	f.tranches = nil
	f.cur = tranche{}
	f.haveMain = false
}

// selectTranche returns the first tranche targeting the main device,
// which is the compositor's most preferred allocation group for it.
func selectTranche(tranches []tranche, mainDevice uint64) *tranche {
	for i := range tranches {
		if tranches[i].haveDevice && tranches[i].device == mainDevice {
			return &tranches[i]
		}
	}
	return nil
}

// formatTableEntry reads one cell of the mapped format table.
func formatTableEntry(table []byte, index int) (format uint32, modifier uint64, ok bool) {
	off := index * formatTableCellSize
	if off < 0 || off+formatTableCellSize > len(table) {
		return 0, 0, false
	}
	format = binary.LittleEndian.Uint32(table[off:])
	modifier = binary.LittleEndian.Uint64(table[off+8:])
	return format, modifier, true
}

// collectModifiers gathers the distinct modifiers of every table entry
// with the wanted format among the given indices.
func collectModifiers(table []byte, indices []uint16, format uint32) []uint64 {
	var modifiers []uint64
next:
	for _, idx := range indices {
		f, modifier, ok := formatTableEntry(table, int(idx))
		if !ok {
			logging.Logger().Error("dmabuf format table index out of range", "index", idx)
			continue
		}
		if f != format {
			continue
		}
		for _, m := range modifiers {
			if m == modifier {
				continue next
			}
		}
		modifiers = append(modifiers, modifier)
	}
	return modifiers
}

// applyFeedback turns a completed feedback round into an upload
// session and (re)loads the wallpapers of the layer, unless the
// current wallpapers already satisfy the feedback.
func (s *State) applyFeedback(f *dmabufFeedback) error {
	log := logging.Logger()
	bg := f.bg
	if !f.haveMain {
		return errNoMainDevice
	}
	if len(f.tranches) == 0 {
		return errNoTranches
	}
	mainDev := gpu.Dev(f.mainDevice)
	log.Debug("dmabuf feedback received",
		"output", bg.outputName,
		"main_device", mainDev.String(),
		"table_entries", len(f.table)/formatTableCellSize,
		"tranches", len(f.tranches))

	selected := selectTranche(f.tranches, f.mainDevice)
	if selected == nil {
		return errNoTranche
	}
	modifiers := collectModifiers(f.table, selected.indices, gpu.DRMFormatXRGB8888)
	if len(modifiers) == 0 {
		return errNoModifiers
	}
	for _, m := range modifiers {
		log.Debug("dmabuf feedback modifier",
			"output", bg.outputName, "modifier", gpu.FormatModifierString(m))
	}

	if len(bg.backgrounds) > 0 && s.wallpapersCompatible(bg, mainDev, modifiers) {
		log.Debug("dmabuf feedback brings no change, keeping wallpapers",
			"output", bg.outputName)
		return nil
	}

	uploader, err := s.gpu.Uploader(mainDev, uint32(bg.width), uint32(bg.height), modifiers)
	if err != nil {
		return fmt.Errorf("creating upload session: %w", err)
	}
	if len(bg.backgrounds) > 0 {
		log.Debug("dmabuf feedback changed, reloading wallpapers",
			"output", bg.outputName)
		bg.clearBackgrounds()
	}
	s.loadWallpapers(bg, uploader)
	return nil
}

// wallpapersCompatible reports whether every wallpaper of the layer
// already lives in GPU memory acceptable to the given device and
// modifier set.
func (s *State) wallpapersCompatible(bg *BackgroundLayer, dev gpu.DRMDev, modifiers []uint64) bool {
	for i := range bg.backgrounds {
		mem := bg.backgrounds[i].wp.gpuMem
		if mem == nil || !mem.CompatibleWith(dev, modifiers) {
			return false
		}
	}
	return true
}
