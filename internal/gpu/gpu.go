// Package gpu stores wallpapers in GPU memory and exports them as
// dma-buf file descriptors for zero-copy scanout. It owns the Vulkan
// instance, selects the physical device matching the compositor's DRM
// device, and runs the staging-buffer upload path.
//
// All types in this package are confined to the main loop goroutine.
package gpu

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/unix"

	"github.com/wsbg/wsbg/internal/logging"
)

// Errors returned by the GPU layer.
var (
	// ErrNoPhysicalDevice is returned when no Vulkan physical device
	// can be probed at all.
	ErrNoPhysicalDevice = errors.New("gpu: no usable Vulkan physical device")

	// ErrNoSuitableMemory is returned when a required memory type is
	// missing from the device.
	ErrNoSuitableMemory = errors.New("gpu: no suitable device memory type")

	// ErrNoUsableModifier is returned when none of the compositor's
	// DRM format modifiers can be used for image creation.
	ErrNoUsableModifier = errors.New("gpu: no usable DRM format modifier")

	// ErrVersion is returned when the Vulkan instance or device is
	// older than 1.1.
	ErrVersion = errors.New("gpu: Vulkan 1.1 or compatible required")
)

// DRM fourcc codes, from drm_fourcc.h.
const (
	// DRMFormatXRGB8888 is fourcc 'XR24', the format every wallpaper
	// buffer uses.
	DRMFormatXRGB8888 uint32 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24

	// DRMFormatModLinear is the universally understood row-major
	// layout, vendor NONE code 0.
	DRMFormatModLinear uint64 = 0
)

// FormatModifierString formats a DRM format modifier the way drm
// debugging tools print them.
func FormatModifierString(modifier uint64) string {
	return fmt.Sprintf("%016x", modifier)
}

// DRMDev identifies a DRM device by dev_t. The zero value means
// "unknown", which happens with linux-dmabuf versions before 4.
type DRMDev struct {
	ID    uint64
	Valid bool
}

// Dev wraps a dev_t.
func Dev(id uint64) DRMDev { return DRMDev{ID: id, Valid: true} }

// Equal reports whether both sides name the same device. Two unknown
// devices compare equal.
func (d DRMDev) Equal(other DRMDev) bool {
	if !d.Valid || !other.Valid {
		return d.Valid == other.Valid
	}
	return d.ID == other.ID
}

func (d DRMDev) String() string {
	if !d.Valid {
		return "unavailable"
	}
	return fmt.Sprintf("%d:%d", unix.Major(d.ID), unix.Minor(d.ID))
}

// GPU owns the Vulkan instance and tracks the devices created for
// dmabuf feedback. Devices are shared: a second output whose feedback
// names the same DRM device reuses the existing logical device.
type GPU struct {
	instance vk.Instance

	// Non-owning device list; entries die when their last wallpaper
	// or uploader releases them and are pruned on the next lookup.
	devices []*Device
}

// New loads the Vulkan library and creates the instance. Validation
// layers are enabled when debug logging is on.
func New() (*GPU, error) {
	return newGPU()
}

// Uploader returns an upload session for the given surface size whose
// image creation is restricted to the given DRM format modifiers. The
// device is selected (or reused) by the dmabuf feedback DRM device.
func (g *GPU) Uploader(dmabufDev DRMDev, width, height uint32, modifiers []uint64) (*Uploader, error) {
	return g.uploaderWith(g.newDevice, newUploader, dmabufDev, width, height, modifiers)
}

// uploaderWith takes the device and uploader constructors as
// parameters. A freshly created device joins g.devices only once its
// first uploader exists; a device with no references must not linger
// in the list.
func (g *GPU) uploaderWith(
	newDev func(DRMDev) (*Device, error),
	newUp func(*Device, uint32, uint32, []uint64) (*Uploader, error),
	dmabufDev DRMDev, width, height uint32, modifiers []uint64,
) (*Uploader, error) {
	dev := g.selectDevice(dmabufDev)
	created := false
	if dev == nil {
		d, err := newDev(dmabufDev)
		if err != nil {
			return nil, fmt.Errorf("gpu: creating device: %w", err)
		}
		dev = d
		created = true
	}
	up, err := newUp(dev, width, height, modifiers)
	if err != nil {
		if created {
			dev.destroy()
		}
		return nil, fmt.Errorf("gpu: creating uploader: %w", err)
	}
	if created {
		g.devices = append(g.devices, dev)
	}
	return up, nil
}

// selectDevice returns a live device compatible with the dmabuf DRM
// device, pruning released devices along the way.
func (g *GPU) selectDevice(dmabufDev DRMDev) *Device {
	var selected *Device
	live := g.devices[:0]
	for _, dev := range g.devices {
		if dev.released() {
			continue
		}
		live = append(live, dev)
		if selected == nil && dev.dmabufDevEqual(dmabufDev) {
			selected = dev
		}
	}
	g.devices = live
	return selected
}

// Close destroys the instance. All uploaders and wallpaper memory
// must have been released first.
func (g *GPU) Close() {
	for _, dev := range g.devices {
		if !dev.released() {
			logging.Logger().Warn("GPU device still referenced at shutdown")
		}
	}
	vk.DestroyInstance(g.instance, nil)
	logging.Logger().Debug("Vulkan context has been cleaned up")
}

// vkCheck converts a non-success result into a wrapped error.
func vkCheck(ret vk.Result, what string) error {
	if ret != vk.Success {
		return fmt.Errorf("gpu: %s: %w", what, vk.Error(ret))
	}
	return nil
}

// findMemoryTypeIndex returns the first memory type allowed by the
// requirements bitmask that carries all wanted property flags.
func findMemoryTypeIndex(memProps vk.PhysicalDeviceMemoryProperties, typeBits uint32, flags vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		memProps.MemoryTypes[i].Deref()
		if vk.MemoryPropertyFlags(memProps.MemoryTypes[i].PropertyFlags)&flags == flags {
			return i, true
		}
	}
	return 0, false
}
