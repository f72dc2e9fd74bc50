package gpu

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/wsbg/wsbg/internal/logging"
)

// Uploader is an upload session for one surface size: a mapped,
// host-visible staging buffer plus the set of DRM format modifiers
// usable for image creation on its device. One Uploader serves all
// wallpapers of an output while it is being (re)loaded.
type Uploader struct {
	dev       *Device
	buffer    vk.Buffer
	memory    vk.DeviceMemory
	mapped    []byte
	width     uint32
	height    uint32
	modifiers []uint64
}

func newUploader(dev *Device, width, height uint32, modifiers []uint64) (*Uploader, error) {
	size := uint64(width) * uint64(height) * 4

	filtered, err := filterModifiers(dev, width, height, size, modifiers)
	if err != nil {
		return nil, err
	}

	var buffer vk.Buffer
	ret := vk.CreateBuffer(dev.device, &vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(size),
		Usage:                 vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit),
		SharingMode:           vk.SharingModeExclusive,
		QueueFamilyIndexCount: 1,
		PQueueFamilyIndices:   []uint32{dev.queueFamily},
	}, nil, &buffer)
	if err := vkCheck(ret, "creating staging buffer"); err != nil {
		return nil, err
	}

	var memReq vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev.device, buffer, &memReq)
	memReq.Deref()

	memType, ok := findMemoryTypeIndex(dev.memProps, memReq.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|
			vk.MemoryPropertyHostCoherentBit|vk.MemoryPropertyHostCachedBit))
	if !ok {
		vk.DestroyBuffer(dev.device, buffer, nil)
		return nil, fmt.Errorf("%w for staging buffer", ErrNoSuitableMemory)
	}

	var memory vk.DeviceMemory
	ret = vk.AllocateMemory(dev.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: memType,
	}, nil, &memory)
	if err := vkCheck(ret, "allocating staging memory"); err != nil {
		vk.DestroyBuffer(dev.device, buffer, nil)
		return nil, err
	}
	if err := vkCheck(vk.BindBufferMemory(dev.device, buffer, memory, 0), "binding staging memory"); err != nil {
		vk.FreeMemory(dev.device, memory, nil)
		vk.DestroyBuffer(dev.device, buffer, nil)
		return nil, err
	}

	var ptr unsafe.Pointer
	ret = vk.MapMemory(dev.device, memory, 0, memReq.Size, 0, &ptr)
	if err := vkCheck(ret, "mapping staging memory"); err != nil {
		vk.FreeMemory(dev.device, memory, nil)
		vk.DestroyBuffer(dev.device, buffer, nil)
		return nil, err
	}

	dev.acquire()
	return &Uploader{
		dev:       dev,
		buffer:    buffer,
		memory:    memory,
		mapped:    unsafe.Slice((*byte)(ptr), memReq.Size),
		width:     width,
		height:    height,
		modifiers: filtered,
	}, nil
}

// filterModifiers keeps the modifiers the device can create a
// B8G8R8A8_SRGB TRANSFER_DST image with at the requested size. Without
// the modifier extension only DRM_FORMAT_MOD_LINEAR is usable.
func filterModifiers(dev *Device, width, height uint32, size uint64, modifiers []uint64) ([]uint64, error) {
	log := logging.Logger()
	if dev.drmFormatProps == nil {
		for _, m := range modifiers {
			if m == DRMFormatModLinear {
				log.Debug("image creation restricted to DRM_FORMAT_MOD_LINEAR")
				return []uint64{DRMFormatModLinear}, nil
			}
		}
		return nil, fmt.Errorf("%w: modifier extension unavailable and linear not offered", ErrNoUsableModifier)
	}

	filtered := make([]uint64, 0, len(modifiers))
	for _, m := range modifiers {
		if err := checkModifier(dev, width, height, size, m); err != nil {
			log.Debug("cannot use DRM format modifier",
				"modifier", FormatModifierString(m), "error", err)
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: none of %d offered modifiers usable", ErrNoUsableModifier, len(modifiers))
	}
	strs := make([]string, len(filtered))
	for i, m := range filtered {
		strs[i] = FormatModifierString(m)
	}
	log.Debug("image creation can use DRM format modifiers", "modifiers", strs)
	return filtered, nil
}

func checkModifier(dev *Device, width, height uint32, size uint64, modifier uint64) error {
	var tilingFeatures uint32
	found := false
	for i := range dev.drmFormatProps {
		if dev.drmFormatProps[i].modifier == modifier {
			tilingFeatures = dev.drmFormatProps[i].tilingFeatures
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("modifier unsupported by this Vulkan device")
	}
	if tilingFeatures&uint32(vk.FormatFeatureTransferDstBit) == 0 {
		return fmt.Errorf("TRANSFER_DST unsupported")
	}

	caps, err := queryModifierImageCaps(dev.physdev, vk.FormatB8g8r8a8Srgb, modifier,
		uint32(vk.ImageUsageTransferDstBit), dev.queueFamily)
	if err != nil {
		return err
	}
	if caps.maxMipLevels < 1 || caps.maxArrayLayers < 1 ||
		caps.sampleCounts&uint32(vk.SampleCount1Bit) == 0 {
		return fmt.Errorf("image format unsupported for this modifier")
	}
	if width > caps.maxWidth {
		return fmt.Errorf("width %d exceeds max %d", width, caps.maxWidth)
	}
	if height > caps.maxHeight {
		return fmt.Errorf("height %d exceeds max %d", height, caps.maxHeight)
	}
	if size > caps.maxResourceSize {
		return fmt.Errorf("size %d exceeds max %d", size, caps.maxResourceSize)
	}
	return nil
}

// StagingBuffer returns the mapped staging memory. The image loader
// writes XRGB8888 rows straight into it.
func (u *Uploader) StagingBuffer() []byte {
	return u.mapped
}

// Width and Height return the surface size this session uploads.
func (u *Uploader) Width() uint32  { return u.width }
func (u *Uploader) Height() uint32 { return u.height }

// Modifiers returns the filtered modifier set; the realized modifier
// of every upload comes from this set.
func (u *Uploader) Modifiers() []uint64 { return u.modifiers }

// CompatibleWith reports whether this session's device and modifier
// set can serve buffers described by the given dmabuf feedback.
func (u *Uploader) CompatibleWith(dmabufDev DRMDev, modifiers []uint64) bool {
	if !u.dev.dmabufDevEqual(dmabufDev) {
		return false
	}
	for _, m := range modifiers {
		for _, own := range u.modifiers {
			if m == own {
				return true
			}
		}
	}
	return false
}

// Close unmaps and releases the staging buffer and drops the device
// reference.
func (u *Uploader) Close() {
	vk.UnmapMemory(u.dev.device, u.memory)
	vk.FreeMemory(u.dev.device, u.memory, nil)
	vk.DestroyBuffer(u.dev.device, u.buffer, nil)
	u.dev.release()
	u.dev = nil
}
