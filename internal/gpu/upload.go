package gpu

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/unix"

	"github.com/wsbg/wsbg/internal/logging"
)

// queueFamilyForeign is VK_QUEUE_FAMILY_FOREIGN_EXT: the release-side
// queue family for resources handed to the compositor.
const queueFamilyForeign = ^uint32(2)

// MemoryPlane is the offset and row pitch of one dmabuf memory plane.
type MemoryPlane struct {
	Offset uint64
	Stride uint64
}

// Wallpaper is one uploaded image, exported and ready to be turned
// into a linux-dmabuf buffer. The Fd is owned by the caller and is
// consumed by the buffer params request.
type Wallpaper struct {
	Modifier   uint64
	PlaneCount int
	Planes     [4]MemoryPlane
	Memory     *Memory
	Fd         int
}

// Memory is the exported image and its device allocation. It stays
// alive as long as any workspace references the wallpaper; Release
// must be called exactly once when the last reference drops.
type Memory struct {
	dev      *Device
	image    vk.Image
	memory   vk.DeviceMemory
	size     uint64
	modifier uint64
	released bool
}

// Size returns the allocation size in bytes, for memory statistics.
func (m *Memory) Size() uint64 { return m.size }

// CompatibleWith reports whether this memory can keep serving a
// surface whose dmabuf feedback names the given device and modifiers.
func (m *Memory) CompatibleWith(dmabufDev DRMDev, modifiers []uint64) bool {
	if !m.dev.dmabufDevEqual(dmabufDev) {
		return false
	}
	for _, mod := range modifiers {
		if mod == m.modifier {
			return true
		}
	}
	return false
}

// ServedBy reports whether this memory could have come out of the
// given upload session: same logical device and a modifier the session
// may realize. Used to share wallpapers across reloads.
func (m *Memory) ServedBy(u *Uploader) bool {
	if m.dev != u.dev {
		return false
	}
	for _, mod := range u.modifiers {
		if mod == m.modifier {
			return true
		}
	}
	return false
}

// Release destroys the image and frees its memory.
func (m *Memory) Release() {
	if m.released {
		return
	}
	m.released = true
	vk.DestroyImage(m.dev.device, m.image, nil)
	vk.FreeMemory(m.dev.device, m.memory, nil)
	m.dev.release()
	m.dev = nil
}

// Upload copies the staging buffer into a new device-local image,
// transfers ownership to the foreign (compositor) queue family and
// exports the memory as a dmabuf. On any failure every resource
// created so far is destroyed before the error is returned.
func (u *Uploader) Upload() (*Wallpaper, error) {
	dev := u.dev
	log := logging.Logger()

	extent := vk.Extent3D{Width: u.width, Height: u.height, Depth: 1}
	imageInfo := vk.ImageCreateInfo{
		SType:                 vk.StructureTypeImageCreateInfo,
		ImageType:             vk.ImageType2d,
		Format:                vk.FormatB8g8r8a8Srgb,
		Extent:                extent,
		MipLevels:             1,
		ArrayLayers:           1,
		Samples:               vk.SampleCount1Bit,
		Usage:                 vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		SharingMode:           vk.SharingModeExclusive,
		QueueFamilyIndexCount: 1,
		PQueueFamilyIndices:   []uint32{dev.queueFamily},
		InitialLayout:         vk.ImageLayoutUndefined,
	}

	var externalInfo vk.ExternalMemoryImageCreateInfo
	externalInfo.SType = vk.StructureTypeExternalMemoryImageCreateInfo
	externalInfo.HandleTypes = vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit)
	externalRef, _ := externalInfo.PassRef()

	if dev.hasModifierTile {
		var modifierList vk.ImageDrmFormatModifierListCreateInfo
		modifierList.SType = vk.StructureTypeImageDrmFormatModifierListCreateInfo
		modifierList.DrmFormatModifierCount = uint32(len(u.modifiers))
		modifierList.PDrmFormatModifiers = u.modifiers
		modifierList.PNext = unsafe.Pointer(externalRef)
		listRef, _ := modifierList.PassRef()
		imageInfo.Tiling = vk.ImageTilingDrmFormatModifier
		imageInfo.PNext = unsafe.Pointer(listRef)
	} else {
		imageInfo.Tiling = vk.ImageTilingLinear
		imageInfo.PNext = unsafe.Pointer(externalRef)
	}

	var image vk.Image
	if err := vkCheck(vk.CreateImage(dev.device, &imageInfo, nil, &image), "creating image"); err != nil {
		return nil, err
	}
	destroyImage := func() { vk.DestroyImage(dev.device, image, nil) }

	var memReq vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev.device, image, &memReq)
	memReq.Deref()

	memType, ok := findMemoryTypeIndex(dev.memProps, memReq.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if !ok {
		destroyImage()
		return nil, fmt.Errorf("%w for image", ErrNoSuitableMemory)
	}

	var exportInfo vk.ExportMemoryAllocateInfo
	exportInfo.SType = vk.StructureTypeExportMemoryAllocateInfo
	exportInfo.HandleTypes = vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit)
	exportRef, _ := exportInfo.PassRef()

	var memory vk.DeviceMemory
	ret := vk.AllocateMemory(dev.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           unsafe.Pointer(exportRef),
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: memType,
	}, nil, &memory)
	if err := vkCheck(ret, "allocating image memory"); err != nil {
		destroyImage()
		return nil, err
	}
	freeMemory := func() { vk.FreeMemory(dev.device, memory, nil) }

	if err := vkCheck(vk.BindImageMemory(dev.device, image, memory, 0), "binding image memory"); err != nil {
		freeMemory()
		destroyImage()
		return nil, err
	}

	if err := u.recordAndSubmit(image); err != nil {
		freeMemory()
		destroyImage()
		return nil, err
	}

	modifier := DRMFormatModLinear
	planeCount := 1
	aspects := [4]vk.ImageAspectFlagBits{
		vk.ImageAspectColorBit, vk.ImageAspectColorBit,
		vk.ImageAspectColorBit, vk.ImageAspectColorBit,
	}
	if dev.hasModifierTile {
		realized, err := queryImageModifier(dev.pfnImageModifier, dev.device, image)
		if err != nil {
			freeMemory()
			destroyImage()
			return nil, err
		}
		modifier = realized
		log.Debug("image created", "modifier", FormatModifierString(modifier))

		found := false
		for i := range dev.drmFormatProps {
			if dev.drmFormatProps[i].modifier == modifier {
				planeCount = int(dev.drmFormatProps[i].planeCount)
				found = true
				break
			}
		}
		if !found {
			freeMemory()
			destroyImage()
			return nil, fmt.Errorf("gpu: realized modifier %s missing from format properties",
				FormatModifierString(modifier))
		}
		aspects = [4]vk.ImageAspectFlagBits{
			vk.ImageAspectMemoryPlane0Bit, vk.ImageAspectMemoryPlane1Bit,
			vk.ImageAspectMemoryPlane2Bit, vk.ImageAspectMemoryPlane3Bit,
		}
	}

	var planes [4]MemoryPlane
	for i := 0; i < planeCount; i++ {
		var layout vk.SubresourceLayout
		vk.GetImageSubresourceLayout(dev.device, image, &vk.ImageSubresource{
			AspectMask: vk.ImageAspectFlags(aspects[i]),
		}, &layout)
		layout.Deref()
		planes[i] = MemoryPlane{Offset: uint64(layout.Offset), Stride: uint64(layout.RowPitch)}
	}

	fd, err := exportMemoryFd(dev.pfnMemoryFd, dev.device, memory)
	if err != nil {
		freeMemory()
		destroyImage()
		return nil, err
	}
	if fd < 0 {
		freeMemory()
		destroyImage()
		return nil, fmt.Errorf("gpu: got invalid memory fd %d", fd)
	}
	unix.CloseOnExec(fd)

	dev.acquire()
	return &Wallpaper{
		Modifier:   modifier,
		PlaneCount: planeCount,
		Planes:     planes,
		Memory: &Memory{
			dev:      dev,
			image:    image,
			memory:   memory,
			size:     uint64(memReq.Size),
			modifier: modifier,
		},
		Fd: fd,
	}, nil
}

// recordAndSubmit runs the one-shot transfer: layout transition, copy,
// then the release barrier to the foreign queue family, followed by a
// blocking wait for completion.
func (u *Uploader) recordAndSubmit(image vk.Image) error {
	dev := u.dev
	cmd := dev.commandBuf

	if err := vkCheck(vk.ResetCommandBuffer(cmd, 0), "resetting command buffer"); err != nil {
		return err
	}
	if err := vkCheck(vk.BeginCommandBuffer(cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}), "beginning command buffer"); err != nil {
		return err
	}

	subresourceRange := vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       0,
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			OldLayout:           vk.ImageLayoutUndefined,
			NewLayout:           vk.ImageLayoutGeneral,
			SrcQueueFamilyIndex: dev.queueFamily,
			DstQueueFamilyIndex: dev.queueFamily,
			Image:               image,
			SubresourceRange:    subresourceRange,
		}})

	vk.CmdCopyBufferToImage(cmd, u.buffer, image, vk.ImageLayoutGeneral, 1,
		[]vk.BufferImageCopy{{
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{Width: u.width, Height: u.height, Depth: 1},
		}})

	// Queue family ownership transfer to the compositor; see the
	// external sharing rules of the Vulkan spec.
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccessMask:       0,
			OldLayout:           vk.ImageLayoutGeneral,
			NewLayout:           vk.ImageLayoutGeneral,
			SrcQueueFamilyIndex: dev.queueFamily,
			DstQueueFamilyIndex: queueFamilyForeign,
			Image:               image,
			SubresourceRange:    subresourceRange,
		}})

	if err := vkCheck(vk.EndCommandBuffer(cmd), "ending command buffer"); err != nil {
		return err
	}
	ret := vk.QueueSubmit(dev.queue, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cmd},
	}}, vk.NullFence)
	if err := vkCheck(ret, "submitting upload"); err != nil {
		return err
	}
	return vkCheck(vk.QueueWaitIdle(dev.queue), "waiting for upload")
}
