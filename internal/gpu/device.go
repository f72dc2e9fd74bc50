package gpu

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/wsbg/wsbg/internal/logging"
)

// Device extension dependency chains with Vulkan 1.1:
//
//	app --> EXT_external_memory_dma_buf -> KHR_external_memory_fd
//	    \-> EXT_queue_family_foreign
//	    \-> (optional) EXT_image_drm_format_modifier -> KHR_image_format_list
//
// EXT_image_drm_format_modifier is notably unsupported by AMD GFX8 and
// older and by end-of-life Nvidia GPUs that never got driver 515.
const (
	extExternalMemoryFd       = "VK_KHR_external_memory_fd\x00"
	extExternalMemoryDmaBuf   = "VK_EXT_external_memory_dma_buf\x00"
	extQueueFamilyForeign     = "VK_EXT_queue_family_foreign\x00"
	extImageFormatList        = "VK_KHR_image_format_list\x00"
	extImageDrmFormatModifier = "VK_EXT_image_drm_format_modifier\x00"
	extPhysicalDeviceDrm      = "VK_EXT_physical_device_drm\x00"
)

// Device scores, combined bitwise. The DRM device match dominates:
// uploading on a different GPU than the compositor renders with would
// force the compositor into a cross-device copy, or fail outright.
const (
	scoreMatchesDRMDev uint32 = 1 << 3
	scoreDiscreteGPU   uint32 = 1 << 2
	scoreIntegratedGPU uint32 = 1 << 1
	scoreVirtualGPU    uint32 = 1 << 0
)

// scorePhysicalDevice implements the selection policy: a device whose
// primary or render DRM node equals the dmabuf feedback device beats
// any device type preference.
func scorePhysicalDevice(devType vk.PhysicalDeviceType, primary, render, dmabufDev DRMDev) uint32 {
	var score uint32
	switch devType {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		score |= scoreDiscreteGPU
	case vk.PhysicalDeviceTypeIntegratedGpu:
		score |= scoreIntegratedGPU
	case vk.PhysicalDeviceTypeVirtualGpu:
		score |= scoreVirtualGPU
	}
	if dmabufDev.Valid &&
		((primary.Valid && dmabufDev.ID == primary.ID) ||
			(render.Valid && dmabufDev.ID == render.ID)) {
		score |= scoreMatchesDRMDev
	}
	return score
}

// Device is one logical Vulkan device plus the one-shot command buffer
// the upload path reuses. It is reference counted: uploaders and
// exported wallpaper memory keep it alive.
type Device struct {
	physdev     vk.PhysicalDevice
	device      vk.Device
	queue       vk.Queue
	queueFamily uint32
	commandPool vk.CommandPool
	commandBuf  vk.CommandBuffer

	// Device-level extension commands, resolved at creation.
	pfnMemoryFd      unsafe.Pointer
	pfnImageModifier unsafe.Pointer

	primaryDev DRMDev
	renderDev  DRMDev
	dmabufDev  DRMDev

	memProps vk.PhysicalDeviceMemoryProperties

	// drmFormatProps caches the B8G8R8A8_SRGB modifier properties;
	// nil when EXT_image_drm_format_modifier is unavailable.
	drmFormatProps  []drmModifierProps
	hasModifierTile bool

	refs int
	dead bool
}

func (d *Device) acquire() { d.refs++ }

func (d *Device) release() {
	d.refs--
	if d.refs > 0 {
		return
	}
	d.destroy()
}

func (d *Device) destroy() {
	if d.device != nil {
		if vk.DeviceWaitIdle(d.device) != vk.Success {
			logging.Logger().Error("failed to wait device idle before destroy")
		}
		vk.DestroyCommandPool(d.device, d.commandPool, nil)
		vk.DestroyDevice(d.device, nil)
	}
	d.dead = true
	logging.Logger().Debug("GPU device destroyed")
}

func (d *Device) released() bool { return d.dead }

// dmabufDevEqual reports whether this device can serve buffers for the
// given dmabuf feedback device. An unknown feedback device matches a
// device that was also created without one.
func (d *Device) dmabufDevEqual(dev DRMDev) bool {
	if !dev.Valid {
		return !d.dmabufDev.Valid
	}
	return dev.Equal(d.dmabufDev) || dev.Equal(d.renderDev) || dev.Equal(d.primaryDev)
}

// probeInfo is everything learned about one physical device before
// committing to it.
type probeInfo struct {
	physdev    vk.PhysicalDevice
	name       string
	devType    vk.PhysicalDeviceType
	apiVersion uint32
	extensions map[string]bool
	primary    DRMDev
	render     DRMDev
	score      uint32
}

// newDevice probes all physical devices, keeps the best scoring ones
// and creates a logical device from the first that succeeds.
func (g *GPU) newDevice(dmabufDev DRMDev) (*Device, error) {
	log := logging.Logger()

	var count uint32
	if err := vkCheck(vk.EnumeratePhysicalDevices(g.instance, &count, nil), "enumerating physical devices"); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: make sure a Vulkan driver is installed and this process may access graphics devices", ErrNoPhysicalDevice)
	}
	physdevs := make([]vk.PhysicalDevice, count)
	if err := vkCheck(vk.EnumeratePhysicalDevices(g.instance, &count, physdevs), "enumerating physical devices"); err != nil {
		return nil, err
	}

	var infos []probeInfo
	maxScore := uint32(0)
	for _, pd := range physdevs {
		info, ok := probePhysicalDevice(pd, dmabufDev)
		if !ok {
			continue
		}
		infos = append(infos, info)
		if info.score > maxScore {
			maxScore = info.score
		}
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no physical device could be probed", ErrNoPhysicalDevice)
	}
	best := infos[:0]
	for _, info := range infos {
		if info.score == maxScore {
			best = append(best, info)
		}
	}
	if len(best) > 1 {
		log.Warn("multiple physical devices with equal score",
			"candidates", len(best), "score", maxScore)
	} else {
		log.Debug("probed physical devices",
			"count", len(physdevs), "max_score", maxScore)
	}

	var errs []error
	for _, info := range best {
		dev, err := createDevice(info, dmabufDev)
		if err != nil {
			errs = append(errs, fmt.Errorf("physical device %q (type %d): %w", info.name, info.devType, err))
			continue
		}
		for _, e := range errs {
			log.Warn("skipped physical device", "error", e)
		}
		if info.score&scoreMatchesDRMDev == 0 {
			log.Warn("IMPORTANT: could not verify that the selected GPU is the one the compositor renders with; if wallpapers fail to show, restart without --gpu",
				"device", info.name, "type", info.devType)
		}
		log.Info("GPU device selected",
			"device", info.name,
			"primary", dev.primaryDev.String(),
			"render", dev.renderDev.String())
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoPhysicalDevice, errors.Join(errs...))
}

func probePhysicalDevice(pd vk.PhysicalDevice, dmabufDev DRMDev) (probeInfo, bool) {
	log := logging.Logger()

	extensions, err := deviceExtensions(pd)
	if err != nil {
		log.Error("failed to enumerate device extensions", "error", err)
		return probeInfo{}, false
	}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()

	name := vk.ToString(props.DeviceName[:])
	devType := props.DeviceType
	log.Debug("probing physical device", "device", name, "type", devType)

	var primary, render DRMDev
	if extensions[vk.ToString([]byte(extPhysicalDeviceDrm))] {
		primary, render = queryPhysicalDeviceDrm(pd)
		log.Debug("physical device DRM devs",
			"primary", primary.String(), "render", render.String())
	} else {
		log.Debug("VK_EXT_physical_device_drm unavailable", "device", name)
	}

	score := scorePhysicalDevice(devType, primary, render, dmabufDev)
	if score&scoreMatchesDRMDev != 0 {
		log.Debug("physical device matches the dmabuf feedback DRM dev", "device", name)
	}
	return probeInfo{
		physdev:    pd,
		name:       name,
		devType:    devType,
		apiVersion: props.ApiVersion,
		extensions: extensions,
		primary:    primary,
		render:     render,
		score:      score,
	}, true
}

func deviceExtensions(pd vk.PhysicalDevice) (map[string]bool, error) {
	var count uint32
	if err := vkCheck(vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil), "enumerating device extensions"); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, count)
	if err := vkCheck(vk.EnumerateDeviceExtensionProperties(pd, "", &count, props), "enumerating device extensions"); err != nil {
		return nil, err
	}
	extensions := make(map[string]bool, count)
	for i := range props {
		props[i].Deref()
		extensions[vk.ToString(props[i].ExtensionName[:])] = true
	}
	return extensions, nil
}

func createDevice(info probeInfo, dmabufDev DRMDev) (*Device, error) {
	log := logging.Logger()

	major, minor := vk.Version(info.apiVersion).Major(), vk.Version(info.apiVersion).Minor()
	if major != 1 || minor < 1 {
		return nil, fmt.Errorf("%w: device supports %d.%d", ErrVersion, major, minor)
	}

	queueFamily, ok := findGraphicsQueueFamily(info.physdev)
	if !ok {
		return nil, errors.New("no graphics queue family")
	}

	var enabled []string
	enable := func(name string) bool {
		if info.extensions[vk.ToString([]byte(name))] {
			enabled = append(enabled, name)
			return true
		}
		return false
	}
	for _, required := range []string{
		extExternalMemoryFd,
		extExternalMemoryDmaBuf,
		extQueueFamilyForeign,
		extImageFormatList,
	} {
		if !enable(required) {
			return nil, fmt.Errorf("required extension %s unavailable", vk.ToString([]byte(required)))
		}
	}
	hasModifier := enable(extImageDrmFormatModifier)
	if !hasModifier {
		log.Debug("EXT_image_drm_format_modifier unavailable, using linear tiling")
	}

	var device vk.Device
	ret := vk.CreateDevice(info.physdev, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: queueFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
		EnabledExtensionCount:   uint32(len(enabled)),
		PpEnabledExtensionNames: enabled,
	}, nil, &device)
	if err := vkCheck(ret, "creating device"); err != nil {
		return nil, err
	}

	pfnMemoryFd := deviceProcAddr(device, "vkGetMemoryFdKHR")
	if pfnMemoryFd == nil {
		vk.DestroyDevice(device, nil)
		return nil, errors.New("vkGetMemoryFdKHR unresolved")
	}
	var pfnImageModifier unsafe.Pointer
	if hasModifier {
		pfnImageModifier = deviceProcAddr(device, "vkGetImageDrmFormatModifierPropertiesEXT")
		if pfnImageModifier == nil {
			vk.DestroyDevice(device, nil)
			return nil, errors.New("vkGetImageDrmFormatModifierPropertiesEXT unresolved")
		}
	}

	var queue vk.Queue
	vk.GetDeviceQueue(device, queueFamily, 0, &queue)

	var pool vk.CommandPool
	ret = vk.CreateCommandPool(device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: queueFamily,
	}, nil, &pool)
	if err := vkCheck(ret, "creating command pool"); err != nil {
		vk.DestroyDevice(device, nil)
		return nil, err
	}

	cmdBufs := make([]vk.CommandBuffer, 1)
	ret = vk.AllocateCommandBuffers(device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmdBufs)
	if err := vkCheck(ret, "allocating command buffer"); err != nil {
		vk.DestroyCommandPool(device, pool, nil)
		vk.DestroyDevice(device, nil)
		return nil, err
	}

	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(info.physdev, &memProps)
	memProps.Deref()

	var drmFormatProps []drmModifierProps
	if hasModifier {
		drmFormatProps = queryDrmFormatModifiers(info.physdev, vk.FormatB8g8r8a8Srgb)
	}

	return &Device{
		physdev:          info.physdev,
		device:           device,
		queue:            queue,
		queueFamily:      queueFamily,
		commandPool:      pool,
		commandBuf:       cmdBufs[0],
		pfnMemoryFd:      pfnMemoryFd,
		pfnImageModifier: pfnImageModifier,
		primaryDev:       info.primary,
		renderDev:        info.render,
		dmabufDev:        dmabufDev,
		memProps:         memProps,
		drmFormatProps:   drmFormatProps,
		hasModifierTile:  hasModifier,
	}, nil
}

func findGraphicsQueueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)
	for i := range props {
		props[i].Deref()
		if vk.QueueFlags(props[i].QueueFlags)&vk.QueueFlags(vk.QueueGraphicsBit) != 0 &&
			props[i].QueueCount > 0 {
			return uint32(i), true
		}
	}
	return 0, false
}
