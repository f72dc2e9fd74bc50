package gpu

// The bundled Vulkan binding wraps the core 1.0 commands and the
// extension struct types, but not the extension entry points the
// dmabuf export path needs. This file resolves those six commands
// through vkGetInstanceProcAddr / vkGetDeviceProcAddr and calls them
// through small C helpers. The helpers own the pNext chains, so no Go
// pointer ever ends up inside memory handed to the driver.

/*
#cgo LDFLAGS: -ldl

#include <stdint.h>
#include <stdlib.h>
#include <dlfcn.h>

typedef void*    VkInstance;
typedef void*    VkPhysicalDevice;
typedef void*    VkDevice;
typedef uint64_t VkImage;
typedef uint64_t VkDeviceMemory;
typedef int32_t  VkResult;

// Struct layouts follow the 64-bit Vulkan ABI. VkPhysicalDeviceProperties
// is 824 bytes; an oversized output blob keeps this file independent of
// the limits struct.
typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint8_t  properties[1024];
} wsbgPhysicalDeviceProperties2;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint32_t hasPrimary;
	uint32_t hasRender;
	int64_t  primaryMajor;
	int64_t  primaryMinor;
	int64_t  renderMajor;
	int64_t  renderMinor;
} wsbgPhysicalDeviceDrmPropertiesEXT;

typedef struct {
	uint64_t drmFormatModifier;
	uint32_t drmFormatModifierPlaneCount;
	uint32_t drmFormatModifierTilingFeatures;
} wsbgDrmFormatModifierPropertiesEXT;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint32_t drmFormatModifierCount;
	uint32_t pad1;
	wsbgDrmFormatModifierPropertiesEXT* pDrmFormatModifierProperties;
} wsbgDrmFormatModifierPropertiesListEXT;

typedef struct {
	uint32_t linearTilingFeatures;
	uint32_t optimalTilingFeatures;
	uint32_t bufferFeatures;
} wsbgFormatProperties;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	wsbgFormatProperties formatProperties;
} wsbgFormatProperties2;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint32_t format;
	uint32_t type;
	uint32_t tiling;
	uint32_t usage;
	uint32_t flags;
} wsbgPhysicalDeviceImageFormatInfo2;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint64_t drmFormatModifier;
	uint32_t sharingMode;
	uint32_t queueFamilyIndexCount;
	const uint32_t* pQueueFamilyIndices;
} wsbgPhysicalDeviceImageDrmFormatModifierInfoEXT;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint32_t handleType;
} wsbgPhysicalDeviceExternalImageFormatInfo;

typedef struct {
	uint32_t width;
	uint32_t height;
	uint32_t depth;
} wsbgExtent3D;

typedef struct {
	wsbgExtent3D maxExtent;
	uint32_t maxMipLevels;
	uint32_t maxArrayLayers;
	uint32_t sampleCounts;
	uint64_t maxResourceSize;
} wsbgImageFormatProperties;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	wsbgImageFormatProperties imageFormatProperties;
} wsbgImageFormatProperties2;

typedef struct {
	uint32_t externalMemoryFeatures;
	uint32_t exportFromImportedHandleTypes;
	uint32_t compatibleHandleTypes;
} wsbgExternalMemoryProperties;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	wsbgExternalMemoryProperties externalMemoryProperties;
} wsbgExternalImageFormatProperties;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	uint64_t drmFormatModifier;
} wsbgImageDrmFormatModifierPropertiesEXT;

typedef struct {
	int32_t  sType;
	uint32_t pad0;
	void*    pNext;
	VkDeviceMemory memory;
	uint32_t handleType;
} wsbgMemoryGetFdInfoKHR;

// VkStructureType and enum values from the Vulkan registry.
enum {
	wsbgStPhysicalDeviceProperties2           = 1000059001,
	wsbgStFormatProperties2                   = 1000059002,
	wsbgStImageFormatProperties2              = 1000059003,
	wsbgStPhysicalDeviceImageFormatInfo2      = 1000059004,
	wsbgStPhysicalDeviceExternalImageFormatInfo = 1000071000,
	wsbgStExternalImageFormatProperties       = 1000071001,
	wsbgStMemoryGetFdInfoKHR                  = 1000074002,
	wsbgStDrmFormatModifierPropertiesListEXT  = 1000158000,
	wsbgStPhysicalDeviceImageDrmFormatModifierInfoEXT = 1000158002,
	wsbgStImageDrmFormatModifierPropertiesEXT = 1000158005,
	wsbgStPhysicalDeviceDrmPropertiesEXT      = 1000353000,

	wsbgImageType2D                  = 1,
	wsbgImageTilingDrmFormatModifier = 1000158000,
	wsbgHandleTypeDmaBuf             = 0x200,
};

typedef void (*PFN_wsbgVoidFunction)(void);
typedef PFN_wsbgVoidFunction (*PFN_wsbgGetInstanceProcAddr)(VkInstance, const char*);
typedef PFN_wsbgVoidFunction (*PFN_wsbgGetDeviceProcAddr)(VkDevice, const char*);
typedef VkResult (*PFN_wsbgEnumerateInstanceVersion)(uint32_t*);
typedef void (*PFN_wsbgGetPhysicalDeviceProperties2)(VkPhysicalDevice, wsbgPhysicalDeviceProperties2*);
typedef void (*PFN_wsbgGetPhysicalDeviceFormatProperties2)(VkPhysicalDevice, uint32_t, wsbgFormatProperties2*);
typedef VkResult (*PFN_wsbgGetPhysicalDeviceImageFormatProperties2)(VkPhysicalDevice,
	const wsbgPhysicalDeviceImageFormatInfo2*, wsbgImageFormatProperties2*);
typedef VkResult (*PFN_wsbgGetImageDrmFormatModifierPropertiesEXT)(VkDevice, VkImage,
	wsbgImageDrmFormatModifierPropertiesEXT*);
typedef VkResult (*PFN_wsbgGetMemoryFdKHR)(VkDevice, const wsbgMemoryGetFdInfoKHR*, int*);

static void* wsbgVkLib = NULL;
static PFN_wsbgGetInstanceProcAddr wsbgGipa = NULL;
static PFN_wsbgGetDeviceProcAddr wsbgGdpa = NULL;
static PFN_wsbgGetPhysicalDeviceProperties2 wsbgProps2 = NULL;
static PFN_wsbgGetPhysicalDeviceFormatProperties2 wsbgFormatProps2 = NULL;
static PFN_wsbgGetPhysicalDeviceImageFormatProperties2 wsbgImageFormatProps2 = NULL;

static int wsbgVkOpen(void) {
	if (wsbgGipa) {
		return 0;
	}
	wsbgVkLib = dlopen("libvulkan.so.1", RTLD_NOW | RTLD_LOCAL);
	if (!wsbgVkLib) {
		wsbgVkLib = dlopen("libvulkan.so", RTLD_NOW | RTLD_LOCAL);
	}
	if (!wsbgVkLib) {
		return -1;
	}
	wsbgGipa = (PFN_wsbgGetInstanceProcAddr)dlsym(wsbgVkLib, "vkGetInstanceProcAddr");
	return wsbgGipa ? 0 : -1;
}

// wsbgInstanceVersion returns 0 on success, -1 when the loader is
// missing and 1 when the query itself is (a 1.0 loader).
static int wsbgInstanceVersion(uint32_t* version) {
	PFN_wsbgEnumerateInstanceVersion fn;
	if (wsbgVkOpen() != 0) {
		return -1;
	}
	fn = (PFN_wsbgEnumerateInstanceVersion)wsbgGipa(NULL, "vkEnumerateInstanceVersion");
	if (!fn || fn(version) != 0) {
		return 1;
	}
	return 0;
}

static PFN_wsbgVoidFunction wsbgInstanceProc(VkInstance instance, const char* name, const char* alias) {
	PFN_wsbgVoidFunction fn = wsbgGipa(instance, name);
	if (!fn && alias) {
		fn = wsbgGipa(instance, alias);
	}
	return fn;
}

static int wsbgLoadInstanceCommands(VkInstance instance) {
	if (wsbgVkOpen() != 0) {
		return -1;
	}
	wsbgGdpa = (PFN_wsbgGetDeviceProcAddr)wsbgInstanceProc(instance, "vkGetDeviceProcAddr", NULL);
	wsbgProps2 = (PFN_wsbgGetPhysicalDeviceProperties2)wsbgInstanceProc(instance,
		"vkGetPhysicalDeviceProperties2", "vkGetPhysicalDeviceProperties2KHR");
	wsbgFormatProps2 = (PFN_wsbgGetPhysicalDeviceFormatProperties2)wsbgInstanceProc(instance,
		"vkGetPhysicalDeviceFormatProperties2", "vkGetPhysicalDeviceFormatProperties2KHR");
	wsbgImageFormatProps2 = (PFN_wsbgGetPhysicalDeviceImageFormatProperties2)wsbgInstanceProc(instance,
		"vkGetPhysicalDeviceImageFormatProperties2", "vkGetPhysicalDeviceImageFormatProperties2KHR");
	return (wsbgGdpa && wsbgProps2 && wsbgFormatProps2 && wsbgImageFormatProps2) ? 0 : -1;
}

static void wsbgQueryDrmProperties(VkPhysicalDevice pd, wsbgPhysicalDeviceDrmPropertiesEXT* drm) {
	wsbgPhysicalDeviceProperties2 props = {0};
	drm->sType = wsbgStPhysicalDeviceDrmPropertiesEXT;
	drm->pNext = NULL;
	props.sType = wsbgStPhysicalDeviceProperties2;
	props.pNext = drm;
	wsbgProps2(pd, &props);
}

static uint32_t wsbgDrmFormatModifierCount(VkPhysicalDevice pd, uint32_t format) {
	wsbgDrmFormatModifierPropertiesListEXT list = {0};
	wsbgFormatProperties2 props = {0};
	list.sType = wsbgStDrmFormatModifierPropertiesListEXT;
	props.sType = wsbgStFormatProperties2;
	props.pNext = &list;
	wsbgFormatProps2(pd, format, &props);
	return list.drmFormatModifierCount;
}

static void wsbgDrmFormatModifierProperties(VkPhysicalDevice pd, uint32_t format,
		uint32_t count, wsbgDrmFormatModifierPropertiesEXT* out) {
	wsbgDrmFormatModifierPropertiesListEXT list = {0};
	wsbgFormatProperties2 props = {0};
	list.sType = wsbgStDrmFormatModifierPropertiesListEXT;
	list.drmFormatModifierCount = count;
	list.pDrmFormatModifierProperties = out;
	props.sType = wsbgStFormatProperties2;
	props.pNext = &list;
	wsbgFormatProps2(pd, format, &props);
}

static VkResult wsbgModifierImageFormatProperties(VkPhysicalDevice pd, uint32_t format,
		uint64_t modifier, uint32_t usage, uint32_t queueFamily, wsbgImageFormatProperties* out) {
	wsbgPhysicalDeviceImageDrmFormatModifierInfoEXT modInfo = {0};
	wsbgPhysicalDeviceExternalImageFormatInfo extInfo = {0};
	wsbgPhysicalDeviceImageFormatInfo2 info = {0};
	wsbgExternalImageFormatProperties extProps = {0};
	wsbgImageFormatProperties2 props = {0};
	VkResult ret;

	modInfo.sType = wsbgStPhysicalDeviceImageDrmFormatModifierInfoEXT;
	modInfo.drmFormatModifier = modifier;
	modInfo.queueFamilyIndexCount = 1;
	modInfo.pQueueFamilyIndices = &queueFamily;
	extInfo.sType = wsbgStPhysicalDeviceExternalImageFormatInfo;
	extInfo.pNext = &modInfo;
	extInfo.handleType = wsbgHandleTypeDmaBuf;
	info.sType = wsbgStPhysicalDeviceImageFormatInfo2;
	info.pNext = &extInfo;
	info.format = format;
	info.type = wsbgImageType2D;
	info.tiling = wsbgImageTilingDrmFormatModifier;
	info.usage = usage;
	extProps.sType = wsbgStExternalImageFormatProperties;
	props.sType = wsbgStImageFormatProperties2;
	props.pNext = &extProps;

	ret = wsbgImageFormatProps2(pd, &info, &props);
	*out = props.imageFormatProperties;
	return ret;
}

static PFN_wsbgVoidFunction wsbgDeviceProc(VkDevice dev, const char* name) {
	return wsbgGdpa(dev, name);
}

static VkResult wsbgImageDrmFormatModifier(PFN_wsbgVoidFunction fn, VkDevice dev,
		VkImage image, uint64_t* modifier) {
	wsbgImageDrmFormatModifierPropertiesEXT props = {0};
	VkResult ret;
	props.sType = wsbgStImageDrmFormatModifierPropertiesEXT;
	ret = ((PFN_wsbgGetImageDrmFormatModifierPropertiesEXT)fn)(dev, image, &props);
	*modifier = props.drmFormatModifier;
	return ret;
}

static VkResult wsbgMemoryFd(PFN_wsbgVoidFunction fn, VkDevice dev,
		VkDeviceMemory memory, int* fd) {
	wsbgMemoryGetFdInfoKHR info = {0};
	info.sType = wsbgStMemoryGetFdInfoKHR;
	info.memory = memory;
	info.handleType = wsbgHandleTypeDmaBuf;
	return ((PFN_wsbgGetMemoryFdKHR)fn)(dev, &info, fd);
}
*/
import "C"

import (
	"unsafe"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/unix"
)

// drmModifierProps is one entry of a format's modifier list.
type drmModifierProps struct {
	modifier       uint64
	planeCount     uint32
	tilingFeatures uint32
}

// imageFormatCaps is the image creation limit set for one format,
// tiling and modifier combination.
type imageFormatCaps struct {
	maxWidth        uint32
	maxHeight       uint32
	maxMipLevels    uint32
	maxArrayLayers  uint32
	sampleCounts    uint32
	maxResourceSize uint64
}

func instanceHandle(instance vk.Instance) C.VkInstance {
	return *(*C.VkInstance)(unsafe.Pointer(&instance))
}

func physicalDeviceHandle(pd vk.PhysicalDevice) C.VkPhysicalDevice {
	return *(*C.VkPhysicalDevice)(unsafe.Pointer(&pd))
}

func deviceHandle(dev vk.Device) C.VkDevice {
	return *(*C.VkDevice)(unsafe.Pointer(&dev))
}

func imageHandle(image vk.Image) C.VkImage {
	return *(*C.VkImage)(unsafe.Pointer(&image))
}

func memoryHandle(memory vk.DeviceMemory) C.VkDeviceMemory {
	return *(*C.VkDeviceMemory)(unsafe.Pointer(&memory))
}

// instanceVersion wraps vkEnumerateInstanceVersion, which 1.0 loaders
// do not have; ok is false when the query is unavailable.
func instanceVersion() (uint32, bool) {
	var version C.uint32_t
	if C.wsbgInstanceVersion(&version) != 0 {
		return 0, false
	}
	return uint32(version), true
}

// loadInstanceCommands resolves the Properties2 family entry points.
// Must be called once after instance creation, before any probing.
func loadInstanceCommands(instance vk.Instance) error {
	if C.wsbgLoadInstanceCommands(instanceHandle(instance)) != 0 {
		return ErrVersion
	}
	return nil
}

// queryPhysicalDeviceDrm returns the primary and render DRM nodes of a
// physical device. Requires VK_EXT_physical_device_drm; the caller
// checks the extension.
func queryPhysicalDeviceDrm(pd vk.PhysicalDevice) (primary, render DRMDev) {
	var drm C.wsbgPhysicalDeviceDrmPropertiesEXT
	C.wsbgQueryDrmProperties(physicalDeviceHandle(pd), &drm)
	if drm.hasPrimary != 0 {
		primary = Dev(unix.Mkdev(uint32(drm.primaryMajor), uint32(drm.primaryMinor)))
	}
	if drm.hasRender != 0 {
		render = Dev(unix.Mkdev(uint32(drm.renderMajor), uint32(drm.renderMinor)))
	}
	return primary, render
}

// queryDrmFormatModifiers returns the modifier list for a format, with
// the usual two-call pattern.
func queryDrmFormatModifiers(pd vk.PhysicalDevice, format vk.Format) []drmModifierProps {
	count := C.wsbgDrmFormatModifierCount(physicalDeviceHandle(pd), C.uint32_t(format))
	if count == 0 {
		return nil
	}
	raw := make([]C.wsbgDrmFormatModifierPropertiesEXT, count)
	C.wsbgDrmFormatModifierProperties(physicalDeviceHandle(pd), C.uint32_t(format), count, &raw[0])
	props := make([]drmModifierProps, count)
	for i := range raw {
		props[i] = drmModifierProps{
			modifier:       uint64(raw[i].drmFormatModifier),
			planeCount:     uint32(raw[i].drmFormatModifierPlaneCount),
			tilingFeatures: uint32(raw[i].drmFormatModifierTilingFeatures),
		}
	}
	return props
}

// queryModifierImageCaps asks whether a dmabuf exportable TRANSFER_DST
// image can be created with the given format and modifier, and with
// which limits.
func queryModifierImageCaps(pd vk.PhysicalDevice, format vk.Format, modifier uint64,
	usage uint32, queueFamily uint32) (imageFormatCaps, error) {

	var out C.wsbgImageFormatProperties
	ret := C.wsbgModifierImageFormatProperties(physicalDeviceHandle(pd), C.uint32_t(format),
		C.uint64_t(modifier), C.uint32_t(usage), C.uint32_t(queueFamily), &out)
	if err := vkCheck(vk.Result(ret), "querying image format properties"); err != nil {
		return imageFormatCaps{}, err
	}
	return imageFormatCaps{
		maxWidth:        uint32(out.maxExtent.width),
		maxHeight:       uint32(out.maxExtent.height),
		maxMipLevels:    uint32(out.maxMipLevels),
		maxArrayLayers:  uint32(out.maxArrayLayers),
		sampleCounts:    uint32(out.sampleCounts),
		maxResourceSize: uint64(out.maxResourceSize),
	}, nil
}

// deviceProcAddr resolves a device-level command; nil means the
// command is unavailable on this device.
func deviceProcAddr(dev vk.Device, name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return unsafe.Pointer(C.wsbgDeviceProc(deviceHandle(dev), cname))
}

// queryImageModifier wraps vkGetImageDrmFormatModifierPropertiesEXT.
func queryImageModifier(pfn unsafe.Pointer, dev vk.Device, image vk.Image) (uint64, error) {
	var modifier C.uint64_t
	ret := C.wsbgImageDrmFormatModifier(C.PFN_wsbgVoidFunction(pfn), deviceHandle(dev),
		imageHandle(image), &modifier)
	if err := vkCheck(vk.Result(ret), "querying realized modifier"); err != nil {
		return 0, err
	}
	return uint64(modifier), nil
}

// exportMemoryFd wraps vkGetMemoryFdKHR. The returned descriptor is
// owned by the caller.
func exportMemoryFd(pfn unsafe.Pointer, dev vk.Device, memory vk.DeviceMemory) (int, error) {
	var fd C.int
	ret := C.wsbgMemoryFd(C.PFN_wsbgVoidFunction(pfn), deviceHandle(dev),
		memoryHandle(memory), &fd)
	if err := vkCheck(vk.Result(ret), "exporting memory fd"); err != nil {
		return -1, err
	}
	return int(fd), nil
}
