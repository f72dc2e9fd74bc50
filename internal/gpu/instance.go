package gpu

import (
	"context"
	"fmt"
	"log/slog"

	vk "github.com/goki/vulkan"

	"github.com/wsbg/wsbg/internal/logging"
)

const (
	appName         = "wsbg\x00"
	validationLayer = "VK_LAYER_KHRONOS_validation\x00"
)

// vulkanVersionTarget is the API version requested at instance
// creation; everything the upload path needs is core 1.1 plus device
// extensions.
var vulkanVersionTarget = vk.MakeVersion(1, 1, 0)

func newGPU() (*GPU, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("gpu: loading Vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("gpu: initializing Vulkan: %w", err)
	}

	// Pre-1.1 loaders do not implement the version query at all.
	version, ok := instanceVersion()
	if !ok {
		version = uint32(vk.MakeVersion(1, 0, 0))
	}
	major, minor := vk.Version(version).Major(), vk.Version(version).Minor()
	if major != 1 || minor < 1 {
		return nil, fmt.Errorf("%w: instance supports %d.%d", ErrVersion, major, minor)
	}
	log := logging.Logger()
	log.Debug("Vulkan instance version", "major", major, "minor", minor)

	// Validation output goes to the layer's default sink; the binding
	// has no usable debug report path.
	var layers []string
	if log.Enabled(context.Background(), slog.LevelDebug) {
		log.Debug("debug logging enabled, trying to enable Vulkan validation")
		if hasInstanceLayer(validationLayer) {
			layers = append(layers, validationLayer)
			log.Info("enabling VK_LAYER_KHRONOS_validation")
		} else {
			log.Warn("VK_LAYER_KHRONOS_validation unavailable")
		}
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   appName,
			ApplicationVersion: vk.MakeVersion(0, 1, 0),
			PEngineName:        appName,
			EngineVersion:      vk.MakeVersion(0, 1, 0),
			ApiVersion:         uint32(vulkanVersionTarget),
		},
		EnabledLayerCount:   uint32(len(layers)),
		PpEnabledLayerNames: layers,
	}, nil, &instance)
	if err := vkCheck(ret, "creating instance"); err != nil {
		return nil, err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, fmt.Errorf("gpu: resolving instance commands: %w", err)
	}
	if err := loadInstanceCommands(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, fmt.Errorf("gpu: resolving instance commands: %w", err)
	}
	return &GPU{instance: instance}, nil
}

func hasInstanceLayer(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	props := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, props) != vk.Success {
		return false
	}
	for i := range props {
		props[i].Deref()
		if vk.ToString(props[i].LayerName[:]) == vk.ToString([]byte(name)) {
			return true
		}
	}
	return false
}
