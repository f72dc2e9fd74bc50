package gpu

import (
	"testing"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/unix"
)

func TestScorePhysicalDevice(t *testing.T) {
	card0 := Dev(unix.Mkdev(226, 0))
	render128 := Dev(unix.Mkdev(226, 128))
	otherRender := Dev(unix.Mkdev(226, 129))

	tests := []struct {
		name    string
		devType vk.PhysicalDeviceType
		primary DRMDev
		render  DRMDev
		dmabuf  DRMDev
		want    uint32
	}{
		{
			name:    "discrete matching render node",
			devType: vk.PhysicalDeviceTypeDiscreteGpu,
			primary: card0, render: render128, dmabuf: render128,
			want: scoreMatchesDRMDev | scoreDiscreteGPU,
		},
		{
			name:    "integrated matching primary node",
			devType: vk.PhysicalDeviceTypeIntegratedGpu,
			primary: card0, render: render128, dmabuf: card0,
			want: scoreMatchesDRMDev | scoreIntegratedGPU,
		},
		{
			name:    "discrete not matching",
			devType: vk.PhysicalDeviceTypeDiscreteGpu,
			primary: card0, render: render128, dmabuf: otherRender,
			want: scoreDiscreteGPU,
		},
		{
			name:    "integrated match beats unmatched discrete",
			devType: vk.PhysicalDeviceTypeIntegratedGpu,
			primary: card0, render: render128, dmabuf: render128,
			want: scoreMatchesDRMDev | scoreIntegratedGPU,
		},
		{
			name:    "virtual gpu",
			devType: vk.PhysicalDeviceTypeVirtualGpu,
			want:    scoreVirtualGPU,
		},
		{
			name:    "cpu type scores zero",
			devType: vk.PhysicalDeviceTypeCpu,
			want:    0,
		},
		{
			name:    "unknown dmabuf dev never matches",
			devType: vk.PhysicalDeviceTypeDiscreteGpu,
			primary: card0, render: render128,
			want: scoreDiscreteGPU,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorePhysicalDevice(tt.devType, tt.primary, tt.render, tt.dmabuf)
			if got != tt.want {
				t.Errorf("score = %#b, want %#b", got, tt.want)
			}
		})
	}
}

func TestScoreOrdering(t *testing.T) {
	// The DRM device match must dominate every device type preference.
	render := Dev(unix.Mkdev(226, 128))
	matchedIntegrated := scorePhysicalDevice(vk.PhysicalDeviceTypeIntegratedGpu, DRMDev{}, render, render)
	unmatchedDiscrete := scorePhysicalDevice(vk.PhysicalDeviceTypeDiscreteGpu, DRMDev{}, DRMDev{}, render)
	if matchedIntegrated <= unmatchedDiscrete {
		t.Errorf("matched integrated (%d) must outrank unmatched discrete (%d)",
			matchedIntegrated, unmatchedDiscrete)
	}
}

func TestUploaderDeviceLifecycle(t *testing.T) {
	render := Dev(unix.Mkdev(226, 128))

	t.Run("failed first uploader drops the fresh device", func(t *testing.T) {
		g := &GPU{}
		dev := &Device{dmabufDev: render}
		newDev := func(DRMDev) (*Device, error) { return dev, nil }
		newUp := func(*Device, uint32, uint32, []uint64) (*Uploader, error) {
			return nil, ErrNoUsableModifier
		}
		if _, err := g.uploaderWith(newDev, newUp, render, 1920, 1080, nil); err == nil {
			t.Fatal("expected uploader creation to fail")
		}
		if len(g.devices) != 0 {
			t.Errorf("device list holds %d entries, want none", len(g.devices))
		}
		if !dev.released() {
			t.Error("unreferenced fresh device must be destroyed")
		}
	})

	t.Run("successful uploader registers and reuses the device", func(t *testing.T) {
		g := &GPU{}
		created := 0
		newDev := func(DRMDev) (*Device, error) {
			created++
			return &Device{dmabufDev: render}, nil
		}
		newUp := func(dev *Device, _, _ uint32, _ []uint64) (*Uploader, error) {
			dev.acquire()
			return &Uploader{dev: dev}, nil
		}
		up1, err := g.uploaderWith(newDev, newUp, render, 1920, 1080, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(g.devices) != 1 {
			t.Fatalf("device list holds %d entries, want 1", len(g.devices))
		}
		up2, err := g.uploaderWith(newDev, newUp, render, 2560, 1440, nil)
		if err != nil {
			t.Fatal(err)
		}
		if created != 1 {
			t.Errorf("created %d devices, want 1", created)
		}
		if up1.dev != up2.dev {
			t.Error("second uploader must reuse the existing device")
		}
	})

	t.Run("uploader failure on a shared device keeps it alive", func(t *testing.T) {
		g := &GPU{}
		dev := &Device{dmabufDev: render}
		dev.acquire()
		g.devices = append(g.devices, dev)
		newDev := func(DRMDev) (*Device, error) {
			t.Fatal("must not create a device while a compatible one is live")
			return nil, nil
		}
		newUp := func(*Device, uint32, uint32, []uint64) (*Uploader, error) {
			return nil, ErrNoUsableModifier
		}
		if _, err := g.uploaderWith(newDev, newUp, render, 1920, 1080, nil); err == nil {
			t.Fatal("expected uploader creation to fail")
		}
		if dev.released() {
			t.Error("referenced device must survive an uploader failure")
		}
		if len(g.devices) != 1 {
			t.Errorf("device list holds %d entries, want 1", len(g.devices))
		}
	})
}

func TestDRMDevEqual(t *testing.T) {
	a := Dev(unix.Mkdev(226, 0))
	b := Dev(unix.Mkdev(226, 1))
	unknown := DRMDev{}

	tests := []struct {
		name string
		x, y DRMDev
		want bool
	}{
		{"same dev", a, a, true},
		{"different dev", a, b, false},
		{"both unknown", unknown, DRMDev{}, true},
		{"known vs unknown", a, unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.x.Equal(tt.y); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceDmabufDevEqual(t *testing.T) {
	primary := Dev(unix.Mkdev(226, 0))
	render := Dev(unix.Mkdev(226, 128))
	dev := &Device{primaryDev: primary, renderDev: render, dmabufDev: render}

	if !dev.dmabufDevEqual(render) {
		t.Error("render node must match")
	}
	if !dev.dmabufDevEqual(primary) {
		t.Error("primary node must match")
	}
	if dev.dmabufDevEqual(Dev(unix.Mkdev(226, 129))) {
		t.Error("unrelated node must not match")
	}
	if dev.dmabufDevEqual(DRMDev{}) {
		t.Error("unknown feedback dev must not match a device created with one")
	}

	legacy := &Device{}
	if !legacy.dmabufDevEqual(DRMDev{}) {
		t.Error("unknown matches a device created without a feedback dev")
	}
}

func TestFormatModifierString(t *testing.T) {
	tests := []struct {
		modifier uint64
		want     string
	}{
		{DRMFormatModLinear, "0000000000000000"},
		{0x0100000000000001, "0100000000000001"},
	}
	for _, tt := range tests {
		if got := FormatModifierString(tt.modifier); got != tt.want {
			t.Errorf("FormatModifierString(%d) = %q, want %q", tt.modifier, got, tt.want)
		}
	}
}

func TestDRMFormatXRGB8888Fourcc(t *testing.T) {
	// 'XR24' little endian.
	if DRMFormatXRGB8888 != 0x34325258 {
		t.Errorf("DRMFormatXRGB8888 = %#x, want 0x34325258", DRMFormatXRGB8888)
	}
}

func TestFindMemoryTypeIndex(t *testing.T) {
	hostVisible := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	deviceLocal := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)

	var props vk.PhysicalDeviceMemoryProperties
	props.MemoryTypeCount = 3
	props.MemoryTypes[0].PropertyFlags = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	props.MemoryTypes[1].PropertyFlags = hostVisible
	props.MemoryTypes[2].PropertyFlags = hostVisible | deviceLocal

	t.Run("first matching type wins", func(t *testing.T) {
		idx, ok := findMemoryTypeIndex(props, 0b111, hostVisible)
		if !ok || idx != 1 {
			t.Errorf("got (%d, %v), want (1, true)", idx, ok)
		}
	})
	t.Run("type bits mask respected", func(t *testing.T) {
		idx, ok := findMemoryTypeIndex(props, 0b100, hostVisible)
		if !ok || idx != 2 {
			t.Errorf("got (%d, %v), want (2, true)", idx, ok)
		}
	})
	t.Run("no match", func(t *testing.T) {
		if _, ok := findMemoryTypeIndex(props, 0b001, hostVisible); ok {
			t.Error("expected no match for device-local-only type")
		}
	})
}
