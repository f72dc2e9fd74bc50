package wayland

import (
	"encoding/binary"
	"reflect"
	"strings"
	"testing"

	"github.com/wsbg/wsbg/internal/imgload"
	"github.com/wsbg/wsbg/internal/proto/linuxdmabuf"
)

func TestScalingDecision(t *testing.T) {
	tests := []struct {
		name                        string
		width, height               int32
		logicalWidth, logicalHeight int32
		scale                       int32
		want                        scalingMode
	}{
		{"unscaled output", 1920, 1080, 1920, 1080, 1, scalingNone},
		{"logical reported in pixels", 3840, 2160, 3840, 2160, 2, scalingNone},
		{"integer scale", 3840, 2160, 1920, 1080, 2, scalingBuffer},
		{"fractional scale", 2880, 1800, 1920, 1200, 2, scalingViewport},
		{"width matches logical", 1920, 1080, 1920, 1200, 1, scalingNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scalingDecision(tt.width, tt.height, tt.logicalWidth, tt.logicalHeight, tt.scale)
			if got != tt.want {
				t.Errorf("scalingDecision = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdjustedSize(t *testing.T) {
	tests := []struct {
		name                  string
		transform             int32
		width, height         int32
		wantWidth, wantHeight int32
	}{
		{"normal", 0, 1920, 1080, 1920, 1080},
		{"90 degrees", 1, 1920, 1080, 1080, 1920},
		{"180 degrees", 2, 1920, 1080, 1920, 1080},
		{"270 degrees", 3, 1920, 1080, 1080, 1920},
		{"flipped 90", 5, 1920, 1080, 1080, 1920},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := adjustedSize(tt.width, tt.height, tt.transform)
			if w != tt.wantWidth || h != tt.wantHeight {
				t.Errorf("adjustedSize = %dx%d, want %dx%d", w, h, tt.wantWidth, tt.wantHeight)
			}
		})
	}
}

func TestWorkspaceNumber(t *testing.T) {
	tests := []struct {
		workspace string
		want      int
	}{
		{"1", 1},
		{"10", 10},
		{"0", 0},
		{"browsing", -1},
		{"_default", -1},
		{"-3", -1},
		{"1a", -1},
	}
	for _, tt := range tests {
		t.Run(tt.workspace, func(t *testing.T) {
			if got := workspaceNumber(tt.workspace); got != tt.want {
				t.Errorf("workspaceNumber(%q) = %d, want %d", tt.workspace, got, tt.want)
			}
		})
	}
}

func testBackgrounds(workspaces ...string) []WorkspaceBackground {
	backgrounds := make([]WorkspaceBackground, len(workspaces))
	for i, w := range workspaces {
		backgrounds[i] = WorkspaceBackground{
			workspaceName:   w,
			workspaceNumber: workspaceNumber(w),
			wp:              &Wallpaper{refs: 1},
		}
	}
	return backgrounds
}

func TestFindWorkspaceBackground(t *testing.T) {
	backgrounds := testBackgrounds("1", "2", "mail", "_default")
	tests := []struct {
		name      string
		workspace string
		number    int
		want      string
	}{
		{"exact name", "mail", -1, "mail"},
		{"exact numeric name", "2", 2, "2"},
		{"number of a named workspace", "2: web", 2, "2"},
		{"name beats number", "mail", 1, "mail"},
		{"unknown falls back to default", "scratch", -1, "_default"},
		{"unknown number falls back to default", "9", 9, "_default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findWorkspaceBackground(backgrounds, tt.workspace, tt.number)
			if got == nil {
				t.Fatal("findWorkspaceBackground returned nil")
			}
			if got.workspaceName != tt.want {
				t.Errorf("resolved to %q, want %q", got.workspaceName, tt.want)
			}
		})
	}

	t.Run("no default", func(t *testing.T) {
		if got := findWorkspaceBackground(testBackgrounds("1"), "scratch", -1); got != nil {
			t.Errorf("resolved to %q, want nil", got.workspaceName)
		}
	})
}

func TestFlushCounter(t *testing.T) {
	var c flushCounter
	for i := 0; i < MaxFDsOut; i++ {
		if c.add(1) {
			t.Fatalf("barrier after %d descriptors", i+1)
		}
	}
	if !c.add(1) {
		t.Error("no barrier past the batch limit")
	}
	if c.fds != 1 {
		t.Errorf("count after barrier = %d, want 1", c.fds)
	}
	if c.take() != 1 {
		t.Error("take must return the pending count")
	}
	if c.take() != 0 {
		t.Error("take must reset the count")
	}

	c = flushCounter{fds: MaxFDsOut - 2}
	if !c.add(4) {
		t.Error("multi descriptor request must trip the barrier")
	}
}

func TestWallpaperRetainRelease(t *testing.T) {
	wp := &Wallpaper{}
	wp.retain()
	wp.retain()
	wp.release()
	if wp.refs != 1 {
		t.Errorf("refs = %d, want 1", wp.refs)
	}
	wp.release()
	if wp.refs != 0 {
		t.Errorf("refs = %d, want 0", wp.refs)
	}
}

func TestWallpaperMatchesFile(t *testing.T) {
	wp := &Wallpaper{canonPath: "/wp/a.png", canonModifiedNS: 42}
	if !wp.matchesFile(imgload.WallpaperFile{CanonPath: "/wp/a.png", CanonModifiedNS: 42}) {
		t.Error("identical file must match")
	}
	if wp.matchesFile(imgload.WallpaperFile{CanonPath: "/wp/a.png", CanonModifiedNS: 43}) {
		t.Error("modified file must not match")
	}
	if wp.matchesFile(imgload.WallpaperFile{CanonPath: "/wp/b.png", CanonModifiedNS: 42}) {
		t.Error("different file must not match")
	}
}

func TestFindSharedWallpaper(t *testing.T) {
	file := imgload.WallpaperFile{CanonPath: "/wp/a.png", CanonModifiedNS: 7}
	shared := &Wallpaper{
		shm:             &shmPool{size: 64},
		canonPath:       file.CanonPath,
		canonModifiedNS: file.CanonModifiedNS,
		refs:            1,
	}
	other := &BackgroundLayer{
		outputName: "DP-1",
		width:      1920, height: 1080,
		backgrounds: []WorkspaceBackground{{workspaceName: "1", wp: shared}},
	}
	s := &State{layers: []*BackgroundLayer{other}}

	t.Run("same geometry shares", func(t *testing.T) {
		bg := &BackgroundLayer{outputName: "DP-2", width: 1920, height: 1080}
		s.layers = []*BackgroundLayer{other, bg}
		if got := s.findSharedWallpaper(bg, file, nil); got != shared {
			t.Error("equal geometry must share the wallpaper")
		}
	})
	t.Run("different size does not share", func(t *testing.T) {
		bg := &BackgroundLayer{outputName: "DP-2", width: 2560, height: 1440}
		s.layers = []*BackgroundLayer{other, bg}
		if got := s.findSharedWallpaper(bg, file, nil); got != nil {
			t.Error("different size must not share")
		}
	})
	t.Run("different transform does not share", func(t *testing.T) {
		bg := &BackgroundLayer{outputName: "DP-2", width: 1920, height: 1080, transform: 1}
		s.layers = []*BackgroundLayer{other, bg}
		if got := s.findSharedWallpaper(bg, file, nil); got != nil {
			t.Error("different transform must not share")
		}
	})
	t.Run("own layer is skipped", func(t *testing.T) {
		s.layers = []*BackgroundLayer{other}
		if got := s.findSharedWallpaper(other, file, nil); got != nil {
			t.Error("a layer must not share with itself")
		}
	})
}

func TestDrawWorkspaceQueuesUnreadyWallpaper(t *testing.T) {
	backgrounds := testBackgrounds("1", "2")
	bg := &BackgroundLayer{
		outputName:  "DP-1",
		configured:  true,
		backgrounds: backgrounds,
	}

	bg.drawWorkspace("1", 1)
	if bg.pending != backgrounds[0].wp {
		t.Fatal("wallpaper without a buffer must be queued as pending")
	}

	// A workspace switch before the buffer arrives replaces the
	// queued wallpaper.
	bg.drawWorkspace("2", 2)
	if bg.pending != backgrounds[1].wp {
		t.Error("a later draw must supersede the pending wallpaper")
	}

	t.Run("not configured", func(t *testing.T) {
		unready := &BackgroundLayer{outputName: "DP-2", backgrounds: testBackgrounds("1")}
		unready.drawWorkspace("1", 1)
		if unready.pending != nil {
			t.Error("an unconfigured surface must not queue wallpapers")
		}
	})
}

func TestFindParamsBackground(t *testing.T) {
	params := &linuxdmabuf.BufferParams{}
	other := &linuxdmabuf.BufferParams{}
	layerA := &BackgroundLayer{
		outputName: "DP-1",
		backgrounds: []WorkspaceBackground{
			{workspaceName: "1", wp: &Wallpaper{params: other, refs: 1}},
		},
	}
	layerB := &BackgroundLayer{
		outputName: "DP-2",
		backgrounds: []WorkspaceBackground{
			{workspaceName: "1", wp: &Wallpaper{refs: 1}},
			{workspaceName: "2", wp: &Wallpaper{params: params, refs: 1}},
		},
	}
	layers := []*BackgroundLayer{layerA, layerB}

	bg, wb := findParamsBackground(layers, params)
	if bg != layerB || wb == nil || wb.workspaceName != "2" {
		t.Error("must resolve the layer and workspace waiting on the params")
	}
	if bg, wb := findParamsBackground(layers, &linuxdmabuf.BufferParams{}); bg != nil || wb != nil {
		t.Error("unknown params must resolve to nothing")
	}
}

func TestClearFailedParams(t *testing.T) {
	params := &linuxdmabuf.BufferParams{}
	other := &linuxdmabuf.BufferParams{}
	wpA := &Wallpaper{params: params, refs: 1}
	wpB := &Wallpaper{params: params, refs: 1}
	wpC := &Wallpaper{params: other, refs: 1}
	layerA := &BackgroundLayer{
		outputName:  "DP-1",
		backgrounds: []WorkspaceBackground{{workspaceName: "1", wp: wpA}},
	}
	layerB := &BackgroundLayer{
		outputName: "DP-2",
		backgrounds: []WorkspaceBackground{
			{workspaceName: "1", wp: wpB},
			{workspaceName: "2", wp: wpC},
		},
	}
	layerC := &BackgroundLayer{outputName: "DP-3"}

	affected := clearFailedParams([]*BackgroundLayer{layerA, layerB, layerC}, params)
	if len(affected) != 2 || affected[0] != layerA || affected[1] != layerB {
		t.Errorf("affected layers = %d, want DP-1 and DP-2", len(affected))
	}
	if wpA.params != nil || wpB.params != nil {
		t.Error("failed params must be cleared from every waiting wallpaper")
	}
	if wpC.params != other {
		t.Error("wallpapers waiting on other params must keep them")
	}
}

func TestMemoryStats(t *testing.T) {
	shared := &Wallpaper{shm: &shmPool{size: 2048}, refs: 2}
	solo := &Wallpaper{shm: &shmPool{size: 1024}, refs: 1}
	s := &State{layers: []*BackgroundLayer{
		{backgrounds: []WorkspaceBackground{
			{workspaceName: "1", wp: shared},
			{workspaceName: "2", wp: solo},
		}},
		{backgrounds: []WorkspaceBackground{
			{workspaceName: "1", wp: shared},
		}},
	}}
	st := s.memoryStats()
	if st.shmBytes != 3072 {
		t.Errorf("shmBytes = %v, want 3072", st.shmBytes)
	}
	if st.shmCount != 2 {
		t.Errorf("shmCount = %v, want 2", st.shmCount)
	}
	if st.dmabufCount != 0 || st.dmabufBytes != 0 {
		t.Errorf("dmabuf stats = %v/%v, want zero", st.dmabufCount, st.dmabufBytes)
	}
	if got := st.String(); !strings.Contains(got, "3 KiB") {
		t.Errorf("String = %q, want it to mention 3 KiB", got)
	}
}

func makeFormatTable(entries []struct {
	format   uint32
	modifier uint64
}) []byte {
	table := make([]byte, len(entries)*formatTableCellSize)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(table[i*formatTableCellSize:], e.format)
		binary.LittleEndian.PutUint64(table[i*formatTableCellSize+8:], e.modifier)
	}
	return table
}

func TestFormatTableEntry(t *testing.T) {
	table := makeFormatTable([]struct {
		format   uint32
		modifier uint64
	}{
		{0x34325258, 0},
		{0x34324742, 0x0100000000000002},
	})

	format, modifier, ok := formatTableEntry(table, 1)
	if !ok || format != 0x34324742 || modifier != 0x0100000000000002 {
		t.Errorf("entry 1 = %#x/%#x/%v", format, modifier, ok)
	}
	if _, _, ok := formatTableEntry(table, 2); ok {
		t.Error("out of range index must not be ok")
	}
	if _, _, ok := formatTableEntry(nil, 0); ok {
		t.Error("empty table must not be ok")
	}
}

func TestCollectModifiers(t *testing.T) {
	const xrgb = 0x34325258
	table := makeFormatTable([]struct {
		format   uint32
		modifier uint64
	}{
		{xrgb, 0},
		{0x34324742, 7},
		{xrgb, 0x0100000000000001},
		{xrgb, 0},
	})

	got := collectModifiers(table, []uint16{0, 1, 2, 3, 9}, xrgb)
	want := []uint64{0, 0x0100000000000001}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("collectModifiers = %v, want %v", got, want)
	}
}

func TestSelectTranche(t *testing.T) {
	tranches := []tranche{
		{device: 2, haveDevice: true},
		{device: 1, haveDevice: true, flags: linuxdmabuf.TrancheFlagScanout},
		{device: 1, haveDevice: true},
	}
	got := selectTranche(tranches, 1)
	if got != &tranches[1] {
		t.Error("must select the first tranche targeting the main device")
	}
	if selectTranche(tranches, 9) != nil {
		t.Error("unknown device must select nothing")
	}
	if selectTranche(nil, 1) != nil {
		t.Error("empty feedback must select nothing")
	}
}
