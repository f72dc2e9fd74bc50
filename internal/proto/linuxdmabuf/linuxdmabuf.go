// Package linuxdmabuf is a client binding for zwp_linux_dmabuf_v1,
// which imports dma-buf file descriptors as wl_buffers. Version 4
// adds per-surface feedback carrying the compositor's preferred DRM
// device and format table; older versions only broadcast format and
// modifier events.
package linuxdmabuf

import (
	wl "github.com/neurlang/wayland/wl"

	"github.com/wsbg/wsbg/internal/logging"
)

// InterfaceName is the global advertised by the registry.
const InterfaceName = "zwp_linux_dmabuf_v1"

// MaxVersion is the highest protocol version this binding speaks.
const MaxVersion = 4

const (
	opDmabufDestroy            = 0
	opDmabufCreateParams       = 1
	opDmabufGetDefaultFeedback = 2
	opDmabufGetSurfaceFeedback = 3
)

const (
	opParamsDestroy     = 0
	opParamsAdd         = 1
	opParamsCreate      = 2
	opParamsCreateImmed = 3
)

const opFeedbackDestroy = 0

// TrancheFlagScanout marks a tranche whose formats allow direct
// scanout.
const TrancheFlagScanout uint32 = 1

// DmabufFormatEvent advertises a supported format. Deprecated since
// version 4 in favor of feedback, still sent by older compositors.
type DmabufFormatEvent struct {
	Format uint32
}

// DmabufModifierEvent advertises a format and modifier pair. Sent on
// versions 3 and below.
type DmabufModifierEvent struct {
	Format     uint32
	ModifierHi uint32
	ModifierLo uint32
}

// Modifier joins the two halves of the wire modifier.
func (e DmabufModifierEvent) Modifier() uint64 {
	return uint64(e.ModifierHi)<<32 | uint64(e.ModifierLo)
}

// DmabufListener receives the legacy global events.
type DmabufListener interface {
	HandleDmabufFormat(DmabufFormatEvent)
	HandleDmabufModifier(DmabufModifierEvent)
}

// Dmabuf is the zwp_linux_dmabuf_v1 global.
type Dmabuf struct {
	wl.BaseProxy
	listener DmabufListener
}

// BindDmabuf binds the global from a registry global event. Callers
// cap the version at MaxVersion.
func BindDmabuf(registry *wl.Registry, name uint32, version uint32) *Dmabuf {
	d := new(Dmabuf)
	registry.Context().Register(d)
	registry.Bind(name, InterfaceName, version, d)
	return d
}

// DmabufAddListener sets the listener for the legacy format and
// modifier events.
func DmabufAddListener(d *Dmabuf, listener DmabufListener) {
	d.listener = listener
}

// Dispatch implements wl event dispatch for the global.
func (d *Dmabuf) Dispatch(event *wl.Event) {
	if d.listener == nil {
		return
	}
	switch event.Opcode {
	case 0:
		ev := DmabufFormatEvent{}
		ev.Format = event.Uint32()
		d.listener.HandleDmabufFormat(ev)
	case 1:
		ev := DmabufModifierEvent{}
		ev.Format = event.Uint32()
		ev.ModifierHi = event.Uint32()
		ev.ModifierLo = event.Uint32()
		d.listener.HandleDmabufModifier(ev)
	}
}

// CreateParams starts a new buffer import.
func (d *Dmabuf) CreateParams() (*BufferParams, error) {
	p := new(BufferParams)
	d.Context().Register(p)
	err := d.Context().SendRequest(d, opDmabufCreateParams, p)
	if err != nil {
		d.Context().Unregister(p.Id())
		return nil, err
	}
	return p, nil
}

// GetSurfaceFeedback requests feedback scoped to one surface. Requires
// version 4.
func (d *Dmabuf) GetSurfaceFeedback(surface *wl.Surface) (*Feedback, error) {
	f := new(Feedback)
	d.Context().Register(f)
	err := d.Context().SendRequest(d, opDmabufGetSurfaceFeedback, f, surface)
	if err != nil {
		d.Context().Unregister(f.Id())
		return nil, err
	}
	return f, nil
}

// GetDefaultFeedback requests feedback not tied to a surface. Requires
// version 4.
func (d *Dmabuf) GetDefaultFeedback() (*Feedback, error) {
	f := new(Feedback)
	d.Context().Register(f)
	err := d.Context().SendRequest(d, opDmabufGetDefaultFeedback, f)
	if err != nil {
		d.Context().Unregister(f.Id())
		return nil, err
	}
	return f, nil
}

// Destroy destroys the global binding; params and feedback objects
// live on.
func (d *Dmabuf) Destroy() error {
	err := d.Context().SendRequest(d, opDmabufDestroy)
	d.Context().Unregister(d.Id())
	return err
}

// BufferParamsCreatedEvent carries the wl_buffer for a successful
// import.
type BufferParamsCreatedEvent struct {
	Buffer *wl.Buffer
}

// BufferParamsFailedEvent means the compositor rejected the import;
// the client should fall back to another buffer type.
type BufferParamsFailedEvent struct{}

// BufferParamsListener receives the import result.
type BufferParamsListener interface {
	HandleBufferParamsCreated(BufferParamsCreatedEvent)
	HandleBufferParamsFailed(BufferParamsFailedEvent)
}

// BufferParams collects the planes of one dma-buf import.
type BufferParams struct {
	wl.BaseProxy
	listener BufferParamsListener
}

// BufferParamsAddListener sets the listener for the import result.
func BufferParamsAddListener(p *BufferParams, listener BufferParamsListener) {
	p.listener = listener
}

// Dispatch implements wl event dispatch for buffer params. The created
// event carries a server-allocated wl_buffer id; the proxy is built
// around that id directly since the buffer emits no events the daemon
// consumes.
func (p *BufferParams) Dispatch(event *wl.Event) {
	if p.listener == nil {
		return
	}
	switch event.Opcode {
	case 0:
		buf := new(wl.Buffer)
		buf.SetContext(p.Context())
		buf.SetId(wl.ProxyId(event.Uint32()))
		p.listener.HandleBufferParamsCreated(BufferParamsCreatedEvent{Buffer: buf})
	case 1:
		p.listener.HandleBufferParamsFailed(BufferParamsFailedEvent{})
	}
}

// Add attaches one plane. The request duplicates the descriptor into
// the compositor; the caller keeps ownership of fd.
func (p *BufferParams) Add(fd uintptr, planeIdx, offset, stride uint32, modifier uint64) error {
	return p.Context().SendRequest(p, opParamsAdd, fd, planeIdx, offset, stride,
		uint32(modifier>>32), uint32(modifier&0xffffffff))
}

// Create asks the compositor to import the planes. The result arrives
// as a created or failed event.
func (p *BufferParams) Create(width, height int32, format uint32, flags uint32) error {
	return p.Context().SendRequest(p, opParamsCreate, width, height, format, flags)
}

// Destroy destroys the params object. Valid once the import result has
// been received, or before Create.
func (p *BufferParams) Destroy() error {
	err := p.Context().SendRequest(p, opParamsDestroy)
	p.Context().Unregister(p.Id())
	return err
}

// FeedbackDoneEvent ends one feedback round; the preceding state is
// now complete and consistent.
type FeedbackDoneEvent struct{}

// FeedbackFormatTableEvent carries a read-only fd holding packed
// 16-byte format and modifier cells. Ownership of fd passes to the
// client.
type FeedbackFormatTableEvent struct {
	Fd   uintptr
	Size uint32
}

// FeedbackMainDeviceEvent names the DRM device the compositor expects
// buffers to be allocated on.
type FeedbackMainDeviceEvent struct {
	Device uint64
}

// FeedbackTrancheDoneEvent ends one tranche.
type FeedbackTrancheDoneEvent struct{}

// FeedbackTrancheTargetDeviceEvent names the device of the current
// tranche.
type FeedbackTrancheTargetDeviceEvent struct {
	Device uint64
}

// FeedbackTrancheFormatsEvent carries indices into the format table.
type FeedbackTrancheFormatsEvent struct {
	Indices []uint16
}

// FeedbackTrancheFlagsEvent carries the tranche flags bitfield.
type FeedbackTrancheFlagsEvent struct {
	Flags uint32
}

// FeedbackListener receives feedback events. A full round is a series
// of state events followed by done.
type FeedbackListener interface {
	HandleFeedbackDone(FeedbackDoneEvent)
	HandleFeedbackFormatTable(FeedbackFormatTableEvent)
	HandleFeedbackMainDevice(FeedbackMainDeviceEvent)
	HandleFeedbackTrancheDone(FeedbackTrancheDoneEvent)
	HandleFeedbackTrancheTargetDevice(FeedbackTrancheTargetDeviceEvent)
	HandleFeedbackTrancheFormats(FeedbackTrancheFormatsEvent)
	HandleFeedbackTrancheFlags(FeedbackTrancheFlagsEvent)
}

// Feedback streams the compositor's buffer allocation preferences. The
// compositor resends the whole state whenever it changes.
type Feedback struct {
	wl.BaseProxy
	listener FeedbackListener
}

// FeedbackAddListener sets the event listener.
func FeedbackAddListener(f *Feedback, listener FeedbackListener) {
	f.listener = listener
}

// Dispatch implements wl event dispatch for feedback.
func (f *Feedback) Dispatch(event *wl.Event) {
	if f.listener == nil {
		return
	}
	switch event.Opcode {
	case 0:
		f.listener.HandleFeedbackDone(FeedbackDoneEvent{})
	case 1:
		fd, err := event.FD()
		if err != nil {
			logging.Logger().Error("dmabuf feedback format table without fd", "error", err)
			return
		}
		ev := FeedbackFormatTableEvent{}
		ev.Fd = fd
		ev.Size = event.Uint32()
		f.listener.HandleFeedbackFormatTable(ev)
	case 2:
		ev := FeedbackMainDeviceEvent{}
		ev.Device = devFromArray(event.Array())
		f.listener.HandleFeedbackMainDevice(ev)
	case 3:
		f.listener.HandleFeedbackTrancheDone(FeedbackTrancheDoneEvent{})
	case 4:
		ev := FeedbackTrancheTargetDeviceEvent{}
		ev.Device = devFromArray(event.Array())
		f.listener.HandleFeedbackTrancheTargetDevice(ev)
	case 5:
		ev := FeedbackTrancheFormatsEvent{}
		ev.Indices = indicesFromArray(event.Array())
		f.listener.HandleFeedbackTrancheFormats(ev)
	case 6:
		ev := FeedbackTrancheFlagsEvent{}
		ev.Flags = event.Uint32()
		f.listener.HandleFeedbackTrancheFlags(ev)
	}
}

// Destroy destroys the feedback object.
func (f *Feedback) Destroy() error {
	err := f.Context().SendRequest(f, opFeedbackDestroy)
	f.Context().Unregister(f.Id())
	return err
}

// devFromArray decodes a dev_t from a wire array read as 32-bit
// words.
func devFromArray(words []int32) uint64 {
	var dev uint64
	for i, w := range words {
		if i == 2 {
			break
		}
		dev |= uint64(uint32(w)) << (32 * i)
	}
	return dev
}

// indicesFromArray unpacks 16-bit table indices from a wire array read
// as 32-bit words, two indices per word. An odd index count arrives
// padded with a zero word half; the caller's table lookup tolerates
// the resulting duplicate of index 0.
func indicesFromArray(words []int32) []uint16 {
	indices := make([]uint16, 0, len(words)*2)
	for _, w := range words {
		indices = append(indices, uint16(uint32(w)&0xffff), uint16(uint32(w)>>16))
	}
	return indices
}
