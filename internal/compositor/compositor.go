// Package compositor talks to the window manager over its IPC socket to
// learn which workspace is visible on which output. Three backends are
// supported: sway (i3 IPC), Hyprland (hyprctl sockets) and niri
// (newline-delimited JSON).
package compositor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wsbg/wsbg/internal/logging"
)

// Errors returned by the compositor backends.
var (
	// ErrUnknownCompositor is returned for a compositor name that no
	// backend implements.
	ErrUnknownCompositor = errors.New("compositor: unknown compositor")

	// ErrNoSocket is returned when the backend's IPC socket location
	// cannot be derived from the environment.
	ErrNoSocket = errors.New("compositor: IPC socket not found in environment")
)

// Name identifies a supported compositor.
type Name string

const (
	Sway     Name = "sway"
	Hyprland Name = "hyprland"
	Niri     Name = "niri"
)

// OutputInfo describes one output as reported by the compositor.
type OutputInfo struct {
	Name string
	// MakeModelSerial is the space-joined non-empty make, model and
	// serial strings, used purely for log messages.
	MakeModelSerial string
}

// WorkspaceVisible reports that a workspace became (or is) the visible
// workspace on an output.
type WorkspaceVisible struct {
	Output          string
	WorkspaceName   string
	WorkspaceNumber int
}

// Backend is one compositor IPC implementation. Outputs and
// VisibleWorkspaces open a fresh connection per query; Subscribe blocks
// for the lifetime of the event stream and is meant to run on its own
// goroutine.
type Backend interface {
	Outputs() ([]OutputInfo, error)
	VisibleWorkspaces() ([]WorkspaceVisible, error)
	Subscribe(send *Sender) error
}

// New returns the backend for the named compositor.
func New(name Name) (Backend, error) {
	switch name {
	case Sway:
		return &swayBackend{}, nil
	case Hyprland:
		return &hyprlandBackend{}, nil
	case Niri:
		return &niriBackend{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompositor, name)
	}
}

// Sender delivers workspace events to the main loop: a buffered channel
// plus the event loop waker. It is the only thing the subscription
// goroutine shares with the rest of the process.
type Sender struct {
	events chan<- WorkspaceVisible
	wake   func()
}

// NewSender wraps a channel and a waker for use by Subscribe.
func NewSender(events chan<- WorkspaceVisible, wake func()) *Sender {
	return &Sender{events: events, wake: wake}
}

// Send queues one event and wakes the main loop.
func (s *Sender) Send(w WorkspaceVisible) {
	s.events <- w
	s.wake()
}

// ConnectionTask bundles a backend with the event channel so that the
// main loop can re-feed visible workspaces through the same path the
// subscription events take.
type ConnectionTask struct {
	backend Backend
	sender  *Sender
}

// NewConnectionTask connects a query backend for the named compositor.
func NewConnectionTask(name Name, events chan<- WorkspaceVisible, wake func()) (*ConnectionTask, error) {
	b, err := New(name)
	if err != nil {
		return nil, err
	}
	return &ConnectionTask{backend: b, sender: NewSender(events, wake)}, nil
}

// SpawnSubscribe starts the single subscription worker goroutine. Any
// terminal stream error is logged; the daemon keeps running with the
// wallpapers it has.
func SpawnSubscribe(name Name, events chan<- WorkspaceVisible, wake func()) error {
	b, err := New(name)
	if err != nil {
		return err
	}
	sender := NewSender(events, wake)
	go func() {
		if err := b.Subscribe(sender); err != nil {
			logging.Logger().Error("compositor event stream ended",
				"compositor", string(name), "error", err)
		}
	}()
	return nil
}

// RequestVisibleWorkspace queries the visible workspace of one output
// and feeds it into the event channel. Used after a layer surface is
// first configured, when no event may arrive for a long time.
func (t *ConnectionTask) RequestVisibleWorkspace(output string) error {
	visible, err := t.backend.VisibleWorkspaces()
	if err != nil {
		return err
	}
	for _, w := range visible {
		if w.Output == output {
			t.sender.Send(w)
			break
		}
	}
	return nil
}

// RequestVisibleWorkspaces feeds the visible workspace of every output
// into the event channel. Used when an output disappears, since its
// workspaces may have moved to the remaining outputs.
func (t *ConnectionTask) RequestVisibleWorkspaces() error {
	visible, err := t.backend.VisibleWorkspaces()
	if err != nil {
		return err
	}
	for _, w := range visible {
		t.sender.Send(w)
	}
	return nil
}

// MakeModelSerial returns the make/model/serial string of the named
// output, or "" when the compositor does not know the output.
func (t *ConnectionTask) MakeModelSerial(output string) string {
	outputs, err := t.backend.Outputs()
	if err != nil {
		logging.Logger().Warn("output query failed", "error", err)
		return ""
	}
	for _, o := range outputs {
		if o.Name == output {
			return o.MakeModelSerial
		}
	}
	return ""
}

// makeModelSerial joins the non-empty trimmed parts with single spaces.
func makeModelSerial(maker, model, serial string) string {
	var parts []string
	for _, f := range []string{maker, model, serial} {
		if t := strings.TrimSpace(f); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
