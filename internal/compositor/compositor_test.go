package compositor

import (
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    Name
		wantErr bool
	}{
		{Sway, false},
		{Hyprland, false},
		{Niri, false},
		{Name("gnome"), true},
		{Name(""), true},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			b, err := New(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && b == nil {
				t.Fatalf("New(%q) returned nil backend", tt.name)
			}
		})
	}
}

func TestMakeModelSerial(t *testing.T) {
	tests := []struct {
		name                 string
		maker, model, serial string
		want                 string
	}{
		{"all set", "Dell Inc.", "U2720Q", "ABC123", "Dell Inc. U2720Q ABC123"},
		{"missing serial", "Dell Inc.", "U2720Q", "", "Dell Inc. U2720Q"},
		{"whitespace only", "  ", "U2720Q", " ", "U2720Q"},
		{"all empty", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := makeModelSerial(tt.maker, tt.model, tt.serial); got != tt.want {
				t.Errorf("makeModelSerial() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSwayMessageFraming(t *testing.T) {
	payload := []byte(`["workspace"]`)
	msg := encodeSwayMsg(swayMsgSubscribe, payload)

	if len(msg) != 14+len(payload) {
		t.Fatalf("encoded length = %d, want %d", len(msg), 14+len(payload))
	}
	length, msgType, err := decodeSwayHeader(msg)
	if err != nil {
		t.Fatalf("decodeSwayHeader: %v", err)
	}
	if int(length) != len(payload) {
		t.Errorf("decoded length = %d, want %d", length, len(payload))
	}
	if msgType != swayMsgSubscribe {
		t.Errorf("decoded type = %d, want %d", msgType, swayMsgSubscribe)
	}
}

func TestDecodeSwayHeaderRejectsBadMagic(t *testing.T) {
	msg := encodeSwayMsg(swayMsgGetOutputs, nil)
	msg[0] = 'x'
	if _, _, err := decodeSwayHeader(msg); err == nil {
		t.Error("expected error for corrupted magic")
	}
}

func TestSwayWorkspaceEventDecode(t *testing.T) {
	payload := []byte(`{"change":"focus","current":{"name":"3:web","num":3,"visible":true,"output":"DP-1"}}`)
	var ev swayWorkspaceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Change != "focus" || ev.Current == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Current.Name != "3:web" || ev.Current.Num != 3 || ev.Current.Output != "DP-1" {
		t.Errorf("unexpected workspace: %+v", *ev.Current)
	}
}

func TestParseHyprlandEvent(t *testing.T) {
	tests := []struct {
		line       string
		wantEvent  string
		wantData   string
		wantParsed bool
	}{
		{"workspacev2>>5,dev", "workspacev2", "5,dev", true},
		{"focusedmonv2>>DP-1,5", "focusedmonv2", "DP-1,5", true},
		{"activewindow>>kitty,~", "activewindow", "kitty,~", true},
		{"notanevent", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			event, data, ok := parseHyprlandEvent(tt.line)
			if ok != tt.wantParsed {
				t.Fatalf("parsed = %v, want %v", ok, tt.wantParsed)
			}
			if !ok {
				return
			}
			if event != tt.wantEvent || data != tt.wantData {
				t.Errorf("got (%q, %q), want (%q, %q)", event, data, tt.wantEvent, tt.wantData)
			}
		})
	}
}

func TestHyprlandMonitorVisible(t *testing.T) {
	monitor := func(name string, id int) hyprlandMonitor {
		var m hyprlandMonitor
		m.Name = "DP-1"
		m.ActiveWorkspace.ID = id
		m.ActiveWorkspace.Name = name
		return m
	}
	tests := []struct {
		name string
		m    hyprlandMonitor
		want WorkspaceVisible
	}{
		{
			name: "numeric workspace",
			m:    monitor("3", 3),
			want: WorkspaceVisible{Output: "DP-1", WorkspaceName: "3", WorkspaceNumber: 3},
		},
		{
			name: "named workspace ignores the internal id",
			m:    monitor("mail", 7),
			want: WorkspaceVisible{Output: "DP-1", WorkspaceName: "mail", WorkspaceNumber: -1},
		},
		{
			name: "special workspace with negative id",
			m:    monitor("special:scratch", -98),
			want: WorkspaceVisible{Output: "DP-1", WorkspaceName: "special:scratch", WorkspaceNumber: -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.visible(); got != tt.want {
				t.Errorf("visible() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNiriWorkspaceVisible(t *testing.T) {
	named := "mail"
	out := "eDP-1"
	tests := []struct {
		name string
		ws   niriWorkspace
		want WorkspaceVisible
	}{
		{
			name: "named workspace",
			ws:   niriWorkspace{ID: 7, Idx: 2, Name: &named, Output: &out},
			want: WorkspaceVisible{Output: "eDP-1", WorkspaceName: "mail", WorkspaceNumber: 2},
		},
		{
			name: "unnamed workspace falls back to index",
			ws:   niriWorkspace{ID: 8, Idx: 3, Output: &out},
			want: WorkspaceVisible{Output: "eDP-1", WorkspaceName: "3", WorkspaceNumber: 3},
		},
		{
			name: "detached workspace has empty output",
			ws:   niriWorkspace{ID: 9, Idx: 1},
			want: WorkspaceVisible{Output: "", WorkspaceName: "1", WorkspaceNumber: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ws.visible(); got != tt.want {
				t.Errorf("visible() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNiriEventDecode(t *testing.T) {
	t.Run("workspace activated", func(t *testing.T) {
		var ev niriEvent
		if err := json.Unmarshal([]byte(`{"WorkspaceActivated":{"id":7,"focused":true}}`), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.WorkspaceActivated == nil || ev.WorkspaceActivated.ID != 7 {
			t.Errorf("unexpected event: %+v", ev)
		}
	})
	t.Run("workspaces changed", func(t *testing.T) {
		var ev niriEvent
		raw := `{"WorkspacesChanged":{"workspaces":[{"id":1,"idx":1,"name":null,"output":"DP-1","is_active":true}]}}`
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.WorkspacesChanged == nil || len(ev.WorkspacesChanged.Workspaces) != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if !ev.WorkspacesChanged.Workspaces[0].IsActive {
			t.Error("is_active not decoded")
		}
	})
}

func TestSenderWakes(t *testing.T) {
	events := make(chan WorkspaceVisible, 1)
	woken := 0
	s := NewSender(events, func() { woken++ })

	want := WorkspaceVisible{Output: "DP-1", WorkspaceName: "2", WorkspaceNumber: 2}
	s.Send(want)

	if woken != 1 {
		t.Errorf("waker called %d times, want 1", woken)
	}
	select {
	case got := <-events:
		if got != want {
			t.Errorf("received %+v, want %+v", got, want)
		}
	default:
		t.Error("no event queued")
	}
}
