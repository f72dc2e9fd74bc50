package compositor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/wsbg/wsbg/internal/logging"
)

// niriBackend speaks the niri IPC protocol: one JSON value per line in
// both directions over the NIRI_SOCKET unix socket. Replies are wrapped
// in {"Ok": ...} or {"Err": "..."}.
type niriBackend struct{}

func niriDial() (net.Conn, error) {
	sock := os.Getenv("NIRI_SOCKET")
	if sock == "" {
		return nil, fmt.Errorf("%w: NIRI_SOCKET is not set", ErrNoSocket)
	}
	return net.Dial("unix", sock)
}

type niriWorkspace struct {
	ID       uint64  `json:"id"`
	Idx      int     `json:"idx"`
	Name     *string `json:"name"`
	Output   *string `json:"output"`
	IsActive bool    `json:"is_active"`
}

type niriReply struct {
	Ok  json.RawMessage `json:"Ok"`
	Err *string         `json:"Err"`
}

// niriRequest sends one request and decodes the Ok payload.
func niriRequest(conn net.Conn, request string) (json.RawMessage, error) {
	if _, err := fmt.Fprintf(conn, "%s\n", request); err != nil {
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var reply niriReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("compositor: niri reply: %w", err)
	}
	if reply.Err != nil {
		return nil, fmt.Errorf("compositor: niri request %s failed: %s", request, *reply.Err)
	}
	return reply.Ok, nil
}

func niriWorkspaces() ([]niriWorkspace, error) {
	conn, err := niriDial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ok, err := niriRequest(conn, `"Workspaces"`)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Workspaces []niriWorkspace `json:"Workspaces"`
	}
	if err := json.Unmarshal(ok, &payload); err != nil {
		return nil, fmt.Errorf("compositor: niri workspaces payload: %w", err)
	}
	return payload.Workspaces, nil
}

// visible converts a niri workspace to the common event form. Unnamed
// workspaces are addressed by their index, so the index doubles as the
// name for wallpaper file matching.
func (w niriWorkspace) visible() WorkspaceVisible {
	name := strconv.Itoa(w.Idx)
	if w.Name != nil {
		name = *w.Name
	}
	output := ""
	if w.Output != nil {
		output = *w.Output
	}
	return WorkspaceVisible{
		Output:          output,
		WorkspaceName:   name,
		WorkspaceNumber: w.Idx,
	}
}

func (n *niriBackend) Outputs() ([]OutputInfo, error) {
	conn, err := niriDial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ok, err := niriRequest(conn, `"Outputs"`)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Outputs map[string]struct {
			Name   string  `json:"name"`
			Make   string  `json:"make"`
			Model  string  `json:"model"`
			Serial *string `json:"serial"`
		} `json:"Outputs"`
	}
	if err := json.Unmarshal(ok, &payload); err != nil {
		return nil, fmt.Errorf("compositor: niri outputs payload: %w", err)
	}
	infos := make([]OutputInfo, 0, len(payload.Outputs))
	for name, o := range payload.Outputs {
		serial := ""
		if o.Serial != nil {
			serial = *o.Serial
		}
		infos = append(infos, OutputInfo{
			Name:            name,
			MakeModelSerial: makeModelSerial(o.Make, o.Model, serial),
		})
	}
	return infos, nil
}

func (n *niriBackend) VisibleWorkspaces() ([]WorkspaceVisible, error) {
	workspaces, err := niriWorkspaces()
	if err != nil {
		return nil, err
	}
	var visible []WorkspaceVisible
	for _, w := range workspaces {
		if w.IsActive {
			visible = append(visible, w.visible())
		}
	}
	return visible, nil
}

type niriEvent struct {
	WorkspaceActivated *struct {
		ID uint64 `json:"id"`
	} `json:"WorkspaceActivated"`
	WorkspacesChanged *struct {
		Workspaces []niriWorkspace `json:"workspaces"`
	} `json:"WorkspacesChanged"`
}

func (n *niriBackend) Subscribe(send *Sender) error {
	// The event stream needs the workspace table to resolve activation
	// events, which only carry the workspace id.
	state, err := niriWorkspaces()
	if err != nil {
		return err
	}

	conn, err := niriDial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, `"EventStream"`); err != nil {
		return err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// First line acknowledges the subscription.
	if !scanner.Scan() {
		return fmt.Errorf("compositor: niri event stream: %w", scanner.Err())
	}

	for scanner.Scan() {
		var ev niriEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			logging.Logger().Warn("undecodable niri event", "error", err)
			continue
		}
		switch {
		case ev.WorkspacesChanged != nil:
			state = ev.WorkspacesChanged.Workspaces
		case ev.WorkspaceActivated != nil:
			id := ev.WorkspaceActivated.ID
			found := false
			for _, w := range state {
				if w.ID == id {
					send.Send(w.visible())
					found = true
					break
				}
			}
			if !found {
				logging.Logger().Warn("niri activated unknown workspace", "id", id)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("compositor: niri event stream: %w", err)
	}
	return fmt.Errorf("compositor: niri event stream closed")
}
