package compositor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wsbg/wsbg/internal/logging"
)

// hyprlandBackend uses the two Hyprland instance sockets: the command
// socket (.socket.sock) answers hyprctl-style requests, the event
// socket (.socket2.sock) streams "EVENT>>DATA" lines.
type hyprlandBackend struct{}

func hyprlandSocketDir() (string, error) {
	sig := os.Getenv("HYPRLAND_INSTANCE_SIGNATURE")
	if sig == "" {
		return "", fmt.Errorf("%w: HYPRLAND_INSTANCE_SIGNATURE is not set", ErrNoSocket)
	}
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		return "", fmt.Errorf("%w: XDG_RUNTIME_DIR is not set", ErrNoSocket)
	}
	return filepath.Join(runtime, "hypr", sig), nil
}

// hyprlandCommand runs one request on a fresh command socket connection
// and returns the full reply.
func hyprlandCommand(request string) ([]byte, error) {
	dir, err := hyprlandSocketDir()
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", filepath.Join(dir, ".socket.sock"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(request)); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}

type hyprlandMonitor struct {
	Name            string `json:"name"`
	Make            string `json:"make"`
	Model           string `json:"model"`
	Serial          string `json:"serial"`
	ActiveWorkspace struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"activeWorkspace"`
}

// visible maps the monitor's active workspace to a visibility event.
// The hyprland workspace ID is an internal handle (special workspaces
// carry negative ones); the numeric identity used for wallpaper
// matching comes from the workspace name.
func (m hyprlandMonitor) visible() WorkspaceVisible {
	return WorkspaceVisible{
		Output:          m.Name,
		WorkspaceName:   m.ActiveWorkspace.Name,
		WorkspaceNumber: hyprlandWorkspaceNumber(m.ActiveWorkspace.Name),
	}
}

// hyprlandWorkspaceNumber parses the numeric workspace identity from
// the name; -1 means not numeric.
func hyprlandWorkspaceNumber(name string) int {
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func hyprlandMonitors() ([]hyprlandMonitor, error) {
	reply, err := hyprlandCommand("j/monitors")
	if err != nil {
		return nil, fmt.Errorf("compositor: hyprland monitors: %w", err)
	}
	var monitors []hyprlandMonitor
	if err := json.Unmarshal(reply, &monitors); err != nil {
		return nil, fmt.Errorf("compositor: hyprland monitors reply: %w", err)
	}
	return monitors, nil
}

func (h *hyprlandBackend) Outputs() ([]OutputInfo, error) {
	monitors, err := hyprlandMonitors()
	if err != nil {
		return nil, err
	}
	infos := make([]OutputInfo, 0, len(monitors))
	for _, m := range monitors {
		infos = append(infos, OutputInfo{
			Name:            m.Name,
			MakeModelSerial: makeModelSerial(m.Make, m.Model, m.Serial),
		})
	}
	return infos, nil
}

func (h *hyprlandBackend) VisibleWorkspaces() ([]WorkspaceVisible, error) {
	monitors, err := hyprlandMonitors()
	if err != nil {
		return nil, err
	}
	visible := make([]WorkspaceVisible, 0, len(monitors))
	for _, m := range monitors {
		visible = append(visible, m.visible())
	}
	return visible, nil
}

// parseHyprlandEvent splits one "EVENT>>DATA" line.
func parseHyprlandEvent(line string) (event, data string, ok bool) {
	event, data, ok = strings.Cut(line, ">>")
	return event, data, ok
}

func (h *hyprlandBackend) Subscribe(send *Sender) error {
	dir, err := hyprlandSocketDir()
	if err != nil {
		return err
	}
	conn, err := net.Dial("unix", filepath.Join(dir, ".socket2.sock"))
	if err != nil {
		return fmt.Errorf("compositor: hyprland event socket: %w", err)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		event, data, ok := parseHyprlandEvent(scanner.Text())
		if !ok {
			continue
		}
		switch event {
		case "workspacev2":
			// "ID,NAME"; the event has no output, so resolve the
			// workspace against the monitor list.
			idStr, _, ok := strings.Cut(data, ",")
			if !ok {
				continue
			}
			id, err := strconv.Atoi(idStr)
			if err != nil {
				logging.Logger().Warn("bad hyprland workspacev2 event", "data", data)
				continue
			}
			monitors, err := hyprlandMonitors()
			if err != nil {
				logging.Logger().Warn("hyprland monitor query failed", "error", err)
				continue
			}
			for _, m := range monitors {
				if m.ActiveWorkspace.ID == id {
					send.Send(m.visible())
					break
				}
			}
		case "focusedmonv2", "focusedmon":
			// "MONNAME,WORKSPACE" where WORKSPACE is an id (v2) or
			// a name. Re-query for the authoritative pair.
			mon, _, ok := strings.Cut(data, ",")
			if !ok {
				continue
			}
			monitors, err := hyprlandMonitors()
			if err != nil {
				logging.Logger().Warn("hyprland monitor query failed", "error", err)
				continue
			}
			for _, m := range monitors {
				if m.Name == mon {
					send.Send(m.visible())
					break
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("compositor: hyprland event stream: %w", err)
	}
	return fmt.Errorf("compositor: hyprland event stream closed: %w", io.EOF)
}
