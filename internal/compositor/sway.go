package compositor

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/wsbg/wsbg/internal/logging"
)

// i3 IPC message types used by wsbg.
const (
	swayMsgGetWorkspaces uint32 = 1
	swayMsgSubscribe     uint32 = 2
	swayMsgGetOutputs    uint32 = 3

	// Events carry the high bit; workspace events are event type 0.
	swayEventWorkspace uint32 = 0x80000000
)

var swayMagic = [6]byte{'i', '3', '-', 'i', 'p', 'c'}

// swayBackend speaks the i3 IPC protocol over the SWAYSOCK unix socket:
// a 14-byte header (magic, payload length, message type) followed by a
// JSON payload in both directions.
type swayBackend struct{}

func swayDial() (net.Conn, error) {
	sock := os.Getenv("SWAYSOCK")
	if sock == "" {
		return nil, fmt.Errorf("%w: SWAYSOCK is not set", ErrNoSocket)
	}
	return net.Dial("unix", sock)
}

// encodeSwayMsg frames one outgoing IPC message.
func encodeSwayMsg(msgType uint32, payload []byte) []byte {
	buf := make([]byte, 14+len(payload))
	copy(buf, swayMagic[:])
	binary.LittleEndian.PutUint32(buf[6:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[10:], msgType)
	copy(buf[14:], payload)
	return buf
}

// decodeSwayHeader validates the magic and returns payload length and
// message type.
func decodeSwayHeader(hdr []byte) (length, msgType uint32, err error) {
	if len(hdr) < 14 {
		return 0, 0, fmt.Errorf("compositor: short sway IPC header: %d bytes", len(hdr))
	}
	if !bytes.Equal(hdr[:6], swayMagic[:]) {
		return 0, 0, fmt.Errorf("compositor: bad sway IPC magic %q", hdr[:6])
	}
	return binary.LittleEndian.Uint32(hdr[6:]), binary.LittleEndian.Uint32(hdr[10:]), nil
}

func swayWrite(conn net.Conn, msgType uint32, payload []byte) error {
	_, err := conn.Write(encodeSwayMsg(msgType, payload))
	return err
}

func swayRead(conn net.Conn) (msgType uint32, payload []byte, err error) {
	var hdr [14]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	length, msgType, err := decodeSwayHeader(hdr[:])
	if err != nil {
		return 0, nil, err
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// swayRoundtrip sends one request and returns the reply payload,
// skipping any events interleaved on the connection.
func swayRoundtrip(conn net.Conn, msgType uint32, payload []byte) ([]byte, error) {
	if err := swayWrite(conn, msgType, payload); err != nil {
		return nil, err
	}
	for {
		replyType, reply, err := swayRead(conn)
		if err != nil {
			return nil, err
		}
		if replyType == msgType {
			return reply, nil
		}
	}
}

type swayWorkspace struct {
	Name    string `json:"name"`
	Num     int    `json:"num"`
	Visible bool   `json:"visible"`
	Output  string `json:"output"`
}

type swayOutput struct {
	Name   string `json:"name"`
	Make   string `json:"make"`
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

func (s *swayBackend) Outputs() ([]OutputInfo, error) {
	conn, err := swayDial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := swayRoundtrip(conn, swayMsgGetOutputs, nil)
	if err != nil {
		return nil, fmt.Errorf("compositor: sway get_outputs: %w", err)
	}
	var outputs []swayOutput
	if err := json.Unmarshal(reply, &outputs); err != nil {
		return nil, fmt.Errorf("compositor: sway get_outputs reply: %w", err)
	}
	infos := make([]OutputInfo, 0, len(outputs))
	for _, o := range outputs {
		infos = append(infos, OutputInfo{
			Name:            o.Name,
			MakeModelSerial: makeModelSerial(o.Make, o.Model, o.Serial),
		})
	}
	return infos, nil
}

func (s *swayBackend) VisibleWorkspaces() ([]WorkspaceVisible, error) {
	conn, err := swayDial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := swayRoundtrip(conn, swayMsgGetWorkspaces, nil)
	if err != nil {
		return nil, fmt.Errorf("compositor: sway get_workspaces: %w", err)
	}
	var workspaces []swayWorkspace
	if err := json.Unmarshal(reply, &workspaces); err != nil {
		return nil, fmt.Errorf("compositor: sway get_workspaces reply: %w", err)
	}
	var visible []WorkspaceVisible
	for _, w := range workspaces {
		if !w.Visible {
			continue
		}
		visible = append(visible, WorkspaceVisible{
			Output:          w.Output,
			WorkspaceName:   w.Name,
			WorkspaceNumber: w.Num,
		})
	}
	return visible, nil
}

type swayWorkspaceEvent struct {
	Change  string         `json:"change"`
	Current *swayWorkspace `json:"current"`
}

func (s *swayBackend) Subscribe(send *Sender) error {
	conn, err := swayDial()
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := swayRoundtrip(conn, swayMsgSubscribe, []byte(`["workspace"]`))
	if err != nil {
		return fmt.Errorf("compositor: sway subscribe: %w", err)
	}
	var ack struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(reply, &ack); err != nil || !ack.Success {
		return fmt.Errorf("compositor: sway refused workspace subscription: %s", reply)
	}

	for {
		msgType, payload, err := swayRead(conn)
		if err != nil {
			return fmt.Errorf("compositor: sway event stream: %w", err)
		}
		if msgType != swayEventWorkspace {
			continue
		}
		var ev swayWorkspaceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			logging.Logger().Warn("undecodable sway workspace event", "error", err)
			continue
		}
		if ev.Change != "focus" || ev.Current == nil {
			continue
		}
		send.Send(WorkspaceVisible{
			Output:          ev.Current.Output,
			WorkspaceName:   ev.Current.Name,
			WorkspaceNumber: ev.Current.Num,
		})
	}
}
