package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ricochet1k/termemu"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/pool"
	"github.com/quillchat/quill/internal/renderer"
	"github.com/quillchat/quill/internal/terminal"
)

const attachProtocolVersion = 1

// attachEnvelope frames every message the attach socket sends. Frame data
// lives in Data for type "frame"; exit and error payloads are small maps.
type attachEnvelope struct {
	Version    int       `json:"v"`
	Type       string    `json:"type"`
	MountID    string    `json:"mount_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	TS         time.Time `json:"ts"`
	Data       any       `json:"data,omitempty"`
}

type attachInboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsSink adapts one WebSocket connection into a renderer frame sink. The
// mutex serializes frame writes against control messages; gorilla allows
// only one concurrent writer. Frames arriving before the attach handshake
// is written are held back so the client always sees "attached" first.
type wsSink struct {
	conn       *websocket.Conn
	mountID    string
	instanceID string

	mu      sync.Mutex
	opened  bool
	pending []attachEnvelope
}

func (s *wsSink) SendFrame(frame renderer.Frame) error {
	envelope := attachEnvelope{
		Version:    attachProtocolVersion,
		Type:       "frame",
		MountID:    s.mountID,
		InstanceID: s.instanceID,
		TS:         time.Now().UTC(),
		Data:       frame,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		s.pending = append(s.pending, envelope)
		return nil
	}
	return s.conn.WriteJSON(envelope)
}

// open writes the attach handshake and flushes any frames queued behind it.
func (s *wsSink) open(kind renderer.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	err := s.conn.WriteJSON(attachEnvelope{
		Version:    attachProtocolVersion,
		Type:       "attached",
		MountID:    s.mountID,
		InstanceID: s.instanceID,
		TS:         time.Now().UTC(),
		Data:       map[string]string{"backend": string(kind)},
	})
	for _, held := range s.pending {
		if err == nil {
			err = s.conn.WriteJSON(held)
		}
	}
	s.pending = nil
	return err
}

func (s *wsSink) send(envelope attachEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(envelope)
}

func (s *wsSink) sendError(code, message string) error {
	return s.send(attachEnvelope{
		Version:    attachProtocolVersion,
		Type:       "error",
		MountID:    s.mountID,
		InstanceID: s.instanceID,
		TS:         time.Now().UTC(),
		Data:       map[string]string{"code": code, "message": message},
	})
}

// terminalWebSocket is the attach socket: one connection is one mount
// point. The client declares rendering capabilities in the caps query
// parameter; frames stream out, input messages stream in. Closing the
// socket detaches the terminal but leaves its process running.
func (h *Handler) terminalWebSocket(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	inst, ok := h.pool.Get(instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrInstanceNotFound.Error(), "")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	mountID := uuid.NewString()
	sink := &wsSink{conn: conn, mountID: mountID, instanceID: instanceID}
	mount := &renderer.MountPoint{
		ID:   mountID,
		Caps: parseCaps(r.URL.Query().Get("caps")),
		Sink: sink,
	}

	h.renderers.RegisterMount(mount)
	defer h.renderers.UnregisterMount(mountID)

	kind, err := h.renderers.Attach(instanceID, mountID)
	if err != nil {
		_ = sink.sendError("attach_failed", err.Error())
		return
	}
	if err := sink.open(kind); err != nil {
		return
	}

	// Process exit reaches the client even when no frame follows it.
	events, cancel := h.pool.Events().Subscribe(0)
	defer cancel()
	exitDone := make(chan struct{})
	go func() {
		defer close(exitDone)
		for event := range events {
			if event.InstanceID != instanceID || event.Kind != pool.EventExit {
				continue
			}
			payload := map[string]any{}
			if event.Exit != nil {
				payload["code"] = event.Exit.Code
				payload["signal"] = event.Exit.Signal
			}
			_ = sink.send(attachEnvelope{
				Version:    attachProtocolVersion,
				Type:       "exit",
				MountID:    mountID,
				InstanceID: instanceID,
				TS:         time.Now().UTC(),
				Data:       payload,
			})
			return
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if len(data) == 0 {
			continue
		}
		h.handleAttachInput(inst, sink, data)
	}

	cancel()
	<-exitDone
	h.log.Debug("attach socket closed",
		zap.String("instance", instanceID),
		zap.String("mount", mountID))
}

func (h *Handler) handleAttachInput(inst *pool.Instance, sink *wsSink, data []byte) {
	var msg attachInboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = sink.sendError("bad_request", "invalid message")
		return
	}
	if !strings.HasPrefix(msg.Type, "input.") {
		_ = sink.sendError("unsupported", "unsupported message type")
		return
	}

	if msg.Type == "input.resize" {
		var payload struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			_ = sink.sendError("bad_request", err.Error())
			return
		}
		if err := inst.Resize(payload.Cols, payload.Rows); err != nil {
			_ = sink.sendError("resize_failed", err.Error())
		}
		return
	}

	input, err := parseAttachInput(msg)
	if err != nil {
		_ = sink.sendError("bad_request", err.Error())
		return
	}
	if err := inst.SendInput(input); err != nil {
		_ = sink.sendError("input_failed", err.Error())
	}
}

func parseAttachInput(msg attachInboundMessage) (terminal.Input, error) {
	switch msg.Type {
	case "input.text":
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return terminal.Input{}, err
		}
		return terminal.Input{Kind: terminal.InputText, Text: &terminal.TextInput{Text: payload.Text}}, nil
	case "input.key":
		return parseKeyInput(msg.Data)
	case "input.control":
		var payload struct {
			Signal string `json:"signal"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return terminal.Input{}, err
		}
		signal, err := parseControlSignal(payload.Signal)
		if err != nil {
			return terminal.Input{}, err
		}
		return terminal.Input{Kind: terminal.InputControl, Control: &terminal.ControlInput{Signal: signal}}, nil
	case "input.raw":
		var payload struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return terminal.Input{}, err
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			return terminal.Input{}, err
		}
		return terminal.Input{Kind: terminal.InputRaw, Raw: &terminal.RawInput{Data: decoded}}, nil
	default:
		return terminal.Input{}, errUnsupportedInput
	}
}

var errUnsupportedInput = jsonError("unsupported input type")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func parseKeyInput(data []byte) (terminal.Input, error) {
	var payload struct {
		Code  any      `json:"code"`
		Rune  string   `json:"rune"`
		Mod   []string `json:"mod"`
		Event string   `json:"event"`
		Text  string   `json:"text"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return terminal.Input{}, err
	}
	code, err := parseKeyCode(payload.Code)
	if err != nil {
		return terminal.Input{}, err
	}
	if code == termemu.KeyRune && payload.Rune == "" {
		return terminal.Input{}, jsonError("rune required for rune keys")
	}
	key := &terminal.KeyInput{
		Code:  code,
		Rune:  firstRune(payload.Rune),
		Mod:   parseKeyMods(payload.Mod),
		Event: parseKeyEvent(payload.Event),
		Text:  []rune(payload.Text),
	}
	return terminal.Input{Kind: terminal.InputKey, Key: key}, nil
}

func parseControlSignal(signal string) (terminal.ControlSignal, error) {
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case "interrupt", "sigint":
		return terminal.ControlInterrupt, nil
	case "eof":
		return terminal.ControlEOF, nil
	case "suspend", "sigstp":
		return terminal.ControlSuspend, nil
	default:
		return terminal.ControlInterrupt, jsonError("unknown control signal")
	}
}

func parseKeyCode(code any) (termemu.KeyCode, error) {
	if code == nil {
		return termemu.KeyRune, nil
	}
	switch v := code.(type) {
	case float64:
		return termemu.KeyCode(int(v)), nil
	case int:
		return termemu.KeyCode(v), nil
	case string:
		return keyCodeFromString(v)
	default:
		return termemu.KeyRune, jsonError("invalid key code")
	}
}

func keyCodeFromString(input string) (termemu.KeyCode, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "rune":
		return termemu.KeyRune, nil
	case "up":
		return termemu.KeyUp, nil
	case "down":
		return termemu.KeyDown, nil
	case "left":
		return termemu.KeyLeft, nil
	case "right":
		return termemu.KeyRight, nil
	case "home":
		return termemu.KeyHome, nil
	case "end":
		return termemu.KeyEnd, nil
	case "insert":
		return termemu.KeyInsert, nil
	case "delete":
		return termemu.KeyDelete, nil
	case "pageup", "page_up":
		return termemu.KeyPageUp, nil
	case "pagedown", "page_down":
		return termemu.KeyPageDown, nil
	case "backspace":
		return termemu.KeyBackspace, nil
	case "tab":
		return termemu.KeyTab, nil
	case "enter":
		return termemu.KeyEnter, nil
	case "escape", "esc":
		return termemu.KeyEscape, nil
	default:
		return termemu.KeyRune, jsonError("unknown key code")
	}
}

func parseKeyMods(mods []string) termemu.KeyMod {
	var out termemu.KeyMod
	for _, mod := range mods {
		switch strings.ToLower(strings.TrimSpace(mod)) {
		case "shift":
			out |= termemu.ModShift
		case "alt":
			out |= termemu.ModAlt
		case "ctrl", "control":
			out |= termemu.ModCtrl
		case "super":
			out |= termemu.ModSuper
		case "meta":
			out |= termemu.ModMeta
		}
	}
	return out
}

func parseKeyEvent(value string) termemu.KeyEventType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "repeat":
		return termemu.KeyRepeat
	case "release":
		return termemu.KeyRelease
	default:
		return termemu.KeyPress
	}
}

func firstRune(value string) rune {
	if value == "" {
		return 0
	}
	return []rune(value)[0]
}

// parseCaps reads the client's declared rendering capabilities, e.g.
// ?caps=webgl,canvas. An absent parameter means DOM only.
func parseCaps(raw string) renderer.CapabilitySet {
	caps := renderer.CapabilitySet{}
	for _, part := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "webgl":
			caps[renderer.CapWebGL] = true
		case "canvas":
			caps[renderer.CapCanvas] = true
		}
	}
	return caps
}
