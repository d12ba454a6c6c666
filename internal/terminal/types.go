package terminal

import "github.com/ricochet1k/termemu"

type Region struct {
	X  int `json:"x"`
	Y  int `json:"y"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Snapshot is a point-in-time copy of the visible screen buffer, including
// the cursor position as last reported by the emulator.
type Snapshot struct {
	Rows    int      `json:"rows"`
	Cols    int      `json:"cols"`
	Lines   []string `json:"lines"`
	CursorX int      `json:"cursor_x"`
	CursorY int      `json:"cursor_y"`
}

type Diff struct {
	Region Region   `json:"region"`
	Lines  []string `json:"lines"`
	Reason string   `json:"reason"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Resync  bool   `json:"resync"`
}

type UpdateKind int

const (
	UpdateSnapshot UpdateKind = iota
	UpdateDiff
	UpdateCursor
	UpdateBell
	UpdateError
)

type Update struct {
	Kind     UpdateKind
	Snapshot *Snapshot
	Diff     *Diff
	Cursor   *Cursor
	Error    *Error
}

type InputKind int

const (
	InputKey InputKind = iota
	InputText
	InputResize
	InputControl
	InputRaw
)

type KeyInput struct {
	Code  termemu.KeyCode
	Rune  rune
	Mod   termemu.KeyMod
	Event termemu.KeyEventType
	Text  []rune
}

type TextInput struct {
	Text string
}

type ResizeInput struct {
	Cols int
	Rows int
}

type ControlSignal int

const (
	ControlInterrupt ControlSignal = iota
	ControlEOF
	ControlSuspend
)

type ControlInput struct {
	Signal ControlSignal
}

type RawInput struct {
	Data []byte
}

type Input struct {
	Kind    InputKind
	Key     *KeyInput
	Text    *TextInput
	Resize  *ResizeInput
	Control *ControlInput
	Raw     *RawInput
}
