package pool

import (
	"sync"
	"time"

	"github.com/quillchat/quill/internal/pty"
	"github.com/quillchat/quill/internal/terminal"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

const rawLogSize = 256 * 1024

// Instance is one pooled terminal: a process adapter plus the emulation
// surface that retains its screen buffer. It owns no rendering state.
type Instance struct {
	ID             string
	Shell          string
	Cwd            string
	OwnerProjectID string
	CreatedAt      time.Time

	mu             sync.RWMutex
	size           Size
	status         Status
	lastAccessedAt time.Time
	exit           *pty.Exit

	adapter *pty.Adapter
	surface *terminal.Surface
	rawLog  *terminal.OutputLog
}

func newInstance(id string, cfg CreateConfig) *Instance {
	now := time.Now()
	return &Instance{
		ID:             id,
		Shell:          cfg.Shell,
		Cwd:            cfg.Cwd,
		OwnerProjectID: cfg.OwnerProjectID,
		CreatedAt:      now,
		size:           Size{Cols: cfg.Cols, Rows: cfg.Rows},
		status:         StatusStarting,
		lastAccessedAt: now,
		rawLog:         terminal.NewOutputLog(rawLogSize),
	}
}

func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Exit returns how the process ended, once status is exited.
func (i *Instance) Exit() *pty.Exit {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.exit
}

func (i *Instance) Size() Size {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size
}

func (i *Instance) LastAccessedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastAccessedAt
}

// Surface exposes the screen buffer. Renderers subscribe through it; the
// buffer outlives any attachment.
func (i *Instance) Surface() *terminal.Surface {
	return i.surface
}

// Write forwards input bytes to the process. Racing with process exit is
// safe: the adapter drops late writes with a warning.
func (i *Instance) Write(p []byte) {
	i.adapter.Write(p)
}

// SendInput dispatches structured input through the emulator.
func (i *Instance) SendInput(input terminal.Input) error {
	return i.surface.SendInput(input)
}

// Resize changes the emulator and pty dimensions together.
func (i *Instance) Resize(cols, rows int) error {
	if err := i.surface.Resize(cols, rows); err != nil {
		return err
	}
	i.adapter.Resize(cols, rows)
	i.mu.Lock()
	i.size = Size{Cols: cols, Rows: rows}
	i.mu.Unlock()
	return nil
}

// RawOutput returns the retained raw output backlog.
func (i *Instance) RawOutput() (string, bool) {
	return i.rawLog.ReadAll()
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastAccessedAt = time.Now()
	i.mu.Unlock()
}

func (i *Instance) setRunning() {
	i.mu.Lock()
	if i.status == StatusStarting {
		i.status = StatusRunning
	}
	i.mu.Unlock()
}

func (i *Instance) setExited(exit pty.Exit) {
	i.mu.Lock()
	i.status = StatusExited
	i.exit = &exit
	i.mu.Unlock()
}

// Info is the UI-facing view of an instance.
type Info struct {
	ID             string    `json:"id"`
	Shell          string    `json:"shell"`
	Cwd            string    `json:"cwd"`
	Size           Size      `json:"size"`
	Status         Status    `json:"status"`
	OwnerProjectID string    `json:"owner_project_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	ExitSignal     string    `json:"exit_signal,omitempty"`
}

func (i *Instance) Info() Info {
	i.mu.RLock()
	defer i.mu.RUnlock()
	info := Info{
		ID:             i.ID,
		Shell:          i.Shell,
		Cwd:            i.Cwd,
		Size:           i.size,
		Status:         i.status,
		OwnerProjectID: i.OwnerProjectID,
		CreatedAt:      i.CreatedAt,
		LastAccessedAt: i.lastAccessedAt,
	}
	if i.exit != nil {
		code := i.exit.Code
		info.ExitCode = &code
		info.ExitSignal = i.exit.Signal
	}
	return info
}
