package api

import (
	"time"

	"github.com/quillchat/quill/internal/pool"
	"github.com/quillchat/quill/internal/renderer"
)

// CreateTerminalRequest carries the POST /api/terminals body. All fields are
// optional; the pool fills defaults from the environment.
type CreateTerminalRequest struct {
	Shell     string            `json:"shell,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
}

type TerminalListResponse struct {
	Terminals []pool.Info `json:"terminals"`
}

type MountListResponse struct {
	Mounts []renderer.AttachmentInfo `json:"mounts"`
}

type InputRequest struct {
	Text string `json:"text"`
}

type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ScreenResponse is the live screen buffer of a pooled terminal, rendered to
// plain text the way the DOM backend would paint it.
type ScreenResponse struct {
	ID      string    `json:"id"`
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Lines   []string  `json:"lines"`
	CursorX int       `json:"cursor_x"`
	CursorY int       `json:"cursor_y"`
	Text    string    `json:"text"`
	TakenAt time.Time `json:"taken_at"`
}

// RawOutputResponse is the retained raw output backlog, unparsed. Truncated
// is set once the ring buffer has wrapped.
type RawOutputResponse struct {
	ID        string `json:"id"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated"`
}

type ProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
