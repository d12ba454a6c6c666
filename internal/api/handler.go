package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/persist"
	"github.com/quillchat/quill/internal/pool"
	"github.com/quillchat/quill/internal/pty"
	"github.com/quillchat/quill/internal/renderer"
)

// Handler routes REST and WebSocket requests to the terminal pool.
type Handler struct {
	pool      *pool.Manager
	renderers *renderer.Manager
	projects  *persist.ProjectStore
	log       *zap.Logger
}

func NewHandler(pm *pool.Manager, rm *renderer.Manager, projects *persist.ProjectStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		pool:      pm,
		renderers: rm,
		projects:  projects,
		log:       log,
	}
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/terminals", h.listTerminals)
	r.Post("/api/terminals", h.createTerminal)
	r.Get("/api/terminals/stats", h.poolStats)
	r.Get("/api/terminals/{id}", h.getTerminal)
	r.Delete("/api/terminals/{id}", h.destroyTerminal)
	r.Post("/api/terminals/{id}/input", h.sendTerminalInput)
	r.Post("/api/terminals/{id}/resize", h.resizeTerminal)
	r.Get("/api/terminals/{id}/screen", h.getTerminalScreen)
	r.Get("/api/terminals/{id}/output", h.getTerminalOutput)
	r.Get("/api/terminals/{id}/attach", h.terminalWebSocket)
	r.Get("/api/mounts", h.listMounts)
	r.Get("/api/events", h.eventsWebSocket)
	r.Get("/api/projects", h.listProjects)
	r.Post("/api/projects", h.createProject)
	r.Get("/api/projects/{id}", h.getProject)
	r.Put("/api/projects/{id}", h.updateProject)
	r.Delete("/api/projects/{id}", h.deleteProject)
}

func (h *Handler) createTerminal(w http.ResponseWriter, r *http.Request) {
	var req CreateTerminalRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	cwd := req.Cwd
	if req.ProjectID != "" {
		proj, err := h.projects.Get(req.ProjectID)
		if err != nil {
			writeError(w, http.StatusNotFound, "project not found", err.Error())
			return
		}
		if cwd == "" {
			cwd = proj.Path
		}
	}

	inst, err := h.pool.Create(r.Context(), pool.CreateConfig{
		Shell:          req.Shell,
		Cwd:            cwd,
		Cols:           req.Cols,
		Rows:           req.Rows,
		Env:            req.Env,
		OwnerProjectID: req.ProjectID,
	})
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			writeError(w, http.StatusConflict, pool.ErrPoolExhausted.Error(), "")
		case errors.Is(err, pty.ErrSpawnTimeout):
			writeError(w, http.StatusGatewayTimeout, "terminal spawn timed out", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create terminal", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, inst.Info())
}

func (h *Handler) listTerminals(w http.ResponseWriter, r *http.Request) {
	instances := h.pool.List(r.URL.Query().Get("project_id"))
	infos := make([]pool.Info, len(instances))
	for i, inst := range instances {
		infos[i] = inst.Info()
	}
	writeJSON(w, http.StatusOK, TerminalListResponse{Terminals: infos})
}

func (h *Handler) poolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

func (h *Handler) getTerminal(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrInstanceNotFound.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, inst.Info())
}

func (h *Handler) destroyTerminal(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Destroy(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, pool.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to destroy terminal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendTerminalInput(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrInstanceNotFound.Error(), "")
		return
	}

	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required", "")
		return
	}
	if inst.Status() == pool.StatusExited {
		writeError(w, http.StatusConflict, pool.ErrInstanceExited.Error(), "")
		return
	}

	inst.Write([]byte(req.Text))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resizeTerminal(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrInstanceNotFound.Error(), "")
		return
	}

	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive", "")
		return
	}

	if err := inst.Resize(req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resize terminal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTerminalScreen(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrInstanceNotFound.Error(), "")
		return
	}

	snap := inst.Surface().Snapshot()
	writeJSON(w, http.StatusOK, ScreenResponse{
		ID:      inst.ID,
		Rows:    snap.Rows,
		Cols:    snap.Cols,
		Lines:   snap.Lines,
		CursorX: snap.CursorX,
		CursorY: snap.CursorY,
		Text:    snap.Text(),
		TakenAt: time.Now().UTC(),
	})
}

// getTerminalOutput serves the raw output backlog, escape sequences and
// all, for clients that replay instead of painting a screen.
func (h *Handler) getTerminalOutput(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, pool.ErrInstanceNotFound.Error(), "")
		return
	}

	output, truncated := inst.RawOutput()
	writeJSON(w, http.StatusOK, RawOutputResponse{
		ID:        inst.ID,
		Output:    output,
		Truncated: truncated,
	})
}

func (h *Handler) listMounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MountListResponse{Mounts: h.renderers.Mounts()})
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]persist.Project{"projects": projects})
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "name and path are required", "")
		return
	}

	proj := persist.Project{
		ID:   req.ID,
		Name: req.Name,
		Path: req.Path,
	}
	if proj.ID == "" {
		proj.ID = uuid.NewString()
	}
	if err := h.projects.Save(proj); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save project", err.Error())
		return
	}

	saved, err := h.projects.Get(proj.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load project", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	proj, err := h.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "project not found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.projects.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "project not found", err.Error())
		return
	}

	var req ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Path != "" {
		existing.Path = req.Path
	}
	if err := h.projects.Save(*existing); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save project", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *Handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.projects.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete project", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}
