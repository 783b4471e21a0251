// Package httpapi implements the REST surface: session
// CRUD, snapshot retrieval, and the non-WebSocket input/resize paths
// used by simple HTTP clients that don't speak the v3 frame protocol.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"vtmux/internal/engine"
	"vtmux/internal/externalingest"
	"vtmux/internal/session"
	"vtmux/internal/vterrors"
)

// Handler serves the REST API.
type Handler struct {
	engine   *engine.Engine
	external *externalingest.Server
	logger   *slog.Logger
}

// New builds an http.Handler mounting every route under mux.
func New(eng *engine.Engine, ext *externalingest.Server, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: eng, external: ext, logger: logger.With("component", "httpapi.Handler")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("POST /api/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDestroy)
	mux.HandleFunc("GET /api/sessions/{id}/snapshot", h.handleSnapshot)
	mux.HandleFunc("POST /api/sessions/{id}/input", h.handleInput)
	mux.HandleFunc("POST /api/sessions/{id}/resize", h.handleResize)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Cols    int               `json:"cols"`
	Rows    int               `json:"rows"`
	Name    string            `json:"name"`
	// External, if true, registers the session via ExternalIngest instead
	// of spawning a local PTY; the response's controlSock is where the
	// caller's forwarder should dial in and start streaming.
	External bool `json:"external"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, vterrors.BadFrame, err.Error())
		return
	}
	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, vterrors.BadFrame, "command is required")
		return
	}

	opts := engine.CreateOptions{
		Command: req.Command,
		Dir:     req.Dir,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
		Name:    req.Name,
	}

	var sess *session.Session
	var err error
	if req.External {
		if h.external == nil {
			writeError(w, http.StatusServiceUnavailable, vterrors.Unknown, "external ingest not enabled")
			return
		}
		sess, err = h.external.StartSession(opts)
	} else {
		sess, err = h.engine.Create(opts)
	}
	if err != nil {
		writeError(w, statusForKind(vterrors.KindOf(err)), vterrors.KindOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.engine.Store().List()})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.engine.Store().Get(id)
	if err != nil {
		writeError(w, statusForKind(vterrors.KindOf(err)), vterrors.KindOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Destroy(r.Context(), id); err != nil {
		writeError(w, statusForKind(vterrors.KindOf(err)), vterrors.KindOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.engine.Snapshot(id)
	if err != nil {
		writeError(w, statusForKind(vterrors.KindOf(err)), vterrors.KindOf(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.Encode())
}

type inputRequest struct {
	Data string `json:"data"`
}

func (h *Handler) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req inputRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, vterrors.BadFrame, err.Error())
		return
	}
	if err := h.engine.WriteInput(id, []byte(req.Data)); err != nil {
		writeError(w, statusForKind(vterrors.KindOf(err)), vterrors.KindOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (h *Handler) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, vterrors.BadFrame, err.Error())
		return
	}
	if err := h.engine.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, statusForKind(vterrors.KindOf(err)), vterrors.KindOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusForKind(kind vterrors.Kind) int {
	switch kind {
	case vterrors.SessionNotFound, vterrors.SessionGone:
		return http.StatusNotFound
	case vterrors.Unauthorized:
		return http.StatusUnauthorized
	case vterrors.BadFrame, vterrors.FrameTooLarge, vterrors.UnknownType:
		return http.StatusBadRequest
	case vterrors.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind vterrors.Kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind.String(), "message": message})
}
