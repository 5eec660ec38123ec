package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

// ExecutionManager is the control surface the execution endpoints drive.
type ExecutionManager interface {
	StartKeyed(ctx context.Context, key, symbol string, side domain.Side, quantity int64) (domain.ExecutionState, bool, error)
	Pause(id string) (domain.ExecutionState, error)
	Resume(id string) (domain.ExecutionState, error)
	Stop(id string) (domain.ExecutionState, error)
	Get(ctx context.Context, id string) (domain.ExecutionState, error)
	Report(id string) (domain.ExecutionReport, error)
	List() []domain.ExecutionState
}

// ExecutionHandler serves the execution control endpoints.
type ExecutionHandler struct {
	manager ExecutionManager
	history domain.ExecutionStore
	logger  *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. history may be nil.
func NewExecutionHandler(manager ExecutionManager, history domain.ExecutionStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		manager: manager,
		history: history,
		logger:  logger.With(slog.String("handler", "executions")),
	}
}

type startRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
}

// Start launches an execution. An Idempotency-Key header makes retries of
// the same request return the original execution with 200.
// POST /api/executions
func (h *ExecutionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	symbol := domain.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	st, created, err := h.manager.StartKeyed(r.Context(), key, symbol, side, req.Quantity)
	if err != nil {
		h.logger.WarnContext(r.Context(), "start execution failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		w.Header().Set("Location", "/api/executions/"+st.ID)
	}
	writeJSON(w, code, st)
}

// List returns live executions, or stored history with ?history=true.
// GET /api/executions
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") == "true" {
		if h.history == nil {
			writeError(w, http.StatusNotImplemented, "execution history is not configured")
			return
		}
		states, err := h.history.ListRecent(r.Context(), parseListOpts(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": nonNil(states)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": nonNil(h.manager.List())})
}

// Get returns one execution.
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Report returns the order history and events of a live execution.
// GET /api/executions/{id}/report
func (h *ExecutionHandler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.manager.Report(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Pause handles POST /api/executions/{id}/pause.
func (h *ExecutionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.manager.Pause)
}

// Resume handles POST /api/executions/{id}/resume.
func (h *ExecutionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.manager.Resume)
}

// Stop handles POST /api/executions/{id}/stop. The execution winds down in
// the background; the response carries its state at the time of the call.
func (h *ExecutionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.manager.Stop)
}

func (h *ExecutionHandler) control(w http.ResponseWriter, r *http.Request, op func(string) (domain.ExecutionState, error)) {
	st, err := op(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
