package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/touchexec/internal/service"
)

// ExposureReader reports net holdings.
type ExposureReader interface {
	Exposure(ctx context.Context) ([]service.Exposure, error)
}

// PositionHandler serves account exposure.
type PositionHandler struct {
	positions ExposureReader
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions ExposureReader) *PositionHandler {
	return &PositionHandler{positions: positions}
}

// List handles GET /api/positions.
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	exp, err := h.positions.Exposure(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": nonNil(exp)})
}
