package handler

import (
	"net/http"
	"strings"

	s3blob "github.com/alanyoungcy/touchexec/internal/blob/s3"
	"github.com/alanyoungcy/touchexec/internal/domain"
)

// ArchiveHandler lists and loads archived execution reports.
type ArchiveHandler struct {
	reader domain.BlobReader
	prefix string
}

// NewArchiveHandler creates an ArchiveHandler scoped to prefix.
func NewArchiveHandler(reader domain.BlobReader, prefix string) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, prefix: strings.Trim(prefix, "/")}
}

// List handles GET /api/archive?prefix=2025/01.
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	p := h.scoped(r.URL.Query().Get("prefix"))
	infos, err := h.reader.List(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": p, "reports": nonNil(infos)})
}

// Get handles GET /api/archive/report?path=....
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSpace(r.URL.Query().Get("path"))
	if p == "" || strings.Contains(p, "..") {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if h.prefix != "" && !strings.HasPrefix(p, h.prefix+"/") {
		writeError(w, http.StatusBadRequest, "path is outside the archive")
		return
	}

	body, err := h.reader.Get(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	rep, err := s3blob.ReadReport(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *ArchiveHandler) scoped(sub string) string {
	sub = strings.Trim(sub, "/")
	switch {
	case h.prefix == "":
		return sub
	case sub == "":
		return h.prefix + "/"
	default:
		return h.prefix + "/" + sub
	}
}
