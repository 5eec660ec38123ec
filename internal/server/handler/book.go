package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/alanyoungcy/touchexec/internal/book"
	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/feed"
)

// DepthReader reads the in-process book.
type DepthReader interface {
	Depth(symbol string, levels int) (domain.Depth, bool)
}

// DepthSubscriber starts streaming a symbol.
type DepthSubscriber interface {
	Subscribe(ctx context.Context, symbol string) (bool, error)
}

// BookHandler serves depth snapshots from the live book, falling back to the
// shared cache. Unknown symbols are subscribed so a retry finds them.
type BookHandler struct {
	book  DepthReader
	cache domain.OrderbookCache
	feed  DepthSubscriber
}

// NewBookHandler creates a BookHandler. cache and feed may be nil.
func NewBookHandler(b DepthReader, cache domain.OrderbookCache, f DepthSubscriber) *BookHandler {
	return &BookHandler{book: b, cache: cache, feed: f}
}

// Get handles GET /api/book/{symbol}?levels=5[&format=text].
func (h *BookHandler) Get(w http.ResponseWriter, r *http.Request) {
	symbol := domain.NormalizeSymbol(r.PathValue("symbol"))
	levels := min(queryInt(r.URL.Query().Get("levels"), book.DefaultLevels, 1), 50)

	depth, err := h.lookup(r.Context(), symbol, levels)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && h.feed != nil {
			if _, serr := h.feed.Subscribe(r.Context(), symbol); serr == nil {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusAccepted, "subscribed to "+symbol+"; no depth yet")
				return
			}
		}
		writeDomainError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(book.Format(depth)))
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (h *BookHandler) lookup(ctx context.Context, symbol string, levels int) (domain.Depth, error) {
	if d, ok := h.book.Depth(symbol, levels); ok {
		return d, nil
	}
	if h.cache != nil {
		return feed.CachedDepth(ctx, h.cache, symbol, levels)
	}
	return domain.Depth{}, domain.ErrNotFound
}
