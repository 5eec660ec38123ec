package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// DepthUpdate carries full-side replacements of a symbol's book as delivered
// by a venue feed. A side is replaced only when its Has flag is set; an empty
// level list with the flag set clears that side.
type DepthUpdate struct {
	Symbol    string
	Venue     string
	Bids      []PriceLevel
	Asks      []PriceLevel
	HasBids   bool
	HasAsks   bool
	Timestamp time.Time
}

// TopOfBook is the best bid and ask with their sizes.
type TopOfBook struct {
	Bid     float64 `json:"bid"`
	BidSize float64 `json:"bid_size"`
	Ask     float64 `json:"ask"`
	AskSize float64 `json:"ask_size"`
}

// Depth is an N-level view of a symbol's book: bids descending, asks
// ascending.
type Depth struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DataSource names where a snapshot came from.
type DataSource string

const (
	SourceLevel1 DataSource = "LEVEL1"
	SourceLevel2 DataSource = "LEVEL2"
)

// BookSnapshot is the per-cycle market view used for pricing. It is
// recomputed fresh every cycle. TickSize is the increment at the bid and
// AskTickSize the increment at the ask; they differ when the spread
// straddles 1.00.
type BookSnapshot struct {
	Symbol      string     `json:"symbol"`
	Bid         float64    `json:"bid"`
	Ask         float64    `json:"ask"`
	BidSize     float64    `json:"bid_size"`
	AskSize     float64    `json:"ask_size"`
	TickSize    float64    `json:"tick_size"`
	AskTickSize float64    `json:"ask_tick_size"`
	Source      DataSource `json:"source"`
	Time        time.Time  `json:"time"`
}

// Tick returns the increment at the touch of side.
func (s BookSnapshot) Tick(side Side) float64 {
	if side == SideSell {
		return s.AskTickSize
	}
	return s.TickSize
}

// OrderbookSnapshot is the serialized form of a depth book kept in caches.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	BestBid   float64      `json:"best_bid"`
	BestAsk   float64      `json:"best_ask"`
	Timestamp time.Time    `json:"timestamp"`
}
