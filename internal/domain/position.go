package domain

// Position is a brokerage account holding as reported by the venue.
type Position struct {
	Symbol        string    `json:"symbol"`
	AssetType     AssetType `json:"asset_type,omitempty"`
	LongQuantity  float64   `json:"long_quantity"`
	ShortQuantity float64   `json:"short_quantity"`
	MarketValue   float64   `json:"market_value"`
	AveragePrice  float64   `json:"average_price,omitempty"`
}

// NetQuantity is long minus short.
func (p Position) NetQuantity() float64 {
	return p.LongQuantity - p.ShortQuantity
}

// Exposure is the per-symbol net holding derived from positions.
type Exposure struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	MarketValue float64 `json:"market_value"`
}
