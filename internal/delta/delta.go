package delta

// Level is one absolute price-level change. QtyFP == 0 removes the level;
// any other value sets the resting quantity at that price outright.
type Level struct {
	PriceFP int64 `json:"price_fp"`
	QtyFP   int64 `json:"qty_fp"`
}

// Delta is one normalized L2 update. Deltas are transient: created per
// incoming message, consumed exactly once, then discarded.
type Delta struct {
	Exchange      string  `json:"exchange"`
	Symbol        string  `json:"symbol"`
	EventTime     int64   `json:"event_time_ms"` // epoch millis from the feed
	FirstUpdateID int64   `json:"first_update_id"`
	LastUpdateID  int64   `json:"last_update_id"`
	Bids          []Level `json:"bids"`
	Asks          []Level `json:"asks"`
}

// StreamKey identifies the per-(exchange, symbol) update stream a delta
// belongs to. Continuity state and book state are keyed by this.
func (d *Delta) StreamKey() string {
	return d.Exchange + ":" + d.Symbol
}

// PriceRecord is a derived top-of-book observation emitted after each
// successful book apply. MicroFP is only meaningful when MicroDefined
// is true (zero total quantity at the top makes micro undefined).
type PriceRecord struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	EventTime    int64  `json:"event_time_ms"`
	LastUpdateID int64  `json:"last_update_id"`
	BestBidFP    int64  `json:"best_bid_fp"`
	BestBidQtyFP int64  `json:"best_bid_qty_fp"`
	BestAskFP    int64  `json:"best_ask_fp"`
	BestAskQtyFP int64  `json:"best_ask_qty_fp"`
	MidFP        int64  `json:"mid_fp"`
	MicroFP      int64  `json:"micro_fp,omitempty"`
	MicroDefined bool   `json:"micro_defined"`
}
