// Package prices derives signal prices from current book state.
// All functions are pure: no mutation, no history.
package prices

import (
	"MicroBook/internal/book"
	"MicroBook/internal/fixedpoint"
)

// Mid returns (best_bid + best_ask) / 2 in price fixed-point.
// Division truncates toward zero. Undefined (ok=false) when either side
// of the book is empty.
func Mid(b *book.TopBook) (int64, bool) {
	bid, ok := b.Best(book.Bid)
	if !ok {
		return 0, false
	}
	ask, ok := b.Best(book.Ask)
	if !ok {
		return 0, false
	}
	return (bid.PriceFP + ask.PriceFP) / 2, true
}

// Micro returns the quantity-weighted opposite-side price,
// (best_bid*ask_qty + best_ask*bid_qty) / (bid_qty + ask_qty), weighting
// toward the side with less resting size. Division truncates toward
// zero; the products and the quantity sum are computed in big.Int space
// since both can exceed int64 at extreme sizes. Undefined (ok=false)
// when either side is empty or both top quantities are zero.
func Micro(b *book.TopBook) (int64, bool) {
	bid, ok := b.Best(book.Bid)
	if !ok {
		return 0, false
	}
	ask, ok := b.Best(book.Ask)
	if !ok {
		return 0, false
	}

	if bid.QtyFP == 0 && ask.QtyFP == 0 {
		return 0, false
	}

	return fixedpoint.WeightedMean(bid.PriceFP, ask.QtyFP, ask.PriceFP, bid.QtyFP), true
}
