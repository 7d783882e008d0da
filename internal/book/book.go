package book

import (
	"github.com/google/btree"

	"MicroBook/internal/delta"
)

// Side selects one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// State is the book lifecycle: Uninitialized until the first successful
// apply, Ready afterwards. A rejected apply leaves the prior state
// untouched, so "rejected" is observable only through the apply result.
type State int

const (
	Uninitialized State = iota
	Ready
)

// Result classifies the outcome of one Apply call.
type Result int

const (
	// Applied: all level changes plus the depth trim took effect.
	Applied Result = iota
	// CrossedBook: the delta would leave best bid >= best ask. The whole
	// delta was rolled back; the book is exactly as before the call.
	CrossedBook
)

func (r Result) String() string {
	if r == Applied {
		return "applied"
	}
	return "crossed_book"
}

const btreeDegree = 8

// bidLess orders bids best-first (descending price), askLess orders asks
// best-first (ascending price). With both orderings Min() is the best
// level and DeleteMax() removes the deepest.
func bidLess(a, b delta.Level) bool { return a.PriceFP > b.PriceFP }
func askLess(a, b delta.Level) bool { return a.PriceFP < b.PriceFP }

// TopBook holds the best-N levels per side for one (exchange, symbol)
// stream. It is owned by a single stream worker and is not goroutine-safe.
//
// Invariants after every successful Apply: no duplicate price levels, no
// zero-quantity entries, sides ordered best-first, and best bid strictly
// below best ask whenever both sides are non-empty.
type TopBook struct {
	exchange string
	symbol   string
	depth    int

	bids *btree.BTreeG[delta.Level]
	asks *btree.BTreeG[delta.Level]

	state        State
	lastUpdateID int64
}

func New(exchange, symbol string, depth int) *TopBook {
	return &TopBook{
		exchange: exchange,
		symbol:   symbol,
		depth:    depth,
		bids:     btree.NewG(btreeDegree, bidLess),
		asks:     btree.NewG(btreeDegree, askLess),
		state:    Uninitialized,
	}
}

func (b *TopBook) Exchange() string    { return b.exchange }
func (b *TopBook) Symbol() string      { return b.symbol }
func (b *TopBook) State() State        { return b.state }
func (b *TopBook) LastUpdateID() int64 { return b.lastUpdateID }

// Apply processes one canonical delta: per side, in the order given,
// qty 0 removes the price level (absence is not an error) and any other
// qty sets it outright. Both sides are then trimmed to the configured
// depth, deepest levels first, and the crossed-book invariant is checked
// on the trimmed result. Apply either fully succeeds or leaves the book
// exactly as before — the mutation happens on copy-on-write clones that
// are only swapped in after validation.
func (b *TopBook) Apply(d *delta.Delta) Result {
	bids := b.bids.Clone()
	asks := b.asks.Clone()

	applyLevels(bids, d.Bids)
	applyLevels(asks, d.Asks)

	for bids.Len() > b.depth {
		bids.DeleteMax()
	}
	for asks.Len() > b.depth {
		asks.DeleteMax()
	}

	if bestBid, ok := bids.Min(); ok {
		if bestAsk, ok := asks.Min(); ok {
			if bestBid.PriceFP >= bestAsk.PriceFP {
				return CrossedBook
			}
		}
	}

	b.bids = bids
	b.asks = asks
	b.state = Ready
	b.lastUpdateID = d.LastUpdateID
	return Applied
}

func applyLevels(side *btree.BTreeG[delta.Level], changes []delta.Level) {
	for _, lv := range changes {
		if lv.QtyFP == 0 {
			side.Delete(delta.Level{PriceFP: lv.PriceFP})
		} else {
			side.ReplaceOrInsert(lv)
		}
	}
}

// Best returns the top level of a side, or ok=false when the side is empty.
func (b *TopBook) Best(s Side) (delta.Level, bool) {
	if s == Bid {
		return b.bids.Min()
	}
	return b.asks.Min()
}

// Len returns the number of levels currently held on a side.
func (b *TopBook) Len(s Side) int {
	if s == Bid {
		return b.bids.Len()
	}
	return b.asks.Len()
}

// Levels returns a side's levels best-first. The slice is freshly
// allocated; callers may retain it.
func (b *TopBook) Levels(s Side) []delta.Level {
	var tree *btree.BTreeG[delta.Level]
	if s == Bid {
		tree = b.bids
	} else {
		tree = b.asks
	}
	out := make([]delta.Level, 0, tree.Len())
	tree.Ascend(func(lv delta.Level) bool {
		out = append(out, lv)
		return true
	})
	return out
}

// Reset clears both sides and returns the book to Uninitialized. Called
// on an explicit resync decision after a continuity gap.
func (b *TopBook) Reset() {
	b.bids = btree.NewG(btreeDegree, bidLess)
	b.asks = btree.NewG(btreeDegree, askLess)
	b.state = Uninitialized
	b.lastUpdateID = 0
}
