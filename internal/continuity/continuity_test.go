package continuity_test

import (
	"testing"

	"MicroBook/internal/continuity"
	"MicroBook/internal/delta"
)

func d(first, last int64) *delta.Delta {
	return &delta.Delta{
		Exchange:      "binance",
		Symbol:        "BTCUSDT",
		FirstUpdateID: first,
		LastUpdateID:  last,
	}
}

func TestCheck_FirstDeltaDefinesBaseline(t *testing.T) {
	v := continuity.NewValidator()

	res := v.Check(d(500, 510))
	if res.Kind != continuity.Accepted {
		t.Fatalf("first delta: got %v, want Accepted", res.Kind)
	}

	last, ok := v.LastUpdateID("binance:BTCUSDT")
	if !ok || last != 510 {
		t.Errorf("last id: got %d ok=%v, want 510", last, ok)
	}
}

func TestCheck_ConsecutiveDeltasAllAccepted(t *testing.T) {
	v := continuity.NewValidator()

	deltas := []*delta.Delta{d(1, 3), d(4, 4), d(5, 9), d(10, 12)}
	for i, dd := range deltas {
		res := v.Check(dd)
		if res.Kind != continuity.Accepted {
			t.Fatalf("delta %d: got %v, want Accepted", i, res.Kind)
		}
	}

	last, _ := v.LastUpdateID("binance:BTCUSDT")
	if last != 12 {
		t.Errorf("last id: got %d, want 12", last)
	}

	gaps, dups := v.Counts("binance:BTCUSDT")
	if gaps != 0 || dups != 0 {
		t.Errorf("counts: got gaps=%d dups=%d, want 0/0", gaps, dups)
	}
}

func TestCheck_GapSkippingAhead(t *testing.T) {
	v := continuity.NewValidator()
	v.Check(d(1, 100))

	res := v.Check(d(105, 110))
	if res.Kind != continuity.Gap {
		t.Fatalf("got %v, want Gap", res.Kind)
	}
	if res.MissingFrom != 101 || res.MissingTo != 104 {
		t.Errorf("missing range: got %d..%d, want 101..104", res.MissingFrom, res.MissingTo)
	}
	if !res.ResyncRecommended {
		t.Error("gap must recommend a resync")
	}

	// State advances past the gap: the next consecutive delta is Accepted.
	res = v.Check(d(111, 115))
	if res.Kind != continuity.Accepted {
		t.Errorf("post-gap delta: got %v, want Accepted", res.Kind)
	}

	gaps, _ := v.Counts("binance:BTCUSDT")
	if gaps != 1 {
		t.Errorf("gap count: got %d, want 1", gaps)
	}
}

func TestCheck_DuplicateOrStale(t *testing.T) {
	v := continuity.NewValidator()
	v.Check(d(1, 100))

	res := v.Check(d(95, 99))
	if res.Kind != continuity.DuplicateOrStale {
		t.Fatalf("got %v, want DuplicateOrStale", res.Kind)
	}

	// State must not have moved.
	last, _ := v.LastUpdateID("binance:BTCUSDT")
	if last != 100 {
		t.Errorf("last id: got %d, want 100", last)
	}

	// Exact replay of the current position is also stale.
	res = v.Check(d(1, 100))
	if res.Kind != continuity.DuplicateOrStale {
		t.Errorf("replay: got %v, want DuplicateOrStale", res.Kind)
	}

	_, dups := v.Counts("binance:BTCUSDT")
	if dups != 2 {
		t.Errorf("duplicate count: got %d, want 2", dups)
	}
}

func TestCheck_OverlapAdvancingIsGap(t *testing.T) {
	v := continuity.NewValidator()
	v.Check(d(1, 100))

	// Advances (u=105) but first id overlaps already-seen range.
	res := v.Check(d(95, 105))
	if res.Kind != continuity.Gap {
		t.Fatalf("got %v, want Gap", res.Kind)
	}
	if res.MissingFrom != 0 || res.MissingTo != 0 {
		t.Errorf("overlap gap must not report a missing range, got %d..%d",
			res.MissingFrom, res.MissingTo)
	}

	last, _ := v.LastUpdateID("binance:BTCUSDT")
	if last != 105 {
		t.Errorf("last id: got %d, want 105", last)
	}
}

func TestCheck_StreamsAreIndependent(t *testing.T) {
	v := continuity.NewValidator()

	v.Check(d(1, 100))
	res := v.Check(&delta.Delta{
		Exchange: "binance", Symbol: "ETHUSDT",
		FirstUpdateID: 9000, LastUpdateID: 9001,
	})
	if res.Kind != continuity.Accepted {
		t.Errorf("other stream's first delta: got %v, want Accepted", res.Kind)
	}

	res = v.Check(d(101, 102))
	if res.Kind != continuity.Accepted {
		t.Errorf("original stream: got %v, want Accepted", res.Kind)
	}
}

func TestRestore(t *testing.T) {
	v := continuity.NewValidator()
	v.Restore("binance:BTCUSDT", 200)

	res := v.Check(d(201, 205))
	if res.Kind != continuity.Accepted {
		t.Errorf("after restore: got %v, want Accepted", res.Kind)
	}

	v2 := continuity.NewValidator()
	v2.Restore("binance:BTCUSDT", 200)
	res = v2.Check(d(300, 305))
	if res.Kind != continuity.Gap {
		t.Errorf("after restore with skip: got %v, want Gap", res.Kind)
	}
}
