package continuity

import (
	"MicroBook/internal/delta"
)

// Kind classifies one delta against the stream's continuity state.
type Kind int

const (
	// Accepted: first_update_id continues exactly from the last accepted
	// delta (or this is the first delta seen on the stream).
	Accepted Kind = iota
	// Gap: update ids were skipped. State still advances, but the book
	// built from this stream should be treated as stale until resynced.
	Gap
	// DuplicateOrStale: the delta does not advance the stream. Ignorable,
	// not an error; state does not advance.
	DuplicateOrStale
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Gap:
		return "gap"
	default:
		return "duplicate_or_stale"
	}
}

// Result is the outcome of one Check call. For a Gap that skipped ahead,
// MissingFrom..MissingTo is the id range that was never seen (both zero
// when the gap is an overlap rather than a skip).
type Result struct {
	Kind              Kind
	MissingFrom       int64
	MissingTo         int64
	ResyncRecommended bool
}

type streamState struct {
	initialized  bool
	lastUpdateID int64
	gaps         int64
	duplicates   int64
}

// Validator tracks per-stream update-id continuity. It never inspects
// price or quantity fields — it is an independent correctness observer,
// orthogonal to book reconstruction.
// Not goroutine-safe: each stream's validator state is owned by the
// single worker processing that stream.
type Validator struct {
	streams map[string]*streamState
}

func NewValidator() *Validator {
	return &Validator{
		streams: make(map[string]*streamState),
	}
}

// Check classifies a delta and advances per-stream state.
//
// The first delta on a stream is accepted unconditionally and defines
// the baseline — snapshot alignment is the orchestrator's concern. A
// delta whose last_update_id does not advance the stream is
// DuplicateOrStale and leaves state untouched. A delta that advances
// but whose first_update_id is not exactly last+1 is a Gap: state still
// advances (so one gap is reported once, not for every following
// delta), and the result recommends a resync — whether to reset the
// book is the caller's policy decision.
func (v *Validator) Check(d *delta.Delta) Result {
	key := d.StreamKey()
	st, ok := v.streams[key]
	if !ok {
		st = &streamState{}
		v.streams[key] = st
	}

	if !st.initialized {
		st.initialized = true
		st.lastUpdateID = d.LastUpdateID
		return Result{Kind: Accepted}
	}

	if d.LastUpdateID <= st.lastUpdateID {
		st.duplicates++
		return Result{Kind: DuplicateOrStale}
	}

	if d.FirstUpdateID != st.lastUpdateID+1 {
		res := Result{Kind: Gap, ResyncRecommended: true}
		if d.FirstUpdateID > st.lastUpdateID+1 {
			res.MissingFrom = st.lastUpdateID + 1
			res.MissingTo = d.FirstUpdateID - 1
		}
		st.gaps++
		st.lastUpdateID = d.LastUpdateID
		return res
	}

	st.lastUpdateID = d.LastUpdateID
	return Result{Kind: Accepted}
}

// LastUpdateID returns the last accepted id for a stream, ok=false if
// the stream has not seen any delta yet.
func (v *Validator) LastUpdateID(streamKey string) (int64, bool) {
	st, ok := v.streams[streamKey]
	if !ok || !st.initialized {
		return 0, false
	}
	return st.lastUpdateID, true
}

// Counts returns the cumulative gap and duplicate counts for a stream.
func (v *Validator) Counts(streamKey string) (gaps, duplicates int64) {
	st, ok := v.streams[streamKey]
	if !ok {
		return 0, 0
	}
	return st.gaps, st.duplicates
}

// Restore seeds a stream's baseline (used when resuming from a recorded
// position instead of a live first delta).
func (v *Validator) Restore(streamKey string, lastUpdateID int64) {
	v.streams[streamKey] = &streamState{
		initialized:  true,
		lastUpdateID: lastUpdateID,
	}
}
