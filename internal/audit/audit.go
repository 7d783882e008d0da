// Package audit accumulates per-run correctness counters. The
// accumulator is the only structure shared across stream workers, so
// every counter is an atomic and Summary can be taken at any time
// without stopping ingestion.
package audit

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Accumulator counts what the run saw and what it rejected. Increments
// are safe from any goroutine.
type Accumulator struct {
	runID     string
	startedAt time.Time

	rawLines         atomic.Int64
	badJSON          atomic.Int64
	schemaRejections atomic.Int64
	overflowRejects  atomic.Int64

	deltasProcessed atomic.Int64
	accepted        atomic.Int64
	gaps            atomic.Int64
	duplicates      atomic.Int64
	crossedBooks    atomic.Int64
}

// Summary is a point-in-time snapshot of an Accumulator, shaped for
// JSON emission alongside the data it describes.
type Summary struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	TakenAt   time.Time `json:"taken_at"`

	RawLines         int64 `json:"raw_lines"`
	BadJSON          int64 `json:"bad_json"`
	SchemaRejections int64 `json:"schema_rejections"`
	OverflowRejects  int64 `json:"overflow_rejections"`

	DeltasProcessed int64 `json:"deltas_processed"`
	Accepted        int64 `json:"accepted"`
	Gaps            int64 `json:"gaps"`
	Duplicates      int64 `json:"duplicates"`
	CrossedBooks    int64 `json:"crossed_books"`
}

// New creates an accumulator tagged with a fresh run ID.
func New() *Accumulator {
	return &Accumulator{
		runID:     uuid.NewString(),
		startedAt: time.Now().UTC(),
	}
}

// NewWithRunID creates an accumulator with a caller-chosen run ID,
// used by the offline pipeline where the ID names the input file.
func NewWithRunID(runID string) *Accumulator {
	return &Accumulator{
		runID:     runID,
		startedAt: time.Now().UTC(),
	}
}

func (a *Accumulator) RunID() string { return a.runID }

func (a *Accumulator) RawLine()         { a.rawLines.Inc() }
func (a *Accumulator) BadJSON()         { a.badJSON.Inc() }
func (a *Accumulator) SchemaRejection() { a.schemaRejections.Inc() }
func (a *Accumulator) OverflowReject()  { a.overflowRejects.Inc() }

func (a *Accumulator) DeltaProcessed() { a.deltasProcessed.Inc() }
func (a *Accumulator) DeltaAccepted()  { a.accepted.Inc() }
func (a *Accumulator) Gap()            { a.gaps.Inc() }
func (a *Accumulator) Duplicate()      { a.duplicates.Inc() }
func (a *Accumulator) CrossedBook()    { a.crossedBooks.Inc() }

// Summary snapshots the current counts. Counters may keep moving while
// the snapshot is taken; each field is individually consistent.
func (a *Accumulator) Summary() Summary {
	return Summary{
		RunID:     a.runID,
		StartedAt: a.startedAt,
		TakenAt:   time.Now().UTC(),

		RawLines:         a.rawLines.Load(),
		BadJSON:          a.badJSON.Load(),
		SchemaRejections: a.schemaRejections.Load(),
		OverflowRejects:  a.overflowRejects.Load(),

		DeltasProcessed: a.deltasProcessed.Load(),
		Accepted:        a.accepted.Load(),
		Gaps:            a.gaps.Load(),
		Duplicates:      a.duplicates.Load(),
		CrossedBooks:    a.crossedBooks.Load(),
	}
}
