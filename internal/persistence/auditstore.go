package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MicroBook/internal/audit"
)

// AuditStore persists run audit summaries and gap reports to Postgres.
// Summaries are upserted per run so periodic flushes overwrite the
// previous snapshot; gap reports are append-only.
type AuditStore struct {
	db *sql.DB
}

// GapReport is one recorded continuity gap.
type GapReport struct {
	RunID        string
	Stream       string
	MissingFrom  int64
	MissingTo    int64
	LastUpdateID int64
	OccurredAt   time.Time
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// UpsertSummary writes (or refreshes) a run's audit summary.
func (s *AuditStore) UpsertSummary(ctx context.Context, sum audit.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mdbook.run_summaries
			(run_id, started_at, taken_at,
			 raw_lines, bad_json, schema_rejections, overflow_rejections,
			 deltas_processed, accepted, gaps, duplicates, crossed_books)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			taken_at            = EXCLUDED.taken_at,
			raw_lines           = EXCLUDED.raw_lines,
			bad_json            = EXCLUDED.bad_json,
			schema_rejections   = EXCLUDED.schema_rejections,
			overflow_rejections = EXCLUDED.overflow_rejections,
			deltas_processed    = EXCLUDED.deltas_processed,
			accepted            = EXCLUDED.accepted,
			gaps                = EXCLUDED.gaps,
			duplicates          = EXCLUDED.duplicates,
			crossed_books       = EXCLUDED.crossed_books`,
		sum.RunID, sum.StartedAt, sum.TakenAt,
		sum.RawLines, sum.BadJSON, sum.SchemaRejections, sum.OverflowRejects,
		sum.DeltasProcessed, sum.Accepted, sum.Gaps, sum.Duplicates, sum.CrossedBooks,
	)
	if err != nil {
		return fmt.Errorf("upsert run summary %s: %w", sum.RunID, err)
	}
	return nil
}

// WriteGapReports appends a batch of gap reports using a multi-row
// INSERT. Duplicate (run_id, stream, missing_from) rows from a replay
// are ignored.
func (s *AuditStore) WriteGapReports(ctx context.Context, reports []GapReport) error {
	if len(reports) == 0 {
		return nil
	}

	query := `INSERT INTO mdbook.gap_reports
		(run_id, stream, missing_from, missing_to, last_update_id, occurred_at)
		VALUES `

	values := make([]string, 0, len(reports))
	args := make([]interface{}, 0, len(reports)*6)

	for i, r := range reports {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.RunID, r.Stream, r.MissingFrom, r.MissingTo, r.LastUpdateID, r.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (run_id, stream, missing_from) DO NOTHING"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write gap reports: %w", err)
	}
	return nil
}

// SummaryCount returns the number of stored run summaries. Used by
// integration tests and the ops runbook.
func (s *AuditStore) SummaryCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mdbook.run_summaries`).Scan(&n)
	return n, err
}
