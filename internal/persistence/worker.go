package persistence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"MicroBook/internal/core"
	"MicroBook/internal/delta"
	"MicroBook/internal/observability"
)

// deltaLine is the archived form of one processed delta: the canonical
// delta plus receive metadata and its pipeline outcome.
type deltaLine struct {
	RecvTSNs    int64  `json:"recv_ts_ns"`
	Outcome     string `json:"outcome"`
	MissingFrom int64  `json:"missing_from,omitempty"`
	MissingTo   int64  `json:"missing_to,omitempty"`
	*delta.Delta
}

// WriterWorker drains the persist channel into minute-rotated JSONL
// files, deltas and price records in parallel file series. The persist
// channel uses blocking sends from the stream processors, so if this
// worker falls behind the processors stall rather than lose data.
type WriterWorker struct {
	deltas    *RotatingJSONLWriter
	prices    *RotatingJSONLWriter
	inputChan <-chan core.StreamOutput
	metrics   *observability.Metrics
}

func NewWriterWorker(
	dir string,
	inputChan <-chan core.StreamOutput,
	batchSize int,
	flushInterval time.Duration,
	metrics *observability.Metrics,
) *WriterWorker {
	ww := &WriterWorker{
		deltas:    NewRotatingJSONLWriter(dir, DeltaFilename, batchSize, flushInterval),
		prices:    NewRotatingJSONLWriter(dir, PriceFilename, batchSize, flushInterval),
		inputChan: inputChan,
		metrics:   metrics,
	}
	if metrics != nil {
		onRotate := func(string) { metrics.WriterRotations.Inc() }
		ww.deltas.OnRotate = onRotate
		ww.prices.OnRotate = onRotate
	}
	return ww
}

// Run starts the writer loop. A periodic timer forces flushes during
// quiet stretches. On cancellation the remaining channel items are
// drained before the files are finalized.
func (ww *WriterWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(ww.deltas.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			ww.drain()
			ww.close()
			return ctx.Err()

		case out, ok := <-ww.inputChan:
			if !ok {
				ww.close()
				return nil
			}
			ww.writeWithRetry(ctx, out)

		case <-timer.C:
			if ww.metrics != nil {
				ww.metrics.WriterBatchSize.Observe(float64(ww.deltas.BufferedLines()))
			}
			if err := ww.deltas.Flush(); err != nil {
				ww.logWriteError("flush_deltas", err)
			}
			if err := ww.prices.Flush(); err != nil {
				ww.logWriteError("flush_prices", err)
			}
			timer.Reset(ww.deltas.flushInterval)
		}
	}
}

// drain consumes whatever is already queued without blocking.
func (ww *WriterWorker) drain() {
	for {
		select {
		case out, ok := <-ww.inputChan:
			if !ok {
				return
			}
			ww.writeWithRetry(context.Background(), out)
		default:
			return
		}
	}
}

func (ww *WriterWorker) close() {
	if err := ww.deltas.Close(); err != nil {
		ww.logWriteError("close_deltas", err)
	}
	if err := ww.prices.Close(); err != nil {
		ww.logWriteError("close_prices", err)
	}
}

// writeWithRetry retries failed writes with exponential backoff. The
// worker never drops an output: it retries until the write succeeds or
// the context is cancelled, at which point one final attempt is made.
func (ww *WriterWorker) writeWithRetry(ctx context.Context, out core.StreamOutput) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		err := ww.write(out)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: writer recovered after %d retries", attempt)
			}
			return
		}

		ww.logWriteError("write", err)
		if ww.metrics != nil {
			ww.metrics.WriterRetry.Inc()
		}

		select {
		case <-ctx.Done():
			if err := ww.write(out); err != nil {
				log.Printf("ERROR: final write on shutdown failed: %v", err)
			}
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (ww *WriterWorker) write(out core.StreamOutput) error {
	bucket := MinuteBucket(out.ReceivedAt)

	line := deltaLine{
		RecvTSNs: out.ReceivedAt.UnixNano(),
		Outcome:  out.Outcome.String(),
		Delta:    out.Delta,
	}
	if out.Outcome == core.OutcomeGap {
		line.MissingFrom = out.Continuity.MissingFrom
		line.MissingTo = out.Continuity.MissingTo
	}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if err := ww.deltas.Write(WriteItem{Bucket: bucket, Line: append(data, '\n')}); err != nil {
		return err
	}
	lines := 1

	if out.Prices != nil {
		data, err := json.Marshal(out.Prices)
		if err != nil {
			return err
		}
		if err := ww.prices.Write(WriteItem{Bucket: bucket, Line: append(data, '\n')}); err != nil {
			return err
		}
		lines++
	}

	if ww.metrics != nil {
		ww.metrics.WriterLinesWritten.Add(float64(lines))
	}
	return nil
}

func (ww *WriterWorker) logWriteError(kind string, err error) {
	log.Printf("ERROR: writer %s: %v", kind, err)
	if ww.metrics != nil {
		ww.metrics.WriterErrors.WithLabelValues(kind).Inc()
	}
}
