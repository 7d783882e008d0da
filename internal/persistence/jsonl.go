package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteItem is one line destined for a time-bucketed file.
type WriteItem struct {
	Bucket int64
	Line   []byte
}

// MinuteBucket maps a timestamp to its UTC minute bucket.
func MinuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}

// DeltaFilename names the per-minute raw delta file for a bucket.
func DeltaFilename(bucket int64) string {
	return fmt.Sprintf("deltas_utcmin_%d.jsonl", bucket)
}

// PriceFilename names the per-minute price record file for a bucket.
func PriceFilename(bucket int64) string {
	return fmt.Sprintf("prices_utcmin_%d.jsonl", bucket)
}

// RotatingJSONLWriter appends line-delimited JSON to one file per time
// bucket. The active file is written as <name>.tmp and atomically
// renamed on rotation, so any file without the .tmp suffix is complete.
// Writes are buffered; a buffer flushes when it reaches batchSize lines
// or flushInterval has passed since the last flush.
//
// Buckets are assumed monotonic (possibly with jumps). Not
// goroutine-safe; owned by a single writer worker.
type RotatingJSONLWriter struct {
	dir           string
	filenameFn    func(bucket int64) string
	batchSize     int
	flushInterval time.Duration

	currentBucket int64
	open          bool
	f             *os.File
	tmpPath       string
	finalPath     string

	buf       [][]byte
	lastFlush time.Time

	// OnRotate, when set, is called after each completed file rename.
	OnRotate func(finalPath string)
}

func NewRotatingJSONLWriter(dir string, filenameFn func(int64) string, batchSize int, flushInterval time.Duration) *RotatingJSONLWriter {
	if batchSize <= 0 {
		batchSize = 2000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &RotatingJSONLWriter{
		dir:           dir,
		filenameFn:    filenameFn,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Write appends one line, rotating to a new file when the bucket
// changes. The line must already include its trailing newline.
func (w *RotatingJSONLWriter) Write(item WriteItem) error {
	if !w.open || item.Bucket != w.currentBucket {
		if err := w.finalize(); err != nil {
			return err
		}
		if err := w.openBucket(item.Bucket); err != nil {
			return err
		}
	}

	w.buf = append(w.buf, item.Line)

	if len(w.buf) >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
		return w.Flush()
	}
	return nil
}

// Flush writes any buffered lines to the active file.
func (w *RotatingJSONLWriter) Flush() error {
	if !w.open || len(w.buf) == 0 {
		w.lastFlush = time.Now()
		return nil
	}
	for _, line := range w.buf {
		if _, err := w.f.Write(line); err != nil {
			return fmt.Errorf("write %s: %w", w.tmpPath, err)
		}
	}
	w.buf = w.buf[:0]
	w.lastFlush = time.Now()
	return nil
}

// BufferedLines reports how many lines await the next flush.
func (w *RotatingJSONLWriter) BufferedLines() int { return len(w.buf) }

// Close flushes and finalizes the active file.
func (w *RotatingJSONLWriter) Close() error {
	return w.finalize()
}

func (w *RotatingJSONLWriter) openBucket(bucket int64) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	name := w.filenameFn(bucket)
	w.finalPath = filepath.Join(w.dir, name)
	w.tmpPath = w.finalPath + ".tmp"

	// Append mode: a restart within the same bucket continues the file.
	f, err := os.OpenFile(w.tmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.tmpPath, err)
	}

	w.f = f
	w.open = true
	w.currentBucket = bucket
	w.lastFlush = time.Now()
	return nil
}

// finalize flushes, closes, and renames tmp to final.
func (w *RotatingJSONLWriter) finalize() error {
	if !w.open {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.tmpPath, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("rename %s: %w", w.tmpPath, err)
	}
	w.open = false
	w.f = nil
	if w.OnRotate != nil {
		w.OnRotate(w.finalPath)
	}
	return nil
}
