// Command normalize runs the offline pipeline: it walks a directory of
// raw minute-bucketed JSONL captures, normalizes every line to
// fixed-point deltas, re-checks update-id continuity, and writes a
// <stem>.fp.jsonl file plus a <stem>.audit.json summary per input.
// Already-processed files are skipped, so reruns only pick up new
// captures.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"MicroBook/internal/audit"
	"MicroBook/internal/book"
	"MicroBook/internal/continuity"
	"MicroBook/internal/delta"
	"MicroBook/internal/fixedpoint"
	"MicroBook/internal/normalize"
	"MicroBook/internal/prices"
)

type pipeline struct {
	normalizer *normalize.Normalizer
	validator  *continuity.Validator
	books      map[string]*book.TopBook
	depth      int
}

// outputLine is one fp-normalized delta with its continuity outcome.
type outputLine struct {
	Outcome     string             `json:"outcome"`
	MissingFrom int64              `json:"missing_from,omitempty"`
	MissingTo   int64              `json:"missing_to,omitempty"`
	Prices      *delta.PriceRecord `json:"prices,omitempty"`
	*delta.Delta
}

func main() {
	inDir := flag.String("in", "data", "directory of raw minute JSONL captures")
	outDir := flag.String("out", "", "output directory (default: same as -in)")
	exchange := flag.String("exchange", "binance", "exchange tag for normalized deltas")
	depth := flag.Int("depth", 50, "book depth per side")
	force := flag.Bool("force", false, "reprocess files whose outputs already exist")
	flag.Parse()

	if *outDir == "" {
		*outDir = *inDir
	}

	files, err := rawFiles(*inDir)
	if err != nil {
		log.Fatalf("FATAL: list raw files: %v", err)
	}
	if len(files) == 0 {
		log.Printf("INFO: no raw files under %s, nothing to do", *inDir)
		return
	}

	p := &pipeline{
		normalizer: normalize.NewNormalizer(*exchange,
			fixedpoint.NewCodec(fixedpoint.PriceConfig),
			fixedpoint.NewCodec(fixedpoint.QtyConfig)),
		validator: continuity.NewValidator(),
		books:     make(map[string]*book.TopBook),
		depth:     *depth,
	}

	var processed, skipped int
	for _, path := range files {
		stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		fpPath := filepath.Join(*outDir, stem+".fp.jsonl")
		auditPath := filepath.Join(*outDir, stem+".audit.json")

		if !*force {
			if _, err := os.Stat(fpPath); err == nil {
				skipped++
				continue
			}
		}

		if err := p.processFile(path, fpPath, auditPath); err != nil {
			log.Fatalf("FATAL: process %s: %v", path, err)
		}
		processed++
	}

	log.Printf("INFO: done: %d files processed, %d skipped", processed, skipped)
}

// rawFiles lists input JSONL captures in lexical order so minute
// buckets are replayed chronologically and continuity carries across
// file boundaries. Pipeline outputs are excluded.
func rawFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".fp.jsonl") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (p *pipeline) processFile(inPath, fpPath, auditPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	// The audit summary is per input file and keyed by the file's name,
	// so a rerun of the same capture replaces its summary.
	accum := audit.NewWithRunID(filepath.Base(inPath))

	tmpPath := fpPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	start := time.Now()

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line, ok := p.processLine(raw, accum)
		if !ok {
			continue
		}
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("marshal output line: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		out.Close()
		return fmt.Errorf("scan: %w", err)
	}

	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, fpPath); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(accum.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit summary: %w", err)
	}
	if err := os.WriteFile(auditPath, append(summary, '\n'), 0o644); err != nil {
		return err
	}

	log.Printf("INFO: %s -> %s (%d lines, %v)",
		filepath.Base(inPath), filepath.Base(fpPath), accum.Summary().RawLines, time.Since(start).Round(time.Millisecond))
	return nil
}

// processLine runs one raw capture line through normalize, continuity
// and book apply. Rejected lines are counted and dropped; duplicates
// are counted and dropped; gaps and accepted deltas are emitted.
func (p *pipeline) processLine(raw []byte, accum *audit.Accumulator) (*outputLine, bool) {
	accum.RawLine()

	d, err := p.normalizer.Normalize(raw)
	if err != nil {
		switch {
		case errors.Is(err, fixedpoint.ErrScaleOverflow):
			accum.OverflowReject()
		case normalize.IsSchemaError(err):
			accum.SchemaRejection()
		default:
			accum.BadJSON()
		}
		return nil, false
	}

	res := p.validator.Check(d)
	line := &outputLine{Delta: d}
	switch res.Kind {
	case continuity.DuplicateOrStale:
		accum.Duplicate()
		return nil, false
	case continuity.Gap:
		accum.Gap()
		line.Outcome = "gap"
		line.MissingFrom = res.MissingFrom
		line.MissingTo = res.MissingTo
		p.bookFor(d).Reset()
	default:
		line.Outcome = "accepted"
	}

	accum.DeltaProcessed()

	b := p.bookFor(d)
	if b.Apply(d) == book.CrossedBook {
		accum.CrossedBook()
		line.Outcome = "crossed"
		return line, true
	}
	accum.DeltaAccepted()

	if bid, ok := b.Best(book.Bid); ok {
		if ask, okAsk := b.Best(book.Ask); okAsk {
			if mid, okMid := prices.Mid(b); okMid {
				rec := &delta.PriceRecord{
					Exchange:     d.Exchange,
					Symbol:       d.Symbol,
					EventTime:    d.EventTime,
					LastUpdateID: d.LastUpdateID,
					BestBidFP:    bid.PriceFP,
					BestBidQtyFP: bid.QtyFP,
					BestAskFP:    ask.PriceFP,
					BestAskQtyFP: ask.QtyFP,
					MidFP:        mid,
				}
				if micro, okMicro := prices.Micro(b); okMicro {
					rec.MicroFP = micro
					rec.MicroDefined = true
				}
				line.Prices = rec
			}
		}
	}

	return line, true
}

func (p *pipeline) bookFor(d *delta.Delta) *book.TopBook {
	b, ok := p.books[d.StreamKey()]
	if !ok {
		b = book.New(d.Exchange, d.Symbol, p.depth)
		p.books[d.StreamKey()] = b
	}
	return b
}
