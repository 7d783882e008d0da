package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"MicroBook/internal/continuity"
	"MicroBook/internal/core"
	"MicroBook/internal/delta"
)

func TestWriterWorker_WritesDeltasAndPrices(t *testing.T) {
	dir := t.TempDir()
	input := make(chan core.StreamOutput, 8)
	ww := NewWriterWorker(dir, input, 1000, 10*time.Millisecond, nil)

	receivedAt := time.Date(2026, 8, 26, 12, 0, 30, 0, time.UTC)
	d := &delta.Delta{
		Exchange:      "binance",
		Symbol:        "BTCUSDT",
		EventTime:     1700000000000,
		FirstUpdateID: 1,
		LastUpdateID:  2,
		Bids:          []delta.Level{{PriceFP: 10_000_000_000, QtyFP: 200_000_000}},
		Asks:          []delta.Level{{PriceFP: 10_010_000_000, QtyFP: 100_000_000}},
	}
	input <- core.StreamOutput{
		Outcome:    core.OutcomeAccepted,
		Delta:      d,
		ReceivedAt: receivedAt,
		Prices: &delta.PriceRecord{
			Exchange: "binance", Symbol: "BTCUSDT",
			LastUpdateID: 2,
			BestBidFP:    10_000_000_000, BestBidQtyFP: 200_000_000,
			BestAskFP: 10_010_000_000, BestAskQtyFP: 100_000_000,
			MidFP: 10_005_000_000, MicroFP: 10_006_666_666, MicroDefined: true,
		},
	}
	input <- core.StreamOutput{
		Outcome: core.OutcomeGap,
		Delta: &delta.Delta{
			Exchange: "binance", Symbol: "BTCUSDT",
			FirstUpdateID: 10, LastUpdateID: 11,
		},
		Continuity: continuity.Result{
			Kind: continuity.Gap, MissingFrom: 3, MissingTo: 9, ResyncRecommended: true,
		},
		ReceivedAt: receivedAt,
	}
	close(input)

	if err := ww.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	bucket := MinuteBucket(receivedAt)
	deltaData, err := os.ReadFile(filepath.Join(dir, DeltaFilename(bucket)))
	if err != nil {
		t.Fatalf("delta file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(deltaData)), "\n")
	if len(lines) != 2 {
		t.Fatalf("delta lines: got %d, want 2", len(lines))
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if first["outcome"] != "accepted" || first["last_update_id"] != float64(2) {
		t.Errorf("first line: %v", first)
	}
	if _, present := first["missing_from"]; present {
		t.Error("accepted line must not carry a missing range")
	}

	var second map[string]interface{}
	json.Unmarshal([]byte(lines[1]), &second)
	if second["outcome"] != "gap" || second["missing_from"] != float64(3) || second["missing_to"] != float64(9) {
		t.Errorf("gap line: %v", second)
	}

	priceData, err := os.ReadFile(filepath.Join(dir, PriceFilename(bucket)))
	if err != nil {
		t.Fatalf("price file: %v", err)
	}
	var rec delta.PriceRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(priceData))), &rec); err != nil {
		t.Fatalf("price line: %v", err)
	}
	if rec.MidFP != 10_005_000_000 || !rec.MicroDefined {
		t.Errorf("price record: %+v", rec)
	}
}

func TestWriterWorker_DrainsOnCancel(t *testing.T) {
	dir := t.TempDir()
	input := make(chan core.StreamOutput, 8)
	ww := NewWriterWorker(dir, input, 1000, time.Hour, nil)

	receivedAt := time.Unix(6000, 0).UTC()
	for i := int64(1); i <= 3; i++ {
		input <- core.StreamOutput{
			Outcome: core.OutcomeAccepted,
			Delta: &delta.Delta{
				Exchange: "binance", Symbol: "ETHUSDT",
				FirstUpdateID: i, LastUpdateID: i,
			},
			ReceivedAt: receivedAt,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Already cancelled: Run must still drain the queue.
	if err := ww.Run(ctx); err != context.Canceled {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, DeltaFilename(MinuteBucket(receivedAt))))
	if err != nil {
		t.Fatalf("delta file after drain: %v", err)
	}
	if got := len(strings.Split(strings.TrimSpace(string(data)), "\n")); got != 3 {
		t.Errorf("drained lines: got %d, want 3", got)
	}
}
