package normalize_test

import (
	"encoding/json"
	"errors"
	"testing"

	"MicroBook/internal/fixedpoint"
	"MicroBook/internal/normalize"
	"MicroBook/internal/testutil"
)

func newNormalizer() *normalize.Normalizer {
	price := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 2, Scale: 100})
	qty := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000})
	return normalize.NewNormalizer("binance", price, qty)
}

func TestNormalize_ValidDepthUpdate(t *testing.T) {
	n := newNormalizer()

	raw := []byte(`{
		"e": "depthUpdate",
		"E": 1700000000123,
		"s": "BTCUSDT",
		"U": 100,
		"u": 105,
		"b": [["50000.25", "1.5"], ["49999.00", "0"]],
		"a": [["50001.00", "2.25"]]
	}`)

	d, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	if d.Exchange != "binance" {
		t.Errorf("exchange: got %s, want binance", d.Exchange)
	}
	if d.Symbol != "BTCUSDT" {
		t.Errorf("symbol: got %s, want BTCUSDT", d.Symbol)
	}
	if d.EventTime != 1700000000123 {
		t.Errorf("event_time: got %d", d.EventTime)
	}
	if d.FirstUpdateID != 100 || d.LastUpdateID != 105 {
		t.Errorf("update ids: got %d..%d, want 100..105", d.FirstUpdateID, d.LastUpdateID)
	}
	if len(d.Bids) != 2 || len(d.Asks) != 1 {
		t.Fatalf("levels: got %d bids, %d asks", len(d.Bids), len(d.Asks))
	}
	if d.Bids[0].PriceFP != 5_000_025 || d.Bids[0].QtyFP != 1_500_000 {
		t.Errorf("bid[0]: got (%d, %d)", d.Bids[0].PriceFP, d.Bids[0].QtyFP)
	}
	if d.Bids[1].QtyFP != 0 {
		t.Errorf("bid[1] qty: got %d, want 0 (removal)", d.Bids[1].QtyFP)
	}
	if d.Asks[0].PriceFP != 5_000_100 || d.Asks[0].QtyFP != 2_250_000 {
		t.Errorf("ask[0]: got (%d, %d)", d.Asks[0].PriceFP, d.Asks[0].QtyFP)
	}
}

func TestNormalize_EmptySidesAllowed(t *testing.T) {
	n := newNormalizer()

	raw := []byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":1,"b":[],"a":[]}`)
	d, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if len(d.Bids) != 0 || len(d.Asks) != 0 {
		t.Errorf("expected empty sides, got %d/%d", len(d.Bids), len(d.Asks))
	}
}

func TestNormalize_SchemaRejections(t *testing.T) {
	n := newNormalizer()

	cases := []struct {
		name string
		raw  string
	}{
		{"missing event type", `{"E":1,"s":"BTCUSDT","U":1,"u":2,"b":[],"a":[]}`},
		{"wrong event type", `{"e":"trade","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[],"a":[]}`},
		{"missing event time", `{"e":"depthUpdate","s":"BTCUSDT","U":1,"u":2,"b":[],"a":[]}`},
		{"missing symbol", `{"e":"depthUpdate","E":1,"U":1,"u":2,"b":[],"a":[]}`},
		{"missing first id", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","u":2,"b":[],"a":[]}`},
		{"missing last id", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"b":[],"a":[]}`},
		{"missing bids", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"a":[]}`},
		{"missing asks", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[]}`},
		{"inverted ids", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":5,"u":2,"b":[],"a":[]}`},
		{"short level", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[["100.0"]],"a":[]}`},
		{"non-numeric price", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[["abc","1"]],"a":[]}`},
		{"wrong level shape", `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[[100,1]],"a":[]}`},
	}

	for _, tc := range cases {
		_, err := n.Normalize([]byte(tc.raw))
		if err == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if !normalize.IsSchemaError(err) {
			t.Errorf("%s: got %v, want SchemaError", tc.name, err)
		}
	}
}

func TestNormalize_CanonicalDeltaGolden(t *testing.T) {
	// Pins the canonical delta shape at the process-default 8dp scales.
	// A change to field names, tags, or scaling shows up as a diff here
	// before it silently changes the JSONL archives.
	n := normalize.NewNormalizer("binance",
		fixedpoint.NewCodec(fixedpoint.PriceConfig),
		fixedpoint.NewCodec(fixedpoint.QtyConfig))

	raw := []byte(`{"e":"depthUpdate","E":1700000000123,"s":"BTCUSDT","U":100,"u":105,` +
		`"b":[["50000.25","1.5"]],"a":[["50001.00","2.25"]]}`)
	d, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}
	testutil.AssertGolden(t, "depth_update_delta.json", append(data, '\n'))
}

func TestNormalize_BadJSONIsNotSchemaError(t *testing.T) {
	n := newNormalizer()

	cases := []struct {
		name string
		raw  string
	}{
		{"truncated object", `{not json`},
		{"empty input", ``},
		{"garbage", `@@@@`},
	}

	for _, tc := range cases {
		_, err := n.Normalize([]byte(tc.raw))
		if err == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if !errors.Is(err, normalize.ErrBadJSON) {
			t.Errorf("%s: got %v, want ErrBadJSON", tc.name, err)
		}
		if normalize.IsSchemaError(err) {
			t.Errorf("%s: bad JSON must not be classified as a schema error", tc.name)
		}
	}
}

func TestNormalize_OverflowIsNotSchemaError(t *testing.T) {
	n := newNormalizer()

	raw := []byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[["99999999999999999999","1"]],"a":[]}`)
	_, err := n.Normalize(raw)
	if err == nil {
		t.Fatal("expected overflow error")
	}
	if !errors.Is(err, fixedpoint.ErrScaleOverflow) {
		t.Errorf("got %v, want ErrScaleOverflow", err)
	}
	if normalize.IsSchemaError(err) {
		t.Error("overflow must not be classified as a schema error")
	}
}
