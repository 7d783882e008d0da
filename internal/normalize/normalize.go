package normalize

import (
	"encoding/json"
	"errors"
	"fmt"

	"MicroBook/internal/delta"
	"MicroBook/internal/fixedpoint"
)

// ErrBadJSON marks input that is not parseable JSON at all. It is
// counted separately from schema rejections: a schema reject is valid
// JSON with the wrong shape.
var ErrBadJSON = errors.New("normalize: invalid JSON")

// SchemaError marks a raw message that failed structural validation.
// The message is rejected; the stream continues.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

func schemaErr(field, format string, args ...interface{}) error {
	return &SchemaError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsSchemaError reports whether err is a schema rejection (as opposed to
// a fixed-point overflow, which is classified separately).
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// depthUpdateJSON is the Binance futures depth-update wire shape.
// Field names match the upstream producer; pointers distinguish missing
// fields from zero values.
type depthUpdateJSON struct {
	EventType     *string    `json:"e"`
	EventTime     *int64     `json:"E"`
	Symbol        *string    `json:"s"`
	FirstUpdateID *int64     `json:"U"`
	LastUpdateID  *int64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// Normalizer converts raw exchange depth-update messages into canonical
// deltas. It is the sole trust boundary between wire formats and the
// rest of the pipeline: everything downstream assumes the canonical
// schema holds. Side-effect-free; a rejected message produces no
// partial output.
type Normalizer struct {
	exchange   string
	priceCodec *fixedpoint.Codec
	qtyCodec   *fixedpoint.Codec
}

func NewNormalizer(exchange string, priceCodec, qtyCodec *fixedpoint.Codec) *Normalizer {
	return &Normalizer{
		exchange:   exchange,
		priceCodec: priceCodec,
		qtyCodec:   qtyCodec,
	}
}

// Normalize validates a raw depth-update message and converts it into a
// canonical delta. Unparseable input returns ErrBadJSON; structural
// failures return *SchemaError; numeric fields beyond the fixed-point
// range return fixedpoint.ErrScaleOverflow.
func (n *Normalizer) Normalize(raw []byte) (*delta.Delta, error) {
	var msg depthUpdateJSON
	if err := json.Unmarshal(raw, &msg); err != nil {
		// A type mismatch is well-formed JSON with the wrong shape, so it
		// counts as a schema reject, not a bad line.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, schemaErr(typeErr.Field, "unexpected %s", typeErr.Value)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}

	if msg.EventType == nil {
		return nil, schemaErr("e", "missing")
	}
	if *msg.EventType != "depthUpdate" {
		return nil, schemaErr("e", "unexpected event type %q", *msg.EventType)
	}
	if msg.EventTime == nil {
		return nil, schemaErr("E", "missing")
	}
	if msg.Symbol == nil || *msg.Symbol == "" {
		return nil, schemaErr("s", "missing")
	}
	if msg.FirstUpdateID == nil {
		return nil, schemaErr("U", "missing")
	}
	if msg.LastUpdateID == nil {
		return nil, schemaErr("u", "missing")
	}
	if msg.Bids == nil {
		return nil, schemaErr("b", "missing")
	}
	if msg.Asks == nil {
		return nil, schemaErr("a", "missing")
	}
	if *msg.FirstUpdateID > *msg.LastUpdateID {
		return nil, schemaErr("U", "first_update_id %d > last_update_id %d",
			*msg.FirstUpdateID, *msg.LastUpdateID)
	}

	bids, err := n.convertLevels("b", msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := n.convertLevels("a", msg.Asks)
	if err != nil {
		return nil, err
	}

	return &delta.Delta{
		Exchange:      n.exchange,
		Symbol:        *msg.Symbol,
		EventTime:     *msg.EventTime,
		FirstUpdateID: *msg.FirstUpdateID,
		LastUpdateID:  *msg.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

func (n *Normalizer) convertLevels(field string, pairs [][]string) ([]delta.Level, error) {
	levels := make([]delta.Level, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) < 2 {
			return nil, schemaErr(field, "level %d: want [price, qty], got %d elements", i, len(pair))
		}

		priceFP, err := n.priceCodec.ToFixed(pair[0])
		if err != nil {
			if errors.Is(err, fixedpoint.ErrScaleOverflow) {
				return nil, fmt.Errorf("%s level %d price: %w", field, i, err)
			}
			return nil, schemaErr(field, "level %d price %q: %v", i, pair[0], err)
		}

		qtyFP, err := n.qtyCodec.ToFixed(pair[1])
		if err != nil {
			if errors.Is(err, fixedpoint.ErrScaleOverflow) {
				return nil, fmt.Errorf("%s level %d qty: %w", field, i, err)
			}
			return nil, schemaErr(field, "level %d qty %q: %v", i, pair[1], err)
		}

		levels = append(levels, delta.Level{PriceFP: priceFP, QtyFP: qtyFP})
	}
	return levels, nil
}
