package core

import (
	"errors"
	"time"

	"MicroBook/internal/audit"
	"MicroBook/internal/book"
	"MicroBook/internal/continuity"
	"MicroBook/internal/delta"
	"MicroBook/internal/fixedpoint"
	"MicroBook/internal/normalize"
	"MicroBook/internal/observability"
	"MicroBook/internal/prices"

	"github.com/rs/zerolog"
)

// Outcome classifies what happened to one raw message end to end.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeGap
	OutcomeDuplicate
	OutcomeCrossed
	OutcomeBadJSON
	OutcomeSchemaReject
	OutcomeOverflowReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeGap:
		return "gap"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeCrossed:
		return "crossed"
	case OutcomeBadJSON:
		return "bad_json"
	case OutcomeSchemaReject:
		return "schema_reject"
	default:
		return "overflow_reject"
	}
}

// applied reports whether the message survived to a book apply.
func (o Outcome) applied() bool {
	return o == OutcomeAccepted || o == OutcomeGap
}

// StreamOutput is one processed message's result, emitted to the
// persistence and publish channels. Prices is nil when no price record
// could be derived (rejected message, one-sided book, crossed delta).
type StreamOutput struct {
	Outcome    Outcome
	Delta      *delta.Delta
	Prices     *delta.PriceRecord
	Continuity continuity.Result
	ReceivedAt time.Time
}

// StreamProcessor is the single-threaded pipeline for one
// (exchange, symbol) stream: normalize, continuity check, book apply,
// price derivation, audit. It owns the stream's book and continuity
// state; exactly one goroutine may call ProcessRaw.
type StreamProcessor struct {
	streamKey  string
	normalizer *normalize.Normalizer
	validator  *continuity.Validator
	book       *book.TopBook
	accum      *audit.Accumulator
	metrics    *observability.Metrics
	log        zerolog.Logger

	// On a gap the book is stale relative to the exchange. When set,
	// the book is reset and rebuilt from subsequent deltas while
	// recording continues.
	resetBookOnGap bool

	persistChan chan<- StreamOutput
	publishChan chan<- StreamOutput
}

type StreamProcessorConfig struct {
	Exchange       string
	Symbol         string
	Depth          int
	ResetBookOnGap bool
	Accumulator    *audit.Accumulator
	Metrics        *observability.Metrics
	Logger         zerolog.Logger

	PersistChan chan<- StreamOutput
	PublishChan chan<- StreamOutput
}

func NewStreamProcessor(cfg StreamProcessorConfig) *StreamProcessor {
	priceCodec := fixedpoint.NewCodec(fixedpoint.PriceConfig)
	qtyCodec := fixedpoint.NewCodec(fixedpoint.QtyConfig)

	return &StreamProcessor{
		streamKey:      cfg.Exchange + ":" + cfg.Symbol,
		normalizer:     normalize.NewNormalizer(cfg.Exchange, priceCodec, qtyCodec),
		validator:      continuity.NewValidator(),
		book:           book.New(cfg.Exchange, cfg.Symbol, cfg.Depth),
		accum:          cfg.Accumulator,
		metrics:        cfg.Metrics,
		log:            cfg.Logger.With().Str("stream", cfg.Exchange+":"+cfg.Symbol).Logger(),
		resetBookOnGap: cfg.ResetBookOnGap,
		persistChan:    cfg.PersistChan,
		publishChan:    cfg.PublishChan,
	}
}

// Book exposes the processor's live book for shutdown snapshots.
func (p *StreamProcessor) Book() *book.TopBook {
	return p.book
}

// ProcessRaw runs one raw feed message through the full pipeline and
// returns its outcome. No outcome is fatal: rejections and anomalies
// are counted and the stream keeps flowing.
func (p *StreamProcessor) ProcessRaw(raw []byte, receivedAt time.Time) Outcome {
	start := time.Now()
	p.accum.RawLine()

	d, err := p.normalizer.Normalize(raw)
	if err != nil {
		return p.reject(err)
	}

	contRes := p.validator.Check(d)
	var outcome Outcome
	switch contRes.Kind {
	case continuity.DuplicateOrStale:
		p.accum.Duplicate()
		p.observe(OutcomeDuplicate, start)
		return OutcomeDuplicate

	case continuity.Gap:
		p.accum.Gap()
		p.log.Warn().
			Int64("missing_from", contRes.MissingFrom).
			Int64("missing_to", contRes.MissingTo).
			Int64("first_update_id", d.FirstUpdateID).
			Int64("last_update_id", d.LastUpdateID).
			Msg("update id gap")
		if p.resetBookOnGap {
			p.book.Reset()
		}
		outcome = OutcomeGap

	default:
		outcome = OutcomeAccepted
	}

	p.accum.DeltaProcessed()

	if res := p.book.Apply(d); res == book.CrossedBook {
		p.accum.CrossedBook()
		p.log.Warn().
			Int64("last_update_id", d.LastUpdateID).
			Msg("delta would cross the book, rolled back")
		outcome = OutcomeCrossed
	} else {
		p.accum.DeltaAccepted()
	}

	out := StreamOutput{
		Outcome:    outcome,
		Delta:      d,
		Continuity: contRes,
		ReceivedAt: receivedAt,
	}
	if outcome.applied() {
		out.Prices = p.deriveRecord(d)
	}

	p.emit(out)
	p.observe(outcome, start)
	return outcome
}

// deriveRecord builds a price record from the current book top, nil
// while the book is one-sided.
func (p *StreamProcessor) deriveRecord(d *delta.Delta) *delta.PriceRecord {
	bestBid, okBid := p.book.Best(book.Bid)
	bestAsk, okAsk := p.book.Best(book.Ask)
	if !okBid || !okAsk {
		return nil
	}

	mid, ok := prices.Mid(p.book)
	if !ok {
		return nil
	}

	rec := &delta.PriceRecord{
		Exchange:     d.Exchange,
		Symbol:       d.Symbol,
		EventTime:    d.EventTime,
		LastUpdateID: d.LastUpdateID,
		BestBidFP:    bestBid.PriceFP,
		BestBidQtyFP: bestBid.QtyFP,
		BestAskFP:    bestAsk.PriceFP,
		BestAskQtyFP: bestAsk.QtyFP,
		MidFP:        mid,
	}
	if micro, ok := prices.Micro(p.book); ok {
		rec.MicroFP = micro
		rec.MicroDefined = true
	}
	return rec
}

// emit sends to persistence with a blocking send (no data loss) and to
// the publish channel with a non-blocking send (drop on full, live
// consumers catch the next update).
func (p *StreamProcessor) emit(out StreamOutput) {
	if p.persistChan != nil {
		select {
		case p.persistChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.persistChan <- out
		}
	}

	if p.publishChan != nil {
		select {
		case p.publishChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.WithLabelValues(p.streamKey).Inc()
			}
		}
	}
}

func (p *StreamProcessor) reject(err error) Outcome {
	var outcome Outcome
	switch {
	case errors.Is(err, fixedpoint.ErrScaleOverflow):
		p.accum.OverflowReject()
		outcome = OutcomeOverflowReject
	case normalize.IsSchemaError(err):
		p.accum.SchemaRejection()
		outcome = OutcomeSchemaReject
	default:
		p.accum.BadJSON()
		outcome = OutcomeBadJSON
	}

	p.log.Debug().Err(err).Str("reason", outcome.String()).Msg("raw message rejected")
	if p.metrics != nil {
		p.metrics.DeltasRejected.WithLabelValues(p.streamKey, outcome.String()).Inc()
	}
	return outcome
}

func (p *StreamProcessor) observe(outcome Outcome, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.DeltasProcessed.WithLabelValues(p.streamKey).Inc()
	p.metrics.DeltaOutcome.WithLabelValues(p.streamKey, outcome.String()).Inc()
	p.metrics.ApplyDuration.WithLabelValues(p.streamKey).Observe(time.Since(start).Seconds())

	if outcome.applied() {
		if last, ok := p.validator.LastUpdateID(p.streamKey); ok {
			p.metrics.LastUpdateID.WithLabelValues(p.streamKey).Set(float64(last))
		}
		p.metrics.BookDepth.WithLabelValues(p.streamKey, "bid").Set(float64(p.book.Len(book.Bid)))
		p.metrics.BookDepth.WithLabelValues(p.streamKey, "ask").Set(float64(p.book.Len(book.Ask)))
	}
}
