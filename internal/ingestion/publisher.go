package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"MicroBook/internal/core"
)

// OutboundPublisher publishes normalized deltas and derived price
// records to NATS for downstream consumers. It drains the non-blocking
// publish channel; a failed publish is logged and dropped, consumers
// needing completeness read the JSONL archives instead.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.StreamOutput
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.StreamOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop. Returns when the context is
// cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed stream=%s:%s u=%d: %v",
					out.Delta.Exchange, out.Delta.Symbol, out.Delta.LastUpdateID, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.StreamOutput) error {
	d := out.Delta
	exchange := strings.ToLower(d.Exchange)
	symbol := strings.ToUpper(d.Symbol)

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	subject := fmt.Sprintf("md.normalized.%s.%s", exchange, symbol)
	if _, err := op.js.Publish(ctx, subject, data); err != nil {
		return err
	}

	if out.Prices == nil {
		return nil
	}

	data, err = json.Marshal(out.Prices)
	if err != nil {
		return fmt.Errorf("marshal prices: %w", err)
	}
	subject = fmt.Sprintf("md.prices.%s.%s", exchange, symbol)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStreams creates the normalized and price streams.
func EnsureOutboundStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "MD_NORMALIZED",
			Subjects:  []string{"md.normalized.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "MD_PRICES",
			Subjects:  []string{"md.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}
