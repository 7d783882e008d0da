// Package publish pushes latest top-of-book snapshots into Redis for
// dashboards and other live consumers. Keys hold only the most recent
// observation per stream; the JSONL archives are the durable record.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"MicroBook/internal/core"
)

// snapshotTTL bounds staleness: a key that stops updating disappears
// instead of serving a dead price.
const snapshotTTL = 30 * time.Second

// RedisPublisher drains a publish channel and keeps one
// Prices:<exchange>:<symbol> key per stream.
type RedisPublisher struct {
	rdb       *redis.Client
	inputChan <-chan core.StreamOutput
}

func NewRedisPublisher(rdb *redis.Client, inputChan <-chan core.StreamOutput) *RedisPublisher {
	return &RedisPublisher{
		rdb:       rdb,
		inputChan: inputChan,
	}
}

// PriceKey is the Redis key holding the latest price record for a stream.
func PriceKey(exchange, symbol string) string {
	return fmt.Sprintf("Prices:%s:%s", strings.ToLower(exchange), strings.ToUpper(symbol))
}

// Run publishes until the context is cancelled or the channel closes.
// Set failures are logged and skipped; the next update overwrites.
func (rp *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-rp.inputChan:
			if !ok {
				return nil
			}
			if out.Prices == nil {
				continue
			}

			data, err := json.Marshal(out.Prices)
			if err != nil {
				log.Printf("WARN: marshal price record: %v", err)
				continue
			}
			key := PriceKey(out.Prices.Exchange, out.Prices.Symbol)
			if err := rp.rdb.Set(ctx, key, data, snapshotTTL).Err(); err != nil {
				log.Printf("WARN: redis set %s: %v", key, err)
			}
		}
	}
}

// ConnectRedis opens and pings a Redis client.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}
