package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MicroBook/internal/audit"
	"MicroBook/internal/core"
	"MicroBook/internal/ingestion"
	"MicroBook/internal/observability"
	"MicroBook/internal/persistence"
	"MicroBook/internal/publish"
)

// Config holds all daemon configuration, loaded from MDBOOK_* env vars.
type Config struct {
	Exchange string
	Symbols  []string
	Depth    int

	// Source selects live websocket or JetStream replay ingestion.
	Source          string // "ws" or "nats"
	DepthIntervalMS int

	NATSURL     string
	PublishNATS bool

	RedisAddr string // empty disables the Redis snapshot publisher
	RedisDB   int

	AuditDSN           string // empty disables the Postgres audit store
	AuditFlushInterval time.Duration
	MigrationsDir      string

	DataDir         string
	WriterBatchSize int
	FlushInterval   time.Duration

	PersistChanSize int
	PublishChanSize int
	RawChanSize     int

	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		Exchange:           "binance",
		Symbols:            splitSymbols(envOrDefault("MDBOOK_SYMBOLS", "BTCUSDT")),
		Depth:              envIntOrDefault("MDBOOK_DEPTH", 50),
		Source:             envOrDefault("MDBOOK_SOURCE", "ws"),
		DepthIntervalMS:    envIntOrDefault("MDBOOK_DEPTH_INTERVAL_MS", 100),
		NATSURL:            envOrDefault("MDBOOK_NATS_URL", "nats://localhost:4222"),
		PublishNATS:        envOrDefault("MDBOOK_PUBLISH_NATS", "") != "",
		RedisAddr:          os.Getenv("MDBOOK_REDIS_ADDR"),
		RedisDB:            envIntOrDefault("MDBOOK_REDIS_DB", 0),
		AuditDSN:           os.Getenv("MDBOOK_AUDIT_DSN"),
		AuditFlushInterval: 30 * time.Second,
		MigrationsDir:      envOrDefault("MDBOOK_MIGRATIONS_DIR", "migrations"),
		DataDir:            envOrDefault("MDBOOK_DATA_DIR", "data"),
		WriterBatchSize:    envIntOrDefault("MDBOOK_WRITER_BATCH_SIZE", 2000),
		FlushInterval:      500 * time.Millisecond,
		PersistChanSize:    envIntOrDefault("MDBOOK_PERSIST_CHAN_SIZE", 8192),
		PublishChanSize:    envIntOrDefault("MDBOOK_PUBLISH_CHAN_SIZE", 4096),
		RawChanSize:        envIntOrDefault("MDBOOK_RAW_CHAN_SIZE", 4096),
		MetricsAddr:        envOrDefault("MDBOOK_METRICS_ADDR", ":9090"),
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	godotenv.Load()
	log.Println("INFO: MicroBook starting...")

	cfg := DefaultConfig()
	if len(cfg.Symbols) == 0 {
		log.Fatal("FATAL: no symbols configured (MDBOOK_SYMBOLS)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	logger := observability.NewLogger("microbook")

	// --- Audit ---
	accum := audit.New()
	log.Printf("INFO: run_id=%s", accum.RunID())

	// --- Postgres audit store (optional) ---
	var auditStore *persistence.AuditStore
	if cfg.AuditDSN != "" {
		db, err := sql.Open("postgres", cfg.AuditDSN)
		if err != nil {
			log.Fatalf("FATAL: postgres open: %v", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("FATAL: postgres ping: %v", err)
		}
		if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
			log.Fatalf("FATAL: run migrations: %v", err)
		}
		auditStore = persistence.NewAuditStore(db)
		log.Println("INFO: audit store connected")
	} else {
		log.Println("INFO: audit store disabled (MDBOOK_AUDIT_DSN empty)")
	}

	// --- Channels ---
	// Persist channel blocks (no data loss); publish channel drops on full.
	persistChan := make(chan core.StreamOutput, cfg.PersistChanSize)
	writerChan := make(chan core.StreamOutput, cfg.PersistChanSize)
	publishChan := make(chan core.StreamOutput, cfg.PublishChanSize)

	var redisChan chan core.StreamOutput
	var natsChan chan core.StreamOutput

	errChan := make(chan error, 10)
	var workers sync.WaitGroup

	// --- NATS (replay source and/or outbound publisher) ---
	needNATS := cfg.Source == "nats" || cfg.PublishNATS
	var natsSub *ingestion.NATSSubscriber
	rawChans := make(map[string]chan ingestion.RawMessage, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		rawChans[strings.ToUpper(sym)] = make(chan ingestion.RawMessage, cfg.RawChanSize)
	}

	if needNATS {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")

		if cfg.Source == "nats" {
			if err := ingestion.EnsureStreams(ctx, js); err != nil {
				log.Fatalf("FATAL: ensure NATS streams: %v", err)
			}
			// All subjects funnel into one channel; the dispatcher below
			// fans out per symbol.
			natsRaw := make(chan ingestion.RawMessage, cfg.RawChanSize)
			natsSub = ingestion.NewNATSSubscriber(js, natsRaw)
			if err := natsSub.Subscribe(ctx, ingestion.SubjectsFor(cfg.Exchange, cfg.Symbols)); err != nil {
				log.Fatalf("FATAL: nats subscribe: %v", err)
			}
			go dispatchRawMessages(ctx, natsRaw, rawChans)
		}

		if cfg.PublishNATS {
			if err := ingestion.EnsureOutboundStreams(ctx, js); err != nil {
				log.Fatalf("FATAL: ensure outbound streams: %v", err)
			}
			natsChan = make(chan core.StreamOutput, cfg.PublishChanSize)
			pub := ingestion.NewOutboundPublisher(js, natsChan)
			workers.Add(1)
			go func() {
				defer workers.Done()
				if err := pub.Run(ctx); err != nil && err != context.Canceled {
					errChan <- fmt.Errorf("nats publisher: %w", err)
				}
			}()
		}
	}

	// --- Redis snapshot publisher (optional) ---
	if cfg.RedisAddr != "" {
		rdb, err := publish.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer rdb.Close()
		log.Println("INFO: Redis connected")

		redisChan = make(chan core.StreamOutput, cfg.PublishChanSize)
		pub := publish.NewRedisPublisher(rdb, redisChan)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := pub.Run(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("redis publisher: %w", err)
			}
		}()
	}

	// --- Fan-out: persist tee + publish tee ---
	gapChan := make(chan persistence.GapReport, 256)
	go teePersist(ctx, persistChan, writerChan, gapChan, accum.RunID())
	go teePublish(ctx, publishChan, redisChan, natsChan)

	// --- Writer worker ---
	writer := persistence.NewWriterWorker(cfg.DataDir, writerChan, cfg.WriterBatchSize, cfg.FlushInterval, metrics)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := writer.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("writer: %w", err)
		}
	}()

	// --- Audit flusher ---
	go runAuditFlusher(ctx, auditStore, accum, gapChan, cfg.AuditFlushInterval, metrics)

	// --- Channel utilization monitor ---
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("writer", len(writerChan), cap(writerChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}()

	// --- Stream processors, one goroutine per (exchange, symbol) ---
	for _, sym := range cfg.Symbols {
		sym := strings.ToUpper(sym)
		proc := core.NewStreamProcessor(core.StreamProcessorConfig{
			Exchange:       cfg.Exchange,
			Symbol:         sym,
			Depth:          cfg.Depth,
			ResetBookOnGap: true,
			Accumulator:    accum,
			Metrics:        metrics,
			Logger:         logger,
			PersistChan:    persistChan,
			PublishChan:    publishChan,
		})

		rawChan := rawChans[sym]
		go runStreamLoop(ctx, proc, rawChan)

		if cfg.Source == "ws" {
			streamer := ingestion.NewDepthStreamer(ingestion.DepthStreamerConfig{
				Symbol:     sym,
				IntervalMS: cfg.DepthIntervalMS,
				RawChan:    rawChan,
				Metrics:    metrics,
				Logger:     logger,
			})
			go func() {
				if err := streamer.Run(ctx); err != nil && err != context.Canceled {
					errChan <- fmt.Errorf("depth streamer %s: %w", sym, err)
				}
			}()
		}
	}

	// --- Metrics + health server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		log.Printf("INFO: metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: MicroBook ready (source=%s, symbols=%s, depth=%d, data=%s)",
		cfg.Source, strings.Join(cfg.Symbols, ","), cfg.Depth, cfg.DataDir)

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	cancel()
	if natsSub != nil {
		natsSub.Stop()
	}

	// The writer drains the persist channel and finalizes files.
	select {
	case <-writerDone:
	case <-time.After(30 * time.Second):
		log.Println("ERROR: writer did not drain within 30s")
	}
	workers.Wait()

	// Final audit flush.
	summary := accum.Summary()
	if auditStore != nil {
		flushCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		if err := auditStore.UpsertSummary(flushCtx, summary); err != nil {
			log.Printf("ERROR: final audit flush failed: %v", err)
		}
		c()
	}
	if data, err := json.Marshal(summary); err == nil {
		log.Printf("INFO: run summary: %s", data)
	}

	log.Println("INFO: MicroBook shutdown complete")
}

// runStreamLoop feeds one stream's raw messages through its processor.
// Messages are acked after processing; rejects are acked too, since
// redelivering a malformed message can never succeed.
func runStreamLoop(ctx context.Context, proc *core.StreamProcessor, rawChan <-chan ingestion.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			proc.ProcessRaw(raw.Data, raw.ReceivedAt)
			if raw.Ack != nil {
				raw.Ack()
			}
		}
	}
}

// dispatchRawMessages fans a shared NATS channel out to per-symbol
// channels using the last subject token.
func dispatchRawMessages(ctx context.Context, in <-chan ingestion.RawMessage, out map[string]chan ingestion.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			parts := strings.Split(raw.Subject, ".")
			symbol := strings.ToUpper(parts[len(parts)-1])
			ch, known := out[symbol]
			if !known {
				log.Printf("WARN: message for unconfigured symbol %q on %s", symbol, raw.Subject)
				if raw.Ack != nil {
					raw.Ack()
				}
				continue
			}
			select {
			case ch <- raw:
			case <-ctx.Done():
				if raw.Nak != nil {
					raw.Nak()
				}
				return
			}
		}
	}
}

// teePersist forwards processor outputs to the writer (blocking, no
// loss) and peels gap outcomes off into the audit store's gap channel.
func teePersist(
	ctx context.Context,
	in <-chan core.StreamOutput,
	writerOut chan<- core.StreamOutput,
	gapOut chan<- persistence.GapReport,
	runID string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				close(writerOut)
				return
			}

			if out.Outcome == core.OutcomeGap {
				report := persistence.GapReport{
					RunID:        runID,
					Stream:       out.Delta.StreamKey(),
					MissingFrom:  out.Continuity.MissingFrom,
					MissingTo:    out.Continuity.MissingTo,
					LastUpdateID: out.Delta.LastUpdateID,
					OccurredAt:   out.ReceivedAt,
				}
				select {
				case gapOut <- report:
				default:
					// Gap channel full: the gap is still counted in the
					// audit summary and archived in the delta file.
				}
			}

			select {
			case writerOut <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

// teePublish replicates publish-channel outputs to each enabled
// publisher with non-blocking sends.
func teePublish(ctx context.Context, in <-chan core.StreamOutput, outs ...chan core.StreamOutput) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			for _, ch := range outs {
				if ch == nil {
					continue
				}
				select {
				case ch <- out:
				default:
				}
			}
		}
	}
}

// runAuditFlusher periodically upserts the run summary and drains gap
// reports into Postgres. A nil store still drains the gap channel.
func runAuditFlusher(
	ctx context.Context,
	store *persistence.AuditStore,
	accum *audit.Accumulator,
	gapChan <-chan persistence.GapReport,
	interval time.Duration,
	metrics *observability.Metrics,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []persistence.GapReport

	flush := func() {
		if store == nil {
			pending = pending[:0]
			return
		}
		start := time.Now()
		flushCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()

		if err := store.UpsertSummary(flushCtx, accum.Summary()); err != nil {
			log.Printf("WARN: audit summary flush: %v", err)
			metrics.AuditErrors.Inc()
			return
		}
		if err := store.WriteGapReports(flushCtx, pending); err != nil {
			log.Printf("WARN: gap report flush: %v", err)
			metrics.AuditErrors.Inc()
			return
		}
		pending = pending[:0]
		metrics.AuditFlushes.Inc()
		metrics.AuditFlushDur.Observe(time.Since(start).Seconds())
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case report := <-gapChan:
			pending = append(pending, report)
		case <-ticker.C:
			flush()
		}
	}
}

// --- Helpers ---

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
