package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestStreamURL(t *testing.T) {
	s := NewDepthStreamer(DepthStreamerConfig{Symbol: "BTCUSDT"})
	want := "wss://fstream.binance.com/ws/btcusdt@depth@100ms"
	if got := s.StreamURL(); got != want {
		t.Errorf("stream url: got %q, want %q", got, want)
	}

	s = NewDepthStreamer(DepthStreamerConfig{Symbol: "ethusdt", IntervalMS: 250, BaseURL: "ws://local"})
	if got := s.StreamURL(); got != "ws://local/ethusdt@depth@250ms" {
		t.Errorf("stream url: got %q", got)
	}
}

func TestDepthSubjects(t *testing.T) {
	if got := DepthSubject("Binance", "btcusdt"); got != "md.depth.binance.BTCUSDT" {
		t.Errorf("subject: got %q", got)
	}

	cfgs := SubjectsFor("binance", []string{"BTCUSDT", "ETHUSDT"})
	if len(cfgs) != 2 {
		t.Fatalf("want 2 configs, got %d", len(cfgs))
	}
	if cfgs[0].Subject != "md.depth.binance.BTCUSDT" || cfgs[0].ConsumerName != "mdbook-binance-btcusdt" {
		t.Errorf("config: %+v", cfgs[0])
	}
	if cfgs[0].StreamName != cfgs[1].StreamName {
		t.Error("all depth streams share one JetStream stream")
	}
}

func TestDepthStreamer_PumpsMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	payload := `{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":1,"u":2,"b":[],"a":[]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "btcusdt@depth@100ms") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rawChan := make(chan RawMessage, 8)
	s := NewDepthStreamer(DepthStreamerConfig{
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:  "BTCUSDT",
		RawChan: rawChan,
		Logger:  zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case raw := <-rawChan:
			if string(raw.Data) != payload {
				t.Errorf("message %d: %s", i, raw.Data)
			}
			if raw.Subject != "md.depth.binance.BTCUSDT" {
				t.Errorf("subject: %s", raw.Subject)
			}
			if raw.ReceivedAt.IsZero() {
				t.Error("receive timestamp not set")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	if s.ConnID() != 1 {
		t.Errorf("conn id: got %d, want 1", s.ConnID())
	}
}
