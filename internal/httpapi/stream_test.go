package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readSSEEvent consumes one full SSE frame, skipping comments and
// heartbeats.
func readSSEEvent(t *testing.T, r *bufio.Reader) (id uint64, event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, ":"):
			// comment or heartbeat
		case strings.HasPrefix(line, "id: "):
			id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if data != "" {
				return id, event, data
			}
		}
	}
}

func TestSSEStreamReplaysAndDeliversLive(t *testing.T) {
	env := newTestEnv(t)
	base := env.bus.SubscriptionCount()

	marker, err := env.bus.Publish(context.Background(), "stream.marker", nil)
	if err != nil {
		t.Fatalf("publish marker: %v", err)
	}
	first, err := env.bus.Publish(context.Background(), "alpha.one", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("publish first: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.ts.URL+"/stream/sse?types=alpha.one,alpha.two", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Last-Event-ID", strconv.FormatUint(marker.Seq, 10))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect sse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sse status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// The marker is outside the types filter, so replay starts at first.
	id, event, data := readSSEEvent(t, reader)
	if event != "alpha.one" || id != first.Seq {
		t.Fatalf("replayed frame = (%d, %s), want (%d, alpha.one)", id, event, first.Seq)
	}
	var replayed eventbus.Event
	if err := json.Unmarshal([]byte(data), &replayed); err != nil {
		t.Fatalf("decode replayed event: %v", err)
	}
	if replayed.Payload["n"] != float64(1) {
		t.Errorf("replayed payload = %v", replayed.Payload)
	}

	// The replayed frame was written after the live subscription opened,
	// so this publish must arrive too.
	second, err := env.bus.Publish(context.Background(), "alpha.two", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("publish second: %v", err)
	}
	id, event, _ = readSSEEvent(t, reader)
	if event != "alpha.two" || id != second.Seq {
		t.Fatalf("live frame = (%d, %s), want (%d, alpha.two)", id, event, second.Seq)
	}

	// Disconnecting releases the bridge subscription.
	cancel()
	waitFor(t, "subscription cleanup", func() bool {
		return env.bus.SubscriptionCount() == base
	})
}

func TestWebSocketStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t)
	base := env.bus.SubscriptionCount()

	marker, err := env.bus.Publish(context.Background(), "stream.marker", nil)
	if err != nil {
		t.Fatalf("publish marker: %v", err)
	}
	first, err := env.bus.Publish(context.Background(), "alpha.one", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("publish first: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
		"/stream/ws?types=alpha.one,alpha.two&last_event_id=" + strconv.FormatUint(marker.Seq, 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got eventbus.Event
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read replayed message: %v", err)
	}
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode replayed message: %v", err)
	}
	if got.Type != "alpha.one" || got.Seq != first.Seq {
		t.Fatalf("replayed = (%d, %s), want (%d, alpha.one)", got.Seq, got.Type, first.Seq)
	}

	second, err := env.bus.Publish(context.Background(), "alpha.two", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("publish second: %v", err)
	}
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live message: %v", err)
	}
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode live message: %v", err)
	}
	if got.Type != "alpha.two" || got.Seq != second.Seq {
		t.Fatalf("live = (%d, %s), want (%d, alpha.two)", got.Seq, got.Type, second.Seq)
	}

	conn.Close()
	waitFor(t, "subscription cleanup", func() bool {
		return env.bus.SubscriptionCount() == base
	})
}

func TestSlowStreamClientDropped(t *testing.T) {
	env := newTestEnv(t)

	base := env.bus.SubscriptionCount()
	ch, cleanup := env.server.subscribeStream([]string{"flood.x"})
	defer cleanup()
	if got := env.bus.SubscriptionCount(); got != base+1 {
		t.Fatalf("subscription count = %d, want %d", got, base+1)
	}

	// Nothing reads ch, so the bridge queue must overflow and cut the
	// client loose instead of backing up the bus.
	for i := 0; i < streamBuffer+64; i++ {
		if _, err := env.bus.Publish(context.Background(), "flood.x", nil); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				waitFor(t, "subscription removal", func() bool {
					return env.bus.SubscriptionCount() == base
				})
				return
			}
		case <-deadline:
			t.Fatal("slow client was never dropped")
		}
	}
}
