package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/eventbus"
	"github.com/davidkimai/godel-sub016/internal/metrics"
)

const (
	// streamBuffer is the per-client queue. A client that falls this far
	// behind is disconnected rather than allowed to back up the bus.
	streamBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	ssePing    = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeStream bridges the bus onto a bounded channel. The bus-side
// handler never blocks: when the queue is full it closes the channel and
// unsubscribes, cutting the client loose. The returned cleanup is safe to
// call alongside a sender-side drop.
func (s *Server) subscribeStream(types []string) (<-chan *eventbus.Event, func()) {
	ch := make(chan *eventbus.Event, streamBuffer)

	var opts []eventbus.SubscribeOption
	if len(types) > 0 {
		opts = append(opts, eventbus.WithFilter(func(ev *eventbus.Event) bool {
			return matchTypes(types, ev.Type)
		}))
	}

	var subID string
	// dropped is only touched by the subscription's own delivery
	// goroutine, so the channel is closed exactly once and never raced
	// with a send.
	dropped := false
	subID = s.opts.Bus.Subscribe("*", func(_ context.Context, ev *eventbus.Event) error {
		if dropped {
			return nil
		}
		select {
		case ch <- ev:
		default:
			dropped = true
			close(ch)
			s.opts.Bus.Unsubscribe(subID)
		}
		return nil
	}, opts...)

	cleanup := func() { s.opts.Bus.Unsubscribe(subID) }
	return ch, cleanup
}

// handleSSE streams bus events as server-sent events. ?types= narrows the
// feed to a comma-separated type list; Last-Event-ID (or ?last_event_id=)
// replays missed history before going live.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The server-wide write timeout would sever the stream mid-life;
	// this response outlives it and manages its own pacing.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	types := parseTypes(r.URL.Query().Get("types"))
	ch, cleanup := s.subscribeStream(types)
	defer cleanup()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	var lastSeq uint64
	if since := lastEventSeq(r); since > 0 {
		for _, ev := range s.opts.Bus.ReplaySince(since) {
			if !matchTypes(types, ev.Type) {
				continue
			}
			writeSSEEvent(w, ev)
			lastSeq = ev.Seq
		}
		flusher.Flush()
	}

	ping := time.NewTicker(ssePing)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				s.logger.Warn("sse client dropped for falling behind")
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev *eventbus.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// handleWS streams bus events over a websocket, one JSON event per text
// message. Inbound messages are discarded; the read pump only feeds pong
// handling and disconnect detection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	types := parseTypes(r.URL.Query().Get("types"))
	ch, cleanup := s.subscribeStream(types)
	defer cleanup()

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var lastSeq uint64
	if since := lastEventSeq(r); since > 0 {
		for _, ev := range s.opts.Bus.ReplaySince(since) {
			if !matchTypes(types, ev.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, ev.Marshal()); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				s.logger.Warn("websocket client dropped for falling behind")
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, ev.Marshal()); err != nil {
				return
			}
		}
	}
}

// lastEventSeq reads the resume position: the Last-Event-ID header takes
// precedence, then the last_event_id query param.
func lastEventSeq(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func parseTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func matchTypes(types []string, eventType string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}
