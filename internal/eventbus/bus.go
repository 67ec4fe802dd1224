package eventbus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidkimai/godel-sub016/internal/metrics"
)

var (
	// ErrClosed is returned by Publish and WaitFor after Close.
	ErrClosed = errors.New("eventbus: bus closed")
	// ErrWaitTimeout is returned by WaitFor when no event matched in time.
	ErrWaitTimeout = errors.New("eventbus: wait timeout")
)

// Handler consumes a delivered event. Returning an error (or panicking) is
// isolated: the bus records it and keeps delivering to other subscribers.
//
// A handler must not synchronously publish an event whose type matches its
// own subscription: Publish waits for every handler to settle, so the
// nested call blocks forever. Use PublishAsync from handlers instead.
type Handler func(ctx context.Context, e *Event) error

// Middleware hooks run around every publish. BeforePublish returning false
// cancels the publication: the event is returned to the caller but neither
// delivered, stored, nor added to history.
type Middleware struct {
	Name          string
	BeforePublish func(e *Event) bool
	AfterPublish  func(e *Event, delivered bool)
}

// Appender receives every delivered event for durable storage.
type Appender interface {
	Append(ctx context.Context, e *Event) error
}

// Options configures a Bus.
type Options struct {
	// MaxHistorySize caps the in-memory history ring (default 1000).
	MaxHistorySize int
	// Store, when set, receives every delivered event.
	Store  Appender
	Logger *zap.Logger
}

// Bus is the in-process pub/sub fabric. One mailbox goroutine per
// subscription keeps per-subscriber delivery in publish order while
// handlers across subscriptions run concurrently.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	history *ring
	seq     uint64
	lastTS  int64
	mws     []Middleware
	closed  bool

	store  Appender
	logger *zap.Logger
}

// New creates a Bus ready for use.
func New(opts Options) *Bus {
	if opts.MaxHistorySize <= 0 {
		opts.MaxHistorySize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[string]*subscription),
		history: newRing(opts.MaxHistorySize),
		store:   opts.Store,
		logger:  opts.Logger,
	}
}

type delivery struct {
	ctx context.Context
	ev  *Event
	wg  *sync.WaitGroup
}

type subscription struct {
	id        string
	pattern   string
	match     func(string) bool
	filter    func(*Event) bool
	once      bool
	handler   Handler
	createdAt time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func (s *subscription) enqueue(d delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		d.wg.Done()
		return
	}
	s.queue = append(s.queue, d)
	s.cond.Signal()
	s.mu.Unlock()
}

// close releases any queued deliveries without invoking the handler.
func (s *subscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, d := range s.queue {
			d.wg.Done()
		}
		s.queue = nil
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) run(b *Bus) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		b.dispatch(s, d)
		if s.once {
			b.Unsubscribe(s.id)
			return
		}
	}
}

type subscribeOptions struct {
	filter func(*Event) bool
	once   bool
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

// WithFilter delivers only events the predicate accepts. The predicate runs
// on the publisher goroutine and must be fast and side-effect free.
func WithFilter(f func(*Event) bool) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = f }
}

// Once removes the subscription after its first delivery, even if the
// handler fails.
func Once() SubscribeOption {
	return func(o *subscribeOptions) { o.once = true }
}

// Subscribe registers a handler for an exact event type or a '*' glob
// pattern ("agent:*"). It returns the subscription id.
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) string {
	return b.addSubscription(pattern, compilePattern(pattern), handler, opts...)
}

// SubscribeRegex registers a handler matched by a compiled regexp.
func (b *Bus) SubscribeRegex(re *regexp.Regexp, handler Handler, opts ...SubscribeOption) string {
	return b.addSubscription(re.String(), re.MatchString, handler, opts...)
}

// SubscribeOnce registers a handler removed after its first delivery.
func (b *Bus) SubscribeOnce(pattern string, handler Handler) string {
	return b.Subscribe(pattern, handler, Once())
}

func (b *Bus) addSubscription(pattern string, match func(string) bool, handler Handler, opts ...SubscribeOption) string {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &subscription{
		id:        uuid.NewString(),
		pattern:   pattern,
		match:     match,
		filter:    o.filter,
		once:      o.once,
		handler:   handler,
		createdAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closed = true
		return s.id
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	metrics.BusSubscriptions.Inc()
	go s.run(b)
	return s.id
}

// Unsubscribe removes a subscription. The second call for the same id is a
// no-op returning false; no events are delivered after it returns.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	metrics.BusSubscriptions.Dec()
	return true
}

// UnsubscribePattern removes every subscription created with the given
// pattern string and returns how many were removed.
func (b *Bus) UnsubscribePattern(pattern string) int {
	b.mu.Lock()
	var removed []*subscription
	for id, s := range b.subs {
		if s.pattern == pattern {
			removed = append(removed, s)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()
	for _, s := range removed {
		s.close()
		metrics.BusSubscriptions.Dec()
	}
	return len(removed)
}

// Use appends a middleware. Middlewares run in registration order.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	b.mws = append(b.mws, mw)
	b.mu.Unlock()
}

// Unuse removes all middlewares registered under the given name.
func (b *Bus) Unuse(name string) {
	b.mu.Lock()
	kept := b.mws[:0]
	for _, mw := range b.mws {
		if mw.Name != name {
			kept = append(kept, mw)
		}
	}
	b.mws = kept
	b.mu.Unlock()
}

// Publish builds an event, runs middleware, appends it to history and the
// attached store, and delivers it to every matching subscriber. It returns
// once all handlers have settled. The event is returned even when a
// middleware cancels delivery.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, opts ...PublishOption) (*Event, error) {
	ev := buildEvent(eventType, payload, opts...)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	mws := make([]Middleware, len(b.mws))
	copy(mws, b.mws)
	b.mu.RUnlock()

	for _, mw := range mws {
		if mw.BeforePublish != nil && !mw.BeforePublish(ev) {
			metrics.EventsCancelled.Inc()
			for _, after := range mws {
				if after.AfterPublish != nil {
					after.AfterPublish(ev, false)
				}
			}
			return ev, nil
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.seq++
	ev.Seq = b.seq
	now := time.Now().UnixMilli()
	if now < b.lastTS {
		now = b.lastTS
	}
	b.lastTS = now
	ev.Timestamp = now
	b.history.push(ev)
	matched := make([]*subscription, 0, 8)
	for _, s := range b.subs {
		if s.match(ev.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()

	if b.store != nil {
		if err := b.store.Append(ctx, ev); err != nil {
			b.logger.Warn("event store append failed",
				zap.String("event_id", ev.ID),
				zap.String("event_type", ev.Type),
				zap.Error(err))
			b.emitInternal(TypePersistenceError, map[string]any{
				"eventId":   ev.ID,
				"eventType": ev.Type,
				"error":     err.Error(),
			}, ev)
		}
	}

	var wg sync.WaitGroup
	for _, s := range matched {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		wg.Add(1)
		s.enqueue(delivery{ctx: ctx, ev: ev, wg: &wg})
	}
	wg.Wait()

	for _, mw := range mws {
		if mw.AfterPublish != nil {
			mw.AfterPublish(ev, true)
		}
	}
	return ev, nil
}

// PublishAsync publishes from a detached goroutine. Handlers that need to
// emit follow-up events matching their own subscription must use this.
func (b *Bus) PublishAsync(eventType string, payload map[string]any, opts ...PublishOption) {
	go func() {
		if _, err := b.Publish(context.Background(), eventType, payload, opts...); err != nil && !errors.Is(err, ErrClosed) {
			b.logger.Warn("async publish failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}()
}

func (b *Bus) dispatch(s *subscription, d delivery) {
	defer d.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			b.handlerFailure(s, d.ev, fmt.Errorf("handler panic: %v", rec))
		}
	}()
	metrics.EventDeliveries.Inc()
	if err := s.handler(d.ctx, d.ev); err != nil {
		b.handlerFailure(s, d.ev, err)
	}
}

func (b *Bus) handlerFailure(s *subscription, ev *Event, err error) {
	metrics.EventHandlerErrors.Inc()
	b.logger.Warn("subscriber handler failed",
		zap.String("subscription_id", s.id),
		zap.String("pattern", s.pattern),
		zap.String("event_type", ev.Type),
		zap.Error(err))
	if ev.Type == TypeHandlerError {
		return
	}
	b.emitInternal(TypeHandlerError, map[string]any{
		"subscriptionId": s.id,
		"pattern":        s.pattern,
		"eventId":        ev.ID,
		"eventType":      ev.Type,
		"error":          err.Error(),
	}, ev)
}

// emitInternal publishes a bus-originated event without blocking the caller.
func (b *Bus) emitInternal(eventType string, payload map[string]any, cause *Event) {
	b.PublishAsync(eventType, payload, WithSource("eventbus"), CausedBy(cause))
}

// WaitFor blocks until an event matching the pattern (and filter, when
// given) is published, the timeout fires, or ctx is done. A timeout of zero
// waits on ctx alone.
func (b *Bus) WaitFor(ctx context.Context, pattern string, timeout time.Duration, filter func(*Event) bool) (*Event, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	ch := make(chan *Event, 1)
	opts := []SubscribeOption{Once()}
	if filter != nil {
		opts = append(opts, WithFilter(filter))
	}
	id := b.Subscribe(pattern, func(ctx context.Context, e *Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	}, opts...)
	defer b.Unsubscribe(id)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case e := <-ch:
		return e, nil
	case <-timer:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HistoryQuery filters the in-memory history. Zero fields match everything.
// Since/Until are unix millis (inclusive).
type HistoryQuery struct {
	Type          string
	Source        string
	Target        string
	CorrelationID string
	Since         int64
	Until         int64
	Limit         int
}

// QueryHistory returns matching history events oldest-first. Expired events
// (per TTL) are excluded. With Limit set, the most recent matches win.
func (b *Bus) QueryHistory(q HistoryQuery) []*Event {
	b.mu.RLock()
	snap := b.history.snapshot()
	b.mu.RUnlock()

	now := time.Now().UnixMilli()
	out := make([]*Event, 0, len(snap))
	for _, e := range snap {
		if e.Expired(now) {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Source != "" && e.Source != q.Source {
			continue
		}
		if q.Target != "" && e.Target != q.Target {
			continue
		}
		if q.CorrelationID != "" && e.Metadata.CorrelationID != q.CorrelationID {
			continue
		}
		if q.Since > 0 && e.Timestamp < q.Since {
			continue
		}
		if q.Until > 0 && e.Timestamp > q.Until {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// CorrelationChain returns every history event in the correlation, sorted
// ascending by timestamp (sequence breaks ties).
func (b *Bus) CorrelationChain(correlationID string) []*Event {
	chain := b.QueryHistory(HistoryQuery{CorrelationID: correlationID})
	sortEvents(chain)
	return chain
}

// ReplaySince returns history events with Seq greater than the cursor,
// oldest-first. Streaming clients use it to resume after a reconnect.
func (b *Bus) ReplaySince(seq uint64) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.since(seq)
}

// SubscriptionCount reports the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops all subscriptions and rejects further publishes. Queued
// deliveries are released without running their handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
		metrics.BusSubscriptions.Dec()
	}
}

func sortEvents(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Seq < events[j].Seq
	})
}

// compilePattern turns an exact type or '*' glob into a matcher. Globs are
// anchored: "agent:*" matches "agent:started" but not "x:agent:started".
func compilePattern(pattern string) func(string) bool {
	if !strings.Contains(pattern, "*") {
		return func(t string) bool { return t == pattern }
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	return re.MatchString
}
