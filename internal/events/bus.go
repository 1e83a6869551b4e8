package events

import (
	"log/slog"
	"strings"
	"sync"
)

// Handler receives a published event. Handlers run synchronously on the
// publishing goroutine; panics are contained and logged, never propagated.
type Handler func(Event)

// DefaultHistorySize is the number of recent events retained for replay.
const DefaultHistorySize = 100

type subscription struct {
	id      int
	pattern string // exact type, prefix (ends with '.'), or "" for all
	handler Handler
}

// Bus is an in-process event bus with exact, prefix, and catch-all
// subscriptions. Dispatch order is exact matches first, then prefix matches,
// then catch-all subscribers, each group in registration order.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	exact   map[string][]subscription
	prefix  []subscription
	all     []subscription
	history []Event
	histCap int
	logger  *slog.Logger
}

// NewBus creates a bus retaining historySize recent events. A historySize of
// zero or less uses DefaultHistorySize.
func NewBus(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		exact:   make(map[string][]subscription),
		histCap: historySize,
		logger:  logger,
	}
}

// Subscribe registers a handler for one exact event type. The returned
// function removes the subscription.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, pattern: string(t), handler: h}
	b.exact[string(t)] = append(b.exact[string(t)], sub)
	id := sub.id
	key := string(t)
	return func() { b.removeExact(key, id) }
}

// SubscribePrefix registers a handler for every event whose type starts with
// the given prefix (e.g. "stream." or "comfyui.").
func (b *Bus) SubscribePrefix(prefix string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, pattern: prefix, handler: h}
	b.prefix = append(b.prefix, sub)
	id := sub.id
	return func() { b.removeFrom(&b.prefix, id) }
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, handler: h}
	b.all = append(b.all, sub)
	id := sub.id
	return func() { b.removeFrom(&b.all, id) }
}

// Publish records the event in history and dispatches it to all matching
// subscribers. Handler panics are logged and swallowed so one broken listener
// cannot break the publisher or its peers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
	matched := make([]subscription, 0, 4)
	matched = append(matched, b.exact[string(ev.Type)]...)
	for _, sub := range b.prefix {
		if strings.HasPrefix(string(ev.Type), sub.pattern) {
			matched = append(matched, sub)
		}
	}
	matched = append(matched, b.all...)
	b.mu.Unlock()

	for _, sub := range matched {
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Type), "panic", r)
		}
	}()
	sub.handler(ev)
}

// History returns up to n most recent events, oldest first. n <= 0 returns
// the whole retained window.
func (b *Bus) History(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// HistoryForSession returns up to n most recent events for one session.
func (b *Bus) HistoryForSession(sessionID string, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.history {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (b *Bus) removeExact(key string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.exact[key]
	for i, sub := range subs {
		if sub.id == id {
			b.exact[key] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeFrom(list *[]subscription, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := *list
	for i, sub := range subs {
		if sub.id == id {
			*list = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}
