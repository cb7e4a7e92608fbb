// Package events carries session and process lifecycle notifications between
// the geometry client and whoever is watching it: the CLI progress output,
// trace exporters and tests.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeProcessSpawn identifies a launched server process.
	EventTypeProcessSpawn = "ProcessSpawn"
	// EventTypeProcessExit identifies the end of a server process, whatever
	// the way it ended.
	EventTypeProcessExit = "ProcessExit"
	// EventTypeStateTransition identifies session state changes.
	EventTypeStateTransition = "StateTransition"
	// EventTypeHandshake identifies a completed or failed version handshake.
	EventTypeHandshake = "Handshake"
	// EventTypeModelLoaded identifies a finished model upload.
	EventTypeModelLoaded = "ModelLoaded"
	// EventTypeEntity identifies a decoded geometry entity.
	EventTypeEntity = "Entity"
	// EventTypeServerLog identifies conversion log text drained at shutdown.
	EventTypeServerLog = "ServerLog"
	// EventTypeProvision identifies a resolved or downloaded server executable.
	EventTypeProvision = "Provision"
	// EventTypeHealthCheck identifies a finished doctor check cycle.
	EventTypeHealthCheck = "HealthCheck"
	// EventTypeSystemAlert identifies a doctor cycle that could not run.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger receives a line for every event a slow subscriber had to drop.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize sets how many events may queue for one subscriber before
// further events for it are dropped.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus fans events out to subscribers, each served by its own
// goroutine and queue. Publish never blocks on a handler.
type InMemoryBus struct {
	bufferSize int
	logger     Logger

	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// subscription with an empty eventType receives everything.
type subscription struct {
	seq       int
	eventType string
	queue     chan Event
}

func (s *subscription) wants(eventType string) bool {
	return s.eventType == "" || s.eventType == eventType
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		b.subscribe(eventType, handler)
	}
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	b.subscribe("", handler)
}

func (b *InMemoryBus) subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscription{
		seq:       len(b.subs) + 1,
		eventType: eventType,
		queue:     make(chan Event, b.bufferSize),
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()
}

// Publish queues event for every interested subscriber. A subscriber whose
// queue is full misses the event. Publishing on a closed bus is a no-op.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	eventType := strings.TrimSpace(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped.Add(1)
			b.logger.Printf("events: subscriber %d is full, dropped %s for %s %s",
				sub.seq, event.Type, event.EntityType, event.EntityID)
		}
	}
}

// Dropped is the number of deliveries lost to full subscriber queues.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until every handler has drained
// what was already queued for it.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Recorder is a synchronous Bus that keeps every published event in order.
// Handlers run on the publishing goroutine.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	typed    map[string][]Handler
	wildcard []Handler
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{typed: make(map[string][]Handler)}
}

func (r *Recorder) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	eventType = strings.TrimSpace(eventType)
	r.typed[eventType] = append(r.typed[eventType], handler)
}

func (r *Recorder) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wildcard = append(r.wildcard, handler)
}

func (r *Recorder) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	handlers := append([]Handler(nil), r.typed[strings.TrimSpace(event.Type)]...)
	handlers = append(handlers, r.wildcard...)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

var (
	_ Bus = (*InMemoryBus)(nil)
	_ Bus = (*Recorder)(nil)
)
