package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&lineLogger{}))
	defer bus.Close()

	transitions := make(chan Event, 4)
	handshakes := make(chan Event, 4)
	everything := make(chan Event, 4)
	bus.Subscribe(EventTypeStateTransition, func(e Event) { transitions <- e })
	bus.Subscribe(" "+EventTypeHandshake+" ", func(e Event) { handshakes <- e })
	bus.SubscribeAll(func(e Event) { everything <- e })

	bus.Publish(Event{Type: EventTypeStateTransition, EntityType: "session", EntityID: "s-1"})
	bus.Publish(Event{Type: EventTypeProcessSpawn, EntityType: "process", EntityID: "4242"})

	if got := receive(t, transitions); got.EntityID != "s-1" {
		t.Fatalf("transition subscriber got %#v", got)
	}
	seen := []string{receive(t, everything).Type, receive(t, everything).Type}
	if strings.Join(seen, ",") != EventTypeStateTransition+","+EventTypeProcessSpawn {
		t.Fatalf("wildcard subscriber saw %v", seen)
	}

	bus.Publish(Event{Type: EventTypeHandshake, EntityID: "s-1"})
	if got := receive(t, handshakes); got.Type != EventTypeHandshake {
		t.Fatalf("padded subscription type should still match, got %#v", got)
	}
	select {
	case extra := <-transitions:
		t.Fatalf("transition subscriber received %s", extra.Type)
	default:
	}
}

func TestSubscribeIgnoresBlankTypeAndNilHandler(t *testing.T) {
	t.Parallel()

	bus := New()
	bus.Subscribe("  ", func(Event) { t.Error("blank subscription must not be registered") })
	bus.Subscribe(EventTypeEntity, nil)
	bus.SubscribeAll(nil)
	bus.Publish(Event{Type: EventTypeEntity})
	bus.Close()

	if len(bus.subs) != 0 {
		t.Fatalf("subscriptions = %d, want 0", len(bus.subs))
	}
}

func TestPublishStampsTimestampAndKeepsPayload(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&lineLogger{}))
	defer bus.Close()
	loaded := make(chan Event, 1)
	bus.Subscribe(EventTypeModelLoaded, func(e Event) { loaded <- e })

	before := time.Now().UTC()
	bus.Publish(Event{
		Type:       EventTypeModelLoaded,
		EntityType: "model",
		EntityID:   "site.ifc",
		Payload:    map[string]int64{"bytes": 1024},
		Severity:   SeverityInfo,
	})

	got := receive(t, loaded)
	if got.Timestamp.Before(before) {
		t.Fatalf("timestamp %s predates publish", got.Timestamp)
	}
	if payload, ok := got.Payload.(map[string]int64); !ok || payload["bytes"] != 1024 {
		t.Fatalf("payload = %#v", got.Payload)
	}

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: EventTypeModelLoaded, Timestamp: fixed})
	if got := receive(t, loaded); !got.Timestamp.Equal(fixed) {
		t.Fatalf("explicit timestamp replaced: %s", got.Timestamp)
	}
}

func TestSlowSubscriberDropsWithoutBlockingPublish(t *testing.T) {
	t.Parallel()

	logger := &lineLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EventTypeEntity, func(Event) {
		once.Do(func() { close(entered) })
		<-release
	})
	fast := make(chan Event, 8)
	bus.Subscribe(EventTypeEntity, func(e Event) { fast <- e })

	entity := Event{Type: EventTypeEntity, EntityType: "entity", EntityID: "#42"}
	bus.Publish(entity)
	<-entered
	receive(t, fast)
	bus.Publish(entity) // fills the slow one-slot queue
	receive(t, fast)

	start := time.Now()
	bus.Publish(entity)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s", elapsed)
	}
	receive(t, fast)

	close(release)
	bus.Close()

	if got := bus.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if !logger.has("subscriber 1 is full, dropped Entity for entity #42") {
		t.Fatalf("drop not logged: %v", logger.snapshot())
	}
}

func TestConcurrentPublishersAndSubscribers(t *testing.T) {
	t.Parallel()

	const publishers, perPublisher = 16, 125
	bus := New(WithBufferSize(publishers*perPublisher), WithLogger(&lineLogger{}))

	var total atomic.Int64
	bus.SubscribeAll(func(Event) { total.Add(1) })

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(2)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(Event{Type: EventTypeEntity, EntityID: fmt.Sprintf("%d/%d", p, i)})
			}
		}(p)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeEntity, func(Event) {})
		}()
	}
	wg.Wait()
	bus.Close()

	if got := total.Load(); got != publishers*perPublisher {
		t.Fatalf("wildcard subscriber saw %d events, want %d", got, publishers*perPublisher)
	}
}

func TestCloseDrainsQueuesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&lineLogger{}))
	var handled atomic.Int64
	bus.Subscribe(EventTypeServerLog, func(Event) {
		time.Sleep(time.Millisecond)
		handled.Add(1)
	})

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTypeServerLog, Payload: fmt.Sprintf("line %d", i)})
	}
	bus.Close()
	if got := handled.Load(); got != 10 {
		t.Fatalf("handled = %d before Close returned, want 10", got)
	}

	bus.Publish(Event{Type: EventTypeServerLog})
	bus.Subscribe(EventTypeServerLog, func(Event) { t.Error("subscribed after close") })
	bus.Close()
	if got := handled.Load(); got != 10 {
		t.Fatalf("handled = %d after close, want 10", got)
	}
}

func TestRecorderKeepsOrderAndRunsHandlersInline(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	var seen []string
	recorder.Subscribe(EventTypeProcessExit, func(event Event) {
		seen = append(seen, "typed:"+event.EntityID)
	})
	recorder.SubscribeAll(func(event Event) {
		seen = append(seen, "all:"+event.Type)
	})

	recorder.Publish(Event{Type: EventTypeProcessSpawn, EntityID: "1"})
	recorder.Publish(Event{Type: EventTypeProcessExit, EntityID: "1"})

	want := []string{"all:ProcessSpawn", "typed:1", "all:ProcessExit"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("handler order = %v, want %v", seen, want)
	}
	if got := recorder.OfType(EventTypeProcessExit); len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Fatalf("exit events = %#v, want one stamped event", got)
	}
	if got := len(recorder.Events()); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *lineLogger) has(fragment string) bool {
	for _, line := range l.snapshot() {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func (l *lineLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
