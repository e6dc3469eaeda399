package messaging

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers a payload to a subject. *Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Sink is the fire-and-forget notification sink used by the engines.
// Publishing failures are logged and never reach the caller of the core
// operation.
type Sink struct {
	pub     Publisher
	logger  *log.Logger
	timeout time.Duration
	origin  string

	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Event)
}

// NewSink creates a sink. pub may be nil, in which case events only reach
// local listeners.
func NewSink(pub Publisher, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Sink{
		pub:       pub,
		logger:    logger,
		timeout:   2 * time.Second,
		origin:    uuid.NewString(),
		listeners: make(map[int]func(Event)),
	}
}

// Emit builds an event and delivers it to local listeners and the bus.
func (s *Sink) Emit(ctx context.Context, eventType, subject, message string, data interface{}) {
	if s == nil {
		return
	}
	ev, err := NewEvent(eventType, subject, message, data)
	if err != nil {
		s.logger.Printf("event %s for %s not encoded: %v", eventType, subject, err)
		return
	}
	ev.Origin = s.origin
	s.notify(*ev)

	if s.pub == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.pub.Publish(pubCtx, SubjectPrefix+eventType, ev); err != nil {
		s.logger.Printf("event %s for %s not published: %v", eventType, subject, err)
	}
}

// Origin returns the identifier stamped on every event this sink emits.
func (s *Sink) Origin() string {
	return s.origin
}

// Deliver hands an event received from the bus to local listeners without
// publishing it again. Events this sink emitted itself are dropped, since
// listeners already saw them. It reports whether the event was delivered.
func (s *Sink) Deliver(ev Event) bool {
	if s == nil || ev.Origin == s.origin {
		return false
	}
	s.notify(ev)
	return true
}

func (s *Sink) notify(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.listeners {
		fn(ev)
	}
}

// Listen registers a local listener. fn must not block. The returned
// function removes the listener.
func (s *Sink) Listen(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Recorder is an in-memory Publisher that keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Publish records the event, or returns r.Err when set.
func (r *Recorder) Publish(ctx context.Context, subject string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if ev, ok := data.(*Event); ok {
		r.events = append(r.events, *ev)
	}
	return nil
}

// Events returns the recorded events of the given type, or all when
// eventType is empty.
func (r *Recorder) Events(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
