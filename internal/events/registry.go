// Package events routes server-pushed events to connected clients. Each
// client identifier owns at most one unbounded FIFO queue, created when
// its stream connects and discarded when the stream goes away. The
// registry is nil-safe: calling Publish on a nil *Registry is a no-op,
// so components do not need guard checks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Type constants name the events a client stream carries.
const (
	// TypeConnected is sent once when a stream attaches.
	// Data: message.
	TypeConnected = "connected"
	// TypeResponse carries an assistant reply.
	// Data: type, ai_text, audio_url, ai_html.
	TypeResponse = "response"
	// TypeSystem carries progress notices such as a running search.
	// Data: message.
	TypeSystem = "system"
	// TypeError reports a failed interaction by category only.
	// Data: message.
	TypeError = "error"
)

// ErrClosed is returned by Queue.Pull after the queue has been closed.
var ErrClosed = errors.New("event queue closed")

// Event is one queued delivery.
type Event struct {
	// Type is one of the Type constants.
	Type string `json:"event"`
	// Payload is the JSON object delivered as the event data.
	Payload map[string]any `json:"data"`
}

// Message builds an event whose payload is {"message": msg}.
func Message(eventType, msg string) Event {
	return Event{Type: eventType, Payload: map[string]any{"message": msg}}
}

// Queue is an unbounded FIFO with a single consumer. Pushes never
// block.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Queue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pull blocks until an event is available, ctx is done, or the queue
// is closed.
func (q *Queue) Pull(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Event{}, ErrClosed
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Len returns the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	close(q.done)
	return n
}

// Registry maps client identifiers to their queues. The map lock is
// held only while creating, finding, or removing a queue.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Queue
	logger *slog.Logger

	// OnPublish, if set, is called for every Publish with whether the
	// event was queued.
	OnPublish func(e Event, queued bool)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		queues: make(map[string]*Queue),
		logger: logger.With("component", "events"),
	}
}

// Open returns the client's queue, creating it if absent.
func (r *Registry) Open(clientID string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[clientID]
	if !ok {
		q = newQueue()
		r.queues[clientID] = q
		r.logger.Info("event queue created", "client_id", clientID)
	}
	return q
}

// Close removes the client's queue and discards undelivered events.
// A consumer blocked in Pull wakes with ErrClosed.
func (r *Registry) Close(clientID string) {
	r.mu.Lock()
	q, ok := r.queues[clientID]
	if ok {
		delete(r.queues, clientID)
	}
	r.mu.Unlock()

	if ok {
		r.discard(clientID, q)
	}
}

// CloseQueue removes q only if it is still the client's current queue,
// so a stream tearing down after a reconnect leaves the newer stream's
// queue in place. q itself is closed either way. Reports whether q was
// the registered queue.
func (r *Registry) CloseQueue(clientID string, q *Queue) bool {
	r.mu.Lock()
	current, ok := r.queues[clientID]
	registered := ok && current == q
	if registered {
		delete(r.queues, clientID)
	}
	r.mu.Unlock()

	r.discard(clientID, q)
	return registered
}

func (r *Registry) discard(clientID string, q *Queue) {
	if n := q.close(); n > 0 {
		r.logger.Info("event queue removed, undelivered events discarded",
			"client_id", clientID, "discarded", n)
		return
	}
	r.logger.Info("event queue removed", "client_id", clientID)
}

// Publish appends e to the client's queue. With no open queue the
// event is dropped and logged. Safe to call on a nil receiver (no-op).
func (r *Registry) Publish(clientID string, e Event) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	q, ok := r.queues[clientID]
	r.mu.Unlock()

	queued := ok && q.push(e)
	if !queued {
		r.logger.Warn("no open event queue, event dropped",
			"client_id", clientID, "event", e.Type)
	} else {
		r.logger.Debug("event queued", "client_id", clientID, "event", e.Type)
	}
	if r.OnPublish != nil {
		r.OnPublish(e, queued)
	}
	return queued
}

// Queue returns the client's queue if one is open.
func (r *Registry) Queue(clientID string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[clientID]
	return q, ok
}

// Len returns the number of undelivered events for the client, zero
// when no queue is open.
func (r *Registry) Len(clientID string) int {
	q, ok := r.Queue(clientID)
	if !ok {
		return 0
	}
	return q.Len()
}

// Count returns the number of open queues. Safe on a nil receiver.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
