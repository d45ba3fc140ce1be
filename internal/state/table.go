// Package state holds per-client conversational state: capped chat
// history, long-term memory entries, and a single pending search slot
// carried from one interaction into the next. The Table is the
// in-memory authority; a Persister mirrors it to a Backend.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/nugget/aura/internal/search"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Memory entry types.
const (
	MemoryFact          = "fact"
	MemoryObservation   = "observation"
	MemoryLearningPoint = "learning_point"
)

// TimestampLayout formats memory timestamps. Zero-padded local time
// sorts lexicographically in chronological order.
const TimestampLayout = "2006-01-02 15:04:05"

// Default caps applied when a Limits field is zero.
const (
	DefaultHistoryLimit = 20
	DefaultMemoryLimit  = 50
)

// Turn is one history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserTurn returns a user turn with the given content.
func UserTurn(content string) *Turn { return &Turn{Role: RoleUser, Content: content} }

// AssistantTurn returns an assistant turn with the given content.
func AssistantTurn(content string) *Turn { return &Turn{Role: RoleAssistant, Content: content} }

// MemoryEntry is one long-term memory item.
type MemoryEntry struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Key       *string `json:"key"`
	Timestamp string  `json:"timestamp"`
}

// ClientRecord is the persisted portion of a client's state. Pending
// search results are transient and never part of a record.
type ClientRecord struct {
	History []Turn        `json:"history"`
	Memory  []MemoryEntry `json:"memory"`
}

// Snapshot maps client identifiers to their persisted records.
type Snapshot map[string]ClientRecord

// Limits caps the per-client sequences.
type Limits struct {
	History int
	Memory  int
}

type clientState struct {
	history    []Turn
	memory     []MemoryEntry
	pending    []search.Result
	hasPending bool
}

// Table is the process-wide client state table. Every operation holds
// one table-wide lock for its full duration, so operations are
// serialized across all clients. Client state is created on first
// touch and never removed.
type Table struct {
	mu      sync.Mutex
	clients map[string]*clientState
	limits  Limits
	now     func() time.Time
}

// NewTable creates an empty table. Zero limits fall back to the
// defaults.
func NewTable(limits Limits) *Table {
	if limits.History <= 0 {
		limits.History = DefaultHistoryLimit
	}
	if limits.Memory <= 0 {
		limits.Memory = DefaultMemoryLimit
	}
	return &Table{
		clients: make(map[string]*clientState),
		limits:  limits,
		now:     time.Now,
	}
}

// Limits returns the caps in effect.
func (t *Table) Limits() Limits { return t.limits }

func (t *Table) ensureLocked(id string) *clientState {
	cs, ok := t.clients[id]
	if !ok {
		cs = &clientState{
			history: []Turn{},
			memory:  []MemoryEntry{},
		}
		t.clients[id] = cs
	}
	return cs
}

// Ensure creates empty state for id if none exists. Idempotent.
func (t *Table) Ensure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(id)
}

// History returns a copy of the client's history, oldest first.
func (t *Table) History(id string) []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.ensureLocked(id)
	out := make([]Turn, len(cs.history))
	copy(out, cs.history)
	return out
}

// RecentMemories returns up to limit memory entries, newest first by
// timestamp. Entries sharing a timestamp are ordered by insertion,
// later insertions first.
func (t *Table) RecentMemories(id string, limit int) []MemoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.ensureLocked(id)
	if limit <= 0 || len(cs.memory) == 0 {
		return nil
	}

	sorted := make([]MemoryEntry, 0, len(cs.memory))
	for i := len(cs.memory) - 1; i >= 0; i-- {
		sorted = append(sorted, cs.memory[i])
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp > sorted[j].Timestamp
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// TakePendingSearch returns and clears the pending search results.
// The second return is false when the slot was empty.
func (t *Table) TakePendingSearch(id string) ([]search.Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.ensureLocked(id)
	if !cs.hasPending {
		return nil, false
	}
	results := cs.pending
	cs.pending = nil
	cs.hasPending = false
	return results, true
}

// SetPendingSearch stores results for the client's next interaction,
// overwriting any unconsumed previous value. An empty result set still
// occupies the slot.
func (t *Table) SetPendingSearch(id string, results []search.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.ensureLocked(id)
	cs.pending = append([]search.Result(nil), results...)
	cs.hasPending = true
}

// AppendHistory appends the non-nil turns in order, then trims to the
// history cap.
func (t *Table) AppendHistory(id string, user, assistant *Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.ensureLocked(id)
	if user != nil {
		cs.history = append(cs.history, *user)
	}
	if assistant != nil {
		cs.history = append(cs.history, *assistant)
	}
	cs.history = trimTail(cs.history, t.limits.History)
}

// AppendMemory records a memory entry stamped with the current time,
// then trims to the memory cap. The stored entry is returned.
func (t *Table) AppendMemory(id, memType, content string, key *string) MemoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.ensureLocked(id)

	entry := MemoryEntry{
		Type:      memType,
		Content:   content,
		Timestamp: t.now().Format(TimestampLayout),
	}
	if key != nil {
		k := *key
		entry.Key = &k
	}
	cs.memory = append(cs.memory, entry)
	cs.memory = trimTail(cs.memory, t.limits.Memory)
	return entry
}

// Memories returns a copy of the client's memory in insertion order.
// It does not create state; ok is false for an unknown client.
func (t *Table) Memories(id string) (entries []MemoryEntry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.clients[id]
	if !ok {
		return nil, false
	}
	return copyMemory(cs.memory), true
}

// Clients returns the number of known clients.
func (t *Table) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Snapshot deep-copies history and memory for every client.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(Snapshot, len(t.clients))
	for id, cs := range t.clients {
		h := make([]Turn, len(cs.history))
		copy(h, cs.history)
		snap[id] = ClientRecord{History: h, Memory: copyMemory(cs.memory)}
	}
	return snap
}

// Restore replaces the table contents with snap, applying the caps.
// Pending search slots are cleared.
func (t *Table) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients = make(map[string]*clientState, len(snap))
	for id, rec := range snap {
		h := make([]Turn, len(rec.History))
		copy(h, rec.History)
		t.clients[id] = &clientState{
			history: trimTail(h, t.limits.History),
			memory:  trimTail(copyMemory(rec.Memory), t.limits.Memory),
		}
	}
}

func copyMemory(in []MemoryEntry) []MemoryEntry {
	out := make([]MemoryEntry, len(in))
	for i, m := range in {
		out[i] = m
		if m.Key != nil {
			k := *m.Key
			out[i].Key = &k
		}
	}
	return out
}

// trimTail keeps the last n elements, dropping the oldest first.
func trimTail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append(s[:0:0], s[len(s)-n:]...)
}
