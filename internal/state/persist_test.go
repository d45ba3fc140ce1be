package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/aura/internal/search"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func populated(t *testing.T) *Table {
	t.Helper()
	tbl := NewTable(Limits{})
	key := "drink"
	tbl.AppendHistory("c1", UserTurn("what is this?"), AssistantTurn("A mug of tea."))
	tbl.AppendHistory("c1", UserTurn("(webcam observation)"), AssistantTurn("Still a mug."))
	tbl.AppendMemory("c1", MemoryFact, "user likes tea", &key)
	tbl.AppendMemory("c1", MemoryObservation, "desk is tidy", nil)
	tbl.AppendHistory("c2", UserTurn("hello"), AssistantTurn("hi"))
	tbl.SetPendingSearch("c2", []search.Result{{Title: "x", Snippet: "y", URL: "z"}})
	return tbl
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	sq, err := OpenSQLite(filepath.Join(dir, "aura_memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{
		"json":   NewJSONFile(filepath.Join(dir, "nested", "aura_memory.json")),
		"sqlite": sq,
	}
}

func TestRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			src := populated(t)
			p := NewPersister(src, backend, discardLogger())
			require.NoError(t, p.Save(context.Background()))

			dst := NewTable(Limits{})
			n := NewPersister(dst, backend, discardLogger()).Load(context.Background())
			assert.Equal(t, 2, n)

			for _, id := range []string{"c1", "c2"} {
				assert.Equal(t, src.History(id), dst.History(id), id)
				srcMem, _ := src.Memories(id)
				dstMem, _ := dst.Memories(id)
				assert.Equal(t, srcMem, dstMem, id)
			}
			_, ok := dst.TakePendingSearch("c2")
			assert.False(t, ok, "pending search is not persisted")
		})
	}
}

func TestSave_Overwrites(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tbl := NewTable(Limits{})
			p := NewPersister(tbl, backend, discardLogger())
			tbl.AppendHistory("a", UserTurn("1"), nil)
			require.NoError(t, p.Save(context.Background()))
			tbl.AppendHistory("a", UserTurn("2"), nil)
			tbl.Ensure("b")
			require.NoError(t, p.Save(context.Background()))

			snap, err := backend.Load(context.Background())
			require.NoError(t, err)
			assert.Len(t, snap, 2)
			assert.Len(t, snap["a"].History, 2)
		})
	}
}

func TestJSONFile_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura_memory.json")
	p := NewPersister(populated(t), NewJSONFile(path), discardLogger())
	require.NoError(t, p.Save(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"history"`)
	assert.Contains(t, string(data), `"memory"`)
	assert.Contains(t, string(data), `"key": "drink"`)
	assert.Contains(t, string(data), `"key": null`)
	assert.NotContains(t, string(data), "pending")

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	assert.Empty(t, matches, "temp file cleaned up")
}

func TestJSONFile_Missing(t *testing.T) {
	_, err := NewJSONFile(filepath.Join(t.TempDir(), "none.json")).Load(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJSONFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	snap, err := NewJSONFile(path).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestPersisterLoad_MalformedStartsEmptyAndKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura_memory.json")
	garbage := []byte(`{"c1": {"history": [`)
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	var logs bytes.Buffer
	tbl := NewTable(Limits{})
	p := NewPersister(tbl, NewJSONFile(path), slog.New(slog.NewTextHandler(&logs, nil)))

	assert.Zero(t, p.Load(context.Background()))
	assert.Zero(t, tbl.Clients())
	assert.Contains(t, logs.String(), "level=ERROR")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, garbage, data, "file untouched until next save")
}

func TestPersisterLoad_MissingWarns(t *testing.T) {
	var logs bytes.Buffer
	p := NewPersister(NewTable(Limits{}), NewJSONFile(filepath.Join(t.TempDir(), "x.json")),
		slog.New(slog.NewTextHandler(&logs, nil)))
	assert.Zero(t, p.Load(context.Background()))
	assert.Contains(t, logs.String(), "level=WARN")
}

type failingBackend struct{ err error }

func (f failingBackend) Load(context.Context) (Snapshot, error) { return nil, f.err }
func (f failingBackend) Save(context.Context, Snapshot) error    { return f.err }
func (f failingBackend) Close() error                           { return nil }

func TestSave_FailureKeepsTableAuthoritative(t *testing.T) {
	tbl := populated(t)
	var observed error
	p := NewPersister(tbl, failingBackend{err: errors.New("disk full")}, discardLogger())
	p.OnSave = func(_ time.Duration, err error) { observed = err }

	err := p.Save(context.Background())
	require.Error(t, err)
	assert.EqualError(t, observed, "disk full")
	assert.Len(t, tbl.History("c1"), 4)
}

// recordingBackend keeps every saved snapshot.
type recordingBackend struct {
	mu    sync.Mutex
	saves []Snapshot
	delay time.Duration
}

func (r *recordingBackend) Load(context.Context) (Snapshot, error) { return nil, ErrNotFound }
func (r *recordingBackend) Save(_ context.Context, s Snapshot) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, s)
	return nil
}
func (r *recordingBackend) Close() error { return nil }

func TestSaveAsync_WaitAndFinalState(t *testing.T) {
	tbl := NewTable(Limits{Memory: 1000})
	rb := &recordingBackend{delay: 5 * time.Millisecond}
	p := NewPersister(tbl, rb, discardLogger())

	for i := 0; i < 10; i++ {
		tbl.AppendMemory("c1", MemoryFact, fmt.Sprint(i), nil)
		p.SaveAsync()
	}
	p.Wait()

	rb.mu.Lock()
	defer rb.mu.Unlock()
	require.Len(t, rb.saves, 10)

	prev := 0
	for _, s := range rb.saves {
		n := len(s["c1"].Memory)
		assert.GreaterOrEqual(t, n, prev, "saves never go backwards")
		prev = n
	}
	assert.Equal(t, 10, prev, "last save carries the final state")
}

func TestSaveAsync_AfterWaitIsNoop(t *testing.T) {
	rb := &recordingBackend{}
	p := NewPersister(NewTable(Limits{}), rb, discardLogger())
	p.Wait()
	p.SaveAsync()
	p.Wait()

	rb.mu.Lock()
	defer rb.mu.Unlock()
	assert.Empty(t, rb.saves)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	b, err := Open("json", filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.IsType(t, &JSONFile{}, b)

	b, err = Open("sqlite", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, b)
	require.NoError(t, b.Close())

	_, err = Open("redis", "x")
	assert.Error(t, err)
}

func TestSQLite_EmptyIsNotFound(t *testing.T) {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer sq.Close()

	_, err = sq.Load(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}
