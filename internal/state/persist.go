package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned by Backend.Load when nothing has been saved
// yet.
var ErrNotFound = errors.New("state store not found")

// Backend reads and writes whole-table snapshots.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Open returns the backend named by kind ("json" or "sqlite") at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", "json":
		return NewJSONFile(path), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}

// JSONFile stores the table as one JSON object mapping client
// identifiers to {history, memory}. Writes go to a temporary file in
// the same directory which is then renamed over the target.
type JSONFile struct {
	path string
}

// NewJSONFile returns a JSON file backend at path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the backing file path.
func (f *JSONFile) Path() string { return f.path }

// Load reads the whole file. A missing file yields ErrNotFound; an
// empty file yields an empty snapshot.
func (f *JSONFile) Load(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// Save rewrites the file wholesale.
func (f *JSONFile) Save(_ context.Context, snap Snapshot) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// Close is a no-op.
func (f *JSONFile) Close() error { return nil }

// Persister mirrors a Table to a Backend. Saves run off the caller's
// path; each write takes its snapshot after acquiring the write lock,
// so a later write never carries older state than an earlier one.
type Persister struct {
	table   *Table
	backend Backend
	logger  *slog.Logger

	// OnSave, if set, is called after every write attempt.
	OnSave func(elapsed time.Duration, err error)

	writeMu sync.Mutex

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewPersister binds table to backend.
func NewPersister(table *Table, backend Backend, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		table:   table,
		backend: backend,
		logger:  logger.With("component", "state"),
	}
}

// Load restores the table from the backend and returns the number of
// clients restored. A missing or unreadable store leaves the table
// empty; the backend is not written until the next save.
func (p *Persister) Load(ctx context.Context) int {
	snap, err := p.backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		p.logger.Warn("no saved client state, starting empty")
		return 0
	case err != nil:
		p.logger.Error("failed to load client state, starting empty", "error", err)
		return 0
	}

	p.table.Restore(snap)
	p.logger.Info("client state loaded", "clients", len(snap))
	return len(snap)
}

// SaveAsync schedules a background save. After Wait has been called
// it does nothing; the final synchronous Save covers that state.
func (p *Persister) SaveAsync() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.logger.Debug("save skipped, persister closing")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		_ = p.Save(context.Background())
	}()
}

// Save snapshots the table and writes it synchronously. Failures are
// logged and returned; the table stays authoritative either way.
func (p *Persister) Save(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	start := time.Now()
	snap := p.table.Snapshot()
	err := p.backend.Save(ctx, snap)
	elapsed := time.Since(start)

	if p.OnSave != nil {
		p.OnSave(elapsed, err)
	}
	if err != nil {
		p.logger.Error("failed to save client state", "error", err, "elapsed", elapsed)
		return err
	}
	p.logger.Debug("client state saved", "clients", len(snap), "elapsed", elapsed)
	return nil
}

// Wait stops accepting async saves and blocks until those in flight
// have finished.
func (p *Persister) Wait() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.wg.Wait()
}
