// Package search provides the web search backends behind the
// assistant's [SEARCH: ...] directive.
//
// Each backend implements the [Provider] interface and is registered
// by name. The [Manager] selects the configured backend and exposes a
// single [Manager.Search] method that the interaction pipeline calls.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoProvider is returned when the requested provider is not
// registered.
var ErrNoProvider = errors.New("search provider not configured")

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int

	// Region is a DuckDuckGo-style region code such as "us-en"
	// (country, then language). Backends translate it to their own
	// locale parameters.
	Region string
}

func (o Options) count() int {
	if o.Count > 0 {
		return o.Count
	}
	return 3
}

// regionParts splits "us-en" into ("us", "en"). Malformed or empty
// regions yield empty strings.
func regionParts(region string) (country, lang string) {
	c, l, ok := strings.Cut(strings.ToLower(strings.TrimSpace(region)), "-")
	if !ok || c == "" || l == "" {
		return "", ""
	}
	return c, l
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "duckduckgo").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	defaults  Options
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used; defaults fill zero fields of the
// options passed to Search.
func NewManager(primary string, defaults Options) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		defaults:  defaults,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider. Results are
// truncated to the requested count.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, m.primary)
	}
	if opts.Count == 0 {
		opts.Count = m.defaults.Count
	}
	if opts.Region == "" {
		opts.Region = m.defaults.Region
	}

	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if n := opts.count(); len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// Primary returns the name of the provider Search uses.
func (m *Manager) Primary() string { return m.primary }

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}
