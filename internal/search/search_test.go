package search

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
	gotOpts Options
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, opts Options) ([]Result, error) {
	m.gotOpts = opts
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mock := &mockProvider{
		name: "mock",
		results: []Result{
			{Title: "A", URL: "https://a.example", Snippet: "a"},
			{Title: "B", URL: "https://b.example", Snippet: "b"},
			{Title: "C", URL: "https://c.example", Snippet: "c"},
		},
	}
	mgr := NewManager("mock", Options{Count: 2, Region: "us-en"})
	mgr.Register(mock)

	results, err := mgr.Search(context.Background(), "test", Options{})
	require.NoError(t, err)
	assert.Len(t, results, 2, "truncated to default count")
	assert.Equal(t, Options{Count: 2, Region: "us-en"}, mock.gotOpts)

	_, err = mgr.Search(context.Background(), "test", Options{Count: 5, Region: "de-de"})
	require.NoError(t, err)
	assert.Equal(t, Options{Count: 5, Region: "de-de"}, mock.gotOpts)
}

func TestManagerUnconfigured(t *testing.T) {
	mgr := NewManager("missing", Options{})
	assert.False(t, mgr.Configured())

	_, err := mgr.Search(context.Background(), "test", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProvider))
}

func TestManagerProviderError(t *testing.T) {
	mgr := NewManager("mock", Options{})
	mgr.Register(&mockProvider{name: "mock", err: errors.New("boom")})

	_, err := mgr.Search(context.Background(), "test", Options{})
	assert.EqualError(t, err, "boom")
}

func TestManagerProviders(t *testing.T) {
	mgr := NewManager("b", Options{})
	mgr.Register(&mockProvider{name: "b"})
	mgr.Register(&mockProvider{name: "a"})
	assert.Equal(t, []string{"a", "b"}, mgr.Providers())
	assert.True(t, mgr.Configured())
	assert.Equal(t, "b", mgr.Primary())
}

func TestRegionParts(t *testing.T) {
	c, l := regionParts("us-en")
	assert.Equal(t, "us", c)
	assert.Equal(t, "en", l)

	c, l = regionParts("wt-wt")
	assert.Equal(t, "wt", c)
	assert.Equal(t, "wt", l)

	c, l = regionParts("garbage")
	assert.Empty(t, c)
	assert.Empty(t, l)
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "capital of France", r.URL.Query().Get("q"))
		assert.Equal(t, "en-US", r.URL.Query().Get("language"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[
			{"title":"Paris","url":"https://en.wikipedia.org/wiki/Paris","content":"Paris is the capital of France."},
			{"title":"No snippet","url":"https://example.com","content":""},
			{"title":"France","url":"https://en.wikipedia.org/wiki/France","content":"France is a country."},
			{"title":"Extra","url":"https://extra.example","content":"more"}
		]}`)
	}))
	defer srv.Close()

	p := NewSearXNG(srv.URL+"/", 5*time.Second)
	results, err := p.Search(context.Background(), "capital of France", Options{Count: 2, Region: "us-en"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Result{Title: "Paris", URL: "https://en.wikipedia.org/wiki/Paris", Snippet: "Paris is the capital of France."}, results[0])
	assert.Equal(t, "France", results[1].Title)
}

func TestSearXNG_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSearXNG(srv.URL, time.Second).Search(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
}

func TestBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		assert.Equal(t, "en", r.URL.Query().Get("search_lang"))
		io.WriteString(w, `{"web":{"results":[{"title":"T","url":"https://t.example","description":"D"}]}}`)
	}))
	defer srv.Close()

	b := NewBrave("secret", time.Second)
	b.endpoint = srv.URL
	results, err := b.Search(context.Background(), "q", Options{Region: "us-en"})
	require.NoError(t, err)
	assert.Equal(t, []Result{{Title: "T", URL: "https://t.example", Snippet: "D"}}, results)
}

const ddgPage = `<!DOCTYPE html>
<html><body>
<div class="results">
  <div class="result results_links results_links_deep result--ad">
    <a class="result__a" href="https://ads.example">Sponsored</a>
    <a class="result__snippet">Buy now</a>
  </div>
  <div class="result results_links results_links_deep web-result">
    <h2 class="result__title">
      <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FParis&amp;rut=abc">Paris - <b>Wikipedia</b></a>
    </h2>
    <a class="result__snippet" href="#">Paris is the <b>capital</b> and largest city of France.</a>
  </div>
  <div class="result results_links web-result">
    <a class="result__a" href="https://example.com/nosnippet">No snippet here</a>
  </div>
  <div class="result results_links web-result">
    <a class="result__a" href="https://www.britannica.com/place/Paris">Paris | Britannica</a>
    <div class="result__snippet">Paris, city and capital of France.</div>
  </div>
  <div class="result results_links web-result">
    <a class="result__a" href="https://third.example">Third</a>
    <a class="result__snippet">third snippet</a>
  </div>
</div>
</body></html>`

func TestParseDuckDuckGo(t *testing.T) {
	results, err := parseDuckDuckGo(strings.NewReader(ddgPage), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, Result{
		Title:   "Paris - Wikipedia",
		URL:     "https://en.wikipedia.org/wiki/Paris",
		Snippet: "Paris is the capital and largest city of France.",
	}, results[0])
	assert.Equal(t, "https://www.britannica.com/place/Paris", results[1].URL)
	assert.Equal(t, "Paris, city and capital of France.", results[1].Snippet)
}

func TestDuckDuckGo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "paris", r.PostForm.Get("q"))
		assert.Equal(t, "us-en", r.PostForm.Get("kl"))
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(time.Second)
	d.endpoint = srv.URL
	results, err := d.Search(context.Background(), "paris", Options{Region: "us-en"})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestUnwrapRedirect(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"https://example.com/a", "https://example.com/a"},
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&rut=x", "https://go.dev/"},
		{"//example.com/path", "https://example.com/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unwrapRedirect(tt.in), tt.in)
	}
}
