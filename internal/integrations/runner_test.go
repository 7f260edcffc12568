package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIntegration struct {
	name       string
	configured bool
	invalid    error
	fetch      func(ctx context.Context) (any, error)
}

func (f *fakeIntegration) Name() string          { return f.name }
func (f *fakeIntegration) IsConfigured() bool    { return f.configured }
func (f *fakeIntegration) ValidateConfig() error { return f.invalid }
func (f *fakeIntegration) Fetch(ctx context.Context) (any, error) {
	return f.fetch(ctx)
}

func TestRunner_SkipsUnconfiguredSilently(t *testing.T) {
	r := NewRunner([]Integration{
		&fakeIntegration{name: "absent", configured: false},
	}, time.Second)
	assert.False(t, r.Enabled())
	assert.Empty(t, r.Run(context.Background()))
}

func TestRunner_ExcludesPartiallyConfigured(t *testing.T) {
	r := NewRunner([]Integration{
		&fakeIntegration{name: "partial", configured: false, invalid: errors.New("token missing")},
		&fakeIntegration{name: "good", configured: true, fetch: func(ctx context.Context) (any, error) { return 42, nil }},
	}, time.Second)

	assert.Equal(t, []string{"good"}, r.Names())
}

func TestRunner_IsolatesFailures(t *testing.T) {
	slow := &fakeIntegration{name: "slow", configured: true, fetch: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	broken := &fakeIntegration{name: "broken", configured: true, fetch: func(ctx context.Context) (any, error) {
		return nil, errors.New("upstream said no")
	}}
	healthy := &fakeIntegration{name: "healthy", configured: true, fetch: func(ctx context.Context) (any, error) {
		return "data", nil
	}}

	r := NewRunner([]Integration{slow, broken, healthy}, 50*time.Millisecond)
	results := r.Run(context.Background())
	require.Len(t, results, 3)

	byName := map[string]Result{}
	for _, res := range results {
		byName[res.Name] = res
	}

	assert.Equal(t, "timeout_slow", byName["slow"].Err)
	assert.Equal(t, "error: upstream said no", byName["broken"].Err)
	assert.True(t, byName["healthy"].Succeeded())
	assert.Equal(t, "data", byName["healthy"].Data)
}

func TestRunner_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	broken := &fakeIntegration{name: "broken", configured: true, fetch: func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}}
	r := NewRunner([]Integration{broken}, time.Second)

	for i := 0; i < 3; i++ {
		results := r.Run(context.Background())
		assert.Equal(t, "error: boom", results[0].Err)
	}

	results := r.Run(context.Background())
	assert.Equal(t, "circuit_open", results[0].Err)
}

func TestRunner_RecoversFromPanic(t *testing.T) {
	panicky := &fakeIntegration{name: "panicky", configured: true, fetch: func(ctx context.Context) (any, error) {
		panic("unexpected")
	}}
	healthy := &fakeIntegration{name: "healthy", configured: true, fetch: func(ctx context.Context) (any, error) {
		return 1, nil
	}}

	r := NewRunner([]Integration{panicky, healthy}, time.Second)
	results := r.Run(context.Background())
	require.Len(t, results, 2)

	byName := map[string]Result{}
	for _, res := range results {
		byName[res.Name] = res
	}
	assert.Contains(t, byName["panicky"].Err, "panic")
	assert.True(t, byName["healthy"].Succeeded())
}

func TestThreatFeed_Configuration(t *testing.T) {
	assert.False(t, NewThreatFeed("", "").IsConfigured())
	assert.NoError(t, NewThreatFeed("", "").ValidateConfig())

	assert.Error(t, NewThreatFeed("https://feed.example.com", "").ValidateConfig())
	assert.Error(t, NewThreatFeed("", "token").ValidateConfig())

	full := NewThreatFeed("https://feed.example.com", "token")
	assert.True(t, full.IsConfigured())
	assert.NoError(t, full.ValidateConfig())
}

func TestThreatFeed_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		assert.Equal(t, "203.0.113.9,198.51.100.7", r.URL.Query().Get("ip"))
		json.NewEncoder(w).Encode([]Reputation{
			{IP: "203.0.113.9", Score: 88, Categories: []string{"scanner"}},
		})
	}))
	defer srv.Close()

	feed := NewThreatFeed(srv.URL, "sekrit")
	feed.SetTargets([]string{"203.0.113.9", "198.51.100.7"})

	data, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	byIP, ok := data.(map[string]Reputation)
	require.True(t, ok)
	assert.Equal(t, 88, byIP["203.0.113.9"].Score)
}

func TestThreatFeed_NoTargetsNoRequest(t *testing.T) {
	feed := NewThreatFeed("https://feed.invalid", "token")
	data, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)
}
