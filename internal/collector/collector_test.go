package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-lab/cmdb/internal/routing"
)

// clearEndpointEnv keeps the developer's environment out of candidate lists.
func clearEndpointEnv(t *testing.T) {
	t.Helper()
	for _, name := range append([]string{"MCP_TOKEN", "AIOPS_MCP_PORT"}, baseEnvVars...) {
		t.Setenv(name, "")
	}
}

func testClient(t *testing.T, opts ...ClientOption) *MCPClient {
	t.Helper()
	clearEndpointEnv(t)
	base := []ClientOption{
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithRetry(1, time.Millisecond),
		WithRateLimit(1000),
		WithPort(1), // built-in candidates refuse connections
	}
	return NewMCPClient(append(base, opts...)...)
}

func TestCandidates(t *testing.T) {
	clearEndpointEnv(t)
	t.Setenv("MCP_BASE", "http://env-base:9000/")
	t.Setenv("AIOPS_MCP_URL", "http://configured:9000")

	c := NewMCPClient(WithBaseURL("http://configured:9000/"), WithPort(9100))

	assert.Equal(t, []string{
		"http://configured:9000",
		"http://env-base:9000",
		"http://127.0.0.1:9100",
		"http://host.docker.internal:9100",
		"http://ansible-mcp:9100",
	}, c.Candidates())
}

func TestCandidates_CachedFirst(t *testing.T) {
	clearEndpointEnv(t)
	cache := NewEndpointCache(time.Minute)
	cache.Set("http://ansible-mcp:9000")

	c := NewMCPClient(WithEndpointCache(cache))

	cands := c.Candidates()
	assert.Equal(t, "http://ansible-mcp:9000", cands[0])
	assert.Len(t, cands, 3)
}

func TestCandidates_PortFromEnv(t *testing.T) {
	clearEndpointEnv(t)
	t.Setenv("AIOPS_MCP_PORT", "9200")

	c := NewMCPClient()
	assert.Contains(t, c.Candidates(), "http://127.0.0.1:9200")
}

func TestFetch(t *testing.T) {
	var gotReq toolRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/call", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(`{"ok":true,"result":{"msg":"{\"host\":\"r1\",\"bgp\":{\"peers\":{}}}","ansible":{"stdout":["line {\"a\":1}"]}}}`))
	}))
	defer srv.Close()

	cache := NewEndpointCache(time.Minute)
	c := testClient(t, WithBaseURL(srv.URL), WithToken("s3cret"), WithHostHint("r1"), WithEndpointCache(cache))

	out, err := c.Fetch(context.Background(), routing.KindBGP)
	require.NoError(t, err)

	assert.Equal(t, "state-show_bgp", gotReq.ID)
	assert.Equal(t, ToolName, gotReq.Name)
	assert.Equal(t, "show_bgp", gotReq.Arguments["playbook"])
	assert.Equal(t, "Bearer s3cret", gotAuth)

	assert.Equal(t, routing.KindBGP, out.Kind)
	assert.Equal(t, "r1", out.HostHint)
	assert.Equal(t, srv.URL, out.Source)
	assert.Contains(t, out.Text, `"bgp"`)
	assert.Contains(t, out.Text, `line {"a":1}`)

	cached, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, srv.URL, cached)
}

func TestFetch_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true,"result":{"msg":"{}"}}`))
	}))
	defer srv.Close()

	c := testClient(t, WithBaseURL(srv.URL))
	assert.False(t, c.HasToken())
	_, err := c.Fetch(context.Background(), routing.KindOSPF)
	require.NoError(t, err)
}

func TestFetch_FallsThroughToNextEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"playbook not found"}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":"{\"host\":\"r2\"}"}`))
	}))
	defer good.Close()

	c := testClient(t, WithBaseURL(bad.URL), WithBaseURL(good.URL))

	out, err := c.Fetch(context.Background(), routing.KindBGP)
	require.NoError(t, err)
	assert.Equal(t, good.URL, out.Source)
	assert.Equal(t, `{"host":"r2"}`, out.Text)
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"msg":"{}"}}`))
	}))
	defer srv.Close()

	c := testClient(t, WithBaseURL(srv.URL), WithRetry(3, time.Millisecond))

	_, err := c.Fetch(context.Background(), routing.KindBGP)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_DoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, WithBaseURL(srv.URL), WithRetry(2, time.Millisecond))

	_, err := c.Fetch(context.Background(), routing.KindBGP)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsAuthError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_AllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := testClient(t, WithBaseURL(srv.URL))

	_, err := c.Fetch(context.Background(), routing.KindBGP)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Contains(t, err.Error(), srv.URL)
}

func TestFetch_UnknownKind(t *testing.T) {
	c := testClient(t)
	_, err := c.Fetch(context.Background(), routing.Kind("isis"))
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	cache := NewEndpointCache(time.Minute)
	c := testClient(t, WithBaseURL(srv.URL), WithEndpointCache(cache))

	base, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL, base)

	cached, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, srv.URL, cached)
}

func TestHealth_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, WithBaseURL(srv.URL))

	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsTransient(err))
}

func TestEndpointCache(t *testing.T) {
	cache := NewEndpointCache(50 * time.Millisecond)

	_, ok := cache.Get()
	assert.False(t, ok)

	cache.Set("http://a")
	got, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, "http://a", got)

	cache.Invalidate("http://b")
	_, ok = cache.Get()
	assert.True(t, ok)

	cache.Invalidate("http://a")
	_, ok = cache.Get()
	assert.False(t, ok)

	cache.Set("http://a")
	time.Sleep(100 * time.Millisecond)
	_, ok = cache.Get()
	assert.False(t, ok)
}

func TestEndpointCache_DefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultEndpointTTL, NewEndpointCache(0).TTL())
}

func TestResultText(t *testing.T) {
	tests := []struct {
		name   string
		result map[string]any
		want   string
	}{
		{"empty", map[string]any{}, ""},
		{"msg string", map[string]any{"msg": "hello"}, "hello"},
		{"msg object", map[string]any{"msg": map[string]any{"host": "r1"}}, `{"host":"r1"}`},
		{"stdout string", map[string]any{"ansible": map[string]any{"stdout": "out"}}, "out"},
		{"stdout list", map[string]any{"ansible": map[string]any{"stdout": []any{"a", 1.0, "b"}}}, "a\nb"},
		{"msg and stdout", map[string]any{"msg": "m", "ansible": map[string]any{"stdout": "s"}}, "m\ns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultText(tt.result))
		})
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	bgpPath := filepath.Join(dir, "bgp.txt")
	require.NoError(t, os.WriteFile(bgpPath, []byte(`{"host":"r1"}`), 0644))

	src := FileSource{
		Paths:    map[routing.Kind]string{routing.KindBGP: bgpPath, routing.KindOSPF: "-"},
		HostHint: "r1",
		Stdin:    strings.NewReader(`{"host":"r2"}`),
	}
	ctx := context.Background()

	out, err := src.Fetch(ctx, routing.KindBGP)
	require.NoError(t, err)
	assert.Equal(t, `{"host":"r1"}`, out.Text)
	assert.Equal(t, "r1", out.HostHint)

	out, err = src.Fetch(ctx, routing.KindOSPF)
	require.NoError(t, err)
	assert.Equal(t, `{"host":"r2"}`, out.Text)
}

func TestFileSource_Errors(t *testing.T) {
	src := FileSource{Paths: map[routing.Kind]string{routing.KindBGP: filepath.Join(t.TempDir(), "missing")}}

	_, err := src.Fetch(context.Background(), routing.KindOSPF)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = src.Fetch(context.Background(), routing.KindBGP)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoInput))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Fetch(ctx, routing.KindBGP)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"ok":true,"result":{"msg":"{}"}}`))
	}))
	defer srv.Close()

	c := testClient(t, WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))

	_, err := c.Fetch(context.Background(), routing.KindBGP)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
