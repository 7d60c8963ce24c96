package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/aiops-lab/cmdb/internal/routing"
)

const (
	// DefaultPort is the tool server port used for the built-in candidates.
	DefaultPort = 9000

	// DefaultTimeout bounds one tool call; playbooks can be slow.
	DefaultTimeout = 90 * time.Second

	// HealthTimeout bounds one health probe.
	HealthTimeout = 5 * time.Second

	// RateLimit is the default request rate per second.
	RateLimit = 5.0

	// DefaultMaxTries is the number of attempts per endpoint.
	DefaultMaxTries = 3

	// ToolName is the tool invoked to run a playbook.
	ToolName = "ansible.playbook"
)

// DefaultPlaybooks maps each kind to the playbook that collects it.
var DefaultPlaybooks = map[routing.Kind]string{
	routing.KindBGP:  "show_bgp",
	routing.KindOSPF: "show_ospf",
}

// baseEnvVars are consulted, in order, for extra candidate endpoints.
var baseEnvVars = []string{"MCP_BASE", "AIOPS_MCP_URL", "AIOPS_MCP_BASE"}

// MCPClient runs playbooks through a tool server, trying a list of
// candidate endpoints in order.
type MCPClient struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	token       string
	bases       []string
	port        int
	playbooks   map[routing.Kind]string
	hostHint    string
	cache       *EndpointCache
	maxTries    uint
	initialWait time.Duration
	log         *slog.Logger
}

// ClientOption configures an MCPClient.
type ClientOption func(*MCPClient)

// WithToken sets the bearer token.
func WithToken(token string) ClientOption {
	return func(c *MCPClient) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *MCPClient) {
		c.httpClient = hc
	}
}

// WithTimeout bounds one tool call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *MCPClient) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
		}
	}
}

// WithBaseURL adds an endpoint tried before the environment and built-in
// candidates.
func WithBaseURL(url string) ClientOption {
	return func(c *MCPClient) {
		if url != "" {
			c.bases = append(c.bases, url)
		}
	}
}

// WithPort sets the port of the built-in candidates.
func WithPort(port int) ClientOption {
	return func(c *MCPClient) {
		if port > 0 {
			c.port = port
		}
	}
}

// WithPlaybook overrides the playbook run for kind.
func WithPlaybook(kind routing.Kind, playbook string) ClientOption {
	return func(c *MCPClient) {
		if playbook != "" {
			c.playbooks[kind] = playbook
		}
	}
}

// WithHostHint sets the host hint attached to every Output.
func WithHostHint(host string) ClientOption {
	return func(c *MCPClient) {
		c.hostHint = host
	}
}

// WithEndpointCache shares a healthy-endpoint cache with the client.
func WithEndpointCache(cache *EndpointCache) ClientOption {
	return func(c *MCPClient) {
		c.cache = cache
	}
}

// WithRateLimit sets the request rate per second.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *MCPClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithRetry sets the attempts per endpoint and the first retry delay.
func WithRetry(maxTries uint, initialWait time.Duration) ClientOption {
	return func(c *MCPClient) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if initialWait > 0 {
			c.initialWait = initialWait
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *MCPClient) {
		if log != nil {
			c.log = log
		}
	}
}

// NewMCPClient creates a client. MCP_TOKEN and AIOPS_MCP_PORT from the
// environment apply unless overridden by options.
func NewMCPClient(opts ...ClientOption) *MCPClient {
	c := &MCPClient{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		limiter:     rate.NewLimiter(rate.Limit(RateLimit), 1),
		port:        DefaultPort,
		playbooks:   make(map[routing.Kind]string, len(DefaultPlaybooks)),
		cache:       NewEndpointCache(0),
		maxTries:    DefaultMaxTries,
		initialWait: 500 * time.Millisecond,
		log:         slog.New(slog.DiscardHandler),
	}
	for k, v := range DefaultPlaybooks {
		c.playbooks[k] = v
	}

	if token := os.Getenv("MCP_TOKEN"); token != "" {
		c.token = token
	}
	if port, err := strconv.Atoi(os.Getenv("AIOPS_MCP_PORT")); err == nil && port > 0 {
		c.port = port
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Candidates returns the endpoints to try, in order, without duplicates:
// the cached healthy endpoint, configured bases, the environment, then
// loopback, host.docker.internal and ansible-mcp at the configured port.
func (c *MCPClient) Candidates() []string {
	var all []string
	if base, ok := c.cache.Get(); ok {
		all = append(all, base)
	}
	all = append(all, c.bases...)
	for _, name := range baseEnvVars {
		all = append(all, os.Getenv(name))
	}
	all = append(all,
		fmt.Sprintf("http://127.0.0.1:%d", c.port),
		fmt.Sprintf("http://host.docker.internal:%d", c.port),
		fmt.Sprintf("http://ansible-mcp:%d", c.port),
	)

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, b := range all {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}

// HasToken reports whether requests carry an Authorization header.
func (c *MCPClient) HasToken() bool {
	return c.token != ""
}

// Health returns the first endpoint whose /health answers successfully.
func (c *MCPClient) Health(ctx context.Context) (string, error) {
	var errs []error
	for _, base := range c.Candidates() {
		if err := c.probe(ctx, base); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", base, err))
			continue
		}
		c.cache.Set(base)
		c.log.Info("MCP health OK", "event", "mcp.health", "base", base)
		return base, nil
	}
	return "", fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

func (c *MCPClient) probe(ctx context.Context, base string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if err := checkHTTPErrors(resp, base); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Fetch runs the playbook for kind on the first endpoint that succeeds.
func (c *MCPClient) Fetch(ctx context.Context, kind routing.Kind) (Output, error) {
	playbook, ok := c.playbooks[kind]
	if !ok {
		return Output{}, fmt.Errorf("no playbook for kind %s", kind)
	}

	var errs []error
	for _, base := range c.Candidates() {
		result, err := c.callPlaybook(ctx, base, playbook)
		if err != nil {
			if ctx.Err() != nil {
				return Output{}, ctx.Err()
			}
			c.cache.Invalidate(base)
			errs = append(errs, fmt.Errorf("%s: %w", base, err))
			continue
		}
		c.cache.Set(base)
		text := ResultText(result)
		c.log.Debug("playbook call ok", "event", "mcp.call.ok", "base", base, "playbook", playbook, "raw_len", len(text))
		return Output{Kind: kind, Text: text, HostHint: c.hostHint, Source: base}, nil
	}

	c.log.Warn("playbook call failed on every endpoint", "event", "mcp.call.fail", "playbook", playbook)
	return Output{}, fmt.Errorf("%w: playbook %s: %w", ErrUnavailable, playbook, errors.Join(errs...))
}

// toolRequest is the body of a tool call.
type toolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolResponse is the envelope a tool server returns.
type toolResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  any             `json:"error"`
}

// callPlaybook executes one tool call against base, retrying transient
// failures with exponential backoff.
func (c *MCPClient) callPlaybook(ctx context.Context, base, playbook string) (map[string]any, error) {
	body, err := json.Marshal(toolRequest{
		ID:        "state-" + playbook,
		Name:      ToolName,
		Arguments: map[string]any{"playbook": playbook},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialWait

	attempt := 0
	return backoff.Retry(ctx, func() (map[string]any, error) {
		if attempt > 0 {
			c.log.Warn("playbook call failed, retrying", "base", base, "playbook", playbook, "attempt", attempt)
		}
		attempt++

		result, err := c.do(ctx, base, body)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
}

func (c *MCPClient) do(ctx context.Context, base string, body []byte) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if err := checkHTTPErrors(resp, base); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}

	var env toolResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !env.OK {
		msg := "unknown"
		if env.Error != nil {
			msg = fmt.Sprint(env.Error)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: "tool_error", Message: msg, Base: base}
	}

	// A string result is treated as msg text; a missing one falls back to
	// the whole envelope.
	var result map[string]any
	var text string
	switch {
	case json.Unmarshal(env.Result, &result) == nil && result != nil:
		return result, nil
	case bytes.HasPrefix(env.Result, []byte(`"`)) && json.Unmarshal(env.Result, &text) == nil:
		return map[string]any{"msg": text}, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return result, nil
}

// checkHTTPErrors returns an error if the HTTP response indicates a problem.
func checkHTTPErrors(resp *http.Response, base string) error {
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return fmt.Errorf("%w: status %d", ErrAuthError, resp.StatusCode)
	}
	if resp.StatusCode == 429 {
		return fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 160))
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       "api_error",
			Message:    strings.TrimSpace(fmt.Sprintf("HTTP %d %s", resp.StatusCode, strings.ReplaceAll(string(detail), "\n", " "))),
			Base:       base,
		}
	}
	return nil
}
