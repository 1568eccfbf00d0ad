package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDomainNotAllowed is returned for any request whose host is neither a
// whitelisted domain nor a strict subdomain of one.
var ErrDomainNotAllowed = errors.New("gateway: domain not in whitelist")

// DefaultTimeout bounds a single outbound request.
const DefaultTimeout = 30 * time.Second

// RequestEntry is one line of the append-only request log.
type RequestEntry struct {
	AgentID   string    `json:"agent_id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder receives request log entries for durable persistence.
// The in-memory log is kept regardless; a Recorder adds durability.
type Recorder interface {
	Record(e RequestEntry) error
}

// Gateway filters and logs outbound HTTP requests.
type Gateway struct {
	mu       sync.RWMutex
	allowed  map[string]struct{}
	entries  []RequestEntry
	client   *http.Client
	recorder Recorder
	log      zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClient replaces the HTTP client used for dispatch.
func WithClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithRecorder adds durable persistence for request log entries.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		g.recorder = r
	}
}

// WithLogger sets the gateway's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) {
		g.log = log
	}
}

// New returns a gateway with the given initial whitelist.
func New(domains []string, opts ...Option) *Gateway {
	g := &Gateway{
		allowed: make(map[string]struct{}, len(domains)),
		client:  &http.Client{Timeout: DefaultTimeout},
		log:     zerolog.Nop(),
	}
	for _, d := range domains {
		g.allowed[normalizeDomain(d)] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow adds a domain to the whitelist.
func (g *Gateway) Allow(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[normalizeDomain(domain)] = struct{}{}
}

// Disallow removes a domain from the whitelist.
func (g *Gateway) Disallow(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowed, normalizeDomain(domain))
}

// Allowed reports whether a host passes the whitelist: exact match or
// strict subdomain of an allowed entry.
func (g *Gateway) Allowed(host string) bool {
	host = normalizeDomain(host)
	g.mu.RLock()
	defer g.mu.RUnlock()
	for d := range g.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Do dispatches a request on behalf of an agent. The whitelist check and
// the log entry both happen before any network I/O.
func (g *Gateway) Do(ctx context.Context, agentID, method, rawURL string, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse url: %w", err)
	}
	host := u.Hostname()
	if !g.Allowed(host) {
		return nil, fmt.Errorf("gateway: agent %s blocked from %q: %w", agentID, host, ErrDomainNotAllowed)
	}

	entry := RequestEntry{
		AgentID:   agentID,
		Method:    method,
		URL:       rawURL,
		Timestamp: time.Now().UTC(),
	}
	g.record(entry)

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	return g.client.Do(req)
}

// Get issues a GET through the gateway.
func (g *Gateway) Get(ctx context.Context, agentID, url string) (*http.Response, error) {
	return g.Do(ctx, agentID, http.MethodGet, url, nil)
}

// Post issues a POST through the gateway.
func (g *Gateway) Post(ctx context.Context, agentID, url string, body io.Reader) (*http.Response, error) {
	return g.Do(ctx, agentID, http.MethodPost, url, body)
}

// Put issues a PUT through the gateway.
func (g *Gateway) Put(ctx context.Context, agentID, url string, body io.Reader) (*http.Response, error) {
	return g.Do(ctx, agentID, http.MethodPut, url, body)
}

// Delete issues a DELETE through the gateway.
func (g *Gateway) Delete(ctx context.Context, agentID, url string) (*http.Response, error) {
	return g.Do(ctx, agentID, http.MethodDelete, url, nil)
}

// RequestLog returns logged entries, filtered by agent id when non-empty.
func (g *Gateway) RequestLog(agentID string) []RequestEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RequestEntry, 0, len(g.entries))
	for _, e := range g.entries {
		if agentID == "" || e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

// ClearLog discards the in-memory request log. Durable entries written
// through a Recorder are unaffected.
func (g *Gateway) ClearLog() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = nil
}

func (g *Gateway) record(e RequestEntry) {
	g.mu.Lock()
	g.entries = append(g.entries, e)
	g.mu.Unlock()

	if g.recorder != nil {
		if err := g.recorder.Record(e); err != nil {
			g.log.Warn().Err(err).Str("agent", e.AgentID).Msg("request log persistence failed")
		}
	}
	g.log.Debug().Str("agent", e.AgentID).Str("method", e.Method).Str("url", e.URL).Msg("egress request")
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
}
