package provider

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// ClientPolicy tunes the shared transport for one provider family.
// Streaming SSE bodies stay open for the length of a model turn, so
// the policy bounds connection setup rather than the full exchange;
// the whole-request timeout comes from the per-call configuration the
// dispatcher passes to GetClient.
type ClientPolicy struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int
	DisableCompression  bool
	ForceHTTP2          bool
}

func defaultPolicy() ClientPolicy {
	return ClientPolicy{
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 8,
	}
}

// policyFor returns the built-in policy for a family. The Cloud-Code
// envelope hosts speak HTTP/2 and emit uncompressed SSE frames; the
// chat-completions vendors are served fine by the defaults.
func policyFor(f Family) ClientPolicy {
	p := defaultPolicy()
	if f == FamilyGoogle {
		p.ForceHTTP2 = true
		p.DisableCompression = true
		// One dispatch may walk the whole sandbox/production endpoint
		// list; keep those connections warm between attempts.
		p.IdleConnTimeout = 4 * time.Minute
	}
	return p
}

// ConnectionPool hands each provider family one shared http.Client, so
// every dispatch attempt against a family reuses the same keep-alive
// connections regardless of which account the pool rotated to.
type ConnectionPool struct {
	mu         sync.Mutex
	policies   map[Family]ClientPolicy
	clients    map[Family]*http.Client
	transports map[Family]*http.Transport
}

// NewConnectionPool returns a pool using the built-in per-family
// policies; SetPolicy overrides them.
func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		policies:   make(map[Family]ClientPolicy),
		clients:    make(map[Family]*http.Client),
		transports: make(map[Family]*http.Transport),
	}
}

// SetPolicy overrides one family's policy, dropping any client already
// built from the old one.
func (p *ConnectionPool) SetPolicy(f Family, pol ClientPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[f] = pol
	delete(p.clients, f)
	if t, ok := p.transports[f]; ok {
		t.CloseIdleConnections()
		delete(p.transports, f)
	}
}

// GetClient returns the family's shared client, building it on first
// use. timeout bounds the whole request including the streamed body;
// it is fixed when the client is first built.
func (p *ConnectionPool) GetClient(f Family, timeout time.Duration) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[f]; ok {
		return c
	}
	pol, ok := p.policies[f]
	if !ok {
		pol = policyFor(f)
	}
	t := newTransport(pol)
	p.transports[f] = t
	c := &http.Client{Transport: t, Timeout: timeout}
	p.clients[f] = c
	return c
}

// Close drops every family's idle connections.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func newTransport(pol ClientPolicy) *http.Transport {
	dialer := &net.Dialer{Timeout: pol.DialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: pol.MaxIdleConnsPerHost,
		IdleConnTimeout:     pol.IdleConnTimeout,
		TLSHandshakeTimeout: pol.TLSHandshakeTimeout,
		DisableCompression:  pol.DisableCompression,
	}
	if pol.ForceHTTP2 {
		t.ForceAttemptHTTP2 = true
		t.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
	}
	return t
}
