package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMaxConns    = 10
	DefaultMaxIdle     = 2
	DefaultIdleTimeout = 90 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// PoolConfig bounds the process-wide outbound connection pool.
type PoolConfig struct {
	MaxConns    int
	MaxIdle     int
	IdleTimeout time.Duration
	DialTimeout time.Duration
	// Wrap, when set, decorates every transport handed out by Pools.
	// It is used to plug in the debug round tripper.
	Wrap func(http.RoundTripper) http.RoundTripper
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:    DefaultMaxConns,
		MaxIdle:     DefaultMaxIdle,
		IdleTimeout: DefaultIdleTimeout,
		DialTimeout: DefaultDialTimeout,
	}
}

// Pools hands out the outbound transports used by the gateway.
// Ordinary proxied traffic shares one keep-alive pool for the lifetime of
// the process; refresh traffic gets a throwaway single connection transport
// per attempt.
type Pools struct {
	cfg PoolConfig
	ins InstrumentedRoundTripper

	once     sync.Once
	base     *http.Transport
	ordinary http.RoundTripper
}

func NewPools(cfg PoolConfig, ins InstrumentedRoundTripper) *Pools {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if ins == nil {
		ins = NewInstrumentedRoundTripper(nil)
	}
	return &Pools{cfg: cfg, ins: ins}
}

// Ordinary returns the shared pool. Every call returns the same transport.
func (p *Pools) Ordinary() http.RoundTripper {
	p.once.Do(func() {
		p.base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxConnsPerHost:     p.cfg.MaxConns,
			MaxIdleConns:        p.cfg.MaxIdle,
			MaxIdleConnsPerHost: p.cfg.MaxIdle,
			IdleConnTimeout:     p.cfg.IdleTimeout,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		p.ordinary = p.decorate("upstream", p.base)
	})
	return p.ordinary
}

// Close drops the idle connections of the shared pool.
func (p *Pools) Close() {
	p.once.Do(func() {})
	if p.base != nil {
		p.base.CloseIdleConnections()
	}
}

// NewTransient returns a pool for a single refresh attempt.
// The caller owns it and must Destroy it once the attempt is over.
func (p *Pools) NewTransient() *TransientPool {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: p.cfg.DialTimeout}).DialContext,
		DisableKeepAlives:   true,
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: -1,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &TransientPool{
		transport: t,
		rt:        p.decorate("refresh", t),
	}
}

func (p *Pools) decorate(name string, t *http.Transport) http.RoundTripper {
	var rt http.RoundTripper = t
	if p.cfg.Wrap != nil {
		rt = p.cfg.Wrap(rt)
	}
	return otelhttp.NewTransport(p.ins.NewRoundTripper(name, rt))
}

// TransientPool is a non keep-alive, single connection transport.
type TransientPool struct {
	mu        sync.Mutex
	transport *http.Transport
	rt        http.RoundTripper
}

// RoundTripper returns the transport, or nil once the pool is destroyed.
func (t *TransientPool) RoundTripper() http.RoundTripper {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt
}

// Destroy closes the sockets held by the pool and releases it.
// It is safe to call more than once.
func (t *TransientPool) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.transport == nil {
		return
	}
	t.transport.CloseIdleConnections()
	t.transport = nil
	t.rt = nil
}

// Destroyed reports whether Destroy has been called.
func (t *TransientPool) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transport == nil
}
