// Package refresh coordinates access token refreshes. Concurrent callers
// that share a refresh key wait on one in-flight operation instead of each
// hitting the refresh endpoint.
package refresh

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/session"
)

const (
	DefaultMaxAge        = 60 * time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxEntries    = 100
)

type Options struct {
	// MaxAge is how long an in-flight entry may be joined by new callers.
	MaxAge time.Duration
	// Timeout bounds a single refresh operation.
	Timeout time.Duration
	// SweepInterval is the period of the background stale entry sweep.
	SweepInterval time.Duration
	// MaxEntries is the registry size above which the oldest half is evicted.
	MaxEntries int
	// Development logs refresh failures that are otherwise only counted.
	Development bool
}

func DefaultOptions() Options {
	return Options{
		MaxAge:        DefaultMaxAge,
		Timeout:       DefaultTimeout,
		SweepInterval: DefaultSweepInterval,
		MaxEntries:    DefaultMaxEntries,
	}
}

type entry struct {
	id        string
	key       string
	seq       uint64
	createdAt time.Time
	timer     *time.Timer
	cancel    context.CancelFunc

	// done is closed once outcome is set.
	done    chan struct{}
	outcome Outcome
	settled bool
}

// Coordinator owns the registry of in-flight refresh operations.
// It is safe for concurrent use.
type Coordinator struct {
	opts   Options
	logger log.Logger
	now    func() time.Time

	requests  *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	evictions *prometheus.CounterVec

	mu        sync.Mutex // protects the fields below
	entries   map[string]*entry
	seq       uint64
	stopSweep chan struct{}
	closed    bool

	sweepers sync.WaitGroup
}

// NewCoordinator returns a Coordinator and registers its metrics with reg, if not nil.
func NewCoordinator(opts Options, logger log.Logger, reg prometheus.Registerer) *Coordinator {
	def := DefaultOptions()
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &Coordinator{
		opts:    opts,
		logger:  log.With(logger, "component", "refresh"),
		now:     time.Now,
		entries: make(map[string]*entry),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_refresh_requests_total",
			Help: "Refresh requests by whether they started an operation or joined one in flight.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_refresh_outcomes_total",
			Help: "Settled refresh operations by failure reason, empty on success.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_refresh_evictions_total",
			Help: "Refresh entries evicted before they settled.",
		}, []string{"reason"}),
	}

	if reg != nil {
		inflight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portal_gateway_refresh_inflight",
			Help: "Number of refresh operations in the registry.",
		}, func() float64 { return float64(c.Len()) })
		reg.MustRegister(c.requests, c.outcomes, c.evictions, inflight)
	}

	return c
}

// Refresh returns fresh credentials for the caller. Callers sharing a key
// while an operation is in flight all receive that operation's outcome.
// Failures are reported through the outcome, never as an error.
func (c *Coordinator) Refresh(ctx context.Context, req *http.Request, caller identity.CallerContext, sessions SessionLookup, refresher Refresher) Outcome {
	e := c.acquire(ctx, req, caller, sessions, refresher)

	select {
	case <-e.done:
		return e.outcome
	case <-ctx.Done():
		return failed(ReasonCanceled)
	}
}

// acquire returns the live entry for the caller's key or registers a new
// one and starts its operation. The lookup and the insertion happen in one
// critical section.
func (c *Coordinator) acquire(ctx context.Context, req *http.Request, caller identity.CallerContext, sessions SessionLookup, refresher Refresher) *entry {
	key := Key(caller)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		e := &entry{key: key, done: make(chan struct{}), settled: true, outcome: failed(ReasonCanceled)}
		close(e.done)
		return e
	}

	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.createdAt) < c.opts.MaxAge {
			c.requests.WithLabelValues("deduplicated").Inc()
			return e
		}
		c.evictLocked(e, "stale")
	}

	c.seq++
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	e := &entry{
		id:        uuid.New().String(),
		key:       key,
		seq:       c.seq,
		createdAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.timer = time.AfterFunc(c.opts.Timeout, func() {
		c.settle(e, failed(ReasonTimeout))
	})
	c.entries[key] = e
	c.requests.WithLabelValues("started").Inc()
	c.startSweepLocked()

	if len(c.entries) > c.opts.MaxEntries {
		c.evictOldestLocked()
	}

	op := operation{
		req:       req.Clone(opCtx),
		caller:    caller,
		sessions:  sessions,
		refresher: refresher,
		logger:    log.With(c.logger, "op", e.id, "key", key),
		verbose:   c.opts.Development,
	}
	go func() {
		c.settle(e, op.run(opCtx))
	}()

	return e
}

func (c *Coordinator) settle(e *entry, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(e, o)
}

// settleLocked publishes the outcome of e exactly once and removes e from
// the registry unless a newer entry has taken its key.
func (c *Coordinator) settleLocked(e *entry, o Outcome) {
	if e.settled {
		return
	}
	e.settled = true
	e.outcome = o
	e.timer.Stop()
	e.cancel()

	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
	}
	if len(c.entries) == 0 {
		c.stopSweepLocked()
	}

	c.outcomes.WithLabelValues(string(o.Reason)).Inc()
	close(e.done)
}

func (c *Coordinator) evictLocked(e *entry, reason string) {
	c.evictions.WithLabelValues(reason).Inc()
	c.settleLocked(e, failed(ReasonEvicted))
}

// evictOldestLocked drops the older half of the registry regardless of liveness.
func (c *Coordinator) evictOldestLocked() {
	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].seq < all[j].seq
		}
		return all[i].createdAt.Before(all[j].createdAt)
	})

	n := len(all) / 2
	level.Warn(c.logger).Log("msg", "refresh registry overflow, evicting oldest entries", "size", len(all), "evicted", n)
	for _, e := range all[:n] {
		c.evictLocked(e, "overflow")
	}
}

func (c *Coordinator) startSweepLocked() {
	if c.stopSweep != nil {
		return
	}
	stop := make(chan struct{})
	c.stopSweep = stop
	c.sweepers.Add(1)
	go c.sweep(stop)
}

func (c *Coordinator) stopSweepLocked() {
	if c.stopSweep == nil {
		return
	}
	close(c.stopSweep)
	c.stopSweep = nil
}

// sweep removes stale entries until stop is closed, which happens as soon
// as the registry is empty.
func (c *Coordinator) sweep(stop <-chan struct{}) {
	defer c.sweepers.Done()

	t := time.NewTicker(c.opts.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.sweepOnce()
		}
	}
}

func (c *Coordinator) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range c.entries {
		if now.Sub(e.createdAt) >= c.opts.MaxAge {
			c.evictLocked(e, "stale")
		}
	}
}

// Len returns the number of entries in the registry.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close settles every pending entry as canceled and waits for the sweep to stop.
// Refresh calls made afterwards fail immediately.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, e := range c.entries {
		c.settleLocked(e, failed(ReasonCanceled))
	}
	c.stopSweepLocked()
	c.mu.Unlock()

	c.sweepers.Wait()
}

type operation struct {
	req       *http.Request
	caller    identity.CallerContext
	sessions  SessionLookup
	refresher Refresher
	logger    log.Logger
	verbose   bool
}

func (op operation) run(ctx context.Context) Outcome {
	if op.sessions == nil {
		level.Warn(op.logger).Log("msg", "no session store configured")
		return failed(ReasonNoSession)
	}
	tok, err := op.sessions.Lookup(op.req)
	if err != nil {
		level.Warn(op.logger).Log("msg", "session lookup failed", "err", err)
		return failed(ReasonNoSession)
	}
	if !session.HasRefreshToken(tok) {
		level.Debug(op.logger).Log("msg", "no session to refresh")
		return failed(ReasonNoSession)
	}

	h := http.Header{}
	op.caller.Apply(h)

	resp, err := op.refresher.Refresh(ctx, Request{
		Body: Body{
			DeviceID:  op.caller.DeviceID,
			UserAgent: op.caller.UserAgent,
			IPAddress: op.caller.SourceIP,
		},
		Cookies: op.req.Cookies(),
		Header:  h,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failed(ReasonTimeout)
		}
		if ctx.Err() != nil {
			return failed(ReasonCanceled)
		}
		if op.verbose {
			level.Warn(op.logger).Log("msg", "refresh request failed", "err", err)
		}
		return failed(ReasonNetwork)
	}

	if resp.StatusCode/100 != 2 || !resp.Body.IsSuccess || resp.Body.Data == nil || resp.Body.Data.AccessToken == "" {
		if op.verbose {
			level.Warn(op.logger).Log("msg", "refresh rejected", "status", resp.StatusCode, "success", resp.Body.IsSuccess)
		}
		return failed(ReasonRejected)
	}

	level.Debug(op.logger).Log("msg", "credentials refreshed")
	return Outcome{
		Success:      true,
		AccessToken:  resp.Body.Data.AccessToken,
		RefreshToken: resp.Body.Data.RefreshToken,
	}
}
