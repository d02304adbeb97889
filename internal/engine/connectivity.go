package engine

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Transition is a committed change of connectivity.
type Transition struct {
	Online bool
	At     time.Time
}

// Prober reports whether the remote is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// TCPProber dials Addr and reports success.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe dials the address once.
func (p TCPProber) Probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HTTPProber issues a HEAD request to URL. Any response below 500 counts as
// reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe sends one HEAD request.
func (p HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// Initial is the state before any observation.
	Initial bool

	// Debounce is how long a changed observation must hold before it is
	// committed. Zero commits on the first Tick after the change.
	Debounce time.Duration

	// Prober and Interval drive Run. Without a Prober, Run only waits.
	Prober   Prober
	Interval time.Duration

	// Now defaults to SystemTime.
	Now TimeSource
}

// Monitor tracks connectivity and publishes debounced transitions.
//
// Raw observations go through Observe; Tick commits an observation that
// has been stable for Debounce. A drop and recovery between two ticks
// cancel out and publish nothing. Each committed transition is published
// once to every subscriber.
//
// Thread-safety: Monitor is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	candidate *bool
	since     time.Time
	opts      MonitorOptions

	subs   map[int]chan Transition
	nextID int
}

// NewMonitor creates a monitor in opts.Initial state.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Now == nil {
		opts.Now = SystemTime{}
	}
	return &Monitor{
		online: opts.Initial,
		opts:   opts,
		subs:   make(map[int]chan Transition),
	}
}

// IsOnline returns the last committed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of committed transitions and a cancel
// function that closes it. Transitions are dropped for a subscriber whose
// buffer is full.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 8)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Observe records a raw reachability observation made at at.
func (m *Monitor) Observe(online bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		m.candidate = nil
		return
	}
	if m.candidate == nil || *m.candidate != online {
		v := online
		m.candidate = &v
		m.since = at
	}
}

// Tick commits a pending observation that has held for Debounce at now.
// Returns true if a transition was published.
func (m *Monitor) Tick(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.candidate == nil || now.Sub(m.since) < m.opts.Debounce {
		return false
	}
	m.online = *m.candidate
	m.candidate = nil

	t := Transition{Online: m.online, At: now}
	slog.Info("connectivity changed", "online", t.Online)
	for id, ch := range m.subs {
		select {
		case ch <- t:
		default:
			slog.Warn("connectivity subscriber is not draining; transition dropped", "subscriber", id)
		}
	}
	return true
}

// Report records an observation pushed by the platform (e.g. a network
// change callback) and ticks immediately.
func (m *Monitor) Report(online bool) bool {
	now := m.opts.Now.Now()
	m.Observe(online, now)
	return m.Tick(now)
}

// Run polls the Prober every Interval until ctx is cancelled. Without a
// Prober it only ticks, so observations pushed through Report commit once
// Debounce has passed.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.opts.Interval
	if m.opts.Prober == nil {
		interval = m.opts.Debounce
	}
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	if m.opts.Prober == nil {
		m.Tick(m.opts.Now.Now())
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Interval)
	online := m.opts.Prober.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	now := m.opts.Now.Now()
	m.Observe(online, now)
	m.Tick(now)
}
