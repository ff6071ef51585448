package docmirror

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ProbeFunc reports whether the remote service is reachable right now.
type ProbeFunc func(ctx context.Context) bool

// NetworkMonitor tracks connectivity and broadcasts transitions to
// subscribers. Transitions come either from an optional background probe or
// from the host application calling SetOnline (the desktop shell knows about
// OS-level connectivity changes before any probe does).
type NetworkMonitor struct {
	mu      sync.Mutex
	online  bool
	nextSub int
	subs    map[int]func(online bool)

	probe    ProbeFunc
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

type NetworkMonitorOptions struct {
	// InitialOnline is the state before the first probe. Defaults to online:
	// assuming offline at startup would needlessly queue the first uploads.
	InitialOnline *bool
	Probe         ProbeFunc
	ProbeInterval time.Duration
}

func NewNetworkMonitor(opts NetworkMonitorOptions) *NetworkMonitor {
	online := true
	if opts.InitialOnline != nil {
		online = *opts.InitialOnline
	}
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &NetworkMonitor{
		online:   online,
		subs:     map[int]func(bool){},
		probe:    opts.Probe,
		interval: interval,
	}
}

// HTTPProbe builds a ProbeFunc that issues a HEAD request against the given
// endpoint. Any response at all counts as online; only transport-level
// failures count as offline.
func HTTPProbe(endpoint string, timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

// Online reports the last observed connectivity state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition and notifies subscribers.
// Setting the current state again is a no-op.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a transition callback and returns an unsubscribe
// function. The callback fires only on changes, never with the current state.
func (m *NetworkMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start launches the background probe loop. It is a no-op when no probe was
// configured.
func (m *NetworkMonitor) Start() {
	m.mu.Lock()
	if m.probe == nil || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	probe := m.probe
	interval := m.interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetOnline(probe(ctx))
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
