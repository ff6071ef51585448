package docmirror

import (
	"sync"
	"testing"
)

func TestNetworkMonitorDefaultsOnline(t *testing.T) {
	m := NewNetworkMonitor(NetworkMonitorOptions{})
	if !m.Online() {
		t.Fatalf("monitor should start online by default")
	}

	offline := false
	m = NewNetworkMonitor(NetworkMonitorOptions{InitialOnline: &offline})
	if m.Online() {
		t.Fatalf("explicit initial state ignored")
	}
}

func TestNetworkMonitorBroadcastsTransitions(t *testing.T) {
	m := NewNetworkMonitor(NetworkMonitorOptions{})
	var mu sync.Mutex
	var seen []bool
	unsub := m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	m.SetOnline(true) // same state, no broadcast
	m.SetOnline(false)
	m.SetOnline(false) // repeated, no broadcast
	m.SetOnline(true)

	mu.Lock()
	got := append([]bool(nil), seen...)
	mu.Unlock()
	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Fatalf("transitions = %v, want [false true]", got)
	}

	unsub()
	m.SetOnline(false)
	mu.Lock()
	after := len(seen)
	mu.Unlock()
	if after != 2 {
		t.Fatalf("unsubscribed callback still fired")
	}
}

func TestNetworkMonitorStartWithoutProbeIsNoOp(t *testing.T) {
	m := NewNetworkMonitor(NetworkMonitorOptions{})
	m.Start()
	m.Stop()
}
