package docmirror

import (
	"sync"
)

// BindingStatus is the consumer-visible lifecycle state of one document
// handle.
type BindingStatus string

const (
	BindingInitializing BindingStatus = "initializing"
	BindingLocalOnly    BindingStatus = "local-only"
	BindingConnecting   BindingStatus = "connecting"
	BindingSynced       BindingStatus = "synced"
	BindingOffline      BindingStatus = "offline"
	BindingError        BindingStatus = "error"
)

// BindingOptions describe one consumer's mount of a document. The transport
// is attached iff the user is authenticated, the network is online, and the
// user's online-mode preference is on; all three are inputs, not state this
// engine owns.
type BindingOptions struct {
	Auth             AuthSource
	OnlinePreference bool
	Endpoint         string
	Presence         Presence
}

// Binding is the per-consumer wrapper around a registry acquisition. It
// normalizes the external identifier exactly once at the boundary and reuses
// the canonical form for both acquire and release, drives
// reconnect-with-backoff on acquisition failure as an explicit
// idle → waiting → attempting state machine, and guarantees the release even
// when the consumer unmounts before acquisition resolves.
type Binding struct {
	reg     *Registry
	net     *NetworkMonitor
	clock   Clock
	backoff BackoffConfig
	opts    BindingOptions

	mu         sync.Mutex
	id         string
	status     BindingStatus
	inst       *DocumentInstance
	lastErr    error
	retries    int
	retryTimer Timer
	acquiring  bool
	closed     bool
	online     bool
	unsubNet   func()
	unsubInst  func()
	nextSub    int
	statusSubs map[int]func(BindingStatus)
	notifyQ    []statusEvent
	notifying  bool
}

// statusEvent pairs one status transition with the subscribers registered at
// the time it happened.
type statusEvent struct {
	status BindingStatus
	subs   []func(BindingStatus)
}

type BindingDeps struct {
	Registry *Registry
	Network  *NetworkMonitor
	Clock    Clock
	Backoff  BackoffConfig
}

// OpenBinding mounts a document for one consumer and starts the initial
// acquisition. An unusable identifier fails synchronously; everything else
// surfaces through the status field.
func OpenBinding(deps BindingDeps, externalID string, opts BindingOptions) (*Binding, error) {
	if deps.Registry == nil {
		return nil, ErrInvalidInput
	}
	id, err := Normalize(externalID)
	if err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	b := &Binding{
		reg:        deps.Registry,
		net:        deps.Network,
		clock:      clock,
		backoff:    deps.Backoff.normalized(),
		opts:       opts,
		id:         id,
		status:     BindingInitializing,
		online:     true,
		statusSubs: map[int]func(BindingStatus){},
	}
	if deps.Network != nil {
		b.online = deps.Network.Online()
		b.unsubNet = deps.Network.Subscribe(b.handleNetwork)
	}
	b.mu.Lock()
	b.startAttemptLocked()
	b.mu.Unlock()
	return b, nil
}

// DocumentID returns the canonical identifier this binding operates on.
func (b *Binding) DocumentID() string { return b.id }

// Status returns the current lifecycle state.
func (b *Binding) Status() BindingStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Online reports the last connectivity state the binding observed.
func (b *Binding) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Err returns the last acquisition or transport error.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Document returns the shared replica once acquisition succeeded, else nil.
func (b *Binding) Document() *Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inst == nil {
		return nil
	}
	return b.inst.Document()
}

// Instance returns the underlying registry instance, or nil before
// acquisition completes.
func (b *Binding) Instance() *DocumentInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inst
}

// OnStatusChange registers a status callback and returns an unsubscribe
// function.
func (b *Binding) OnStatusChange(fn func(BindingStatus)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.statusSubs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.statusSubs, id)
		b.mu.Unlock()
	}
}

// setStatusLocked records a transition and queues the notification. A single
// drainer goroutine delivers queued events in order so rapid transitions
// reach subscribers in the sequence they happened.
func (b *Binding) setStatusLocked(status BindingStatus) {
	if b.status == status {
		return
	}
	b.status = status
	subs := make([]func(BindingStatus), 0, len(b.statusSubs))
	for _, fn := range b.statusSubs {
		subs = append(subs, fn)
	}
	b.notifyQ = append(b.notifyQ, statusEvent{status: status, subs: subs})
	if !b.notifying {
		b.notifying = true
		go b.drainNotifications()
	}
}

func (b *Binding) drainNotifications() {
	for {
		b.mu.Lock()
		if len(b.notifyQ) == 0 {
			b.notifying = false
			b.mu.Unlock()
			return
		}
		ev := b.notifyQ[0]
		b.notifyQ = b.notifyQ[1:]
		b.mu.Unlock()
		for _, fn := range ev.subs {
			fn(ev.status)
		}
	}
}

func (b *Binding) transportWanted() bool {
	if !b.opts.OnlinePreference || !b.online {
		return false
	}
	return b.opts.Auth != nil && b.opts.Auth.Authenticated()
}

func (b *Binding) acquireOptions() AcquireOptions {
	opts := AcquireOptions{
		Endpoint: b.opts.Endpoint,
		Presence: b.opts.Presence,
	}
	if b.transportWanted() {
		opts.EnableTransport = true
		opts.Token = b.opts.Auth.Token()
	}
	return opts
}

// startAttemptLocked moves the state machine to attempting and runs the
// acquisition off the caller's goroutine.
func (b *Binding) startAttemptLocked() {
	if b.closed || b.acquiring || b.inst != nil {
		return
	}
	b.acquiring = true
	go b.attempt()
}

func (b *Binding) attempt() {
	b.mu.Lock()
	if b.closed {
		b.acquiring = false
		b.mu.Unlock()
		return
	}
	opts := b.acquireOptions()
	b.mu.Unlock()

	inst, err := b.reg.Acquire(b.id, opts)
	if err != nil {
		b.onAttemptFailed(err)
		return
	}
	<-inst.Ready()

	if loadErr := inst.LoadErr(); loadErr != nil {
		_ = b.reg.Release(b.id)
		b.onAttemptFailed(loadErr)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.acquiring = false
		b.mu.Unlock()
		// The consumer unmounted before acquisition resolved; the
		// reference still must not dangle.
		_ = b.reg.Release(b.id)
		return
	}
	b.acquiring = false
	b.inst = inst
	b.retries = 0
	b.lastErr = nil
	b.unsubInst = inst.OnRemoteAttach(func(err error) { b.handleRemoteAttach(err) })
	// The transport may already have failed before the subscription above
	// existed; pick the error up from the instance directly.
	if remoteErr := inst.RemoteErr(); remoteErr != nil {
		b.lastErr = remoteErr
	}
	b.refreshStatusLocked()
	b.mu.Unlock()
}

func (b *Binding) onAttemptFailed(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquiring = false
	if b.closed {
		return
	}
	b.lastErr = err
	b.retries++
	b.setStatusLocked(BindingError)
	if b.retries >= b.backoff.CircuitThreshold {
		// Out of automatic attempts; wait for Retry() or a reconnect.
		return
	}
	delay := b.backoff.Delay(b.retries - 1)
	b.retryTimer = b.clock.AfterFunc(delay, func() {
		b.mu.Lock()
		b.retryTimer = nil
		b.startAttemptLocked()
		b.mu.Unlock()
	})
}

// refreshStatusLocked derives the consumer-visible status from connectivity
// and instance state.
func (b *Binding) refreshStatusLocked() {
	if b.inst == nil {
		return
	}
	switch {
	case !b.online:
		b.setStatusLocked(BindingOffline)
	case !b.transportWanted():
		b.setStatusLocked(BindingLocalOnly)
	case b.inst.HasRemote():
		b.setStatusLocked(BindingSynced)
	case b.inst.RemoteConnecting():
		b.setStatusLocked(BindingConnecting)
	case b.inst.RemoteErr() != nil:
		b.lastErr = b.inst.RemoteErr()
		b.setStatusLocked(BindingError)
	default:
		b.setStatusLocked(BindingConnecting)
	}
}

func (b *Binding) handleRemoteAttach(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if err != nil {
		b.lastErr = err
	}
	b.refreshStatusLocked()
}

// handleNetwork reacts to connectivity transitions. Going offline degrades
// the status and stops pretending anything is cloud-synced; coming back
// online is a fresh start: the retry counter resets and a stalled error
// state re-attempts immediately.
func (b *Binding) handleNetwork(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.online = online
	if !online {
		if b.inst != nil {
			b.setStatusLocked(BindingOffline)
		}
		return
	}
	b.retries = 0
	if b.inst == nil {
		if b.retryTimer != nil {
			b.retryTimer.Stop()
			b.retryTimer = nil
		}
		b.startAttemptLocked()
		return
	}
	if b.transportWanted() && !b.inst.HasRemote() {
		// Upgrade the shared instance's remote binding in place; the
		// paired release keeps the reference count balanced.
		if _, err := b.reg.Acquire(b.id, b.acquireOptions()); err == nil {
			_ = b.reg.Release(b.id)
		}
	}
	b.refreshStatusLocked()
}

// Retry resets the backoff counter and re-attempts immediately. It is the
// manual escape hatch for a binding stuck in the error state.
func (b *Binding) Retry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	b.retries = 0
	b.lastErr = nil
	if b.inst == nil {
		b.startAttemptLocked()
		return
	}
	if b.transportWanted() && !b.inst.HasRemote() {
		if _, err := b.reg.Acquire(b.id, b.acquireOptions()); err == nil {
			_ = b.reg.Release(b.id)
		}
	}
	b.refreshStatusLocked()
}

// Close unmounts the consumer. The registry release always happens exactly
// once with the canonical identifier: immediately when acquisition already
// resolved, otherwise as soon as the in-flight acquisition completes.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	unsubNet := b.unsubNet
	unsubInst := b.unsubInst
	b.unsubNet = nil
	b.unsubInst = nil
	hadInstance := b.inst != nil
	b.inst = nil
	b.mu.Unlock()

	if unsubNet != nil {
		unsubNet()
	}
	if unsubInst != nil {
		unsubInst()
	}
	if hadInstance {
		_ = b.reg.Release(b.id)
	}
}
