package docmirror

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Presence is the collaborative-cursor metadata carried in the transport
// join payload.
type Presence struct {
	DisplayName string `json:"displayName,omitempty"`
	CursorColor string `json:"cursorColor,omitempty"`
}

// TransportConfig is everything a dialer needs to open a realtime session
// for one document.
type TransportConfig struct {
	Endpoint       string
	DocumentID     string
	Token          string
	Presence       Presence
	OnRemoteUpdate func(update []byte)
}

// Transport is a realtime session streaming document updates to and from
// the collaboration service. Implementations live in internal/remotesync;
// the registry only needs this surface.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, update []byte) error
	Close() error
}

// TransportDialer constructs an unconnected Transport for a document.
type TransportDialer func(cfg TransportConfig) (Transport, error)

// AcquireOptions control whether and how the realtime transport is attached.
// EnableTransport is a function of auth state, online state, and the user's
// online-mode preference; the caller decides, the registry obeys.
type AcquireOptions struct {
	EnableTransport bool
	Endpoint        string
	Token           string
	Presence        Presence
}

// DocumentInstance is the shared in-memory unit for one canonical id: the
// replica, its local-durability binding, and (optionally) a realtime
// transport session. All consumers of the same document hold the same
// instance; the replica must never fork.
type DocumentInstance struct {
	id  string
	doc *Document
	reg *Registry

	refCount         int
	initialized      bool
	loadErr          error
	ready            chan struct{}
	remote           Transport
	remoteErr        error
	remoteConnecting bool
	nextRemoteSub    int
	remoteSubs       map[int]func(err error)
	unsubPersist     func()
	unsubForward     func()
}

// ID returns the canonical identifier.
func (i *DocumentInstance) ID() string { return i.id }

// Document returns the shared replica.
func (i *DocumentInstance) Document() *Document { return i.doc }

// Ready is closed once the initial local load has completed, successfully or
// not; check LoadErr afterwards.
func (i *DocumentInstance) Ready() <-chan struct{} { return i.ready }

// Initialized reports whether the initial local load has completed.
func (i *DocumentInstance) Initialized() bool {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.initialized
}

// LoadErr returns the initial-load failure, if any. Meaningful only after
// Ready.
func (i *DocumentInstance) LoadErr() error {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.loadErr
}

// HasRemote reports whether a realtime session is currently attached.
func (i *DocumentInstance) HasRemote() bool {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.remote != nil
}

// RemoteErr returns the last transport attach failure. Transport failures
// are non-fatal: the document stays editable locally.
func (i *DocumentInstance) RemoteErr() error {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.remoteErr
}

// RefCount returns the number of un-released acquisitions.
func (i *DocumentInstance) RefCount() int {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.refCount
}

// RemoteConnecting reports whether a transport attach is in flight.
func (i *DocumentInstance) RemoteConnecting() bool {
	i.reg.mu.Lock()
	defer i.reg.mu.Unlock()
	return i.remoteConnecting
}

// OnRemoteAttach registers a callback fired when a transport attach attempt
// completes, with nil on success. The returned function unsubscribes.
func (i *DocumentInstance) OnRemoteAttach(fn func(err error)) func() {
	i.reg.mu.Lock()
	if i.remoteSubs == nil {
		i.remoteSubs = map[int]func(error){}
	}
	id := i.nextRemoteSub
	i.nextRemoteSub++
	i.remoteSubs[id] = fn
	i.reg.mu.Unlock()
	return func() {
		i.reg.mu.Lock()
		delete(i.remoteSubs, id)
		i.reg.mu.Unlock()
	}
}

func (i *DocumentInstance) remoteSubsLocked() []func(error) {
	subs := make([]func(error), 0, len(i.remoteSubs))
	for _, fn := range i.remoteSubs {
		subs = append(subs, fn)
	}
	return subs
}

// Registry is the reference-counted cache of live document instances. Its
// id→instance map is the single source of truth for "is this document
// currently live"; all acquire/release traffic is serialized through it so
// two racing acquisitions can never construct two replicas for the same id.
type Registry struct {
	mu             sync.Mutex
	store          Store
	dial           TransportDialer
	logger         Logger
	connectTimeout time.Duration
	instances      map[string]*DocumentInstance
	closed         bool
}

type RegistryOptions struct {
	Store          Store
	Dialer         TransportDialer
	Logger         Logger
	ConnectTimeout time.Duration
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Registry{
		store:          opts.Store,
		dial:           opts.Dialer,
		logger:         ensureLogger(opts.Logger),
		connectTimeout: connectTimeout,
		instances:      map[string]*DocumentInstance{},
	}, nil
}

// Len reports the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Acquire returns the live instance for an identifier, constructing one on
// first acquisition. The identifier may be in external or canonical form.
// Construction returns immediately; the local load completes asynchronously
// and is signaled through Ready. Re-acquisition with transport enabled
// upgrades an existing local-only instance in place rather than forking it.
func (r *Registry) Acquire(externalID string, opts AcquireOptions) (*DocumentInstance, error) {
	id, err := Normalize(externalID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	if inst, ok := r.instances[id]; ok {
		inst.refCount++
		if opts.EnableTransport {
			r.attachTransportLocked(inst, opts)
		}
		return inst, nil
	}

	inst := &DocumentInstance{
		id:    id,
		doc:   NewDocument(),
		reg:   r,
		ready: make(chan struct{}),
	}
	inst.refCount = 1
	inst.unsubPersist = inst.doc.OnUpdate(func(_ []byte, _ bool) {
		if err := r.store.SaveSnapshot(id, inst.doc.Snapshot()); err != nil {
			r.logger.Printf("docmirror: persist snapshot for %s failed: %v", id, err)
		}
	})
	r.instances[id] = inst

	go r.loadInitial(inst)

	if opts.EnableTransport {
		r.attachTransportLocked(inst, opts)
	}
	return inst, nil
}

func (r *Registry) loadInitial(inst *DocumentInstance) {
	data, err := r.store.LoadSnapshot(inst.id)
	var loadErr error
	switch {
	case errors.Is(err, ErrNotFound):
		// New document; the empty replica is the initial state.
	case err != nil:
		loadErr = err
	default:
		loadErr = inst.doc.ApplyUpdate(data)
	}
	r.mu.Lock()
	inst.loadErr = loadErr
	inst.initialized = true
	r.mu.Unlock()
	close(inst.ready)
}

// attachTransportLocked starts an async connect when no session exists yet.
// Attach failures are recorded, not fatal: the caller keeps a locally
// working instance either way.
func (r *Registry) attachTransportLocked(inst *DocumentInstance, opts AcquireOptions) {
	if r.dial == nil || inst.remote != nil || inst.remoteConnecting {
		return
	}
	inst.remoteConnecting = true
	inst.remoteErr = nil
	cfg := TransportConfig{
		Endpoint:   opts.Endpoint,
		DocumentID: inst.id,
		Token:      opts.Token,
		Presence:   opts.Presence,
		OnRemoteUpdate: func(update []byte) {
			if err := inst.doc.ApplyUpdate(update); err != nil {
				r.logger.Printf("docmirror: apply remote update for %s failed: %v", inst.id, err)
			}
		},
	}
	go func() {
		transport, err := r.dial(cfg)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
			err = transport.Connect(ctx)
			cancel()
			if err != nil {
				_ = transport.Close()
			}
		}
		r.mu.Lock()
		inst.remoteConnecting = false
		if err != nil {
			inst.remoteErr = err
			subs := inst.remoteSubsLocked()
			r.mu.Unlock()
			r.logger.Printf("docmirror: transport attach for %s failed: %v", inst.id, err)
			for _, fn := range subs {
				fn(err)
			}
			return
		}
		if inst.refCount <= 0 {
			// Released while connecting; tear the session back down.
			r.mu.Unlock()
			_ = transport.Close()
			return
		}
		inst.remote = transport
		inst.unsubForward = inst.doc.OnUpdate(func(update []byte, local bool) {
			if !local {
				return
			}
			if err := transport.Send(context.Background(), update); err != nil {
				r.logger.Printf("docmirror: forward update for %s failed: %v", inst.id, err)
			}
		})
		subs := inst.remoteSubsLocked()
		r.mu.Unlock()
		for _, fn := range subs {
			fn(nil)
		}
	}()
}

// Release decrements the reference count for an identifier (external or
// canonical form) and tears the instance down when the count reaches zero:
// transport closed, persistence binding detached, cache entry evicted.
// Releasing more times than acquired is a no-op.
func (r *Registry) Release(externalID string) error {
	id, err := Normalize(externalID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok || inst.refCount <= 0 {
		r.mu.Unlock()
		return nil
	}
	inst.refCount--
	if inst.refCount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, id)
	remote := inst.remote
	inst.remote = nil
	unsubPersist := inst.unsubPersist
	unsubForward := inst.unsubForward
	inst.unsubPersist = nil
	inst.unsubForward = nil
	r.mu.Unlock()

	if unsubForward != nil {
		unsubForward()
	}
	if unsubPersist != nil {
		unsubPersist()
	}
	if remote != nil {
		_ = remote.Close()
	}
	return nil
}

// Close tears down every live instance. Further acquisitions fail with
// ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	instances := make([]*DocumentInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
		inst.refCount = 0
	}
	r.instances = map[string]*DocumentInstance{}
	r.mu.Unlock()

	for _, inst := range instances {
		if inst.unsubForward != nil {
			inst.unsubForward()
		}
		if inst.unsubPersist != nil {
			inst.unsubPersist()
		}
		if inst.remote != nil {
			_ = inst.remote.Close()
		}
	}
}
