package docmirror

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Document is the shared, mergeable replica the engine manages. Fields merge
// last-writer-wins with a deterministic (timestamp, origin) tie-break, so
// concurrent local edits and incoming remote updates converge regardless of
// arrival order. The engine never inspects field contents; the editing layer
// owns what goes in them.
type Document struct {
	mu      sync.RWMutex
	origin  string
	lastTS  int64
	fields  map[string]fieldEntry
	nextSub int
	subs    map[int]func(update []byte, local bool)
}

type fieldEntry struct {
	Value     []byte `msgpack:"value"`
	Timestamp int64  `msgpack:"ts"`
	Origin    string `msgpack:"origin"`
}

type docSnapshot struct {
	Fields map[string]fieldEntry `msgpack:"fields"`
}

// NewDocument creates an empty replica with a fresh origin id.
func NewDocument() *Document {
	return NewDocumentWithOrigin(uuid.NewString())
}

func NewDocumentWithOrigin(origin string) *Document {
	return &Document{
		origin: origin,
		fields: map[string]fieldEntry{},
		subs:   map[int]func([]byte, bool){},
	}
}

// Origin returns the replica id stamped on local writes.
func (d *Document) Origin() string {
	return d.origin
}

// Set writes a field locally and broadcasts the resulting update to
// subscribers. Timestamps are monotonic per replica even when the wall clock
// steps backwards.
func (d *Document) Set(key string, value []byte) {
	d.mu.Lock()
	ts := time.Now().UnixNano()
	if ts <= d.lastTS {
		ts = d.lastTS + 1
	}
	d.lastTS = ts
	entry := fieldEntry{Value: append([]byte(nil), value...), Timestamp: ts, Origin: d.origin}
	d.fields[key] = entry
	update, _ := msgpack.Marshal(docSnapshot{Fields: map[string]fieldEntry{key: entry}})
	subs := d.subscribersLocked()
	d.mu.Unlock()

	for _, fn := range subs {
		fn(update, true)
	}
}

// Get returns the current value of a field.
func (d *Document) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.fields[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.Value...), true
}

// Len reports the number of live fields.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.fields)
}

// Snapshot encodes the full replica state.
func (d *Document) Snapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, _ := msgpack.Marshal(docSnapshot{Fields: d.fields})
	return data
}

// ApplyUpdate merges an encoded update or snapshot produced by any replica of
// the same document. Merging is idempotent and commutative: a field entry
// wins when its timestamp is higher, or on equal timestamps when its origin
// sorts higher.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	var snap docSnapshot
	if err := msgpack.Unmarshal(update, &snap); err != nil {
		return err
	}
	d.mu.Lock()
	changed := map[string]fieldEntry{}
	for key, incoming := range snap.Fields {
		current, ok := d.fields[key]
		if ok && !incoming.wins(current) {
			continue
		}
		d.fields[key] = incoming
		changed[key] = incoming
		if incoming.Timestamp > d.lastTS {
			d.lastTS = incoming.Timestamp
		}
	}
	var subs []func([]byte, bool)
	var payload []byte
	if len(changed) > 0 {
		payload, _ = msgpack.Marshal(docSnapshot{Fields: changed})
		subs = d.subscribersLocked()
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(payload, false)
	}
	return nil
}

func (in fieldEntry) wins(current fieldEntry) bool {
	if in.Timestamp != current.Timestamp {
		return in.Timestamp > current.Timestamp
	}
	return in.Origin > current.Origin
}

// OnUpdate registers a callback invoked with the encoded delta after every
// effective change. local is true for edits made through Set on this replica
// and false for merged remote updates, so a transport binding can forward
// only what originated here. The returned function unsubscribes.
func (d *Document) OnUpdate(fn func(update []byte, local bool)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Document) subscribersLocked() []func([]byte, bool) {
	subs := make([]func([]byte, bool), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	return subs
}
