// Package crdt implements the shared document actor: a last-writer-wins map
// CRDT, its binary sync and awareness protocol, and the storage log that
// persists updates with periodic compaction.
package crdt

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// Entry is one register of the map. Deleted entries are kept as tombstones
// so that a removal wins over older writes.
type Entry struct {
	Client  uint64
	Clock   uint64
	Key     string
	Value   []byte
	Deleted bool
}

// newer reports whether e wins over other. Ties on clock are broken by the
// higher client id.
func (e Entry) newer(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Client > other.Client
}

// Doc is a state based last-writer-wins map. Merging is commutative,
// associative and idempotent, so peers converge whatever order updates
// arrive in.
type Doc struct {
	mu      sync.RWMutex
	client  uint64
	clock   uint64
	entries map[string]Entry
	// state is the highest clock seen per client.
	state map[uint64]uint64
}

// NewDoc returns an empty document with a random client id.
func NewDoc() *Doc {
	return NewDocWithClient(rand.Uint64() >> 11)
}

// NewDocWithClient returns an empty document that writes as client.
func NewDocWithClient(client uint64) *Doc {
	return &Doc{
		client:  client,
		entries: make(map[string]Entry),
		state:   make(map[uint64]uint64),
	}
}

// ClientID is the id local writes are stamped with.
func (d *Doc) ClientID() uint64 { return d.client }

// Get returns the live value for key.
func (d *Doc) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Keys lists live keys in order.
func (d *Doc) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of live keys.
func (d *Doc) Len() int {
	return len(d.Keys())
}

// Set writes key locally and returns the update to ship to peers.
func (d *Doc) Set(key string, value []byte) []byte {
	return d.write(key, append([]byte(nil), value...), false)
}

// Delete removes key locally and returns the update to ship to peers.
func (d *Doc) Delete(key string) []byte {
	return d.write(key, nil, true)
}

func (d *Doc) write(key string, value []byte, deleted bool) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock++
	e := Entry{Client: d.client, Clock: d.clock, Key: key, Value: value, Deleted: deleted}
	d.entries[key] = e
	d.observeLocked(e.Client, e.Clock)
	return encodeUpdate(map[uint64]uint64{e.Client: e.Clock}, []Entry{e})
}

func (d *Doc) observeLocked(client, clock uint64) bool {
	advanced := false
	if clock > d.state[client] {
		d.state[client] = clock
		advanced = true
	}
	if clock > d.clock {
		d.clock = clock
	}
	return advanced
}

// ApplyUpdate merges update and returns the part of it that changed this
// document, or nil when it changed nothing.
func (d *Doc) ApplyUpdate(update []byte) ([]byte, error) {
	sv, entries, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	changedState := make(map[uint64]uint64)
	for client, clock := range sv {
		if d.observeLocked(client, clock) {
			changedState[client] = clock
		}
	}
	var changed []Entry
	for _, e := range entries {
		if d.observeLocked(e.Client, e.Clock) {
			changedState[e.Client] = d.state[e.Client]
		}
		current, ok := d.entries[e.Key]
		if ok && !e.newer(current) {
			continue
		}
		d.entries[e.Key] = e
		changed = append(changed, e)
	}
	if len(changed) == 0 && len(changedState) == 0 {
		return nil, nil
	}
	return encodeUpdate(changedState, changed), nil
}

// StateVector encodes the highest clock seen per client.
func (d *Doc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var enc encoder
	writeState(&enc, d.state)
	return enc.Bytes()
}

// EncodeStateAsUpdate encodes the whole document.
func (d *Doc) EncodeStateAsUpdate() []byte {
	out, _ := d.EncodeDiff(nil)
	return out
}

// EncodeDiff encodes what a peer holding the state vector sv is missing.
// A nil sv yields the full state.
func (d *Doc) EncodeDiff(sv []byte) ([]byte, error) {
	remote := map[uint64]uint64{}
	if len(sv) > 0 {
		dec := newDecoder(sv)
		var err error
		if remote, err = readState(dec); err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var missing []Entry
	for _, e := range d.entries {
		if e.Clock > remote[e.Client] {
			missing = append(missing, e)
		}
	}
	state := make(map[uint64]uint64, len(d.state))
	for client, clock := range d.state {
		if clock > remote[client] {
			state[client] = clock
		}
	}
	return encodeUpdate(state, missing), nil
}

// Snapshot returns the live key/value pairs.
func (d *Doc) Snapshot() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]byte, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			out[k] = append([]byte(nil), e.Value...)
		}
	}
	return out
}

const flagDeleted = 1

// encodeUpdate writes a state vector followed by entries, both sorted so the
// encoding of a given state is deterministic.
func encodeUpdate(state map[uint64]uint64, entries []Entry) []byte {
	var enc encoder
	writeState(&enc, state)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	enc.uint(uint64(len(entries)))
	for _, e := range entries {
		enc.uint(e.Client)
		enc.uint(e.Clock)
		enc.string(e.Key)
		var flags uint64
		if e.Deleted {
			flags |= flagDeleted
		}
		enc.uint(flags)
		enc.bytes(e.Value)
	}
	return enc.Bytes()
}

func decodeUpdate(update []byte) (map[uint64]uint64, []Entry, error) {
	dec := newDecoder(update)
	state, err := readState(dec)
	if err != nil {
		return nil, nil, err
	}
	n, err := dec.uint()
	if err != nil {
		return nil, nil, err
	}
	entries := make([]Entry, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		var e Entry
		if e.Client, err = dec.uint(); err != nil {
			return nil, nil, err
		}
		if e.Clock, err = dec.uint(); err != nil {
			return nil, nil, err
		}
		if e.Key, err = dec.string(); err != nil {
			return nil, nil, err
		}
		flags, err := dec.uint()
		if err != nil {
			return nil, nil, err
		}
		e.Deleted = flags&flagDeleted != 0
		if e.Value, err = dec.bytes(); err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	if !dec.done() {
		return nil, nil, ErrMalformed
	}
	return state, entries, nil
}

func writeState(enc *encoder, state map[uint64]uint64) {
	clients := make([]uint64, 0, len(state))
	for c := range state {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	enc.uint(uint64(len(clients)))
	for _, c := range clients {
		enc.uint(c)
		enc.uint(state[c])
	}
}

func readState(dec *decoder) (map[uint64]uint64, error) {
	n, err := dec.uint()
	if err != nil {
		return nil, err
	}
	state := make(map[uint64]uint64, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		client, err := dec.uint()
		if err != nil {
			return nil, err
		}
		clock, err := dec.uint()
		if err != nil {
			return nil, err
		}
		state[client] = clock
	}
	return state, nil
}

// MergeUpdates folds several updates into one.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewDocWithClient(0)
	for _, u := range updates {
		if _, err := doc.ApplyUpdate(u); err != nil {
			return nil, err
		}
	}
	return doc.EncodeStateAsUpdate(), nil
}
