package crdt

import (
	"bytes"
	"sort"
	"sync"
)

var nullState = []byte("null")

// Changes lists the client ids an awareness update touched.
type Changes struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All is every touched client id.
func (c Changes) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type awarenessState struct {
	clock uint64
	state []byte
}

// Awareness holds ephemeral per-client state such as cursors. It lives in
// memory only and is never persisted.
type Awareness struct {
	mu     sync.Mutex
	states map[uint64]awarenessState
	// meta keeps the clock of removed clients so stale updates stay ignored.
	meta map[uint64]uint64
}

// NewAwareness returns an empty awareness set.
func NewAwareness() *Awareness {
	return &Awareness{
		states: make(map[uint64]awarenessState),
		meta:   make(map[uint64]uint64),
	}
}

// Set stores state for client and returns the update announcing it. A nil
// or "null" state removes the client.
func (a *Awareness) Set(client uint64, state []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	clock := a.meta[client] + 1
	a.meta[client] = clock
	if isNull(state) {
		delete(a.states, client)
	} else {
		a.states[client] = awarenessState{clock: clock, state: append([]byte(nil), state...)}
	}
	return a.encodeLocked([]uint64{client})
}

// Remove drops clients and returns the update announcing the removal, or nil
// when none of them was present.
func (a *Awareness) Remove(clients ...uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed []uint64
	for _, c := range clients {
		if _, ok := a.states[c]; !ok {
			continue
		}
		delete(a.states, c)
		a.meta[c]++
		removed = append(removed, c)
	}
	if len(removed) == 0 {
		return nil
	}
	return a.encodeLocked(removed)
}

// States returns a copy of every live client state.
func (a *Awareness) States() map[uint64][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64][]byte, len(a.states))
	for c, s := range a.states {
		out[c] = append([]byte(nil), s.state...)
	}
	return out
}

// Clients lists the live client ids in order.
func (a *Awareness) Clients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.states))
	for c := range a.states {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode builds an update carrying the given clients, or every live client
// when none are named.
func (a *Awareness) Encode(clients ...uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(clients) == 0 {
		for c := range a.states {
			clients = append(clients, c)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	}
	return a.encodeLocked(clients)
}

func (a *Awareness) encodeLocked(clients []uint64) []byte {
	var enc encoder
	enc.uint(uint64(len(clients)))
	for _, c := range clients {
		enc.uint(c)
		if s, ok := a.states[c]; ok {
			enc.uint(s.clock)
			enc.bytes(s.state)
			continue
		}
		enc.uint(a.meta[c])
		enc.bytes(nullState)
	}
	return enc.Bytes()
}

// Apply merges a remote awareness update. An entry wins when its clock is
// newer, or equal and it is a removal.
func (a *Awareness) Apply(update []byte) (Changes, error) {
	dec := newDecoder(update)
	n, err := dec.uint()
	if err != nil {
		return Changes{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var changes Changes
	for i := uint64(0); i < n; i++ {
		client, err := dec.uint()
		if err != nil {
			return changes, err
		}
		clock, err := dec.uint()
		if err != nil {
			return changes, err
		}
		state, err := dec.bytes()
		if err != nil {
			return changes, err
		}

		current := a.meta[client]
		existing, present := a.states[client]
		removal := isNull(state)
		if clock < current || (clock == current && !(removal && present)) {
			continue
		}
		a.meta[client] = clock
		switch {
		case removal && present:
			delete(a.states, client)
			changes.Removed = append(changes.Removed, client)
		case removal:
		case !present:
			a.states[client] = awarenessState{clock: clock, state: state}
			changes.Added = append(changes.Added, client)
		default:
			a.states[client] = awarenessState{clock: clock, state: state}
			if !bytes.Equal(existing.state, state) || clock != existing.clock {
				changes.Updated = append(changes.Updated, client)
			}
		}
	}
	return changes, nil
}

func isNull(state []byte) bool {
	return len(state) == 0 || bytes.Equal(bytes.TrimSpace(state), nullState)
}
