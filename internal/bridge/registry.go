package bridge

import (
	"sort"
	"sync"
)

type entry struct {
	b   Bridge
	seq uint64
}

// Registry tracks the live bridges of one session by connection id. It does
// not own the connections; it only records which ids are live.
type Registry struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Add inserts b. If its id is already present the previous bridge is replaced
// and returned so the caller can treat it as already removed.
func (r *Registry) Add(b Bridge) (Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	old, ok := r.entries[b.ID()]
	r.entries[b.ID()] = entry{b: b, seq: r.seq}
	if ok {
		return old.b, true
	}
	return nil, false
}

// Remove deletes id and returns the bridge it held. Removing an unknown id is
// a no-op.
func (r *Registry) Remove(id string) (Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.b, true
}

// Get looks up a live bridge by id.
func (r *Registry) Get(id string) (Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e.b, ok
}

// Len returns the number of live bridges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the live bridges in insertion order.
func (r *Registry) Snapshot() []Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Drain empties the registry and returns what it held, in insertion order.
func (r *Registry) Drain() []Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sortedLocked()
	r.entries = make(map[string]entry)
	return out
}

func (r *Registry) sortedLocked() []Bridge {
	es := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
	out := make([]Bridge, len(es))
	for i, e := range es {
		out[i] = e.b
	}
	return out
}

// Table maps session ids to their registries. It belongs to the session
// manager; dropping a session drops its registry.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Registry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Registry)}
}

// Open returns the registry for session, creating it if needed.
func (t *Table) Open(session string) *Registry {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.sessions[session]
	if !ok {
		r = NewRegistry()
		t.sessions[session] = r
	}
	return r
}

// Get returns the registry for session if it is open.
func (t *Table) Get(session string) (*Registry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.sessions[session]
	return r, ok
}

// Close drops the session registry and returns the bridges it still held.
func (t *Table) Close(session string) []Bridge {
	t.mu.Lock()
	r, ok := t.sessions[session]
	delete(t.sessions, session)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Drain()
}

// Sessions returns the number of open sessions.
func (t *Table) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Bridges returns the number of live bridges across all sessions.
func (t *Table) Bridges() int {
	t.mu.Lock()
	regs := make([]*Registry, 0, len(t.sessions))
	for _, r := range t.sessions {
		regs = append(regs, r)
	}
	t.mu.Unlock()
	n := 0
	for _, r := range regs {
		n += r.Len()
	}
	return n
}
