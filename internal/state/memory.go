package state

import (
	"context"
	"fmt"
	"sync"
)

type memoryDirectory struct {
	mu       sync.Mutex
	sessions map[string]string // name -> owner
	hosts    map[string]string // host -> owner
}

// NewMemory returns a directory local to this process.
func NewMemory() Directory {
	return &memoryDirectory{sessions: make(map[string]string), hosts: make(map[string]string)}
}

var _ Directory = (*memoryDirectory)(nil)

func (m *memoryDirectory) ClaimSession(_ context.Context, name, owner string) error {
	return m.claim(m.sessions, name, owner, ErrNameTaken)
}

func (m *memoryDirectory) ReleaseSession(_ context.Context, name, owner string) error {
	m.release(m.sessions, name, owner)
	return nil
}

func (m *memoryDirectory) ClaimHost(_ context.Context, host, owner string) error {
	return m.claim(m.hosts, host, owner, ErrHostTaken)
}

func (m *memoryDirectory) ReleaseHost(_ context.Context, host, owner string) error {
	m.release(m.hosts, host, owner)
	return nil
}

func (m *memoryDirectory) claim(tbl map[string]string, key, owner string, taken error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := tbl[key]; ok && cur != owner {
		return fmt.Errorf("%w: %s", taken, key)
	}
	tbl[key] = owner
	return nil
}

func (m *memoryDirectory) release(tbl map[string]string, key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tbl[key] == owner {
		delete(tbl, key)
	}
}

func (m *memoryDirectory) Refresh(context.Context) error { return nil }
func (m *memoryDirectory) Close() error                  { return nil }
