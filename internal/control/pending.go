package control

import (
	"sync"
)

// pendingTable maps command ids to their completion callbacks. Every entry
// is removed exactly once, so each callback fires exactly once.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]func(bool)
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]func(bool))}
}

func (p *pendingTable) add(id string, cb func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id] = cb
}

func (p *pendingTable) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// resolve removes id and fires its callback with ok. It reports whether the
// id was still pending.
func (p *pendingTable) resolve(id string, ok bool) bool {
	p.mu.Lock()
	cb, found := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()

	if found {
		cb(ok)
	}
	return found
}

// failAll removes every entry and fires each callback with false.
func (p *pendingTable) failAll() int {
	p.mu.Lock()
	cbs := make([]func(bool), 0, len(p.entries))
	for _, cb := range p.entries {
		cbs = append(cbs, cb)
	}
	p.entries = make(map[string]func(bool))
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(false)
	}
	return len(cbs)
}
