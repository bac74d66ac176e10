// Package storage provides the runechain's storage adapters: a durable
// SQLite implementation and an in-memory one for tests and ephemeral
// sessions.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
)

// MemoryAdapter keeps the chain and baselines in process memory.
type MemoryAdapter struct {
	mu       sync.RWMutex
	runes    []*runechain.Rune
	active   map[string]*runechain.ToolBaseline
	pending  map[string]*runechain.ToolBaseline
	now      func() time.Time
}

// NewMemoryAdapter creates an empty adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		active:  make(map[string]*runechain.ToolBaseline),
		pending: make(map[string]*runechain.ToolBaseline),
		now:     time.Now,
	}
}

func (m *MemoryAdapter) AppendRune(_ context.Context, r *runechain.Rune) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if want := uint64(len(m.runes)) + 1; r.Sequence != want {
		return fmt.Errorf("storage: sequence %d out of order, want %d", r.Sequence, want)
	}
	cp := *r
	m.runes = append(m.runes, &cp)
	return nil
}

func (m *MemoryAdapter) UpdateTailRune(_ context.Context, r *runechain.Rune) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runes) == 0 || r.Sequence != uint64(len(m.runes)) {
		return runechain.ErrNotTail
	}
	cp := *r
	m.runes[len(m.runes)-1] = &cp
	return nil
}

func (m *MemoryAdapter) GetRunes(_ context.Context, f runechain.Filter) ([]*runechain.Rune, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*runechain.Rune
	skipped := 0
	for i := len(m.runes) - 1; i >= 0; i-- {
		r := m.runes[i]
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.ToolName != "" && r.ToolName != f.ToolName {
			continue
		}
		if f.Decision != "" && r.Decision != f.Decision {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryAdapter) GetRuneBySequence(_ context.Context, seq uint64) (*runechain.Rune, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq == 0 || seq > uint64(len(m.runes)) {
		return nil, runechain.ErrRuneNotFound
	}
	cp := *m.runes[seq-1]
	return &cp, nil
}

func (m *MemoryAdapter) GetLastRune(_ context.Context) (*runechain.Rune, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.runes) == 0 {
		return nil, nil
	}
	cp := *m.runes[len(m.runes)-1]
	return &cp, nil
}

func (m *MemoryAdapter) RuneCount(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.runes)), nil
}

func (m *MemoryAdapter) RecentCallCount(_ context.Context, sessionID, tool string, window time.Duration) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-window)
	count := 0
	for i := len(m.runes) - 1; i >= 0; i-- {
		r := m.runes[i]
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil || ts.Before(cutoff) {
			break
		}
		if r.SessionID != sessionID {
			continue
		}
		if tool != "*" && r.ToolName != tool {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryAdapter) baselineSet(pending bool) map[string]*runechain.ToolBaseline {
	if pending {
		return m.pending
	}
	return m.active
}

func (m *MemoryAdapter) GetBaseline(_ context.Context, serverID string, pending bool) (*runechain.ToolBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselineSet(pending)[serverID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryAdapter) SetBaseline(_ context.Context, b *runechain.ToolBaseline, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	set := m.baselineSet(pending)
	if prev, ok := set[b.ServerID]; ok {
		cp.FirstSeen = prev.FirstSeen
	}
	set[b.ServerID] = &cp
	return nil
}

func (m *MemoryAdapter) ClearBaseline(_ context.Context, serverID string, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.baselineSet(pending), serverID)
	return nil
}

func (m *MemoryAdapter) ClearAllBaselines(_ context.Context, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.baselineSet(pending)
	for k := range set {
		delete(set, k)
	}
	return nil
}

func (m *MemoryAdapter) GetAllBaselines(_ context.Context, pending bool) ([]*runechain.ToolBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.baselineSet(pending)
	out := make([]*runechain.ToolBaseline, 0, len(set))
	for _, b := range set {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryAdapter) ApprovePending(_ context.Context, serverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[serverID]
	if !ok {
		return false, nil
	}
	cp := *p
	if prev, exists := m.active[serverID]; exists {
		cp.FirstSeen = prev.FirstSeen
	}
	m.active[serverID] = &cp
	delete(m.pending, serverID)
	return true, nil
}

func (m *MemoryAdapter) Close() error { return nil }
