package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex makes the duplicate check, balance validation, and
// insert one atomic step.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*Entry   // entryID -> entry
	byContract map[string][]string // contractID -> entryIDs in append order
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*Entry),
		byContract: make(map[string][]string),
	}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.EntryID]; ok {
		return ErrDuplicateEntry
	}

	var balance int64
	for _, id := range m.byContract[entry.ContractID] {
		e := m.entries[id]
		switch e.Type {
		case EntryFund:
			balance += e.Amount
		case EntryRelease, EntryRefund:
			balance -= e.Amount
		}
	}

	switch entry.Type {
	case EntryFund:
		if balance != 0 {
			return ErrAlreadyFunded
		}
	case EntryRelease, EntryRefund:
		if balance-entry.Amount < 0 {
			return ErrNotFunded
		}
	default:
		return ErrInvalidAmount
	}
	entry.ResultingBalance = balance + signedAmount(entry)

	cp := *entry
	m.entries[entry.EntryID] = &cp
	m.byContract[entry.ContractID] = append(m.byContract[entry.ContractID], entry.EntryID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByContract(ctx context.Context, contractID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byContract[contractID]
	result := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		cp := *m.entries[id]
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func signedAmount(e *Entry) int64 {
	if e.Type == EntryFund {
		return e.Amount
	}
	return -e.Amount
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
