package contracts

import (
	"context"
	"sort"
	"sync"

	"github.com/gigvault/gigvault/internal/pagination"
)

// MemoryStore is an in-memory contract store for demo/development mode.
// UpdateIf performs the compare-and-swap under the store mutex so it has
// the same atomicity as the conditional UPDATE in Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryStore) Create(ctx context.Context, contract *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyContract(contract)
	m.contracts[contract.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return copyContract(c), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, contract *Contract, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[contract.ID]
	if !ok {
		return ErrContractNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}

	cp := copyContract(contract)
	cp.Version = expectedVersion + 1
	m.contracts[contract.ID] = cp
	contract.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, status Status, cursor *pagination.Cursor, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if !c.PartyOf(userID) {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		result = append(result, copyContract(c))
	}

	// Newest first, ID as tiebreaker, matching the Postgres ordering.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if cursor != nil {
		filtered := result[:0]
		for _, c := range result {
			if c.CreatedAt.Before(cursor.CreatedAt) ||
				(c.CreatedAt.Equal(cursor.CreatedAt) && c.ID < cursor.ID) {
				filtered = append(filtered, c)
			}
		}
		result = filtered
	}

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListEscrowStates(ctx context.Context, limit int) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string)
	for _, c := range m.contracts {
		// Pending escrow has no ledger entries yet; nothing to compare.
		if c.EscrowStatus == EscrowNone || c.EscrowStatus == EscrowPending {
			continue
		}
		states[c.ID] = string(c.EscrowStatus)
		if len(states) >= limit {
			break
		}
	}
	return states, nil
}

func copyContract(c *Contract) *Contract {
	cp := *c
	if c.Details.Deliverables != nil {
		cp.Details.Deliverables = make([]string, len(c.Details.Deliverables))
		copy(cp.Details.Deliverables, c.Details.Deliverables)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
