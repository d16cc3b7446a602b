// Package ledger provides transaction stores implementing the settlement
// ledger contract.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/meridianpay/x402/go/settle"
)

// Memory is an in-memory ledger guarded by an RWMutex. It enforces the
// transaction status state machine: transitions out of a terminal state are
// rejected.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]*settle.Transaction
	order []string
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*settle.Transaction)}
}

// Create stores a new transaction record.
func (m *Memory) Create(_ context.Context, tx *settle.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[tx.ID]; exists {
		return fmt.Errorf("transaction already exists: %s", tx.ID)
	}
	clone := *tx
	m.byID[tx.ID] = &clone
	m.order = append(m.order, tx.ID)
	return nil
}

// Get returns a copy of the transaction.
func (m *Memory) Get(_ context.Context, id string) (*settle.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("transaction not found: %s", id)
	}
	clone := *tx
	return &clone, nil
}

// UpdateStatus applies a status transition. A non-empty txHash is recorded;
// an empty txHash preserves any hash already set.
func (m *Memory) UpdateStatus(_ context.Context, id string, status settle.Status, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("transaction not found: %s", id)
	}
	if !tx.Status.CanTransition(status) {
		return fmt.Errorf("illegal status transition %s -> %s for %s", tx.Status, status, id)
	}
	tx.Status = status
	if txHash != "" {
		tx.TxHash = txHash
	}
	return nil
}

// ListByIdentifier returns transactions where the identifier is payer or
// recipient, newest first, with the total match count.
func (m *Memory) ListByIdentifier(_ context.Context, identifier string, limit, offset int) ([]*settle.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*settle.Transaction
	for i := len(m.order) - 1; i >= 0; i-- {
		tx := m.byID[m.order[i]]
		if strings.EqualFold(tx.Payer, identifier) || strings.EqualFold(tx.Recipient, identifier) {
			matched = append(matched, tx)
		}
	}
	total := len(matched)

	if offset >= total {
		return []*settle.Transaction{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	page := make([]*settle.Transaction, 0, end-offset)
	for _, tx := range matched[offset:end] {
		clone := *tx
		page = append(page, &clone)
	}
	return page, total, nil
}
