package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists credentials. Redeem must be an atomic check-and-set so
// that concurrent redemption attempts across processes serialize to a
// single winner; Replace must revoke the prior active credential and
// insert the new one in one step.
type Store interface {
	// Replace revokes any active credential for the order and persists
	// cred as the new active one.
	Replace(ctx context.Context, cred Credential) error
	// Latest returns the most recently issued credential for the order
	// regardless of status, or nil when none exists.
	Latest(ctx context.Context, orderID string) (*Credential, error)
	// Redeem transitions the credential ACTIVE -> USED. Returns false
	// when the credential was not active anymore.
	Redeem(ctx context.Context, id uuid.UUID) (bool, error)
	// FailAttempt records a mismatched submission and returns the
	// remaining attempt budget. At zero the credential is revoked.
	FailAttempt(ctx context.Context, id uuid.UUID) (remaining int, err error)
	// CountIssuedSince reports how many credentials were issued for the
	// order after the given instant. Feeds the issuance rate limit.
	CountIssuedSince(ctx context.Context, orderID string, since time.Time) (int, error)
}

// MemoryStore backs tests and single-process dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	byOrder map[string][]*Credential
	byID    map[uuid.UUID]*Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrder: make(map[string][]*Credential),
		byID:    make(map[uuid.UUID]*Credential),
	}
}

func (m *MemoryStore) Replace(_ context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prior := range m.byOrder[cred.OrderID] {
		if prior.Status == StatusActive {
			prior.Status = StatusRevoked
		}
	}
	c := cred
	m.byOrder[cred.OrderID] = append(m.byOrder[cred.OrderID], &c)
	m.byID[cred.ID] = &c
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, orderID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.byOrder[orderID]
	if len(history) == 0 {
		return nil, nil
	}
	out := *history[len(history)-1]
	return &out, nil
}

func (m *MemoryStore) Redeem(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byID[id]
	if !ok || cred.Status != StatusActive {
		return false, nil
	}
	cred.Status = StatusUsed
	return true, nil
}

func (m *MemoryStore) FailAttempt(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byID[id]
	if !ok || cred.Status != StatusActive {
		return 0, nil
	}
	cred.Attempts++
	remaining := cred.MaxAttempts - cred.Attempts
	if remaining <= 0 {
		cred.Status = StatusRevoked
		return 0, nil
	}
	return remaining, nil
}

func (m *MemoryStore) CountIssuedSince(_ context.Context, orderID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, cred := range m.byOrder[orderID] {
		if cred.IssuedAt.After(since) {
			n++
		}
	}
	return n, nil
}
