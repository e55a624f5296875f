package checkout

import (
	"context"
	"sync"

	"commerce-bot/internal/models"
)

// MemorySessions is an in-process SessionStore
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[int64]Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[int64]Session)}
}

func (m *MemorySessions) Load(_ context.Context, userID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (m *MemorySessions) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.UserID] = *cloneSession(*s)
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	return nil
}

func cloneSession(s Session) *Session {
	s.Items = append([]models.CartItem(nil), s.Items...)
	if s.Discount != nil {
		d := *s.Discount
		s.Discount = &d
	}
	return &s
}

// MemoryPending is an in-process PendingStore
type MemoryPending struct {
	mu      sync.Mutex
	pending map[int64]models.PendingOrder
}

func NewMemoryPending() *MemoryPending {
	return &MemoryPending{pending: make(map[int64]models.PendingOrder)}
}

func (m *MemoryPending) Save(_ context.Context, p models.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.Items = append([]models.CartItem(nil), p.Items...)
	m.pending[p.UserID] = p
	return nil
}

func (m *MemoryPending) Get(_ context.Context, userID int64) (*models.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[userID]
	if !ok {
		return nil, nil
	}
	p.Items = append([]models.CartItem(nil), p.Items...)
	return &p, nil
}

func (m *MemoryPending) DeleteIfReference(_ context.Context, userID int64, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[userID]
	if !ok || p.PaymentReference != reference {
		return false, nil
	}
	delete(m.pending, userID)
	return true, nil
}
