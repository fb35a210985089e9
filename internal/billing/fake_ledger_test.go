package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voicemeter/internal/models"
)

type memLedger struct {
	mu              sync.Mutex
	balances        map[string]*models.Balance
	billed          map[string]string
	commits         []CommitRequest
	commitCalls     int
	failNextCommits int
	notified        map[string]time.Time
	markCalls       int
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances: make(map[string]*models.Balance),
		billed:   make(map[string]string),
		notified: make(map[string]time.Time),
	}
}

func (m *memLedger) seed(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = &models.Balance{UserID: userID, Balance: balance}
}

func (m *memLedger) balanceOf(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return b.Balance
	}
	return 0
}

func (m *memLedger) GetOrCreateBalance(_ context.Context, userID string) (models.Balance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return *b, false, nil
	}
	b := &models.Balance{UserID: userID}
	m.balances[userID] = b
	return *b, true, nil
}

func (m *memLedger) BilledIDs(_ context.Context, userID string, candidates []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{})
	for id, owner := range m.billed {
		if owner == userID {
			ids[id] = struct{}{}
		}
	}
	for _, id := range candidates {
		if _, ok := m.billed[id]; ok {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

func (m *memLedger) CommitDeductions(_ context.Context, req CommitRequest) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls++
	if m.failNextCommits > 0 {
		m.failNextCommits--
		return models.Balance{}, NewError(KindConflict, "simulated race", nil)
	}
	for _, id := range req.ExecutionIDs {
		if _, ok := m.billed[id]; ok {
			return models.Balance{}, NewError(KindConflict, fmt.Sprintf("execution %s already billed", id), nil)
		}
	}
	b := m.balances[req.UserID]
	if b.Balance < req.Total {
		return models.Balance{}, NewError(KindConflict, "balance changed", nil)
	}
	for _, id := range req.ExecutionIDs {
		m.billed[id] = req.UserID
	}
	b.Balance -= req.Total
	m.commits = append(m.commits, req)
	return *b, nil
}

func (m *memLedger) MarkNotified(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	m.notified[userID] = at
	if b, ok := m.balances[userID]; ok {
		t := at
		b.LastNotifiedAt = &t
	}
	return nil
}
