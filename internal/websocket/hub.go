package websocket

import (
	"encoding/json"
	"sync"
)

const (
	EventDeduction = "deduction"
	EventTopUp     = "topup"
)

// BalanceUpdate is pushed to every open socket of a user after the ledger changes.
type BalanceUpdate struct {
	UserID   string `json:"user_id"`
	Event    string `json:"event"`
	Amount   string `json:"amount"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// Connections returns how many sockets userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// BroadcastBalance never blocks; a client with a full buffer misses the update.
func (h *Hub) BroadcastBalance(userID string, update BalanceUpdate) {
	update.UserID = userID
	payload, _ := json.Marshal(update)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
