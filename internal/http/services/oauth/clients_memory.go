package oauth

import (
	"context"
	"errors"
	"sync"
)

// ErrClientNotFound lo devuelve el ClientStore cuando el client_id no existe.
var ErrClientNotFound = errors.New("client not found")

// MemoryClientStore es un ClientStore en memoria. El registro real de
// clientes es un sistema externo; esto cubre dev, tests y despliegues
// chicos sembrados desde config.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewMemoryClientStore(clients ...*Client) *MemoryClientStore {
	s := &MemoryClientStore{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	return s
}

func (s *MemoryClientStore) Put(c *Client) {
	s.mu.Lock()
	s.clients[c.ClientID] = c
	s.mu.Unlock()
}

func (s *MemoryClientStore) Resolve(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}
