package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/metrics"
)

// ClientProxy is the coordinator's handle on one connected client.
type ClientProxy interface {
	ID() string
	GetParameters(ctx context.Context) (params.Parameters, error)
	Fit(ctx context.Context, round int, global params.Parameters, cfg model.RoundConfig) (model.FitResult, error)
	Evaluate(ctx context.Context, round int, global params.Parameters, cfg model.RoundConfig) (model.EvalResult, error)
	// Reconnect tells the client the run is over.
	Reconnect(ctx context.Context) error
}

// ClientManager tracks connected clients in registration order.
type ClientManager struct {
	mu      sync.Mutex
	clients map[string]ClientProxy
	order   []string
	changed chan struct{}
}

// NewClientManager returns an empty manager.
func NewClientManager() *ClientManager {
	return &ClientManager{clients: map[string]ClientProxy{}, changed: make(chan struct{})}
}

// Register adds p. A second client with the same id is refused.
func (m *ClientManager) Register(p ClientProxy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[p.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, p.ID())
	}
	m.clients[p.ID()] = p
	m.order = append(m.order, p.ID())
	m.notify()
	return nil
}

// Unregister removes the client with id, if present.
func (m *ClientManager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return
	}
	delete(m.clients, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.notify()
}

// notify wakes waiters; m.mu must be held.
func (m *ClientManager) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
	metrics.UpdateConnectedClients(len(m.clients))
}

// Len returns the number of connected clients.
func (m *ClientManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// All returns the connected clients in registration order.
func (m *ClientManager) All() []ClientProxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientProxy, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.clients[id])
	}
	return out
}

// WaitFor blocks until at least n clients are connected or ctx is done.
func (m *ClientManager) WaitFor(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		have, changed := len(m.clients), m.changed
		m.mu.Unlock()
		if have >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: have %d, want %d: %w", ErrNotEnoughClients, have, n, ctx.Err())
		}
	}
}
