package dedupe

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

var _ Index = (*MemoryDedupe)(nil)

// MemoryDedupe for a single process; keys never expire
type MemoryDedupe struct {
	log   *zap.SugaredLogger
	mu    sync.Mutex
	items map[string]struct{}
}

func NewInMemoryDedupe(log *zap.SugaredLogger) *MemoryDedupe {
	return &MemoryDedupe{
		log:   log,
		items: make(map[string]struct{}, 1024),
	}
}

func (m *MemoryDedupe) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; ok {
		return true, nil
	}
	m.items[id] = struct{}{}

	return false, nil
}

func (m *MemoryDedupe) Reset(_ context.Context) error {
	m.mu.Lock()
	n := len(m.items)
	m.items = make(map[string]struct{}, 1024)
	m.mu.Unlock()

	m.log.Debugf("Dedupe index reset, dropped=%d", n)
	return nil
}

func (m *MemoryDedupe) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
