package signal

import (
	"context"
	"sort"
	"sync"

	"callkit/internal/core/domain"
)

// MemoryStore is an in-process SignalStore used by tests and the
// LAN-only path where no relay is reachable.
type MemoryStore struct {
	mu       sync.RWMutex
	byCall   map[string][]*domain.SignalEnvelope
	subs     map[string][]*memorySub
	statuses map[string]string
}

type memorySub struct {
	userID string
	ch     chan *domain.SignalEnvelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCall:   make(map[string][]*domain.SignalEnvelope),
		subs:     make(map[string][]*memorySub),
		statuses: make(map[string]string),
	}
}

func (s *MemoryStore) Append(ctx context.Context, env *domain.SignalEnvelope) error {
	s.mu.Lock()
	s.byCall[env.CallID] = append(s.byCall[env.CallID], env)
	subs := make([]*memorySub, 0, len(s.subs[env.CallID]))
	for _, sub := range s.subs[env.CallID] {
		if sub.userID == env.ToUser {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		default:
			// slow subscriber; it will replay from Query
		}
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, callID string) ([]*domain.SignalEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.byCall[callID]
	out := make([]*domain.SignalEnvelope, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, callID, userID string) (<-chan *domain.SignalEnvelope, func(), error) {
	sub := &memorySub{userID: userID, ch: make(chan *domain.SignalEnvelope, 32)}

	s.mu.Lock()
	s.subs[callID] = append(s.subs[callID], sub)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			subs := s.subs[callID]
			for i, candidate := range subs {
				if candidate == sub {
					s.subs[callID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// SetStatus satisfies ports.CallRecordStore for the local path.
func (s *MemoryStore) SetStatus(ctx context.Context, callID, status string) error {
	s.mu.Lock()
	s.statuses[callID] = status
	s.mu.Unlock()
	return nil
}

// Status reads back a recorded call status.
func (s *MemoryStore) Status(callID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[callID]
}
