package webrtc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callkit/internal/core/domain"
)

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	f := newFixture(t)
	m := NewSessionManager(f.deps)

	first, created := m.GetOrCreate("call_1", "alice", "bob", domain.RoleInitiator, testPreset())
	require.True(t, created)

	second, created := m.GetOrCreate("call_1", "alice", "bob", domain.RoleInitiator, testPreset())
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, m.Count())
}

func TestGetOrCreateSingleFlightUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	m := NewSessionManager(f.deps)

	const workers = 16
	sessions := make([]*CallSession, workers)
	var created int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, fresh := m.GetOrCreate("call_1", "alice", "bob", domain.RoleInitiator, testPreset())
			sessions[i] = s
			if fresh {
				atomic.AddInt32(&created, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created)
	assert.Equal(t, 1, m.Count())
	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
}

func TestManagerRemovesEndedSessions(t *testing.T) {
	f := newFixture(t)
	m := NewSessionManager(f.deps)

	session, _ := m.GetOrCreate("call_1", "alice", "bob", domain.RoleInitiator, testPreset())
	require.NoError(t, session.Start(context.Background()))
	require.NoError(t, session.End(context.Background()))

	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)

	// a fresh call id gets a fresh session
	replacement, created := m.GetOrCreate("call_1", "alice", "bob", domain.RoleInitiator, testPreset())
	assert.True(t, created)
	assert.NotSame(t, session, replacement)
}

func TestEndAllTearsDownEverything(t *testing.T) {
	f := newFixture(t)
	m := NewSessionManager(f.deps)

	a, _ := m.GetOrCreate("call_1", "alice", "bob", domain.RoleInitiator, testPreset())
	b, _ := m.GetOrCreate("call_2", "alice", "carol", domain.RoleInitiator, testPreset())
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	m.EndAll(context.Background())

	assert.Equal(t, 0, m.Count())
	assert.Equal(t, domain.CallEnded, a.State())
	assert.Equal(t, domain.CallEnded, b.State())
}
