package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callkit/internal/core/domain"
)

func envelope(id string, typ domain.SignalType, callID, from, to string, at time.Time) *domain.SignalEnvelope {
	return &domain.SignalEnvelope{
		ID: id, Type: typ, CallID: callID,
		FromUser: from, ToUser: to, CreatedAt: at,
		Payload: map[string]interface{}{"sdp": "v=0"},
	}
}

func TestMemoryStoreQueryOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.Append(ctx, envelope("b", domain.SignalCandidate, "call_1", "alice", "bob", base.Add(time.Second))))
	require.NoError(t, store.Append(ctx, envelope("a", domain.SignalOffer, "call_1", "alice", "bob", base)))
	require.NoError(t, store.Append(ctx, envelope("c", domain.SignalAnswer, "call_2", "bob", "alice", base)))

	got, err := store.Query(ctx, "call_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestMemoryStoreSubscribeDeliversToAddressee(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	bobCh, cancelBob, err := store.Subscribe(ctx, "call_1", "bob")
	require.NoError(t, err)
	defer cancelBob()

	carolCh, cancelCarol, err := store.Subscribe(ctx, "call_1", "carol")
	require.NoError(t, err)
	defer cancelCarol()

	require.NoError(t, store.Append(ctx, envelope("a", domain.SignalOffer, "call_1", "alice", "bob", time.Now())))

	select {
	case env := <-bobCh:
		assert.Equal(t, "a", env.ID)
	case <-time.After(time.Second):
		t.Fatal("bob never received the signal")
	}

	select {
	case env := <-carolCh:
		t.Fatalf("carol received signal %s addressed to bob", env.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreCancelClosesChannel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := store.Subscribe(ctx, "call_1", "bob")
	require.NoError(t, err)

	cancel()
	_, open := <-ch
	assert.False(t, open)

	// cancel is idempotent
	cancel()

	// appends after cancel do not panic and are still queryable
	require.NoError(t, store.Append(ctx, envelope("a", domain.SignalOffer, "call_1", "alice", "bob", time.Now())))
	got, err := store.Query(ctx, "call_1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStoreCallStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "call_1", "active"))
	assert.Equal(t, "active", store.Status("call_1"))

	require.NoError(t, store.SetStatus(ctx, "call_1", "ended"))
	assert.Equal(t, "ended", store.Status("call_1"))
}
