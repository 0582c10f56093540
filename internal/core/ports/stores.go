package ports

import (
	"context"

	"callkit/internal/core/domain"
)

// SignalStore is the append-only, queryable, subscribable signaling log.
// Writes are best-effort by contract: callers log failures and rely on
// restart/renegotiation to self-heal rather than guaranteed redelivery.
type SignalStore interface {
	// Append writes one envelope to the log.
	Append(ctx context.Context, env *domain.SignalEnvelope) error
	// Query returns all persisted envelopes for a call, oldest first.
	Query(ctx context.Context, callID string) ([]*domain.SignalEnvelope, error)
	// Subscribe streams envelopes addressed to userID for callID.
	// The cancel func detaches the subscription and closes the channel.
	Subscribe(ctx context.Context, callID, userID string) (<-chan *domain.SignalEnvelope, func(), error)
}

// CallRecordStore updates the external call record. Status writes are
// best-effort: failure is logged by the caller, never fatal.
type CallRecordStore interface {
	SetStatus(ctx context.Context, callID, status string) error
}
