package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

// signalTTL bounds how long a call's signaling log lives in Redis.
const signalTTL = 24 * time.Hour

// RedisStore persists the signaling log in Redis and fans signals out
// over pub/sub. It also serves as the call record store.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisStore(client *redis.Client, logger *zap.SugaredLogger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "callkit:",
		logger: logger,
	}
}

func (r *RedisStore) logKey(callID string) string {
	return fmt.Sprintf("%ssignal:%s", r.prefix, callID)
}

func (r *RedisStore) channel(callID, userID string) string {
	return fmt.Sprintf("%scall:%s:user:%s", r.prefix, callID, userID)
}

func (r *RedisStore) statusKey(callID string) string {
	return fmt.Sprintf("%scall:%s:status", r.prefix, callID)
}

func (r *RedisStore) Append(ctx context.Context, env *domain.SignalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	key := r.logKey(env.CallID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, signalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append signal to Redis: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel(env.CallID, env.ToUser), data).Err(); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

func (r *RedisStore) Query(ctx context.Context, callID string) ([]*domain.SignalEnvelope, error) {
	raw, err := r.client.LRange(ctx, r.logKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read signal log from Redis: %w", err)
	}

	out := make([]*domain.SignalEnvelope, 0, len(raw))
	for _, item := range raw {
		var env domain.SignalEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			r.logger.Warnw("skipping malformed signal record", "call_id", callID, "error", err)
			continue
		}
		out = append(out, &env)
	}
	return out, nil
}

func (r *RedisStore) Subscribe(ctx context.Context, callID, userID string) (<-chan *domain.SignalEnvelope, func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(callID, userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to signal channel: %w", err)
	}

	out := make(chan *domain.SignalEnvelope, 32)
	done := make(chan struct{})

	go func() {
		defer close(out)
		src := pubsub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				var env domain.SignalEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warnw("dropping malformed signal message", "call_id", callID, "error", err)
					continue
				}
				select {
				case out <- &env:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

// SetStatus writes the call record status with the same TTL as the log.
func (r *RedisStore) SetStatus(ctx context.Context, callID, status string) error {
	if err := r.client.Set(ctx, r.statusKey(callID), status, signalTTL).Err(); err != nil {
		return fmt.Errorf("failed to set call status: %w", err)
	}
	return nil
}
