package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/pkg/retry"
	"callkit/pkg/utils"
)

// relayFrame is the framing between client and relay. Envelope bytes
// inside Data stay opaque to the relay so compression survives it.
type relayFrame struct {
	Kind   string            `json:"kind"`
	CallID string            `json:"call_id,omitempty"`
	ReqID  string            `json:"req_id,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
	Batch  []json.RawMessage `json:"batch,omitempty"`
}

const (
	framePublish   = "publish"
	frameSubscribe = "subscribe"
	frameSignal    = "signal"
	frameHistory   = "history"
)

// WebSocketStoreConfig configures the relay-backed store.
type WebSocketStoreConfig struct {
	URL          string
	JWTSecret    string
	TokenTTL     time.Duration
	UserID       string
	WriteTimeout time.Duration
	Retry        retry.Config
}

// WebSocketStore implements ports.SignalStore over a websocket relay.
// The connection reconnects with backoff; pending subscriptions are
// re-registered after every reconnect.
type WebSocketStore struct {
	cfg       WebSocketStoreConfig
	minimizer *Minimizer
	logger    *zap.SugaredLogger

	mu            sync.Mutex
	conn          *websocket.Conn
	subs          map[string][]*wsSub // keyed by callID
	histories     map[string]chan []json.RawMessage
	bandwidthKbps float64
	closed        bool
	done          chan struct{}
}

type wsSub struct {
	userID string
	ch     chan *domain.SignalEnvelope
}

func NewWebSocketStore(cfg WebSocketStoreConfig, minimizer *Minimizer, logger *zap.SugaredLogger) *WebSocketStore {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &WebSocketStore{
		cfg:       cfg,
		minimizer: minimizer,
		logger:    logger,
		subs:      make(map[string][]*wsSub),
		histories: make(map[string]chan []json.RawMessage),
		done:      make(chan struct{}),
	}
}

// SetBandwidth updates the link estimate used to decide compression.
func (s *WebSocketStore) SetBandwidth(kbps float64) {
	s.mu.Lock()
	s.bandwidthKbps = kbps
	s.mu.Unlock()
}

// Connect dials the relay and starts the read loop. It retries with
// backoff until the context is cancelled.
func (s *WebSocketStore) Connect(ctx context.Context) error {
	err := retry.Retry(ctx, s.cfg.Retry, func() error {
		return s.dial(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect signal relay: %w", err)
	}
	go s.readLoop(ctx)
	return nil
}

func (s *WebSocketStore) dial(ctx context.Context) error {
	token, err := s.mintToken()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	calls := make([]string, 0, len(s.subs))
	for callID := range s.subs {
		calls = append(calls, callID)
	}
	s.mu.Unlock()

	for _, callID := range calls {
		if err := s.writeFrame(relayFrame{Kind: frameSubscribe, CallID: callID}); err != nil {
			s.logger.Warnw("resubscribe after reconnect failed", "call_id", callID, "error", err)
		}
	}
	return nil
}

func (s *WebSocketStore) mintToken() (string, error) {
	claims := jwt.MapClaims{
		"sub": s.cfg.UserID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(s.cfg.TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}
	return signed, nil
}

func (s *WebSocketStore) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var frame relayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("relay connection lost", "error", err)
			}
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			if err := retry.Retry(ctx, s.cfg.Retry, func() error { return s.dial(ctx) }); err != nil {
				s.logger.Errorw("relay reconnect failed", "error", err)
				return
			}
			continue
		}

		switch frame.Kind {
		case frameSignal:
			s.dispatch(frame.Data)
		case frameHistory:
			s.mu.Lock()
			ch, ok := s.histories[frame.ReqID]
			delete(s.histories, frame.ReqID)
			s.mu.Unlock()
			if ok {
				ch <- frame.Batch
			}
		}
	}
}

func (s *WebSocketStore) dispatch(data json.RawMessage) {
	env, err := s.minimizer.Decode(data)
	if err != nil {
		s.logger.Warnw("dropping malformed signal", "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*wsSub, 0, 2)
	for _, sub := range s.subs[env.CallID] {
		if sub.userID == env.ToUser {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		default:
			s.logger.Warnw("subscriber backlog full, dropping signal",
				"call_id", env.CallID, "type", env.Type)
		}
	}
}

func (s *WebSocketStore) writeFrame(frame relayFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *WebSocketStore) Append(ctx context.Context, env *domain.SignalEnvelope) error {
	s.mu.Lock()
	bandwidth := s.bandwidthKbps
	s.mu.Unlock()

	data, err := s.minimizer.Encode(env, bandwidth)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.writeFrame(relayFrame{Kind: framePublish, CallID: env.CallID, Data: data})
}

func (s *WebSocketStore) Query(ctx context.Context, callID string) ([]*domain.SignalEnvelope, error) {
	reqID := utils.GenerateSignalID()
	ch := make(chan []json.RawMessage, 1)

	s.mu.Lock()
	s.histories[reqID] = ch
	s.mu.Unlock()

	if err := s.writeFrame(relayFrame{Kind: frameHistory, CallID: callID, ReqID: reqID}); err != nil {
		s.mu.Lock()
		delete(s.histories, reqID)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case batch := <-ch:
		out := make([]*domain.SignalEnvelope, 0, len(batch))
		for _, raw := range batch {
			env, err := s.minimizer.Decode(raw)
			if err != nil {
				s.logger.Warnw("skipping malformed history entry", "call_id", callID, "error", err)
				continue
			}
			out = append(out, env)
		}
		return out, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.histories, reqID)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *WebSocketStore) Subscribe(ctx context.Context, callID, userID string) (<-chan *domain.SignalEnvelope, func(), error) {
	sub := &wsSub{userID: userID, ch: make(chan *domain.SignalEnvelope, 32)}

	s.mu.Lock()
	first := len(s.subs[callID]) == 0
	s.subs[callID] = append(s.subs[callID], sub)
	s.mu.Unlock()

	if first {
		if err := s.writeFrame(relayFrame{Kind: frameSubscribe, CallID: callID}); err != nil {
			s.logger.Warnw("subscribe frame failed, will retry on reconnect",
				"call_id", callID, "error", err)
		}
	}

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
			if len(s.subs[callID]) == 0 {
				delete(s.subs, callID)
			}
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

func (s *WebSocketStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down the relay connection and all subscriptions.
func (s *WebSocketStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
