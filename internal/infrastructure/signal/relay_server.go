package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RelayServerConfig tunes the development signaling relay.
type RelayServerConfig struct {
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	// HistoryLimit caps retained envelopes per call; HistoryTTL expires
	// whole call logs that went quiet.
	HistoryLimit int
	HistoryTTL   time.Duration

	// Per-connection message rate limit.
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultRelayServerConfig() RelayServerConfig {
	return RelayServerConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		HistoryLimit:      200,
		HistoryTTL:        24 * time.Hour,
		MessagesPerSecond: 50,
		MessageBurst:      100,
	}
}

type relayConn struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes
}

func (c *relayConn) writeFrame(frame relayFrame, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(frame)
}

type callHistory struct {
	entries [][]byte
	touched time.Time
}

// RelayServer is the store-and-forward counterpart of WebSocketStore.
// It fans published envelopes out to call subscribers and retains a
// bounded per-call history for late joiners. Envelope bytes stay
// opaque: the relay never inspects what the minimizer produced.
type RelayServer struct {
	cfg    RelayServerConfig
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	conns     map[*relayConn]struct{}
	subs      map[string]map[*relayConn]struct{} // callID -> subscribers
	histories map[string]*callHistory
}

func NewRelayServer(cfg RelayServerConfig, logger *zap.SugaredLogger) *RelayServer {
	if cfg.ReadTimeout == 0 {
		cfg = DefaultRelayServerConfig()
	}
	return &RelayServer{
		cfg:       cfg,
		logger:    logger,
		conns:     make(map[*relayConn]struct{}),
		subs:      make(map[string]map[*relayConn]struct{}),
		histories: make(map[string]*callHistory),
	}
}

// Authenticate verifies the bearer token and returns the user id from
// its subject claim.
func (s *RelayServer) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.Authenticate(r)
	if err != nil {
		s.logger.Warnw("relay auth failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	rc := &relayConn{userID: userID, conn: conn}
	s.mu.Lock()
	s.conns[rc] = struct{}{}
	s.mu.Unlock()

	s.logger.Infow("client connected", "user_id", userID, "remote", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)

	frameChan := make(chan relayFrame, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var frame relayFrame
			if err := conn.ReadJSON(&frame); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			frameChan <- frame
		}
	}()

	for {
		select {
		case frame := <-frameChan:
			if !limiter.Allow() {
				s.logger.Warnw("rate limit exceeded, dropping frame",
					"user_id", userID, "kind", frame.Kind)
				continue
			}
			if err := s.handleFrame(rc, frame); err != nil {
				s.logger.Infow("error handling frame",
					"user_id", userID, "kind", frame.Kind, "error", err)
			}

		case <-pingTicker.C:
			rc.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			rc.mu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "user_id", userID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading frame", "user_id", userID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.conns, rc)
	for callID, subs := range s.subs {
		delete(subs, rc)
		if len(subs) == 0 {
			delete(s.subs, callID)
		}
	}
	s.mu.Unlock()

	s.logger.Infow("client disconnected", "user_id", userID)
}

func (s *RelayServer) handleFrame(rc *relayConn, frame relayFrame) error {
	if frame.CallID == "" {
		return fmt.Errorf("call_id is required")
	}

	switch frame.Kind {
	case framePublish:
		return s.handlePublish(rc, frame)
	case frameSubscribe:
		s.mu.Lock()
		if s.subs[frame.CallID] == nil {
			s.subs[frame.CallID] = make(map[*relayConn]struct{})
		}
		s.subs[frame.CallID][rc] = struct{}{}
		s.mu.Unlock()
		return nil
	case frameHistory:
		return s.handleHistory(rc, frame)
	default:
		return fmt.Errorf("unknown frame kind: %s", frame.Kind)
	}
}

func (s *RelayServer) handlePublish(rc *relayConn, frame relayFrame) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("publish frame without data")
	}

	s.mu.Lock()
	s.pruneLocked()
	hist := s.histories[frame.CallID]
	if hist == nil {
		hist = &callHistory{}
		s.histories[frame.CallID] = hist
	}
	hist.entries = append(hist.entries, frame.Data)
	if len(hist.entries) > s.cfg.HistoryLimit {
		hist.entries = hist.entries[len(hist.entries)-s.cfg.HistoryLimit:]
	}
	hist.touched = time.Now()

	targets := make([]*relayConn, 0, 2)
	for sub := range s.subs[frame.CallID] {
		if sub != rc {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	out := relayFrame{Kind: frameSignal, CallID: frame.CallID, Data: frame.Data}
	for _, target := range targets {
		if err := target.writeFrame(out, s.cfg.WriteTimeout); err != nil {
			s.logger.Warnw("failed to forward signal",
				"call_id", frame.CallID, "to_user", target.userID, "error", err)
		}
	}
	return nil
}

func (s *RelayServer) handleHistory(rc *relayConn, frame relayFrame) error {
	s.mu.RLock()
	var batch []json.RawMessage
	if hist := s.histories[frame.CallID]; hist != nil {
		batch = make([]json.RawMessage, len(hist.entries))
		for i, entry := range hist.entries {
			batch[i] = entry
		}
	}
	s.mu.RUnlock()

	return rc.writeFrame(relayFrame{
		Kind:   frameHistory,
		CallID: frame.CallID,
		ReqID:  frame.ReqID,
		Batch:  batch,
	}, s.cfg.WriteTimeout)
}

// pruneLocked drops call histories that went quiet past the TTL.
func (s *RelayServer) pruneLocked() {
	cutoff := time.Now().Add(-s.cfg.HistoryTTL)
	for callID, hist := range s.histories {
		if hist.touched.Before(cutoff) {
			delete(s.histories, callID)
		}
	}
}

// ConnectionCount returns the number of connected clients.
func (s *RelayServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *RelayServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
