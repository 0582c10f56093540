// Package signal carries the signaling-log adapters and the minimizer
// that keeps signaling overhead survivable on constrained networks.
package signal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

// shortKeys is the fixed bijective table applied recursively to
// payloads below the bandwidth threshold.
var shortKeys = map[string]string{
	"type":             "t",
	"call_id":          "c",
	"from_user":        "f",
	"to_user":          "u",
	"created_at":       "ts",
	"payload":          "p",
	"sdp":              "s",
	"candidate":        "cd",
	"sdpMid":           "m",
	"sdpMLineIndex":    "i",
	"usernameFragment": "uf",
	"id":               "d",
}

var longKeys = invert(shortKeys)

// escapePrefix marks payload keys that would collide with the short-key
// table, so expansion is an exact inverse for arbitrary payloads.
const escapePrefix = "~"

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// MinimizerConfig tunes the minimizer's thresholds and windows.
type MinimizerConfig struct {
	CompressBelowKbps int
	BatchQuietNormal  time.Duration
	BatchQuietLow     time.Duration
}

func DefaultMinimizerConfig() MinimizerConfig {
	return MinimizerConfig{
		CompressBelowKbps: 100,
		BatchQuietNormal:  500 * time.Millisecond,
		BatchQuietLow:     1000 * time.Millisecond,
	}
}

// Minimizer compresses, filters and rate-limits signaling.
type Minimizer struct {
	cfg    MinimizerConfig
	logger *zap.SugaredLogger

	mu              sync.Mutex
	lastRenegotiate map[string]time.Time
	onBytesSaved    func(int)
}

func NewMinimizer(cfg MinimizerConfig, logger *zap.SugaredLogger) *Minimizer {
	return &Minimizer{
		cfg:             cfg,
		logger:          logger,
		lastRenegotiate: make(map[string]time.Time),
	}
}

// OnBytesSaved registers an observer for compression savings.
func (m *Minimizer) OnBytesSaved(fn func(bytes int)) {
	m.mu.Lock()
	m.onBytesSaved = fn
	m.mu.Unlock()
}

// ShouldCompress reports whether the link is below the threshold.
func (m *Minimizer) ShouldCompress(bandwidthKbps float64) bool {
	return bandwidthKbps > 0 && bandwidthKbps < float64(m.cfg.CompressBelowKbps)
}

// CompressKeys substitutes short keys recursively through nested maps
// and slices. Keys that already look like a short key, or that carry
// the escape prefix, are escaped; everything else passes through.
func CompressKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			key := k
			if short, ok := shortKeys[k]; ok {
				key = short
			} else if _, collides := longKeys[k]; collides || strings.HasPrefix(k, escapePrefix) {
				key = escapePrefix + k
			}
			out[key] = CompressKeys(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = CompressKeys(inner)
		}
		return out
	default:
		return v
	}
}

// ExpandKeys reverses CompressKeys: escaped keys are unwrapped, known
// short keys are mapped back to their long form.
func ExpandKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			key := k
			if strings.HasPrefix(k, escapePrefix) {
				key = k[len(escapePrefix):]
			} else if long, ok := longKeys[k]; ok {
				key = long
			}
			out[key] = ExpandKeys(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = ExpandKeys(inner)
		}
		return out
	default:
		return v
	}
}

// Encode serializes an envelope for the wire, compressing keys when the
// link is below the bandwidth threshold.
func (m *Minimizer) Encode(env *domain.SignalEnvelope, bandwidthKbps float64) ([]byte, error) {
	wire := map[string]interface{}{
		"id":         env.ID,
		"type":       string(env.Type),
		"call_id":    env.CallID,
		"from_user":  env.FromUser,
		"to_user":    env.ToUser,
		"created_at": env.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":    env.Payload,
	}
	full, err := json.Marshal(wire)
	if err != nil || !m.ShouldCompress(bandwidthKbps) {
		return full, err
	}

	compressed, err := json.Marshal(CompressKeys(wire))
	if err != nil {
		return nil, err
	}
	if saved := len(full) - len(compressed); saved > 0 {
		m.mu.Lock()
		fn := m.onBytesSaved
		m.mu.Unlock()
		if fn != nil {
			fn(saved)
		}
	}
	return compressed, nil
}

// Decode parses a wire envelope, reversing compression when the short
// form is detected.
func (m *Minimizer) Decode(data []byte) (*domain.SignalEnvelope, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode signal envelope: %w", err)
	}
	if _, compressed := raw["t"]; compressed {
		raw = ExpandKeys(raw).(map[string]interface{})
	}

	env := &domain.SignalEnvelope{}
	env.ID, _ = raw["id"].(string)
	if t, ok := raw["type"].(string); ok {
		env.Type = domain.SignalType(t)
	}
	env.CallID, _ = raw["call_id"].(string)
	env.FromUser, _ = raw["from_user"].(string)
	env.ToUser, _ = raw["to_user"].(string)
	if ts, ok := raw["created_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.CreatedAt = parsed
		}
	}
	if p, ok := raw["payload"].(map[string]interface{}); ok {
		env.Payload = p
	}
	return env, nil
}

// essential a= attributes that survive pruning in any mode.
var essentialAttrs = map[string]bool{
	"rtpmap": true, "fmtp": true, "ice-ufrag": true, "ice-pwd": true,
	"ice-options": true, "fingerprint": true, "setup": true, "mid": true,
	"rtcp-mux": true, "group": true, "candidate": true, "sendrecv": true,
	"sendonly": true, "recvonly": true, "inactive": true, "ssrc": true,
	"msid": true, "rtcp": true,
}

// attributes additionally dropped only at the lowest mode.
var ultraLowDroppable = map[string]bool{
	"ssrc": true, "msid": true, "rtcp": true,
}

// PruneSDP drops non-essential attribute lines in constrained modes,
// more aggressively at the lowest one. Session, media, codec and
// security-critical lines always survive.
func (m *Minimizer) PruneSDP(sdpText string, mode domain.NetworkMode) string {
	if mode >= domain.ModeNormal {
		return sdpText
	}

	lines := strings.Split(sdpText, "\r\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(line, "a=") {
			kept = append(kept, line)
			continue
		}
		key := line[2:]
		if idx := strings.IndexByte(key, ':'); idx >= 0 {
			key = key[:idx]
		}
		if !essentialAttrs[key] {
			continue
		}
		if mode <= domain.ModeUltraLow && ultraLowDroppable[key] {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\r\n")
}

// candidateScore orders relay > srflx > prflx > host-udp > host-tcp.
func candidateScore(candidate string) int {
	c := strings.ToLower(candidate)
	switch {
	case strings.Contains(c, "typ relay"):
		return 5
	case strings.Contains(c, "typ srflx"):
		return 4
	case strings.Contains(c, "typ prflx"):
		return 3
	case strings.Contains(c, "typ host") && strings.Contains(c, " udp "):
		return 2
	case strings.Contains(c, "typ host"):
		return 1
	default:
		return 0
	}
}

// FilterCandidates retains only the highest-priority candidates in
// constrained modes: top 3 at ultra-low, top 5 at low, all otherwise.
func (m *Minimizer) FilterCandidates(candidates []webrtc.ICECandidateInit, mode domain.NetworkMode) []webrtc.ICECandidateInit {
	var limit int
	switch mode {
	case domain.ModeOffline, domain.ModeUltraLow:
		limit = 3
	case domain.ModeLow:
		limit = 5
	default:
		return candidates
	}

	sorted := make([]webrtc.ICECandidateInit, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return candidateScore(sorted[i].Candidate) > candidateScore(sorted[j].Candidate)
	})

	if len(sorted) > limit {
		m.logger.Debugw("filtered ice candidates",
			"mode", mode.String(), "kept", limit, "dropped", len(sorted)-limit)
		sorted = sorted[:limit]
	}
	return sorted
}

// BatchQuietPeriod is how long the candidate batch waits for more
// arrivals before flushing; zero means flush immediately.
func (m *Minimizer) BatchQuietPeriod(mode domain.NetworkMode) time.Duration {
	switch mode {
	case domain.ModeOffline, domain.ModeUltraLow:
		return m.cfg.BatchQuietLow
	case domain.ModeLow, domain.ModeNormal:
		return m.cfg.BatchQuietNormal
	default:
		return 0
	}
}

// renegotiationWindow is the per-mode cooldown between renegotiations.
func renegotiationWindow(mode domain.NetworkMode) (time.Duration, bool) {
	switch mode {
	case domain.ModeOffline:
		return 0, false // never
	case domain.ModeUltraLow:
		return 30 * time.Second, true
	case domain.ModeLow:
		return 15 * time.Second, true
	case domain.ModeNormal:
		return 5 * time.Second, true
	default:
		return 1 * time.Second, true
	}
}

// AllowRenegotiation rejects requests inside the per-mode cooldown
// window and records accepted ones.
func (m *Minimizer) AllowRenegotiation(callID string, mode domain.NetworkMode) bool {
	window, ever := renegotiationWindow(mode)
	if !ever {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastRenegotiate[callID]; ok && time.Since(last) < window {
		return false
	}
	m.lastRenegotiate[callID] = time.Now()
	return true
}

// ForgetCall drops per-call cooldown state on teardown.
func (m *Minimizer) ForgetCall(callID string) {
	m.mu.Lock()
	delete(m.lastRenegotiate, callID)
	m.mu.Unlock()
}
