package services

import (
	"sync"

	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

// NetworkService classifies raw connectivity signals and owns the
// process-wide mode store. All mutation goes through SetMode; an
// external authority may assert a mode and lock out local
// reclassification until released.
type NetworkService struct {
	mu            sync.Mutex
	mode          domain.NetworkMode
	bandwidthKbps float64
	rttMs         float64
	everSet       bool
	forced        bool

	subs    map[int]func(domain.NetworkMode)
	nextSub int

	logger *zap.SugaredLogger
}

func NewNetworkService(logger *zap.SugaredLogger) *NetworkService {
	return &NetworkService{
		// Fail-open: without introspection data assume the best mode,
		// never offline.
		mode:   domain.ModeHigh,
		subs:   make(map[int]func(domain.NetworkMode)),
		logger: logger,
	}
}

// ClassifyMode maps bandwidth/RTT samples to the 5-level mode.
func ClassifyMode(bandwidthKbps, rttMs float64, connected bool) domain.NetworkMode {
	switch {
	case !connected:
		return domain.ModeOffline
	case bandwidthKbps <= 10 || rttMs > 2000:
		return domain.ModeUltraLow
	case bandwidthKbps <= 30 || rttMs > 1000:
		return domain.ModeLow
	case bandwidthKbps <= 500 || rttMs > 300:
		return domain.ModeNormal
	default:
		return domain.ModeHigh
	}
}

// ClassifyQuality applies the independent coarse-tier thresholds used
// for the initial preset and transport-policy choice.
func ClassifyQuality(effectiveType string, rttMs, downlinkMbps float64) domain.NetworkQuality {
	switch {
	case effectiveType == "slow-2g" || effectiveType == "2g" || rttMs > 600 || downlinkMbps < 0.7:
		return domain.QualityHostile
	case effectiveType == "3g" || rttMs > 300 || downlinkMbps < 1.5:
		return domain.QualityModerate
	default:
		return domain.QualityGood
	}
}

// ReportSample feeds a local connectivity sample through the classifier.
// Ignored while an external authority holds the mode.
func (n *NetworkService) ReportSample(bandwidthKbps, rttMs float64, connected bool) {
	n.mu.Lock()
	if n.forced {
		n.mu.Unlock()
		return
	}
	n.bandwidthKbps = bandwidthKbps
	n.rttMs = rttMs
	n.mu.Unlock()

	n.SetMode(ClassifyMode(bandwidthKbps, rttMs, connected))
}

// SetMode sets the active mode. Idempotent: subscribers are notified
// only on an actual change (the first set always counts as a change).
// Returns whether subscribers were notified.
func (n *NetworkService) SetMode(mode domain.NetworkMode) bool {
	if !mode.Valid() {
		mode = domain.ModeHigh
	}

	n.mu.Lock()
	if n.everSet && mode == n.mode {
		n.mu.Unlock()
		return false
	}
	prev := n.mode
	n.mode = mode
	n.everSet = true
	subs := make([]func(domain.NetworkMode), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	n.logger.Infow("network mode changed", "from", prev.String(), "to", mode.String())
	for _, fn := range subs {
		fn(mode)
	}
	return true
}

// ForceMode asserts a mode from an external authority, transferring
// authority away from local classification until ReleaseAuthority.
func (n *NetworkService) ForceMode(mode domain.NetworkMode, bandwidthKbps, rttMs float64) {
	n.mu.Lock()
	n.forced = true
	n.bandwidthKbps = bandwidthKbps
	n.rttMs = rttMs
	n.mu.Unlock()

	n.SetMode(mode)
}

// ReleaseAuthority returns mode control to local classification.
func (n *NetworkService) ReleaseAuthority() {
	n.mu.Lock()
	n.forced = false
	n.mu.Unlock()
}

// Mode returns the active mode.
func (n *NetworkService) Mode() domain.NetworkMode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// Info returns the active mode with the last observed link numbers.
func (n *NetworkService) Info() (domain.NetworkMode, float64, float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode, n.bandwidthKbps, n.rttMs
}

// Subscribe registers a mode-change observer and returns its cancel.
func (n *NetworkService) Subscribe(fn func(domain.NetworkMode)) func() {
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}
