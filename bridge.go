package callkit

import (
	"time"

	"callkit/internal/core/domain"
)

// Bridge is the thin surface a UI layer polls or subscribes to. It
// never exposes raw errors or transport detail, only derived state.
type Bridge struct {
	client *Client
}

func (c *Client) Bridge() *Bridge {
	return &Bridge{client: c}
}

// CurrentMode returns the active network mode.
func (b *Bridge) CurrentMode() NetworkMode {
	return b.client.network.Mode()
}

// ModeInfo returns the media policy attached to the active mode.
func (b *Bridge) ModeInfo() domain.ModeAttrs {
	return b.client.network.Mode().Attrs()
}

// SignalStrength maps the active mode to a 0-4 bar count.
func (b *Bridge) SignalStrength() int {
	return domain.SignalStrength(b.client.network.Mode())
}

// ForceMode pins the mode manually until ReleaseMode. Samples keep
// arriving but stop driving classification while the pin holds.
func (b *Bridge) ForceMode(mode NetworkMode) {
	_, bandwidth, rtt := b.client.network.Info()
	b.client.network.ForceMode(mode, bandwidth, rtt)
}

// ReleaseMode returns mode control to automatic classification.
func (b *Bridge) ReleaseMode() {
	b.client.network.ReleaseAuthority()
}

// OnModeChange registers fn for mode transitions and returns an
// unsubscribe func. fn runs on the reporting goroutine, keep it short.
func (b *Bridge) OnModeChange(fn func(NetworkMode)) func() {
	return b.client.network.Subscribe(fn)
}

// DegradationLabel is the short human label for the current ladder
// level, for debug overlays.
func (b *Bridge) DegradationLabel() string {
	return b.client.degrade.Label()
}

// UIState derives the single banner state for callID. An unknown
// callID yields the pure mode-derived state.
func (b *Bridge) UIState(callID string) UIState {
	var (
		localCall   bool
		recoveredAt time.Time
	)
	if session, ok := b.client.manager.Get(callID); ok {
		localCall = b.client.IsLocalPeer(session.PeerID())
		recoveredAt = session.RecoveredAt()
	}
	return b.client.uiStates.Derive(
		b.client.network.Mode(),
		b.client.degrade.Snapshot(),
		localCall,
		recoveredAt,
		time.Now(),
	)
}

// VideoAvailable reports whether the mode policy currently permits
// sending video, and whether enabling it needs an explicit user tap.
func (b *Bridge) VideoAvailable() (allowed, requiresTap bool) {
	attrs := b.client.network.Mode().Attrs()
	return attrs.VideoAllowed, attrs.VideoRequiresTap
}
