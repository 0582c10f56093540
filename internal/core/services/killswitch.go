package services

import (
	"sync"

	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

// VideoTrackRegistry is the session-owned registry the kill switch
// queries. The switch never mutates the registry itself.
type VideoTrackRegistry interface {
	VideoTracks() []ports.LocalTrack
}

// VideoKillSwitch enforces the hard video policy keyed by mode:
// modes 0-2 disallow video unconditionally, mode 3 requires a one-shot
// user enable, mode 4 allows unconditionally. It is the safety net
// beneath the session and the degradation controller: whenever policy
// disallows video every registered track is forced to a
// disabled-but-not-stopped state, and released when policy allows.
type VideoKillSwitch struct {
	mu          sync.Mutex
	mode        domain.NetworkMode
	userEnabled bool
	registries  []VideoTrackRegistry
	suppressed  map[string]bool
	logger      *zap.SugaredLogger
}

func NewVideoKillSwitch(logger *zap.SugaredLogger) *VideoKillSwitch {
	return &VideoKillSwitch{
		mode:       domain.ModeHigh,
		suppressed: make(map[string]bool),
		logger:     logger,
	}
}

// AttachRegistry registers a session's video-track registry.
func (k *VideoKillSwitch) AttachRegistry(reg VideoTrackRegistry) {
	k.mu.Lock()
	k.registries = append(k.registries, reg)
	k.mu.Unlock()
	k.Enforce()
}

// DetachRegistry removes a previously attached registry.
func (k *VideoKillSwitch) DetachRegistry(reg VideoTrackRegistry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, r := range k.registries {
		if r == reg {
			k.registries = append(k.registries[:i], k.registries[i+1:]...)
			return
		}
	}
}

// SetMode updates the policy mode and re-enforces.
func (k *VideoKillSwitch) SetMode(mode domain.NetworkMode) {
	k.mu.Lock()
	k.mode = mode
	if mode != domain.ModeNormal {
		// The one-shot enable only has meaning in mode 3.
		k.userEnabled = false
	}
	k.mu.Unlock()
	k.Enforce()
}

// UserEnableVideo records the explicit user action required in mode 3.
func (k *VideoKillSwitch) UserEnableVideo() {
	k.mu.Lock()
	k.userEnabled = true
	k.mu.Unlock()
	k.Enforce()
}

// ResetUserEnable clears the one-shot enable.
func (k *VideoKillSwitch) ResetUserEnable() {
	k.mu.Lock()
	k.userEnabled = false
	k.mu.Unlock()
	k.Enforce()
}

// Allowed reports whether policy currently permits outbound video.
func (k *VideoKillSwitch) Allowed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.allowedLocked()
}

func (k *VideoKillSwitch) allowedLocked() bool {
	switch k.mode {
	case domain.ModeOffline, domain.ModeUltraLow, domain.ModeLow:
		return false
	case domain.ModeNormal:
		return k.userEnabled
	default:
		return true
	}
}

// Enforce applies the current policy to every registered video track.
// Disallowed tracks are disabled, not stopped; tracks the switch itself
// suppressed are re-enabled when policy allows again.
func (k *VideoKillSwitch) Enforce() {
	k.mu.Lock()
	allowed := k.allowedLocked()
	regs := make([]VideoTrackRegistry, len(k.registries))
	copy(regs, k.registries)
	k.mu.Unlock()

	for _, reg := range regs {
		for _, track := range reg.VideoTracks() {
			if !allowed {
				if track.Enabled() {
					track.SetEnabled(false)
					k.mu.Lock()
					k.suppressed[track.ID()] = true
					k.mu.Unlock()
					k.logger.Infow("video kill switch engaged", "track", track.ID())
				}
				continue
			}
			k.mu.Lock()
			wasSuppressed := k.suppressed[track.ID()]
			delete(k.suppressed, track.ID())
			k.mu.Unlock()
			if wasSuppressed && !track.Enabled() {
				track.SetEnabled(true)
				k.logger.Infow("video kill switch released", "track", track.ID())
			}
		}
	}
}
