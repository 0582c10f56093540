package services

import (
	"time"

	"callkit/internal/core/domain"
)

// RecoveryWindow is how long the "recovered" banner outranks other
// states after a successful reconnect.
const RecoveryWindow = 3 * time.Second

// UIStateService derives the single user-facing state from everything
// else. Pure: same inputs, same output; raw errors never surface.
type UIStateService struct{}

func NewUIStateService() *UIStateService {
	return &UIStateService{}
}

// Derive applies the fixed precedence: local-network call > recent
// recovery > active degradation-in-progress > degraded audio/text
// levels > raw mode-derived state.
func (u *UIStateService) Derive(
	mode domain.NetworkMode,
	snap domain.DegradationSnapshot,
	localCall bool,
	recoveredAt time.Time,
	now time.Time,
) domain.UIState {
	if localCall {
		return domain.UIState{
			Key:      "local-network",
			Message:  "Connected via local network",
			Label:    "Local",
			Icon:     "lan",
			Color:    "#2e7d32",
			Severity: domain.SeverityInfo,
		}
	}

	if !recoveredAt.IsZero() && now.Sub(recoveredAt) < RecoveryWindow {
		return domain.UIState{
			Key:      "recovered",
			Message:  "Connection recovered",
			Label:    "Recovered",
			Icon:     "check",
			Color:    "#2e7d32",
			Severity: domain.SeverityInfo,
		}
	}

	if snap.IsDegrading {
		return domain.UIState{
			Key:      "adjusting-down",
			Message:  "Adjusting quality for your connection…",
			Label:    "Adjusting",
			Icon:     "tune",
			Color:    "#f9a825",
			Severity: domain.SeverityWarning,
		}
	}
	if snap.IsRecovering {
		return domain.UIState{
			Key:      "adjusting-up",
			Message:  "Connection improving, restoring quality…",
			Label:    "Improving",
			Icon:     "trending-up",
			Color:    "#2e7d32",
			Severity: domain.SeverityInfo,
		}
	}

	switch snap.Current {
	case domain.LevelStoreForward:
		return domain.UIState{
			Key:      "offline",
			Message:  "Waiting for network…",
			Label:    "Offline",
			Icon:     "cloud-off",
			Color:    "#c62828",
			Severity: domain.SeverityError,
		}
	case domain.LevelTextOnly:
		return domain.UIState{
			Key:      "text-only",
			Message:  "Connection too weak for calls - text only",
			Label:    "Text only",
			Icon:     "chat",
			Color:    "#c62828",
			Severity: domain.SeverityError,
		}
	case domain.LevelAudioLow:
		return domain.UIState{
			Key:      "audio-low",
			Message:  "Poor connection - audio reduced to stay connected",
			Label:    "Low audio",
			Icon:     "mic",
			Color:    "#f9a825",
			Severity: domain.SeverityWarning,
		}
	case domain.LevelAudioHD:
		return domain.UIState{
			Key:      "audio-only",
			Message:  "Video paused to protect call quality",
			Label:    "Audio",
			Icon:     "mic",
			Color:    "#f9a825",
			Severity: domain.SeverityWarning,
		}
	}

	return u.modeState(mode)
}

func (u *UIStateService) modeState(mode domain.NetworkMode) domain.UIState {
	switch mode {
	case domain.ModeOffline:
		return domain.UIState{
			Key:      "offline",
			Message:  "Waiting for network…",
			Label:    "Offline",
			Icon:     "cloud-off",
			Color:    "#c62828",
			Severity: domain.SeverityError,
		}
	case domain.ModeUltraLow, domain.ModeLow:
		return domain.UIState{
			Key:      "constrained",
			Message:  "Weak connection - audio calls only",
			Label:    "Weak signal",
			Icon:     "signal-low",
			Color:    "#f9a825",
			Severity: domain.SeverityWarning,
		}
	case domain.ModeNormal:
		return domain.UIState{
			Key:      "normal",
			Message:  "Connected - tap to enable video",
			Label:    "Connected",
			Icon:     "signal-mid",
			Color:    "#2e7d32",
			Severity: domain.SeverityInfo,
		}
	default:
		return domain.UIState{
			Key:      "good",
			Message:  "Connected",
			Label:    "Connected",
			Icon:     "signal-high",
			Color:    "#2e7d32",
			Severity: domain.SeverityInfo,
		}
	}
}
