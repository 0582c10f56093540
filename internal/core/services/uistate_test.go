package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"callkit/internal/core/domain"
)

func TestUIStatePrecedence(t *testing.T) {
	u := NewUIStateService()
	now := time.Now()
	hd := domain.DegradationSnapshot{Current: domain.LevelHDVideo, Target: domain.LevelHDVideo}

	// Local-network call outranks everything.
	state := u.Derive(domain.ModeOffline, domain.DegradationSnapshot{Current: domain.LevelStoreForward}, true, now, now)
	assert.Equal(t, "local-network", state.Key)

	// Recent recovery outranks degradation levels.
	state = u.Derive(domain.ModeLow, domain.DegradationSnapshot{Current: domain.LevelAudioLow}, false, now.Add(-time.Second), now)
	assert.Equal(t, "recovered", state.Key)

	// Expired recovery window falls through.
	state = u.Derive(domain.ModeHigh, hd, false, now.Add(-5*time.Second), now)
	assert.Equal(t, "good", state.Key)
}

func TestUIStateDegradationInProgress(t *testing.T) {
	u := NewUIStateService()
	now := time.Now()

	state := u.Derive(domain.ModeLow, domain.DegradationSnapshot{
		Current: domain.LevelSDVideo, Target: domain.LevelAudioLow, IsDegrading: true,
	}, false, time.Time{}, now)
	assert.Equal(t, "adjusting-down", state.Key)
	assert.Equal(t, domain.SeverityWarning, state.Severity)

	state = u.Derive(domain.ModeHigh, domain.DegradationSnapshot{
		Current: domain.LevelAudioHD, Target: domain.LevelHDVideo, IsRecovering: true,
	}, false, time.Time{}, now)
	assert.Equal(t, "adjusting-up", state.Key)
}

func TestUIStateOfflineMessage(t *testing.T) {
	u := NewUIStateService()
	now := time.Now()

	state := u.Derive(domain.ModeOffline, domain.DegradationSnapshot{Current: domain.LevelStoreForward}, false, time.Time{}, now)
	assert.Equal(t, "offline", state.Key)
	assert.Equal(t, "Waiting for network…", state.Message)
	assert.Equal(t, domain.SeverityError, state.Severity)
}

func TestUIStateModeDerived(t *testing.T) {
	u := NewUIStateService()
	now := time.Now()
	hd := domain.DegradationSnapshot{Current: domain.LevelHDVideo}

	assert.Equal(t, "constrained", u.Derive(domain.ModeUltraLow, hd, false, time.Time{}, now).Key)
	assert.Equal(t, "normal", u.Derive(domain.ModeNormal, hd, false, time.Time{}, now).Key)
	assert.Equal(t, "good", u.Derive(domain.ModeHigh, hd, false, time.Time{}, now).Key)
}

func TestSignalStrength(t *testing.T) {
	assert.Equal(t, 0, domain.SignalStrength(domain.ModeOffline))
	assert.Equal(t, 4, domain.SignalStrength(domain.ModeHigh))
	assert.Equal(t, 4, domain.SignalStrength(domain.NetworkMode(9)))
}
