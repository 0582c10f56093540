package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/pkg/sched"
)

// DegradationActions is what the controller drives when entering a
// level. Implemented by the session layer over the optimizer, the kill
// switch and the senders.
type DegradationActions interface {
	// OptimizeAudio retunes audio for the current mode.
	OptimizeAudio()
	// ClampVideo caps outbound video bitrate and framerate.
	ClampVideo(maxKbps, maxFPS int)
	// RestoreVideo lifts a previous clamp.
	RestoreVideo()
	// EngageVideoKillSwitch disables all outbound video.
	EngageVideoKillSwitch()
	// ClampAudioSurvival pins audio to the survival bitrate at high
	// priority.
	ClampAudioSurvival()
	// DisableAllMedia disables every outbound track.
	DisableAllMedia()
	// EnableMedia re-enables outbound audio (and video where policy
	// allows) during recovery.
	EnableMedia()
}

// DegradationConfig tunes the ladder's timing.
type DegradationConfig struct {
	StepInterval  time.Duration // one level per step
	RecoveryDwell time.Duration // minimum quiet time before recovering
}

func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		StepInterval:  2 * time.Second,
		RecoveryDwell: 10 * time.Second,
	}
}

// DegradationService is the six-level quality state machine. It moves
// exactly one level per step; degradation and recovery are mutually
// exclusive and starting one cancels the other.
type DegradationService struct {
	mu            sync.Mutex
	current       domain.DegradationLevel
	target        domain.DegradationLevel
	isDegrading   bool
	isRecovering  bool
	lastChange    time.Time
	fallbackCount int

	cfg     DegradationConfig
	actions DegradationActions
	step    sched.Task

	onTextFallback func()
	onOffline      func()

	logger *zap.SugaredLogger
}

func NewDegradationService(cfg DegradationConfig, actions DegradationActions, logger *zap.SugaredLogger) *DegradationService {
	return &DegradationService{
		current:    domain.LevelHDVideo,
		target:     domain.LevelHDVideo,
		cfg:        cfg,
		actions:    actions,
		lastChange: time.Now(),
		logger:     logger,
	}
}

// OnTextFallback registers the callback fired entering text-only.
func (d *DegradationService) OnTextFallback(fn func()) {
	d.mu.Lock()
	d.onTextFallback = fn
	d.mu.Unlock()
}

// OnOffline registers the callback fired entering store-and-forward.
func (d *DegradationService) OnOffline(fn func()) {
	d.mu.Lock()
	d.onOffline = fn
	d.mu.Unlock()
}

// TargetForMode is the fixed mode→level table.
func TargetForMode(mode domain.NetworkMode) domain.DegradationLevel {
	switch mode {
	case domain.ModeOffline:
		return domain.LevelStoreForward
	case domain.ModeUltraLow, domain.ModeLow:
		return domain.LevelAudioLow
	case domain.ModeNormal:
		return domain.LevelAudioHD
	default:
		return domain.LevelHDVideo
	}
}

// HandleModeChange recomputes the target and starts degradation or
// recovery toward it, cancelling any opposite in-flight process.
func (d *DegradationService) HandleModeChange(mode domain.NetworkMode) {
	target := TargetForMode(mode)

	d.mu.Lock()
	d.target = target
	switch {
	case target < d.current:
		if d.isRecovering {
			d.isRecovering = false
		}
		if !d.isDegrading {
			d.isDegrading = true
			d.fallbackCount++
			d.logger.Infow("degradation started",
				"from", d.current.String(), "to", target.String())
		}
		d.mu.Unlock()
		d.step.Schedule(d.cfg.StepInterval, d.stepDown)

	case target > d.current:
		if d.isDegrading {
			d.isDegrading = false
		}
		if !d.isRecovering {
			d.isRecovering = true
			d.logger.Infow("recovery started",
				"from", d.current.String(), "to", target.String())
		}
		wait := d.recoveryWaitLocked()
		d.mu.Unlock()
		d.step.Schedule(wait, d.stepUp)

	default:
		d.isDegrading = false
		d.isRecovering = false
		d.mu.Unlock()
		d.step.Cancel()
	}
}

// recoveryWaitLocked rate-limits recovery: no step until the dwell has
// elapsed since the last change, to avoid flapping.
func (d *DegradationService) recoveryWaitLocked() time.Duration {
	elapsed := time.Since(d.lastChange)
	if elapsed >= d.cfg.RecoveryDwell {
		return d.cfg.StepInterval
	}
	return d.cfg.RecoveryDwell - elapsed
}

func (d *DegradationService) stepDown() {
	d.mu.Lock()
	if !d.isDegrading || d.current <= d.target {
		d.isDegrading = false
		d.mu.Unlock()
		return
	}
	d.current--
	d.lastChange = time.Now()
	level := d.current
	done := d.current <= d.target
	if done {
		d.isDegrading = false
	}
	d.mu.Unlock()

	d.logger.Infow("degraded one level", "level", level.String())
	d.applyLevel(level)

	if !done {
		d.step.Schedule(d.cfg.StepInterval, d.stepDown)
	}
}

func (d *DegradationService) stepUp() {
	d.mu.Lock()
	if !d.isRecovering || d.current >= d.target {
		d.isRecovering = false
		d.mu.Unlock()
		return
	}
	if wait := d.recoveryDeficitLocked(); wait > 0 {
		d.mu.Unlock()
		d.step.Schedule(wait, d.stepUp)
		return
	}
	d.current++
	d.lastChange = time.Now()
	level := d.current
	done := d.current >= d.target
	if done {
		d.isRecovering = false
	}
	d.mu.Unlock()

	d.logger.Infow("recovered one level", "level", level.String())
	d.applyLevel(level)

	if !done {
		d.step.Schedule(d.cfg.StepInterval, d.stepUp)
	}
}

func (d *DegradationService) recoveryDeficitLocked() time.Duration {
	elapsed := time.Since(d.lastChange)
	if elapsed >= d.cfg.RecoveryDwell {
		return 0
	}
	return d.cfg.RecoveryDwell - elapsed
}

func (d *DegradationService) applyLevel(level domain.DegradationLevel) {
	d.mu.Lock()
	onText := d.onTextFallback
	onOffline := d.onOffline
	d.mu.Unlock()

	switch level {
	case domain.LevelHDVideo:
		d.actions.EnableMedia()
		d.actions.RestoreVideo()
		d.actions.OptimizeAudio()
	case domain.LevelSDVideo:
		d.actions.EnableMedia()
		d.actions.ClampVideo(500, 15)
	case domain.LevelAudioHD:
		d.actions.EnableMedia()
		d.actions.EngageVideoKillSwitch()
		d.actions.OptimizeAudio()
	case domain.LevelAudioLow:
		d.actions.EnableMedia()
		d.actions.EngageVideoKillSwitch()
		d.actions.ClampAudioSurvival()
	case domain.LevelTextOnly:
		d.actions.DisableAllMedia()
		if onText != nil {
			onText()
		}
	case domain.LevelStoreForward:
		d.actions.DisableAllMedia()
		if onOffline != nil {
			onOffline()
		}
	}
}

// ForceLevel jumps straight to a level, cancelling any in-flight
// process, and applies its action.
func (d *DegradationService) ForceLevel(level domain.DegradationLevel) {
	d.step.Cancel()
	d.mu.Lock()
	d.current = level
	d.target = level
	d.isDegrading = false
	d.isRecovering = false
	d.lastChange = time.Now()
	d.mu.Unlock()
	d.applyLevel(level)
}

// Snapshot returns the current ladder state.
func (d *DegradationService) Snapshot() domain.DegradationSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.DegradationSnapshot{
		Current:       d.current,
		Target:        d.target,
		IsDegrading:   d.isDegrading,
		IsRecovering:  d.isRecovering,
		LastChange:    d.lastChange,
		FallbackCount: d.fallbackCount,
	}
}

// Label returns the current level's display label.
func (d *DegradationService) Label() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.String()
}

// Reset cancels processes and returns the ladder to full quality
// without applying actions.
func (d *DegradationService) Reset() {
	d.step.Cancel()
	d.mu.Lock()
	d.current = domain.LevelHDVideo
	d.target = domain.LevelHDVideo
	d.isDegrading = false
	d.isRecovering = false
	d.fallbackCount = 0
	d.lastChange = time.Now()
	d.mu.Unlock()
}

// Close cancels any pending step.
func (d *DegradationService) Close() {
	d.step.Cancel()
}
