package webrtc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
	"callkit/pkg/retry"
	"callkit/pkg/sched"
)

// MonitorConfig tunes sampling cadence and recovery behavior.
type MonitorConfig struct {
	SampleInterval      time.Duration
	DisconnectTolerance time.Duration
	MaxReconnects       int
	Backoff             retry.Config
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:      3 * time.Second,
		DisconnectTolerance: 10 * time.Second,
		MaxReconnects:       5,
		Backoff: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 1 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
	}
}

// MonitorHooks are the monitor's outbound edges. Restart asks the
// session for an ICE restart; Exhausted fires after the attempt budget
// is spent; Recovered fires when the connection comes back.
type MonitorHooks struct {
	Restart   func() error
	Exhausted func()
	Recovered func()
	OnQuality func(domain.ICEQuality, ports.ConnectionStats)
}

// ICEConnectionMonitor samples connection health on an interval, rides
// out short disconnections, and drives bounded recovery with backoff.
type ICEConnectionMonitor struct {
	cfg    MonitorConfig
	pc     ports.PeerConnection
	hooks  MonitorHooks
	logger *zap.SugaredLogger

	mu          sync.Mutex
	quality     domain.ICEQuality
	attempts    int
	recovering  bool
	recoveredAt time.Time
	stopped     bool

	tolerance sched.Task
	retryTask sched.Task
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewICEConnectionMonitor(cfg MonitorConfig, pc ports.PeerConnection, hooks MonitorHooks, logger *zap.SugaredLogger) *ICEConnectionMonitor {
	if cfg.SampleInterval == 0 {
		cfg = DefaultMonitorConfig()
	}
	return &ICEConnectionMonitor{
		cfg:     cfg,
		pc:      pc,
		hooks:   hooks,
		logger:  logger,
		quality: domain.ICEGood,
	}
}

// Start launches the sampling loop. Safe to call once per monitor.
func (m *ICEConnectionMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sampleLoop(ctx)
}

func (m *ICEConnectionMonitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.pc.Stats(ctx)
			if err != nil {
				continue
			}
			quality := classifyICE(stats)

			m.mu.Lock()
			changed := quality != m.quality
			m.quality = quality
			hook := m.hooks.OnQuality
			m.mu.Unlock()

			if changed {
				m.logger.Infow("connection quality changed",
					"quality", string(quality),
					"rtt_ms", stats.RTT.Milliseconds(),
					"loss_pct", stats.LossPercent)
			}
			if hook != nil {
				hook(quality, stats)
			}
		}
	}
}

// classifyICE buckets a sample into excellent, good or poor.
func classifyICE(stats ports.ConnectionStats) domain.ICEQuality {
	rttMs := float64(stats.RTT.Milliseconds())
	switch {
	case rttMs > 0 && rttMs < 100 && stats.LossPercent < 1:
		return domain.ICEExcellent
	case rttMs < 300 && stats.LossPercent < 5:
		return domain.ICEGood
	default:
		return domain.ICEPoor
	}
}

// HandleDisconnected arms the tolerance window. If the connection does
// not come back within it, recovery starts.
func (m *ICEConnectionMonitor) HandleDisconnected() {
	m.mu.Lock()
	if m.stopped || m.recovering {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warnw("ice disconnected, waiting before recovery",
		"tolerance", m.cfg.DisconnectTolerance)
	m.tolerance.Schedule(m.cfg.DisconnectTolerance, m.beginRecovery)
}

// HandleFailed starts recovery immediately, skipping the tolerance.
func (m *ICEConnectionMonitor) HandleFailed() {
	m.tolerance.Cancel()
	m.beginRecovery()
}

// HandleConnected clears pending recovery state and records the
// recovery instant when one was in flight.
func (m *ICEConnectionMonitor) HandleConnected() {
	m.tolerance.Cancel()
	m.retryTask.Cancel()

	m.mu.Lock()
	wasRecovering := m.recovering || m.attempts > 0
	m.recovering = false
	m.attempts = 0
	if wasRecovering {
		m.recoveredAt = time.Now()
	}
	hook := m.hooks.Recovered
	m.mu.Unlock()

	if wasRecovering {
		m.logger.Infow("connection recovered")
		if hook != nil {
			hook()
		}
	}
}

func (m *ICEConnectionMonitor) beginRecovery() {
	m.mu.Lock()
	if m.stopped || m.recovering {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	m.mu.Unlock()
	m.attemptRestart()
}

func (m *ICEConnectionMonitor) attemptRestart() {
	m.mu.Lock()
	if m.stopped || !m.recovering {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnects {
		m.recovering = false
		exhausted := m.hooks.Exhausted
		m.mu.Unlock()
		m.logger.Errorw("recovery attempts exhausted", "attempts", m.cfg.MaxReconnects)
		if exhausted != nil {
			exhausted()
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	restart := m.hooks.Restart
	m.mu.Unlock()

	m.logger.Infow("attempting ice restart", "attempt", attempt, "max", m.cfg.MaxReconnects)
	if restart != nil {
		if err := restart(); err != nil {
			m.logger.Warnw("ice restart failed", "attempt", attempt, "error", err)
		}
	}

	// Re-arm. A successful reconnect cancels this via HandleConnected.
	m.retryTask.Schedule(retry.Delay(m.cfg.Backoff, attempt-1), m.attemptRestart)
}

// RecoveredAt reports when the last successful recovery completed.
func (m *ICEConnectionMonitor) RecoveredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveredAt
}

// Quality returns the latest sampled quality bucket.
func (m *ICEConnectionMonitor) Quality() domain.ICEQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Attempts reports recovery attempts made since the last reconnect.
func (m *ICEConnectionMonitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Stop halts sampling and cancels pending recovery. Idempotent.
func (m *ICEConnectionMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.tolerance.Cancel()
	m.retryTask.Cancel()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
