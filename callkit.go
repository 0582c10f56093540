// Package callkit is the embedding surface for the adaptive call
// stack: network classification, preset selection, call sessions with
// graceful degradation, LAN discovery and UI state derivation.
package callkit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
	"callkit/internal/core/services"
	"callkit/internal/infrastructure/discovery"
	"callkit/internal/infrastructure/monitoring"
	"callkit/internal/infrastructure/signal"
	callwebrtc "callkit/internal/infrastructure/webrtc"
	"callkit/pkg/config"
	"callkit/pkg/logger"
	"callkit/pkg/retry"
)

// Re-exported domain types so embedders never import internal packages.
type (
	NetworkMode    = domain.NetworkMode
	NetworkQuality = domain.NetworkQuality
	CallState      = domain.CallState
	CallRole       = domain.CallRole
	CallPreset     = domain.CallPreset
	UIState        = domain.UIState
	LocalPeer      = domain.LocalPeer
	Session        = callwebrtc.CallSession
)

const (
	ModeOffline  = domain.ModeOffline
	ModeUltraLow = domain.ModeUltraLow
	ModeLow      = domain.ModeLow
	ModeNormal   = domain.ModeNormal
	ModeHigh     = domain.ModeHigh
)

// Options configures a Client. Devices is the only required
// collaborator; everything else has a working default.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	UserID  string
	Name    string
	Devices ports.MediaDevices

	// Signals overrides the store chosen from config (redis when
	// enabled, relay websocket when a URL is set, in-memory otherwise).
	Signals ports.SignalStore
	// Records receives best-effort call status writes.
	Records ports.CallRecordStore
	// Factory overrides the pion connection factory, for tests.
	Factory ports.ConnectionFactory
	// Metrics enables prometheus reporting when non-nil.
	Metrics *monitoring.PrometheusCollector
}

// Client owns the full stack for one local user.
type Client struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	userID string

	network    *services.NetworkService
	presets    *services.PresetService
	audio      *services.AudioOptimizer
	kill       *services.VideoKillSwitch
	degrade    *services.DegradationService
	uiStates   *services.UIStateService
	minimizer  *signal.Minimizer
	signals    ports.SignalStore
	wsStore    *signal.WebSocketStore
	manager    *callwebrtc.SessionManager
	discovery  *discovery.LANDiscovery
	metrics    *monitoring.PrometheusCollector
	fallbacks  int
	unsubMode  func()
	lastSample struct {
		effectiveType string
		rttMs         float64
		downlinkMbps  float64
	}
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	base := opts.Logger
	if base == nil {
		base = logger.New(cfg.Logging.Level)
	}
	log := base.Sugar()

	c := &Client{
		cfg:      cfg,
		logger:   log,
		userID:   opts.UserID,
		network:  services.NewNetworkService(log),
		audio:    services.NewAudioOptimizer(log),
		kill:     services.NewVideoKillSwitch(log),
		uiStates: services.NewUIStateService(),
		metrics:  opts.Metrics,
	}

	iceServers := make([]domain.ICEServer, 0, len(cfg.Calls.ICEServers))
	for _, server := range cfg.Calls.ICEServers {
		iceServers = append(iceServers, domain.ICEServer{
			URLs: server.URLs, Username: server.Username, Credential: server.Credential,
		})
	}
	c.presets = services.NewPresetService(iceServers, log)

	c.minimizer = signal.NewMinimizer(signal.MinimizerConfig{
		CompressBelowKbps: cfg.Signaling.CompressBelowKbps,
		BatchQuietNormal:  cfg.Signaling.BatchQuietNormal,
		BatchQuietLow:     cfg.Signaling.BatchQuietLow,
	}, log)
	if c.metrics != nil {
		c.minimizer.OnBytesSaved(c.metrics.RecordSignalBytesSaved)
	}

	c.signals = opts.Signals
	if c.signals == nil {
		switch {
		case cfg.Redis.Enabled:
			client := redis.NewClient(&redis.Options{
				Addr: cfg.Redis.Address, Password: cfg.Redis.Password,
				DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize,
			})
			c.signals = signal.NewRedisStore(client, log)
		case cfg.Signaling.RelayURL != "":
			c.wsStore = signal.NewWebSocketStore(signal.WebSocketStoreConfig{
				URL:       cfg.Signaling.RelayURL,
				JWTSecret: cfg.Signaling.JWTSecret,
				TokenTTL:  cfg.Signaling.TokenTTL,
				UserID:    opts.UserID,
			}, c.minimizer, log)
			c.signals = c.wsStore
		default:
			c.signals = signal.NewMemoryStore()
		}
	}

	factory := opts.Factory
	if factory == nil {
		factory = callwebrtc.NewFactory(log)
	}

	var sessionMetrics callwebrtc.SessionMetrics
	if c.metrics != nil {
		sessionMetrics = c.metrics
	}
	c.manager = callwebrtc.NewSessionManager(callwebrtc.SessionDeps{
		Factory:    factory,
		Devices:    opts.Devices,
		Signals:    c.signals,
		Records:    opts.Records,
		Minimizer:  c.minimizer,
		Audio:      c.audio,
		Presets:    c.presets,
		KillSwitch: c.kill,
		Network:    c.network,
		Metrics:    sessionMetrics,
		Logger:     log,
		Config: callwebrtc.SessionConfig{
			SetupTimeout:   cfg.Calls.SetupTimeout,
			SetupExtension: cfg.Calls.SetupExtension,
			AnsweredGrace:  cfg.Calls.AnsweredGrace,
		},
		Monitor: callwebrtc.MonitorConfig{
			SampleInterval:      cfg.Monitor.SampleInterval,
			DisconnectTolerance: cfg.Monitor.DisconnectTolerance,
			MaxReconnects:       cfg.Monitor.MaxReconnects,
			Backoff: retryConfig(cfg.Monitor.BackoffInitial, cfg.Monitor.BackoffMax,
				cfg.Monitor.MaxReconnects),
		},
	})

	c.degrade = services.NewDegradationService(services.DegradationConfig{
		StepInterval:  cfg.Degradation.StepInterval,
		RecoveryDwell: cfg.Degradation.RecoveryDwell,
	}, &clientActions{c}, log)

	if cfg.Discovery.Enabled {
		c.discovery = discovery.NewLANDiscovery(discovery.Config{
			Port:             cfg.Discovery.Port,
			AnnounceInterval: cfg.Discovery.AnnounceInterval,
			PeerTimeout:      cfg.Discovery.PeerTimeout,
		}, opts.UserID, opts.Name, log)
	}

	c.unsubMode = c.network.Subscribe(func(mode domain.NetworkMode) {
		c.kill.SetMode(mode)
		c.degrade.HandleModeChange(mode)
		if c.metrics != nil {
			snap := c.degrade.Snapshot()
			c.metrics.RecordNetworkMode(mode)
			c.metrics.RecordDegradationLevel(snap.Current)
			if snap.FallbackCount > c.fallbacks {
				c.fallbacks = snap.FallbackCount
				c.metrics.RecordFallback()
			}
		}
	})

	return c, nil
}

func retryConfig(initial, max time.Duration, attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2,
	}
}

// Start connects the signaling backend and begins LAN discovery.
func (c *Client) Start(ctx context.Context) error {
	if c.wsStore != nil {
		if err := c.wsStore.Connect(ctx); err != nil {
			return err
		}
	}
	if c.discovery != nil {
		if err := c.discovery.Start(ctx); err != nil {
			c.logger.Warnw("lan discovery unavailable", "error", err)
		} else if c.metrics != nil {
			c.discovery.OnPeer(func(domain.LocalPeer) {
				c.metrics.RecordLANPeers(len(c.discovery.Peers()))
			})
		}
	}
	return nil
}

// ReportNetworkSample feeds a platform connectivity sample into mode
// classification. The zero-bandwidth disconnected sample flips the
// stack offline.
func (c *Client) ReportNetworkSample(bandwidthKbps, rttMs float64, connected bool) {
	c.network.ReportSample(bandwidthKbps, rttMs, connected)
	if c.wsStore != nil {
		c.wsStore.SetBandwidth(bandwidthKbps)
	}
}

// ReportQualitySample feeds the coarser three-tier sample used for
// preset selection at call start.
func (c *Client) ReportQualitySample(effectiveType string, rttMs, downlinkMbps float64) {
	c.lastSample.effectiveType = effectiveType
	c.lastSample.rttMs = rttMs
	c.lastSample.downlinkMbps = downlinkMbps
}

func (c *Client) quality() domain.NetworkQuality {
	if c.lastSample.effectiveType == "" && c.lastSample.rttMs == 0 {
		return domain.QualityGood
	}
	return services.ClassifyQuality(c.lastSample.effectiveType, c.lastSample.rttMs, c.lastSample.downlinkMbps)
}

// StartCall places an outgoing call. The preset is chosen once, here:
// a LAN peer gets the serverless local preset, everyone else gets the
// quality-tier preset.
func (c *Client) StartCall(ctx context.Context, callID, peerID string, wantsVideo bool) (*Session, error) {
	var preset domain.CallPreset
	if c.IsLocalPeer(peerID) {
		preset = c.presets.LocalPreset(wantsVideo)
	} else {
		preset = c.presets.Select(c.quality(), wantsVideo)
	}

	session, created := c.manager.GetOrCreate(callID, c.userID, peerID, domain.RoleInitiator, preset)
	if created {
		if err := session.Start(ctx); err != nil {
			_ = session.End(ctx)
			return nil, err
		}
	}
	return session, nil
}

// AnswerCall joins an incoming call with the fast default preset so
// the answer goes out before any quality probing.
func (c *Client) AnswerCall(ctx context.Context, callID, peerID string) (*Session, error) {
	session, created := c.manager.GetOrCreate(callID, c.userID, peerID, domain.RoleResponder, c.presets.FastDefault())
	if created {
		if err := session.Start(ctx); err != nil {
			_ = session.End(ctx)
			return nil, err
		}
	}
	return session, nil
}

// EndCall tears down the session for callID, if one is live.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	session, ok := c.manager.Get(callID)
	if !ok {
		return nil
	}
	return session.End(ctx)
}

// Call returns the live session for callID.
func (c *Client) Call(callID string) (*Session, bool) {
	return c.manager.Get(callID)
}

// IsLocalPeer reports whether peerID was recently seen on the LAN.
func (c *Client) IsLocalPeer(peerID string) bool {
	return c.discovery != nil && c.discovery.IsLocalPeer(peerID)
}

// LocalPeers lists peers currently visible on the LAN.
func (c *Client) LocalPeers() []LocalPeer {
	if c.discovery == nil {
		return nil
	}
	return c.discovery.Peers()
}

// Close shuts the whole stack down.
func (c *Client) Close(ctx context.Context) error {
	c.manager.EndAll(ctx)
	if c.unsubMode != nil {
		c.unsubMode()
	}
	c.degrade.Close()
	if c.discovery != nil {
		c.discovery.Stop()
	}
	if c.wsStore != nil {
		return c.wsStore.Close()
	}
	return nil
}

// clientActions fans degradation-ladder actions out to live sessions.
type clientActions struct {
	c *Client
}

func (a *clientActions) OptimizeAudio() {
	for _, session := range a.c.manager.Sessions() {
		session.ApplyAudioTuning()
	}
}

func (a *clientActions) ClampVideo(maxKbps, maxFPS int) {
	for _, session := range a.c.manager.Sessions() {
		session.ClampVideoBitrate(maxKbps)
	}
}

func (a *clientActions) RestoreVideo() {
	a.c.kill.Enforce()
	for _, session := range a.c.manager.Sessions() {
		session.RestoreVideoBitrate()
	}
}

func (a *clientActions) EngageVideoKillSwitch() {
	if a.c.metrics != nil {
		a.c.metrics.RecordKillSwitch()
	}
	a.c.kill.Enforce()
}

func (a *clientActions) ClampAudioSurvival() {
	for _, session := range a.c.manager.Sessions() {
		session.ClampAudioSurvival()
	}
}

func (a *clientActions) DisableAllMedia() {
	for _, session := range a.c.manager.Sessions() {
		session.SetAllMediaEnabled(false)
	}
}

func (a *clientActions) EnableMedia() {
	for _, session := range a.c.manager.Sessions() {
		session.SetAllMediaEnabled(true)
	}
}
