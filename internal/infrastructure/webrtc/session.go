package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
	"callkit/internal/core/services"
	"callkit/internal/infrastructure/signal"
	"callkit/pkg/sched"
	"callkit/pkg/tracing"
	"callkit/pkg/utils"
)

// SessionConfig holds the staged setup timeouts.
type SessionConfig struct {
	SetupTimeout   time.Duration
	SetupExtension time.Duration
	AnsweredGrace  time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SetupTimeout:   15 * time.Second,
		SetupExtension: 15 * time.Second,
		AnsweredGrace:  10 * time.Second,
	}
}

// SessionMetrics is the slice of the collector a session reports to.
type SessionMetrics interface {
	RecordSessionStarted(callID string)
	RecordSessionState(callID string, state domain.CallState)
	RecordSessionEnded(callID string, duration time.Duration)
	RecordSetupDuration(duration time.Duration)
	RecordReconnectAttempt()
	RecordICERTT(rtt time.Duration)
}

// SessionDeps bundles the collaborators a session needs. Records,
// KillSwitch and Metrics may be nil.
type SessionDeps struct {
	Factory    ports.ConnectionFactory
	Devices    ports.MediaDevices
	Signals    ports.SignalStore
	Records    ports.CallRecordStore
	Minimizer  *signal.Minimizer
	Audio      *services.AudioOptimizer
	Presets    *services.PresetService
	KillSwitch *services.VideoKillSwitch
	Network    *services.NetworkService
	Metrics    SessionMetrics
	Logger     *zap.SugaredLogger
	Config     SessionConfig
	Monitor    MonitorConfig
}

// CallSession orchestrates one call end to end: capture, signaling
// replay, offer/answer, candidate exchange, staged setup timeouts,
// connection monitoring and teardown.
type CallSession struct {
	deps   SessionDeps
	logger *zap.SugaredLogger

	callID string
	selfID string
	peerID string
	role   domain.CallRole
	preset domain.CallPreset

	mu             sync.Mutex
	state          domain.CallState
	started        bool
	ended          bool
	answered       bool
	extended       bool
	awaitingAnswer bool
	startedAt      time.Time
	connectedAt    time.Time

	pc        ports.PeerConnection
	stream    ports.MediaStream
	extra     []ports.LocalTrack
	pending   []webrtc.ICECandidateInit
	seen      map[string]bool
	cancelSub func()

	batcher *signal.CandidateBatcher
	monitor *ICEConnectionMonitor

	setupTask sched.Task
	graceTask sched.Task

	onState       []func(domain.CallState)
	onRemoteTrack func(ports.RemoteTrackInfo)
}

func NewCallSession(callID, selfID, peerID string, role domain.CallRole, preset domain.CallPreset, deps SessionDeps) *CallSession {
	if deps.Config.SetupTimeout == 0 {
		deps.Config = DefaultSessionConfig()
	}
	s := &CallSession{
		deps:   deps,
		logger: deps.Logger.With("call_id", callID, "role", string(role)),
		callID: callID,
		selfID: selfID,
		peerID: peerID,
		role:   role,
		preset: preset,
		state:  domain.CallConnecting,
		seen:   make(map[string]bool),
	}
	s.batcher = signal.NewCandidateBatcher(deps.Minimizer, s.sendCandidates)
	return s
}

// ID returns the call identifier.
func (s *CallSession) ID() string { return s.callID }

// PeerID returns the remote participant's user id.
func (s *CallSession) PeerID() string { return s.peerID }

// State returns the current lifecycle state.
func (s *CallSession) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange adds a lifecycle observer. Observers fire outside the
// session lock.
func (s *CallSession) OnStateChange(fn func(domain.CallState)) {
	s.mu.Lock()
	s.onState = append(s.onState, fn)
	s.mu.Unlock()
}

func (s *CallSession) notify(observers []func(domain.CallState), state domain.CallState) {
	for _, fn := range observers {
		fn(state)
	}
}

// OnRemoteTrack registers the inbound-track observer.
func (s *CallSession) OnRemoteTrack(fn func(ports.RemoteTrackInfo)) {
	s.mu.Lock()
	s.onRemoteTrack = fn
	s.mu.Unlock()
}

// Start brings the session up. Calling it again is a no-op; calling it
// after End returns ErrCallEnded.
func (s *CallSession) Start(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "call.session.start",
		attribute.String("call_id", s.callID),
		attribute.String("role", string(s.role)),
	)
	defer span.End()

	err := s.start(ctx)
	tracing.RecordError(span, err)
	return err
}

func (s *CallSession) start(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return domain.ErrCallEnded
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	stream, err := s.capture(ctx)
	if err != nil {
		return err
	}

	pc, err := s.deps.Factory.NewConnection(s.preset)
	if err != nil {
		return fmt.Errorf("failed to build connection: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.pc = pc
	s.mu.Unlock()

	s.wireConnection(pc)

	if stream != nil {
		for _, track := range stream.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				s.logger.Warnw("failed to attach track", "track_id", track.ID(), "error", err)
			}
		}
	}
	if s.deps.KillSwitch != nil {
		s.deps.KillSwitch.AttachRegistry(s)
		s.deps.KillSwitch.Enforce()
	}

	s.monitor = NewICEConnectionMonitor(s.deps.Monitor, pc, MonitorHooks{
		Restart:   s.restartICE,
		Exhausted: func() { s.fail(domain.ErrRecoveryExhausted) },
		OnQuality: func(_ domain.ICEQuality, stats ports.ConnectionStats) {
			if s.deps.Metrics != nil && stats.RTT > 0 {
				s.deps.Metrics.RecordICERTT(stats.RTT)
			}
		},
	}, s.logger)
	s.monitor.Start()

	if err := s.replayPersisted(ctx); err != nil {
		s.logger.Warnw("signal replay incomplete", "error", err)
	}

	ch, cancel, err := s.deps.Signals.Subscribe(ctx, s.callID, s.selfID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to signaling: %w", err)
	}
	s.mu.Lock()
	s.cancelSub = cancel
	s.mu.Unlock()
	go func() {
		for env := range ch {
			s.handleEnvelope(ctx, env)
		}
	}()

	if s.role == domain.RoleInitiator {
		if err := s.sendOffer(ctx, false); err != nil {
			return err
		}
	}

	s.setupTask.Schedule(s.deps.Config.SetupTimeout, s.onSetupTimeout)

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSessionStarted(s.callID)
	}
	s.logger.Infow("call session started", "peer", s.peerID, "preset", s.preset.Name)
	return nil
}

// capture acquires local media, falling back to audio-only when the
// combined request fails for any reason other than permission denial.
func (s *CallSession) capture(ctx context.Context) (ports.MediaStream, error) {
	if s.deps.Devices == nil {
		return nil, nil
	}
	constraints := s.preset.Constraints

	stream, err := s.deps.Devices.GetUserMedia(ctx, constraints)
	if err == nil {
		return stream, nil
	}
	if errors.Is(err, domain.ErrPermissionDenied) {
		return nil, err
	}
	if !constraints.Video {
		return nil, fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}

	s.logger.Warnw("combined capture failed, retrying audio only", "error", err)
	audioOnly := constraints
	audioOnly.Video = false
	stream, err = s.deps.Devices.GetUserMedia(ctx, audioOnly)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}
	return stream, nil
}

func (s *CallSession) wireConnection(pc ports.PeerConnection) {
	pc.OnICECandidate(func(init *webrtc.ICECandidateInit) {
		mode := s.mode()
		if init == nil {
			s.batcher.Flush(s.callID, mode)
			return
		}
		s.batcher.Add(s.callID, *init, mode)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.handleConnected()
		case webrtc.PeerConnectionStateFailed:
			s.handleTransportFailed()
		case webrtc.PeerConnectionStateClosed:
			s.handleClosed()
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			if s.monitor != nil {
				s.monitor.HandleConnected()
			}
			s.handleConnected()
		case webrtc.ICEConnectionStateDisconnected:
			if s.monitor != nil {
				s.monitor.HandleDisconnected()
			}
		case webrtc.ICEConnectionStateFailed:
			s.handleTransportFailed()
		}
	})

	pc.OnRemoteTrack(func(info ports.RemoteTrackInfo) {
		s.logger.Infow("remote track arrived", "kind", info.Kind, "track_id", info.ID)
		s.mu.Lock()
		fn := s.onRemoteTrack
		s.mu.Unlock()
		if fn != nil {
			fn(info)
		}
	})
}

// replayPersisted applies the persisted signaling log: the latest
// description of each kind wins, then candidates in arrival order.
func (s *CallSession) replayPersisted(ctx context.Context) error {
	envs, err := s.deps.Signals.Query(ctx, s.callID)
	if err != nil {
		return err
	}

	var latestOffer, latestAnswer *domain.SignalEnvelope
	var candidates []*domain.SignalEnvelope
	for _, env := range envs {
		s.mu.Lock()
		s.seen[env.ID] = true
		s.mu.Unlock()
		if env.FromUser == s.selfID {
			continue
		}
		switch env.Type {
		case domain.SignalOffer:
			latestOffer = env
		case domain.SignalAnswer:
			latestAnswer = env
		case domain.SignalCandidate:
			candidates = append(candidates, env)
		}
	}

	if s.role == domain.RoleResponder && latestOffer != nil {
		if err := s.applyRemoteOffer(ctx, latestOffer); err != nil {
			s.logger.Warnw("replayed offer rejected", "error", err)
		}
	}
	if s.role == domain.RoleInitiator && latestAnswer != nil {
		s.applyRemoteAnswer(latestAnswer)
	}
	for _, env := range candidates {
		s.applyCandidates(env)
	}
	return nil
}

func (s *CallSession) mode() domain.NetworkMode {
	if s.deps.Network == nil {
		return domain.ModeHigh
	}
	return s.deps.Network.Mode()
}

func (s *CallSession) sendOffer(ctx context.Context, iceRestart bool) error {
	s.mu.Lock()
	pc := s.pc
	if s.ended || pc == nil {
		s.mu.Unlock()
		return domain.ErrCallEnded
	}
	s.mu.Unlock()

	offer, err := pc.CreateOffer(ctx, iceRestart)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	mode := s.mode()
	wireSDP := offer.SDP
	if rewritten, err := s.deps.Audio.RewriteSessionDescription(wireSDP, mode); err == nil {
		wireSDP = rewritten
	}
	wireSDP = s.deps.Minimizer.PruneSDP(wireSDP, mode)

	s.mu.Lock()
	s.awaitingAnswer = true
	s.mu.Unlock()

	return s.appendSignal(ctx, domain.SignalOffer, map[string]interface{}{
		"sdp":     wireSDP,
		"restart": iceRestart,
	})
}

func (s *CallSession) applyRemoteOffer(ctx context.Context, env *domain.SignalEnvelope) error {
	sdpText, _ := env.Payload["sdp"].(string)
	if sdpText == "" {
		return fmt.Errorf("offer without sdp")
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return domain.ErrCallEnded
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdpText,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.flushPendingCandidates()

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	mode := s.mode()
	wireSDP := answer.SDP
	if rewritten, err := s.deps.Audio.RewriteSessionDescription(wireSDP, mode); err == nil {
		wireSDP = rewritten
	}
	wireSDP = s.deps.Minimizer.PruneSDP(wireSDP, mode)

	return s.appendSignal(ctx, domain.SignalAnswer, map[string]interface{}{"sdp": wireSDP})
}

// applyRemoteAnswer accepts an answer when an offer is outstanding or
// none has been applied yet; anything after that is unsolicited.
func (s *CallSession) applyRemoteAnswer(env *domain.SignalEnvelope) {
	s.mu.Lock()
	if !s.awaitingAnswer && s.answered {
		s.mu.Unlock()
		s.logger.Warnw("discarding unsolicited answer", "signal_id", env.ID)
		return
	}
	s.awaitingAnswer = false
	s.answered = true
	pc := s.pc
	s.mu.Unlock()

	sdpText, _ := env.Payload["sdp"].(string)
	if sdpText == "" || pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdpText,
	}); err != nil {
		s.logger.Warnw("remote answer rejected", "error", err)
		return
	}
	s.flushPendingCandidates()
}

// applyCandidates handles both single-candidate and batched payloads,
// queueing until a remote description exists.
func (s *CallSession) applyCandidates(env *domain.SignalEnvelope) {
	inits := decodeCandidatePayload(env.Payload)
	if len(inits) == 0 {
		return
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}

	if pc.RemoteDescription() == nil {
		s.mu.Lock()
		s.pending = append(s.pending, inits...)
		s.mu.Unlock()
		return
	}
	for _, init := range inits {
		if err := pc.AddICECandidate(init); err != nil {
			s.logger.Warnw("candidate rejected", "error", err)
		}
	}
}

func (s *CallSession) flushPendingCandidates() {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	pc := s.pc
	s.mu.Unlock()

	for _, init := range queued {
		if err := pc.AddICECandidate(init); err != nil {
			s.logger.Warnw("queued candidate rejected", "error", err)
		}
	}
}

func (s *CallSession) handleEnvelope(ctx context.Context, env *domain.SignalEnvelope) {
	s.mu.Lock()
	if s.ended || s.seen[env.ID] {
		s.mu.Unlock()
		return
	}
	s.seen[env.ID] = true
	s.mu.Unlock()

	if env.FromUser == s.selfID {
		return
	}

	switch env.Type {
	case domain.SignalOffer:
		// before connected the initiator owns the offer; a peer offer
		// arriving now is glare and only renegotiation offers count
		if s.role == domain.RoleInitiator && s.State() != domain.CallConnected {
			s.logger.Debugw("ignoring remote offer while negotiating", "signal_id", env.ID)
			return
		}
		if err := s.applyRemoteOffer(ctx, env); err != nil {
			s.logger.Warnw("remote offer rejected", "error", err)
		}
	case domain.SignalAnswer:
		s.applyRemoteAnswer(env)
	case domain.SignalCandidate:
		s.applyCandidates(env)
	default:
		s.logger.Debugw("ignoring unknown signal type", "type", string(env.Type))
	}
}

// sendCandidates is the batcher's flush edge.
func (s *CallSession) sendCandidates(callID string, candidates []webrtc.ICECandidateInit) {
	payload := candidatesPayload(candidates)
	if err := s.appendSignal(context.Background(), domain.SignalCandidate, payload); err != nil {
		s.logger.Warnw("candidate send failed", "count", len(candidates), "error", err)
	}
}

func (s *CallSession) appendSignal(ctx context.Context, typ domain.SignalType, payload map[string]interface{}) error {
	env := &domain.SignalEnvelope{
		ID:        utils.GenerateSignalID(),
		Type:      typ,
		CallID:    s.callID,
		FromUser:  s.selfID,
		ToUser:    s.peerID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
	s.mu.Lock()
	s.seen[env.ID] = true
	s.mu.Unlock()

	if err := s.deps.Signals.Append(ctx, env); err != nil {
		return fmt.Errorf("signal append failed: %w", err)
	}
	return nil
}

// onSetupTimeout is the staged setup deadline: extend once while
// unanswered, then restart ICE with a short grace once answered, then
// give up.
func (s *CallSession) onSetupTimeout() {
	s.mu.Lock()
	if s.ended || s.state == domain.CallConnected {
		s.mu.Unlock()
		return
	}
	answered := s.answered
	extended := s.extended
	if !answered && !extended {
		s.extended = true
	}
	s.mu.Unlock()

	switch {
	case answered:
		s.logger.Warnw("answered but not connected, restarting ice")
		if err := s.restartICE(); err != nil {
			s.logger.Warnw("setup ice restart failed", "error", err)
		}
		s.graceTask.Schedule(s.deps.Config.AnsweredGrace, func() {
			s.mu.Lock()
			stillDown := !s.ended && s.state != domain.CallConnected
			s.mu.Unlock()
			if stillDown {
				s.fail(domain.ErrSetupTimeout)
			}
		})
	case !extended:
		s.mu.Lock()
		var observers []func(domain.CallState)
		waiting := s.state == domain.CallConnecting
		if waiting {
			s.state = domain.CallWaiting
			observers = append(observers, s.onState...)
		}
		s.mu.Unlock()
		s.logger.Infow("no answer yet, extending setup window")
		if waiting && s.deps.Metrics != nil {
			s.deps.Metrics.RecordSessionState(s.callID, domain.CallWaiting)
		}
		s.notify(observers, domain.CallWaiting)
		s.setupTask.Schedule(s.deps.Config.SetupExtension, s.onSetupTimeout)
	default:
		s.fail(domain.ErrSetupTimeout)
	}
}

func (s *CallSession) restartICE() error {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordReconnectAttempt()
	}
	if s.role != domain.RoleInitiator {
		// the initiator owns restarts; responders wait for the new offer
		return nil
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return domain.ErrCallEnded
	}
	if pc.RemoteDescription() == nil {
		return domain.ErrNoRemoteDescription
	}
	return s.sendOffer(context.Background(), true)
}

func (s *CallSession) handleConnected() {
	s.mu.Lock()
	if s.ended || s.state == domain.CallConnected {
		s.mu.Unlock()
		return
	}
	s.state = domain.CallConnected
	first := s.connectedAt.IsZero()
	if first {
		s.connectedAt = time.Now()
	}
	startedAt := s.startedAt
	observers := append([]func(domain.CallState){}, s.onState...)
	pc := s.pc
	s.mu.Unlock()

	s.setupTask.Cancel()
	s.graceTask.Cancel()

	if s.deps.Records != nil {
		if err := s.deps.Records.SetStatus(context.Background(), s.callID, "active"); err != nil {
			s.logger.Warnw("call record update failed", "status", "active", "error", err)
		}
	}
	s.deps.Presets.ApplyBitrateLimits(pc, s.preset)
	s.deps.Audio.ApplySenderParams(pc, s.mode())

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSessionState(s.callID, domain.CallConnected)
		if first {
			s.deps.Metrics.RecordSetupDuration(time.Since(startedAt))
		}
	}
	s.logger.Infow("call connected")
	s.notify(observers, domain.CallConnected)
}

func (s *CallSession) handleTransportFailed() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == domain.CallConnected
	s.state = domain.CallConnecting
	observers := append([]func(domain.CallState){}, s.onState...)
	s.mu.Unlock()

	s.logger.Warnw("transport failed", "was_connected", wasConnected)
	s.notify(observers, domain.CallConnecting)
	if s.monitor != nil {
		s.monitor.HandleFailed()
	}
}

func (s *CallSession) handleClosed() {
	_ = s.End(context.Background())
}

func (s *CallSession) fail(cause error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.state = domain.CallFailed
	observers := append([]func(domain.CallState){}, s.onState...)
	s.mu.Unlock()

	s.logger.Errorw("call failed", "cause", cause)
	if s.deps.Records != nil {
		if err := s.deps.Records.SetStatus(context.Background(), s.callID, "failed"); err != nil {
			s.logger.Warnw("call record update failed", "status", "failed", "error", err)
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSessionState(s.callID, domain.CallFailed)
	}
	s.notify(observers, domain.CallFailed)
	_ = s.End(context.Background())
}

// AddVideo captures a video track mid-call and renegotiates, honoring
// the kill-switch and the per-mode renegotiation cooldown.
func (s *CallSession) AddVideo(ctx context.Context) error {
	if s.deps.KillSwitch != nil && !s.deps.KillSwitch.Allowed() {
		return domain.ErrVideoDisabled
	}
	if !s.deps.Minimizer.AllowRenegotiation(s.callID, s.mode()) {
		return domain.ErrRenegotiationCooldown
	}

	constraints := s.preset.Constraints
	constraints.Audio = false
	constraints.Video = true
	track, err := s.deps.Devices.GetCameraTrack(ctx, "", constraints)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}

	s.mu.Lock()
	pc := s.pc
	s.extra = append(s.extra, track)
	s.mu.Unlock()
	if pc == nil {
		return domain.ErrCallEnded
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	return s.sendOffer(ctx, false)
}

// SetAudioMuted toggles all outbound audio tracks.
func (s *CallSession) SetAudioMuted(muted bool) {
	for _, track := range s.audioTracks() {
		track.SetEnabled(!muted)
	}
}

// EnableVideo is the user's one-shot consent to video in tap-to-enable
// mode. Outside that mode it is either unnecessary or refused.
func (s *CallSession) EnableVideo() error {
	if s.deps.KillSwitch == nil {
		return nil
	}
	s.deps.KillSwitch.UserEnableVideo()
	if !s.deps.KillSwitch.Allowed() {
		return domain.ErrVideoDisabled
	}
	s.deps.KillSwitch.Enforce()
	return nil
}

// DisableVideo turns outbound video off locally.
func (s *CallSession) DisableVideo() {
	for _, track := range s.VideoTracks() {
		track.SetEnabled(false)
	}
}

// SwitchCamera replaces the outbound video track in place, without
// renegotiation.
func (s *CallSession) SwitchCamera(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return domain.ErrCallEnded
	}

	constraints := s.preset.Constraints
	constraints.Audio = false
	constraints.Video = true
	fresh, err := s.deps.Devices.GetCameraTrack(ctx, deviceID, constraints)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCaptureUnavailable, err)
	}

	for _, sender := range pc.Senders() {
		if sender.Kind() != "video" {
			continue
		}
		old := sender.Track()
		if err := sender.ReplaceTrack(fresh); err != nil {
			return err
		}
		if old != nil {
			if err := old.Stop(); err != nil {
				s.logger.Debugw("old camera track stop failed", "error", err)
			}
		}
		s.mu.Lock()
		s.extra = append(s.extra, fresh)
		s.mu.Unlock()
		return nil
	}
	return fmt.Errorf("no video sender to switch")
}

// SetZoom applies hardware zoom when the track supports it. Tracks
// without zoom are left alone.
func (s *CallSession) SetZoom(level float64) error {
	for _, track := range s.VideoTracks() {
		if zoomer, ok := track.(ports.Zoomer); ok {
			return zoomer.SetZoom(level)
		}
	}
	return nil
}

// SendDTMF inserts tones on the audio sender when supported.
func (s *CallSession) SendDTMF(digits string) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return domain.ErrCallEnded
	}
	for _, sender := range pc.Senders() {
		if sender.Kind() != "audio" {
			continue
		}
		if inserter, ok := sender.(ports.DTMFInserter); ok {
			return inserter.InsertDTMF(digits, 100, 70)
		}
	}
	return fmt.Errorf("dtmf not supported on this connection")
}

// VideoTracks implements the kill-switch registry.
func (s *CallSession) VideoTracks() []ports.LocalTrack {
	s.mu.Lock()
	stream := s.stream
	extra := make([]ports.LocalTrack, len(s.extra))
	copy(extra, s.extra)
	s.mu.Unlock()

	var out []ports.LocalTrack
	if stream != nil {
		out = append(out, stream.VideoTracks()...)
	}
	for _, track := range extra {
		if track.Kind() == "video" {
			out = append(out, track)
		}
	}
	return out
}

func (s *CallSession) audioTracks() []ports.LocalTrack {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.AudioTracks()
}

// ApplyAudioTuning retunes outbound audio senders for the current mode.
func (s *CallSession) ApplyAudioTuning() {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc != nil {
		s.deps.Audio.ApplySenderParams(pc, s.mode())
	}
}

// ClampVideoBitrate caps every outbound video sender.
func (s *CallSession) ClampVideoBitrate(maxKbps int) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	for _, sender := range pc.Senders() {
		if sender.Kind() != "video" {
			continue
		}
		if err := sender.SetMaxBitrate(maxKbps); err != nil {
			s.logger.Debugw("video clamp failed", "kbps", maxKbps, "error", err)
		}
	}
}

// RestoreVideoBitrate lifts the clamp back to the preset ceiling.
func (s *CallSession) RestoreVideoBitrate() {
	s.ClampVideoBitrate(s.preset.MaxVideoKbps)
}

// ClampAudioSurvival pins audio to the survival profile at high
// priority to keep the call alive on a collapsing link.
func (s *CallSession) ClampAudioSurvival() {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	profile := services.AudioProfileFor(domain.ModeUltraLow)
	for _, sender := range pc.Senders() {
		if sender.Kind() != "audio" {
			continue
		}
		if err := sender.SetMaxBitrate(profile.MaxKbps); err != nil {
			s.logger.Debugw("survival clamp failed", "error", err)
			continue
		}
		if err := sender.SetPriority("high"); err != nil {
			s.logger.Debugw("audio priority failed", "error", err)
		}
	}
}

// SetAllMediaEnabled toggles every outbound track. Re-enabling defers
// video to the kill-switch.
func (s *CallSession) SetAllMediaEnabled(enabled bool) {
	s.mu.Lock()
	stream := s.stream
	extra := make([]ports.LocalTrack, len(s.extra))
	copy(extra, s.extra)
	s.mu.Unlock()

	var tracks []ports.LocalTrack
	if stream != nil {
		tracks = append(tracks, stream.Tracks()...)
	}
	tracks = append(tracks, extra...)

	for _, track := range tracks {
		if enabled && track.Kind() == "video" {
			continue
		}
		track.SetEnabled(enabled)
	}
	if enabled && s.deps.KillSwitch != nil {
		s.deps.KillSwitch.Enforce()
	}
}

// RecoveredAt reports when the connection last recovered, for the UI's
// transient "connection restored" state.
func (s *CallSession) RecoveredAt() time.Time {
	if s.monitor == nil {
		return time.Time{}
	}
	return s.monitor.RecoveredAt()
}

// End tears the session down. Idempotent; later calls return nil.
func (s *CallSession) End(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "call.session.end",
		attribute.String("call_id", s.callID),
	)
	defer span.End()

	err := s.end(ctx)
	tracing.RecordError(span, err)
	return err
}

func (s *CallSession) end(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.state = domain.CallEnded
	cancelSub := s.cancelSub
	pc := s.pc
	stream := s.stream
	extra := s.extra
	connectedAt := s.connectedAt
	startedAt := s.startedAt
	observers := append([]func(domain.CallState){}, s.onState...)
	s.mu.Unlock()

	s.setupTask.Cancel()
	s.graceTask.Cancel()
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if cancelSub != nil {
		cancelSub()
	}
	s.batcher.Drop(s.callID)
	s.deps.Minimizer.ForgetCall(s.callID)
	if s.deps.KillSwitch != nil {
		s.deps.KillSwitch.DetachRegistry(s)
	}

	if stream != nil {
		for _, track := range stream.Tracks() {
			if err := track.Stop(); err != nil {
				s.logger.Debugw("track stop failed", "track_id", track.ID(), "error", err)
			}
		}
	}
	for _, track := range extra {
		if err := track.Stop(); err != nil {
			s.logger.Debugw("track stop failed", "track_id", track.ID(), "error", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debugw("connection close failed", "error", err)
		}
	}

	if s.deps.Records != nil {
		if err := s.deps.Records.SetStatus(ctx, s.callID, "ended"); err != nil {
			s.logger.Warnw("call record update failed", "status", "ended", "error", err)
		}
	}
	if s.deps.Metrics != nil {
		since := connectedAt
		if since.IsZero() {
			since = startedAt
		}
		s.deps.Metrics.RecordSessionEnded(s.callID, time.Since(since))
	}

	s.logger.Infow("call session ended")
	s.notify(observers, domain.CallEnded)
	return nil
}

// decodeCandidatePayload accepts both the batched {"candidates": [...]}
// form and a bare single-candidate payload.
func decodeCandidatePayload(payload map[string]interface{}) []webrtc.ICECandidateInit {
	if raw, ok := payload["candidates"].([]interface{}); ok {
		out := make([]webrtc.ICECandidateInit, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]interface{}); ok {
				if init, ok := candidateFromMap(m); ok {
					out = append(out, init)
				}
			}
		}
		return out
	}
	if init, ok := candidateFromMap(payload); ok {
		return []webrtc.ICECandidateInit{init}
	}
	return nil
}

func candidateFromMap(m map[string]interface{}) (webrtc.ICECandidateInit, bool) {
	candidate, ok := m["candidate"].(string)
	if !ok || candidate == "" {
		return webrtc.ICECandidateInit{}, false
	}
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid, ok := m["sdpMid"].(string); ok {
		init.SDPMid = &mid
	}
	if idx, ok := m["sdpMLineIndex"].(float64); ok {
		v := uint16(idx)
		init.SDPMLineIndex = &v
	}
	if frag, ok := m["usernameFragment"].(string); ok && frag != "" {
		init.UsernameFragment = &frag
	}
	return init, true
}

func candidatesPayload(candidates []webrtc.ICECandidateInit) map[string]interface{} {
	items := make([]interface{}, 0, len(candidates))
	for _, init := range candidates {
		entry := map[string]interface{}{"candidate": init.Candidate}
		if init.SDPMid != nil {
			entry["sdpMid"] = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			entry["sdpMLineIndex"] = float64(*init.SDPMLineIndex)
		}
		if init.UsernameFragment != nil {
			entry["usernameFragment"] = *init.UsernameFragment
		}
		items = append(items, entry)
	}
	return map[string]interface{}{"candidates": items}
}
