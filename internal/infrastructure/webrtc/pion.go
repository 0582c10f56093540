// Package webrtc holds the pion-backed peer connection adapter and the
// call session orchestration built on top of it.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

// Factory builds pion peer connections from call presets.
type Factory struct {
	logger *zap.SugaredLogger
}

func NewFactory(logger *zap.SugaredLogger) *Factory {
	return &Factory{logger: logger}
}

func (f *Factory) NewConnection(preset domain.CallPreset) (ports.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	cfg := webrtc.Configuration{
		ICECandidatePoolSize: uint8(preset.CandidatePoolSize),
	}
	for _, server := range preset.ICEServers {
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, entry)
	}
	if preset.TransportPolicy == domain.TransportRelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	switch preset.BundlePolicy {
	case "max-bundle":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxBundle
	case "max-compat":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxCompat
	}
	if preset.RTCPMuxPolicy == "require" {
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyRequire
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := &Connection{
		pc:     pc,
		logger: f.logger,
		done:   make(chan struct{}),
	}
	conn.wirePion()
	return conn, nil
}

// Track adapts a pion local track to ports.LocalTrack. Enabled state is
// a gate consulted by the capture pipeline feeding the track.
type Track struct {
	inner webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func NewTrack(inner webrtc.TrackLocal) *Track {
	return &Track{inner: inner, enabled: true}
}

func (t *Track) ID() string   { return t.inner.ID() }
func (t *Track) Kind() string { return t.inner.Kind().String() }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

// Unwrap exposes the pion track for AddTrack.
func (t *Track) Unwrap() webrtc.TrackLocal { return t.inner }

// Connection implements ports.PeerConnection over pion.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu       sync.Mutex
	senders  []*sender
	rtcpStat rtcpSample
	done     chan struct{}
	closed   bool

	onRTP         func(trackID string, packet *rtp.Packet)
	onCandidate   func(*webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onICEState    func(webrtc.ICEConnectionState)
	onRemoteTrack func(ports.RemoteTrackInfo)
}

// rtcpSample is loss and jitter gleaned from receiver reports.
type rtcpSample struct {
	lossPercent float64
	jitter      time.Duration
	at          time.Time
}

func (c *Connection) wirePion() {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn == nil {
			return
		}
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&init)
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.mu.Lock()
		fn := c.onICEState
		c.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	c.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onRemoteTrack
		c.mu.Unlock()
		if fn != nil {
			fn(ports.RemoteTrackInfo{ID: remote.ID(), Kind: remote.Kind().String()})
		}
		go c.drainRemote(remote)
	})
}

// OnRTP taps inbound RTP packets for rendering. Adapter-level only;
// callers holding the port interface never see raw packets.
func (c *Connection) OnRTP(fn func(trackID string, packet *rtp.Packet)) {
	c.mu.Lock()
	c.onRTP = fn
	c.mu.Unlock()
}

// drainRemote keeps reading inbound RTP so RTCP feedback keeps flowing,
// handing packets to the tap when one is registered.
func (c *Connection) drainRemote(remote *webrtc.TrackRemote) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		packet, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debugw("remote track read ended", "track_id", remote.ID(), "error", err)
			}
			return
		}
		c.mu.Lock()
		tap := c.onRTP
		c.mu.Unlock()
		if tap != nil {
			tap(remote.ID(), packet)
		}
	}
}

// readSenderRTCP parses receiver reports to keep a fresh loss and
// jitter estimate for Stats.
func (c *Connection) readSenderRTCP(rtpSender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		n, _, err := rtpSender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			report, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rr := range report.Reports {
				c.mu.Lock()
				c.rtcpStat = rtcpSample{
					lossPercent: float64(rr.FractionLost) / 256 * 100,
					jitter:      time.Duration(rr.Jitter) * time.Millisecond,
					at:          time.Now(),
				}
				c.mu.Unlock()
			}
		}
	}
}

func (c *Connection) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return answer, nil
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *Connection) AddTrack(t ports.LocalTrack) (ports.RTPSender, error) {
	wrapped, ok := t.(*Track)
	if !ok {
		return nil, fmt.Errorf("track %s is not a pion track", t.ID())
	}
	rtpSender, err := c.pc.AddTrack(wrapped.Unwrap())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	s := &sender{inner: rtpSender, track: t}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()

	go c.readSenderRTCP(rtpSender)
	return s, nil
}

func (c *Connection) Senders() []ports.RTPSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.RTPSender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteTrack(fn func(ports.RemoteTrackInfo)) {
	c.mu.Lock()
	c.onRemoteTrack = fn
	c.mu.Unlock()
}

// Stats samples RTT from the nominated candidate pair and folds in the
// latest RTCP-derived loss and jitter.
func (c *Connection) Stats(ctx context.Context) (ports.ConnectionStats, error) {
	report := c.pc.GetStats()

	stats := ports.ConnectionStats{SampledAt: time.Now()}
	for _, entry := range report {
		pair, ok := entry.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		stats.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		break
	}

	c.mu.Lock()
	if !c.rtcpStat.at.IsZero() {
		stats.LossPercent = c.rtcpStat.lossPercent
		stats.Jitter = c.rtcpStat.jitter
	}
	c.mu.Unlock()

	if stats.RTT == 0 && stats.LossPercent == 0 {
		return stats, fmt.Errorf("no nominated candidate pair yet")
	}
	return stats, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.pc.Close()
}

// sender adapts *webrtc.RTPSender. Pion exposes no per-encoding bitrate
// knob, so the ceiling is tracked here and enforced through SDP.
type sender struct {
	inner *webrtc.RTPSender

	mu       sync.Mutex
	track    ports.LocalTrack
	maxKbps  int
	priority string
}

func (s *sender) Kind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return ""
	}
	return s.track.Kind()
}

func (s *sender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *sender) ReplaceTrack(t ports.LocalTrack) error {
	wrapped, ok := t.(*Track)
	if !ok {
		return fmt.Errorf("track %s is not a pion track", t.ID())
	}
	if err := s.inner.ReplaceTrack(wrapped.Unwrap()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *sender) SetMaxBitrate(kbps int) error {
	s.mu.Lock()
	s.maxKbps = kbps
	s.mu.Unlock()
	return nil
}

func (s *sender) MaxBitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxKbps
}

func (s *sender) SetPriority(priority string) error {
	s.mu.Lock()
	s.priority = priority
	s.mu.Unlock()
	return nil
}
