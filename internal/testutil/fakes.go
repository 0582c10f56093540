// Package testutil provides in-memory fakes for the collaborator ports
// so session, monitor and service behavior can be tested
// deterministically without real devices or networks.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

// FakeTrack implements ports.LocalTrack.
type FakeTrack struct {
	mu        sync.Mutex
	TrackID   string
	TrackKind string
	enabled   bool
	Stopped   bool
	ZoomLevel float64
}

func NewFakeTrack(id, kind string) *FakeTrack {
	return &FakeTrack{TrackID: id, TrackKind: kind, enabled: true}
}

func (t *FakeTrack) ID() string   { return t.TrackID }
func (t *FakeTrack) Kind() string { return t.TrackKind }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *FakeTrack) Stop() error {
	t.mu.Lock()
	t.Stopped = true
	t.mu.Unlock()
	return nil
}

// SetZoom implements ports.Zoomer.
func (t *FakeTrack) SetZoom(level float64) error {
	t.mu.Lock()
	t.ZoomLevel = level
	t.mu.Unlock()
	return nil
}

// FakeStream implements ports.MediaStream.
type FakeStream struct {
	All []ports.LocalTrack
}

func NewFakeStream(tracks ...ports.LocalTrack) *FakeStream {
	return &FakeStream{All: tracks}
}

func (s *FakeStream) Tracks() []ports.LocalTrack { return s.All }

func (s *FakeStream) AudioTracks() []ports.LocalTrack { return s.kind("audio") }
func (s *FakeStream) VideoTracks() []ports.LocalTrack { return s.kind("video") }

func (s *FakeStream) kind(kind string) []ports.LocalTrack {
	var out []ports.LocalTrack
	for _, t := range s.All {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// FakeMediaDevices implements ports.MediaDevices.
type FakeMediaDevices struct {
	mu sync.Mutex
	// FailCombined simulates a device error when audio+video capture is
	// requested; audio-only capture still succeeds.
	FailCombined bool
	// DenyPermission makes every capture fail with permission denial.
	DenyPermission bool
	Captures       []domain.MediaConstraints
	nextTrack      int
}

func (d *FakeMediaDevices) GetUserMedia(_ context.Context, c domain.MediaConstraints) (ports.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DenyPermission {
		return nil, domain.ErrPermissionDenied
	}
	if d.FailCombined && c.Video {
		return nil, domain.ErrCaptureUnavailable
	}
	d.Captures = append(d.Captures, c)

	var tracks []ports.LocalTrack
	if c.Audio {
		tracks = append(tracks, NewFakeTrack(d.nextID("audio"), "audio"))
	}
	if c.Video {
		tracks = append(tracks, NewFakeTrack(d.nextID("video"), "video"))
	}
	return NewFakeStream(tracks...), nil
}

func (d *FakeMediaDevices) GetCameraTrack(_ context.Context, deviceID string, _ domain.MediaConstraints) (ports.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DenyPermission {
		return nil, domain.ErrPermissionDenied
	}
	return NewFakeTrack(d.nextID("cam-"+deviceID), "video"), nil
}

func (d *FakeMediaDevices) nextID(prefix string) string {
	d.nextTrack++
	return fmt.Sprintf("%s-%d", prefix, d.nextTrack)
}

// FakeSender implements ports.RTPSender, optionally with DTMF.
type FakeSender struct {
	mu           sync.Mutex
	track        ports.LocalTrack
	maxKbps      int
	Priority     string
	DTMFDigits   []string
	SupportsDTMF bool
}

func (s *FakeSender) Kind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return ""
	}
	return s.track.Kind()
}

func (s *FakeSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *FakeSender) ReplaceTrack(t ports.LocalTrack) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *FakeSender) SetMaxBitrate(kbps int) error {
	s.mu.Lock()
	s.maxKbps = kbps
	s.mu.Unlock()
	return nil
}

func (s *FakeSender) MaxBitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxKbps
}

func (s *FakeSender) SetPriority(priority string) error {
	s.mu.Lock()
	s.Priority = priority
	s.mu.Unlock()
	return nil
}

// InsertDTMF implements ports.DTMFInserter when SupportsDTMF is set.
func (s *FakeSender) InsertDTMF(digits string, durationMs, gapMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.SupportsDTMF {
		return fmt.Errorf("dtmf not supported")
	}
	s.DTMFDigits = append(s.DTMFDigits, digits)
	return nil
}

// FakePeerConnection implements ports.PeerConnection and lets tests
// drive state transitions and observe negotiation.
type FakePeerConnection struct {
	mu sync.Mutex

	Preset domain.CallPreset

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	senders    []*FakeSender
	candidates []webrtc.ICECandidateInit

	OfferCount   int
	RestartCount int
	AnswerCount  int
	Closed       bool

	StatsValue ports.ConnectionStats
	StatsErr   error

	onICECandidate func(*webrtc.ICECandidateInit)
	onConnState    func(webrtc.PeerConnectionState)
	onICEConnState func(webrtc.ICEConnectionState)
	onRemoteTrack  func(ports.RemoteTrackInfo)

	// OfferSDP is the canned SDP body returned from CreateOffer.
	OfferSDP string
}

func NewFakePeerConnection() *FakePeerConnection {
	return &FakePeerConnection{
		OfferSDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n",
	}
}

func (f *FakePeerConnection) CreateOffer(_ context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OfferCount++
	if iceRestart {
		f.RestartCount++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.OfferSDP}, nil
}

func (f *FakePeerConnection) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AnswerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.OfferSDP}, nil
}

func (f *FakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	f.localDesc = &desc
	f.mu.Unlock()
	return nil
}

func (f *FakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remoteDesc = &desc
	f.mu.Unlock()
	return nil
}

func (f *FakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localDesc
}

func (f *FakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *FakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, candidate)
	f.mu.Unlock()
	return nil
}

// Offers reports how many offers were created, race-free.
func (f *FakePeerConnection) Offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.OfferCount
}

// Restarts reports how many of those were ICE restarts.
func (f *FakePeerConnection) Restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RestartCount
}

func (f *FakePeerConnection) Candidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *FakePeerConnection) AddTrack(t ports.LocalTrack) (ports.RTPSender, error) {
	sender := &FakeSender{track: t, SupportsDTMF: t.Kind() == "audio"}
	f.mu.Lock()
	f.senders = append(f.senders, sender)
	f.mu.Unlock()
	return sender, nil
}

func (f *FakePeerConnection) Senders() []ports.RTPSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.RTPSender, len(f.senders))
	for i, s := range f.senders {
		out[i] = s
	}
	return out
}

func (f *FakePeerConnection) FakeSenders() []*FakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeSender, len(f.senders))
	copy(out, f.senders)
	return out
}

func (f *FakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onICECandidate = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onConnState = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	f.onICEConnState = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) OnRemoteTrack(fn func(ports.RemoteTrackInfo)) {
	f.mu.Lock()
	f.onRemoteTrack = fn
	f.mu.Unlock()
}

func (f *FakePeerConnection) Stats(_ context.Context) (ports.ConnectionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StatsValue, f.StatsErr
}

func (f *FakePeerConnection) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.onICECandidate = nil
	f.onConnState = nil
	f.onICEConnState = nil
	f.onRemoteTrack = nil
	f.mu.Unlock()
	return nil
}

// FireConnectionState delivers a primary connection-state transition.
func (f *FakePeerConnection) FireConnectionState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConnState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// FireICEConnectionState delivers an ICE-level transition.
func (f *FakePeerConnection) FireICEConnectionState(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	fn := f.onICEConnState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// FireICECandidate delivers a locally gathered candidate.
func (f *FakePeerConnection) FireICECandidate(c *webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onICECandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// FireRemoteTrack delivers an inbound track notification.
func (f *FakePeerConnection) FireRemoteTrack(info ports.RemoteTrackInfo) {
	f.mu.Lock()
	fn := f.onRemoteTrack
	f.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// FakeConnectionFactory implements ports.ConnectionFactory and records
// every connection it builds.
type FakeConnectionFactory struct {
	mu          sync.Mutex
	Connections []*FakePeerConnection
}

func (f *FakeConnectionFactory) NewConnection(preset domain.CallPreset) (ports.PeerConnection, error) {
	pc := NewFakePeerConnection()
	pc.Preset = preset
	f.mu.Lock()
	f.Connections = append(f.Connections, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *FakeConnectionFactory) Last() *FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Connections) == 0 {
		return nil
	}
	return f.Connections[len(f.Connections)-1]
}

// RecordingCallStore implements ports.CallRecordStore.
type RecordingCallStore struct {
	mu       sync.Mutex
	Statuses map[string][]string
	Err      error
}

func NewRecordingCallStore() *RecordingCallStore {
	return &RecordingCallStore{Statuses: make(map[string][]string)}
}

func (r *RecordingCallStore) SetStatus(_ context.Context, callID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Statuses[callID] = append(r.Statuses[callID], status)
	return nil
}

func (r *RecordingCallStore) Get(callID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Statuses[callID]))
	copy(out, r.Statuses[callID])
	return out
}
