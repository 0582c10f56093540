package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/services"
	"callkit/internal/infrastructure/signal"
	"callkit/internal/testutil"
	"callkit/pkg/retry"
	"callkit/pkg/utils"
)

type sessionFixture struct {
	deps    SessionDeps
	factory *testutil.FakeConnectionFactory
	devices *testutil.FakeMediaDevices
	store   *signal.MemoryStore
	records *testutil.RecordingCallStore
	network *services.NetworkService
	kill    *services.VideoKillSwitch
}

func newFixture(t *testing.T) *sessionFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := signal.NewMemoryStore()
	records := testutil.NewRecordingCallStore()
	factory := &testutil.FakeConnectionFactory{}
	devices := &testutil.FakeMediaDevices{}
	network := services.NewNetworkService(logger)
	kill := services.NewVideoKillSwitch(logger)

	deps := SessionDeps{
		Factory:    factory,
		Devices:    devices,
		Signals:    store,
		Records:    records,
		Minimizer:  signal.NewMinimizer(signal.DefaultMinimizerConfig(), logger),
		Audio:      services.NewAudioOptimizer(logger),
		Presets:    services.NewPresetService(nil, logger),
		KillSwitch: kill,
		Network:    network,
		Logger:     logger,
		Config: SessionConfig{
			SetupTimeout:   40 * time.Millisecond,
			SetupExtension: 40 * time.Millisecond,
			AnsweredGrace:  40 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			SampleInterval:      10 * time.Millisecond,
			DisconnectTolerance: 20 * time.Millisecond,
			MaxReconnects:       3,
			Backoff: retry.Config{
				MaxAttempts:  3,
				InitialDelay: 5 * time.Millisecond,
				MaxDelay:     20 * time.Millisecond,
				Multiplier:   2,
			},
		},
	}
	return &sessionFixture{
		deps: deps, factory: factory, devices: devices,
		store: store, records: records, network: network, kill: kill,
	}
}

func testPreset() domain.CallPreset {
	return domain.CallPreset{
		Name:         "good-video",
		Constraints:  domain.MediaConstraints{Audio: true, Video: true, AudioChannels: 2, SampleRate: 48000},
		MaxAudioKbps: 64,
		MaxVideoKbps: 1500,
	}
}

func (f *sessionFixture) newSession(role domain.CallRole) *CallSession {
	self, peer := "alice", "bob"
	if role == domain.RoleResponder {
		self, peer = "bob", "alice"
	}
	return NewCallSession("call_1", self, peer, role, testPreset(), f.deps)
}

func (f *sessionFixture) peerSends(t *testing.T, typ domain.SignalType, from, to string, payload map[string]interface{}) {
	t.Helper()
	env := &domain.SignalEnvelope{
		ID: utils.GenerateSignalID(), Type: typ, CallID: "call_1",
		FromUser: from, ToUser: to, CreatedAt: time.Now(), Payload: payload,
	}
	require.NoError(t, f.store.Append(context.Background(), env))
}

func (f *sessionFixture) storedByType(t *testing.T, typ domain.SignalType) []*domain.SignalEnvelope {
	t.Helper()
	all, err := f.store.Query(context.Background(), "call_1")
	require.NoError(t, err)
	var out []*domain.SignalEnvelope
	for _, env := range all {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	assert.Len(t, f.factory.Connections, 1)
	assert.Len(t, f.storedByType(t, domain.SignalOffer), 1)
}

func TestInitiatorOfferAndAnswerFlow(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())

	require.NoError(t, s.Start(context.Background()))

	offers := f.storedByType(t, domain.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "alice", offers[0].FromUser)
	assert.Equal(t, "bob", offers[0].ToUser)
	sdp, _ := offers[0].Payload["sdp"].(string)
	assert.NotEmpty(t, sdp)

	pc := f.factory.Last()
	assert.NotNil(t, pc.LocalDescription())
	require.Nil(t, pc.RemoteDescription())

	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\ns=-\r\n"})
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pionwebrtc.SDPTypeAnswer, pc.RemoteDescription().Type)
}

func TestResponderAnswersPersistedOffer(t *testing.T) {
	f := newFixture(t)
	f.peerSends(t, domain.SignalOffer, "alice", "bob", map[string]interface{}{"sdp": "v=0\r\ns=-\r\n"})

	s := f.newSession(domain.RoleResponder)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	require.NotNil(t, pc.RemoteDescription())
	assert.Equal(t, pionwebrtc.SDPTypeOffer, pc.RemoteDescription().Type)

	answers := f.storedByType(t, domain.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "bob", answers[0].FromUser)
}

func TestUnsolicitedAnswerIsDiscarded(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\ns=first\r\n"})
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)
	pc.FireConnectionState(pionwebrtc.PeerConnectionStateConnected)

	// no offer is outstanding and an answer was already applied, so a
	// second answer must not replace the remote description
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\ns=second\r\n"})
	time.Sleep(30 * time.Millisecond)
	assert.Contains(t, pc.RemoteDescription().SDP, "first")
}

func TestInitiatorIgnoresOfferBeforeConnected(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	f.peerSends(t, domain.SignalOffer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\n"})

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, f.factory.Last().RemoteDescription())
	assert.Empty(t, f.storedByType(t, domain.SignalAnswer))
}

func TestConnectedInitiatorAnswersRenegotiationOffer(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\n"})
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)
	pc.FireConnectionState(pionwebrtc.PeerConnectionStateConnected)

	f.peerSends(t, domain.SignalOffer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"})

	require.Eventually(t, func() bool {
		for _, env := range f.storedByType(t, domain.SignalAnswer) {
			if env.FromUser == "alice" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestInitiatorAppliesPersistedAnswerOnReplay(t *testing.T) {
	f := newFixture(t)
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\ns=replayed\r\n"})

	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	require.NotNil(t, pc.RemoteDescription())
	assert.Equal(t, pionwebrtc.SDPTypeAnswer, pc.RemoteDescription().Type)
	assert.Contains(t, pc.RemoteDescription().SDP, "replayed")
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	f.peerSends(t, domain.SignalCandidate, "bob", "alice", map[string]interface{}{
		"candidate": "candidate:1 1 udp 2 10.0.0.2 1 typ host", "sdpMid": "0", "sdpMLineIndex": float64(0),
	})

	pc := f.factory.Last()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, pc.Candidates())

	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\n"})
	require.Eventually(t, func() bool { return len(pc.Candidates()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatchedCandidatePayload(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\n"})
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)

	f.peerSends(t, domain.SignalCandidate, "bob", "alice", map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{"candidate": "candidate:1 1 udp 2 10.0.0.2 1 typ host"},
			map[string]interface{}{"candidate": "candidate:2 1 udp 3 1.2.3.4 1 typ srflx"},
		},
	})
	require.Eventually(t, func() bool { return len(pc.Candidates()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestLocalCandidatesFlushImmediatelyAtHighBandwidth(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	mid := "0"
	f.factory.Last().FireICECandidate(&pionwebrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2 10.0.0.2 1 typ host", SDPMid: &mid,
	})

	require.Eventually(t, func() bool {
		return len(f.storedByType(t, domain.SignalCandidate)) == 1
	}, time.Second, 5*time.Millisecond)

	payload := f.storedByType(t, domain.SignalCandidate)[0].Payload
	items, ok := payload["candidates"].([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestDuplicateSignalsApplyOnce(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\n"})
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)

	env := &domain.SignalEnvelope{
		ID: "dup_1", Type: domain.SignalCandidate, CallID: "call_1",
		FromUser: "bob", ToUser: "alice", CreatedAt: time.Now(),
		Payload: map[string]interface{}{"candidate": "candidate:9 1 udp 2 10.0.0.9 1 typ host"},
	}
	require.NoError(t, f.store.Append(context.Background(), env))
	require.NoError(t, f.store.Append(context.Background(), env))

	require.Eventually(t, func() bool { return len(pc.Candidates()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, pc.Candidates(), 1)
}

func TestSetupExtensionReportsWaiting(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())

	var mu sync.Mutex
	var states []domain.CallState
	s.OnStateChange(func(st domain.CallState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, st := range states {
			if st == domain.CallWaiting {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSetupTimeoutWithoutAnswerFailsAfterExtension(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.State() == domain.CallEnded
	}, time.Second, 5*time.Millisecond)

	statuses := f.records.Get("call_1")
	assert.Contains(t, statuses, "failed")
	assert.Contains(t, statuses, "ended")
}

func TestAnsweredSetupTimeoutRestartsICEThenFails(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	f.peerSends(t, domain.SignalAnswer, "bob", "alice", map[string]interface{}{"sdp": "v=0\r\n"})
	require.Eventually(t, func() bool { return pc.RemoteDescription() != nil }, time.Second, 5*time.Millisecond)

	// never connects: the setup deadline forces an ice restart first
	require.Eventually(t, func() bool { return pc.Restarts() > 0 }, time.Second, 5*time.Millisecond)

	// then the answered grace runs out and the call fails
	require.Eventually(t, func() bool { return s.State() == domain.CallEnded }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.records.Get("call_1"), "failed")
}

func TestConnectedLifecycle(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	var states []domain.CallState
	s.OnStateChange(func(st domain.CallState) { states = append(states, st) })

	pc := f.factory.Last()
	pc.FireConnectionState(pionwebrtc.PeerConnectionStateConnected)
	pc.FireConnectionState(pionwebrtc.PeerConnectionStateConnected)

	assert.Equal(t, domain.CallConnected, s.State())
	assert.Equal(t, []domain.CallState{domain.CallConnected}, states)
	assert.Equal(t, []string{"active"}, f.records.Get("call_1"))

	for _, sender := range pc.FakeSenders() {
		if sender.Kind() == "audio" {
			assert.Equal(t, 64, sender.MaxBitrate())
		}
	}
}

func TestEndIsIdempotentAndReleasesEverything(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	require.NoError(t, s.Start(context.Background()))

	pc := f.factory.Last()
	require.NoError(t, s.End(context.Background()))
	require.NoError(t, s.End(context.Background()))

	assert.True(t, pc.Closed)
	assert.Equal(t, []string{"ended"}, f.records.Get("call_1"))
	assert.Equal(t, domain.CallEnded, s.State())

	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrCallEnded)
}

func TestAudioOnlyFallbackOnDeviceFailure(t *testing.T) {
	f := newFixture(t)
	f.devices.FailCombined = true

	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	require.Len(t, f.devices.Captures, 1)
	assert.True(t, f.devices.Captures[0].Audio)
	assert.False(t, f.devices.Captures[0].Video)
}

func TestPermissionDenialSurfaces(t *testing.T) {
	f := newFixture(t)
	f.devices.DenyPermission = true

	s := f.newSession(domain.RoleInitiator)
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrPermissionDenied)
}

func TestAddVideoBlockedByKillSwitch(t *testing.T) {
	f := newFixture(t)
	f.kill.SetMode(domain.ModeLow)

	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	assert.ErrorIs(t, s.AddVideo(context.Background()), domain.ErrVideoDisabled)
}

func TestAddVideoRenegotiatesUnderCooldown(t *testing.T) {
	f := newFixture(t)
	f.kill.SetMode(domain.ModeHigh)

	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.AddVideo(context.Background()))
	assert.Len(t, f.storedByType(t, domain.SignalOffer), 2)

	assert.ErrorIs(t, s.AddVideo(context.Background()), domain.ErrRenegotiationCooldown)
}

func TestTrackControls(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(domain.RoleInitiator)
	defer s.End(context.Background())
	require.NoError(t, s.Start(context.Background()))

	t.Run("mute and unmute audio", func(t *testing.T) {
		s.SetAudioMuted(true)
		for _, track := range s.audioTracks() {
			assert.False(t, track.Enabled())
		}
		s.SetAudioMuted(false)
		for _, track := range s.audioTracks() {
			assert.True(t, track.Enabled())
		}
	})

	t.Run("disable video", func(t *testing.T) {
		s.DisableVideo()
		for _, track := range s.VideoTracks() {
			assert.False(t, track.Enabled())
		}
	})

	t.Run("switch camera replaces sender track", func(t *testing.T) {
		pc := f.factory.Last()
		require.NoError(t, s.SwitchCamera(context.Background(), "front"))
		found := false
		for _, sender := range pc.FakeSenders() {
			if sender.Kind() == "video" {
				assert.Contains(t, sender.Track().ID(), "cam-front")
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("zoom applies via capable track", func(t *testing.T) {
		require.NoError(t, s.SetZoom(2.0))
	})

	t.Run("dtmf goes to audio sender", func(t *testing.T) {
		require.NoError(t, s.SendDTMF("123#"))
		pc := f.factory.Last()
		for _, sender := range pc.FakeSenders() {
			if sender.Kind() == "audio" {
				assert.Equal(t, []string{"123#"}, sender.DTMFDigits)
			}
		}
	})
}
