package ports

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"

	"callkit/internal/core/domain"
)

// RTPSender is one outbound media sender with settable encoding
// parameters.
type RTPSender interface {
	Kind() string
	Track() LocalTrack
	ReplaceTrack(t LocalTrack) error
	// SetMaxBitrate sets the encoding ceiling in kbps; 0 removes it.
	SetMaxBitrate(kbps int) error
	MaxBitrate() int
	// SetPriority hints relative send priority ("high", "medium", "low").
	SetPriority(priority string) error
}

// DTMFInserter is implemented by audio senders that support DTMF tone
// insertion. Discovered by type assertion.
type DTMFInserter interface {
	InsertDTMF(digits string, durationMs, gapMs int) error
}

// ConnectionStats is one health sample of a live connection.
type ConnectionStats struct {
	RTT         time.Duration
	LossPercent float64
	Jitter      time.Duration
	SampledAt   time.Time
}

// RemoteTrackInfo describes an inbound track as it arrives.
type RemoteTrackInfo struct {
	ID   string
	Kind string
}

// PeerConnection is the standard peer-connection collaborator. The
// production adapter wraps pion; tests use an in-memory fake.
type PeerConnection interface {
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(t LocalTrack) (RTPSender, error)
	Senders() []RTPSender

	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnRemoteTrack(fn func(RemoteTrackInfo))

	Stats(ctx context.Context) (ConnectionStats, error)
	Close() error
}

// ConnectionFactory builds peer connections from a preset.
type ConnectionFactory interface {
	NewConnection(preset domain.CallPreset) (PeerConnection, error)
}
