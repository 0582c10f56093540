package domain

import "time"

// TransportPolicy restricts which ICE candidates a call may use.
type TransportPolicy string

const (
	TransportAll       TransportPolicy = "all"
	TransportRelayOnly TransportPolicy = "relay"
)

// ICEServer is a STUN or TURN server entry for a preset.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// MediaConstraints describe the capture request shape for a preset.
type MediaConstraints struct {
	Audio         bool
	Video         bool
	AudioChannels int // 1 mono, 2 stereo
	SampleRate    int // Hz
	VideoWidth    int
	VideoHeight   int
	FrameRate     int
}

// CallPreset is the immutable per-call configuration bundle selected
// once from the network quality tier before the connection is built.
type CallPreset struct {
	Name              string
	ICEServers        []ICEServer
	TransportPolicy   TransportPolicy
	BundlePolicy      string
	RTCPMuxPolicy     string
	CandidatePoolSize int
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxReconnects     int
	Constraints       MediaConstraints
	MaxAudioKbps      int
	MaxVideoKbps      int
}
