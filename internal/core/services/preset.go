package services

import (
	"time"

	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

// PresetService maps a network quality tier to the immutable per-call
// configuration bundle. Selection happens once per call.
type PresetService struct {
	iceServers []domain.ICEServer
	logger     *zap.SugaredLogger
}

func NewPresetService(iceServers []domain.ICEServer, logger *zap.SugaredLogger) *PresetService {
	return &PresetService{iceServers: iceServers, logger: logger}
}

// Select picks the preset for a quality tier and video intent.
func (p *PresetService) Select(quality domain.NetworkQuality, wantsVideo bool) domain.CallPreset {
	switch quality {
	case domain.QualityHostile:
		return domain.CallPreset{
			Name:              "hostile-survival",
			ICEServers:        p.relayServers(),
			TransportPolicy:   domain.TransportRelayOnly,
			BundlePolicy:      "max-bundle",
			RTCPMuxPolicy:     "require",
			CandidatePoolSize: 1,
			ConnectTimeout:    30 * time.Second,
			DisconnectTimeout: 12 * time.Second,
			MaxReconnects:     5,
			Constraints: domain.MediaConstraints{
				Audio:         true,
				Video:         false,
				AudioChannels: 1,
				SampleRate:    16000,
			},
			MaxAudioKbps: 12,
			MaxVideoKbps: 0,
		}

	case domain.QualityModerate:
		preset := domain.CallPreset{
			Name:              "moderate-audio",
			ICEServers:        p.iceServers,
			TransportPolicy:   domain.TransportAll,
			BundlePolicy:      "max-bundle",
			RTCPMuxPolicy:     "require",
			CandidatePoolSize: 2,
			ConnectTimeout:    20 * time.Second,
			DisconnectTimeout: 10 * time.Second,
			MaxReconnects:     4,
			Constraints: domain.MediaConstraints{
				Audio:         true,
				Video:         false,
				AudioChannels: 1,
				SampleRate:    48000,
			},
			MaxAudioKbps: 32,
			MaxVideoKbps: 0,
		}
		if wantsVideo {
			preset.Name = "moderate-video"
			preset.Constraints.Video = true
			preset.Constraints.VideoWidth = 640
			preset.Constraints.VideoHeight = 360
			preset.Constraints.FrameRate = 15
			preset.MaxVideoKbps = 400
		}
		return preset

	default:
		return domain.CallPreset{
			Name:              "good-full",
			ICEServers:        p.iceServers,
			TransportPolicy:   domain.TransportAll,
			BundlePolicy:      "balanced",
			RTCPMuxPolicy:     "require",
			CandidatePoolSize: 4,
			ConnectTimeout:    15 * time.Second,
			DisconnectTimeout: 8 * time.Second,
			MaxReconnects:     3,
			Constraints: domain.MediaConstraints{
				Audio:         true,
				Video:         wantsVideo,
				AudioChannels: 2,
				SampleRate:    48000,
				VideoWidth:    1280,
				VideoHeight:   720,
				FrameRate:     30,
			},
			MaxAudioKbps: 128,
			MaxVideoKbps: 1500,
		}
	}
}

// FastDefault is the minimal-latency preset used to build the
// connection itself; adaptive bitrate is applied only after connect.
func (p *PresetService) FastDefault() domain.CallPreset {
	return domain.CallPreset{
		Name:              "fast-default",
		ICEServers:        p.iceServers,
		TransportPolicy:   domain.TransportAll,
		BundlePolicy:      "max-bundle",
		RTCPMuxPolicy:     "require",
		CandidatePoolSize: 2,
		ConnectTimeout:    15 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		MaxReconnects:     3,
		Constraints: domain.MediaConstraints{
			Audio:         true,
			AudioChannels: 1,
			SampleRate:    48000,
		},
		MaxAudioKbps: 64,
		MaxVideoKbps: 0,
	}
}

// LocalPreset is used when the partner is a known LAN peer: signaling
// and the connection bypass external servers entirely.
func (p *PresetService) LocalPreset(wantsVideo bool) domain.CallPreset {
	preset := p.Select(domain.QualityGood, wantsVideo)
	preset.Name = "local-network"
	preset.ICEServers = nil
	return preset
}

// ApplyBitrateLimits clamps every active outbound sender to the
// preset's per-kind ceiling. Failures are logged, never returned.
func (p *PresetService) ApplyBitrateLimits(pc ports.PeerConnection, preset domain.CallPreset) {
	for _, sender := range pc.Senders() {
		var limit int
		switch sender.Kind() {
		case "audio":
			limit = preset.MaxAudioKbps
		case "video":
			limit = preset.MaxVideoKbps
		default:
			continue
		}
		if limit <= 0 {
			continue
		}
		if err := sender.SetMaxBitrate(limit); err != nil {
			p.logger.Warnw("failed to apply bitrate limit",
				"kind", sender.Kind(),
				"limit_kbps", limit,
				"error", err,
			)
		}
	}
}

func (p *PresetService) relayServers() []domain.ICEServer {
	var relays []domain.ICEServer
	for _, s := range p.iceServers {
		for _, url := range s.URLs {
			if len(url) >= 4 && url[:4] == "turn" {
				relays = append(relays, s)
				break
			}
		}
	}
	if len(relays) == 0 {
		// No TURN configured: fall back to the full list so a hostile
		// network still has a path.
		return p.iceServers
	}
	return relays
}
