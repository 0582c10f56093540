package services

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

// AudioProfile is the fixed Opus tuning tuple for one network mode.
type AudioProfile struct {
	MaxKbps      int
	DTX          bool
	FEC          bool
	Channels     int
	ClockRate    int
	PacketTimeMs int
	CBR          bool
}

var audioProfiles = map[domain.NetworkMode]AudioProfile{
	domain.ModeOffline:  {MaxKbps: 12, DTX: true, FEC: true, Channels: 1, ClockRate: 16000, PacketTimeMs: 60, CBR: true},
	domain.ModeUltraLow: {MaxKbps: 12, DTX: true, FEC: true, Channels: 1, ClockRate: 16000, PacketTimeMs: 60, CBR: true},
	domain.ModeLow:      {MaxKbps: 24, DTX: true, FEC: true, Channels: 1, ClockRate: 24000, PacketTimeMs: 40, CBR: false},
	domain.ModeNormal:   {MaxKbps: 64, DTX: false, FEC: true, Channels: 1, ClockRate: 48000, PacketTimeMs: 20, CBR: false},
	domain.ModeHigh:     {MaxKbps: 128, DTX: false, FEC: true, Channels: 2, ClockRate: 48000, PacketTimeMs: 20, CBR: false},
}

// AudioProfileFor returns the tuning tuple for a mode.
func AudioProfileFor(mode domain.NetworkMode) AudioProfile {
	if p, ok := audioProfiles[mode]; ok {
		return p
	}
	return audioProfiles[domain.ModeHigh]
}

// AudioOptimizer enforces per-mode Opus tuning two ways: sender
// parameters after connect, and session-description rewriting before
// negotiation for parameters sender params cannot express. Both are
// reapplied on every mode change during an active call.
type AudioOptimizer struct {
	logger *zap.SugaredLogger
}

func NewAudioOptimizer(logger *zap.SugaredLogger) *AudioOptimizer {
	return &AudioOptimizer{logger: logger}
}

// ApplySenderParams updates every outbound audio sender for the mode.
// Failures are logged and swallowed.
func (a *AudioOptimizer) ApplySenderParams(pc ports.PeerConnection, mode domain.NetworkMode) {
	profile := AudioProfileFor(mode)
	for _, sender := range pc.Senders() {
		if sender.Kind() != "audio" {
			continue
		}
		if err := sender.SetMaxBitrate(profile.MaxKbps); err != nil {
			a.logger.Warnw("failed to set audio bitrate",
				"mode", mode.String(), "kbps", profile.MaxKbps, "error", err)
			continue
		}
		if mode <= domain.ModeUltraLow {
			if err := sender.SetPriority("high"); err != nil {
				a.logger.Debugw("failed to set audio priority", "error", err)
			}
		}
	}
}

// RewriteSessionDescription munges the Opus fmtp line of every audio
// section to carry the mode's profile. Unparseable input is returned
// unchanged with an error for the caller to log.
func (a *AudioOptimizer) RewriteSessionDescription(sdpText string, mode domain.NetworkMode) (string, error) {
	profile := AudioProfileFor(mode)

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return sdpText, fmt.Errorf("parse session description: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		payloadType := opusPayloadType(media)
		if payloadType == "" {
			continue
		}
		rewriteOpusMedia(media, payloadType, profile)
	}

	out, err := desc.Marshal()
	if err != nil {
		return sdpText, fmt.Errorf("marshal session description: %w", err)
	}
	return string(out), nil
}

func opusPayloadType(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if strings.Contains(strings.ToLower(attr.Value), "opus/") {
			fields := strings.Fields(attr.Value)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

func rewriteOpusMedia(media *sdp.MediaDescription, payloadType string, profile AudioProfile) {
	fmtp := opusFmtpValue(payloadType, profile)
	fmtpPrefix := payloadType + " "

	replaced := false
	attrs := media.Attributes[:0]
	for _, attr := range media.Attributes {
		switch {
		case attr.Key == "fmtp" && strings.HasPrefix(attr.Value, fmtpPrefix):
			attr.Value = fmtp
			replaced = true
		case attr.Key == "ptime" || attr.Key == "maxptime":
			continue
		}
		attrs = append(attrs, attr)
	}
	media.Attributes = attrs

	if !replaced {
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: "fmtp", Value: fmtp})
	}
	media.Attributes = append(media.Attributes,
		sdp.Attribute{Key: "ptime", Value: fmt.Sprintf("%d", profile.PacketTimeMs)})
}

func opusFmtpValue(payloadType string, profile AudioProfile) string {
	params := []string{
		fmt.Sprintf("maxaveragebitrate=%d", profile.MaxKbps*1000),
		fmt.Sprintf("maxplaybackrate=%d", profile.ClockRate),
		fmt.Sprintf("stereo=%d", boolTo01(profile.Channels == 2)),
		fmt.Sprintf("sprop-stereo=%d", boolTo01(profile.Channels == 2)),
		fmt.Sprintf("usedtx=%d", boolTo01(profile.DTX)),
		fmt.Sprintf("useinbandfec=%d", boolTo01(profile.FEC)),
		fmt.Sprintf("cbr=%d", boolTo01(profile.CBR)),
		"minptime=10",
	}
	return payloadType + " " + strings.Join(params, ";")
}

func boolTo01(b bool) int {
	if b {
		return 1
	}
	return 0
}
