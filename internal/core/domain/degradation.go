package domain

import "time"

// DegradationLevel is the ordered quality ladder a call moves along,
// one level per step.
type DegradationLevel int

const (
	LevelStoreForward DegradationLevel = iota
	LevelTextOnly
	LevelAudioLow
	LevelAudioHD
	LevelSDVideo
	LevelHDVideo
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelStoreForward:
		return "store-forward"
	case LevelTextOnly:
		return "text-only"
	case LevelAudioLow:
		return "audio-low"
	case LevelAudioHD:
		return "audio-hd"
	case LevelSDVideo:
		return "sd-video"
	case LevelHDVideo:
		return "hd-video"
	default:
		return "unknown"
	}
}

// DegradationSnapshot is a point-in-time view of the ladder state.
// IsDegrading and IsRecovering are never simultaneously true.
type DegradationSnapshot struct {
	Current       DegradationLevel
	Target        DegradationLevel
	IsDegrading   bool
	IsRecovering  bool
	LastChange    time.Time
	FallbackCount int
}
