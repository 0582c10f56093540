package domain

// NetworkMode is the 5-level connectivity classification driving media
// policy. Exactly one mode is active per store at any time.
type NetworkMode int

const (
	ModeOffline  NetworkMode = iota // no connectivity
	ModeUltraLow                    // 2G-class, voice barely survives
	ModeLow                         // constrained 3G-class
	ModeNormal                      // typical mobile data
	ModeHigh                        // wifi / unconstrained
)

// ModeAttrs are the fixed media-policy attributes of a mode.
type ModeAttrs struct {
	MaxAudioKbps     int
	MaxVideoKbps     int
	VideoAllowed     bool
	VideoRequiresTap bool
	Description      string
}

var modeAttrs = map[NetworkMode]ModeAttrs{
	ModeOffline: {
		MaxAudioKbps: 0, MaxVideoKbps: 0,
		VideoAllowed: false, VideoRequiresTap: false,
		Description: "Offline - store and forward only",
	},
	ModeUltraLow: {
		MaxAudioKbps: 12, MaxVideoKbps: 0,
		VideoAllowed: false, VideoRequiresTap: false,
		Description: "Ultra low bandwidth - survival audio",
	},
	ModeLow: {
		MaxAudioKbps: 24, MaxVideoKbps: 0,
		VideoAllowed: false, VideoRequiresTap: false,
		Description: "Low bandwidth - audio only",
	},
	ModeNormal: {
		MaxAudioKbps: 64, MaxVideoKbps: 500,
		VideoAllowed: true, VideoRequiresTap: true,
		Description: "Normal - audio plus tap-to-enable video",
	},
	ModeHigh: {
		MaxAudioKbps: 128, MaxVideoKbps: 1500,
		VideoAllowed: true, VideoRequiresTap: false,
		Description: "High bandwidth - full quality",
	},
}

// Attrs returns the mode's fixed attributes. Unknown modes fail open to
// the best mode's attributes, never to offline.
func (m NetworkMode) Attrs() ModeAttrs {
	if a, ok := modeAttrs[m]; ok {
		return a
	}
	return modeAttrs[ModeHigh]
}

// Valid reports whether m is one of the five defined modes.
func (m NetworkMode) Valid() bool {
	_, ok := modeAttrs[m]
	return ok
}

func (m NetworkMode) String() string {
	switch m {
	case ModeOffline:
		return "offline"
	case ModeUltraLow:
		return "ultra-low"
	case ModeLow:
		return "low"
	case ModeNormal:
		return "normal"
	case ModeHigh:
		return "high"
	default:
		return "unknown"
	}
}

// NetworkQuality is the coarse tier used only for initial preset and
// transport-policy choice. It deliberately coexists with NetworkMode.
type NetworkQuality string

const (
	QualityGood     NetworkQuality = "good"
	QualityModerate NetworkQuality = "moderate"
	QualityHostile  NetworkQuality = "hostile"
)

// ICEQuality is the sampled health tier of a live connection.
type ICEQuality string

const (
	ICEExcellent ICEQuality = "excellent"
	ICEGood      ICEQuality = "good"
	ICEPoor      ICEQuality = "poor"
)
