package domain

// Severity grades a UI banner.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// UIState is the single user-facing status derived from mode,
// degradation state and the local-call flag. Raw errors never appear
// here.
type UIState struct {
	Key      string
	Message  string
	Label    string
	Icon     string
	Color    string
	Severity Severity
}

// SignalStrength maps a mode to the 0-4 bar display for external chrome.
func SignalStrength(mode NetworkMode) int {
	if mode < ModeOffline || mode > ModeHigh {
		return 4
	}
	return int(mode)
}
