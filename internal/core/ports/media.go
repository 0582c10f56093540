package ports

import (
	"context"

	"callkit/internal/core/domain"
)

// LocalTrack is one captured media track. Disabling keeps the track
// alive but stops it producing media; Stop releases the device.
type LocalTrack interface {
	ID() string
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// MediaStream is a bundle of local capture tracks.
type MediaStream interface {
	Tracks() []LocalTrack
	AudioTracks() []LocalTrack
	VideoTracks() []LocalTrack
}

// MediaDevices is the capture-device abstraction supplied by the
// platform. It is a collaborator, never reimplemented here.
type MediaDevices interface {
	// GetUserMedia acquires capture per constraints. Permission denial
	// is reported as domain.ErrPermissionDenied.
	GetUserMedia(ctx context.Context, c domain.MediaConstraints) (MediaStream, error)
	// GetCameraTrack acquires a single video track from a specific
	// camera, used for camera switching.
	GetCameraTrack(ctx context.Context, deviceID string, c domain.MediaConstraints) (LocalTrack, error)
}

// Zoomer is implemented by video tracks with hardware zoom support.
// Discovered by type assertion; absence is silently ignored.
type Zoomer interface {
	SetZoom(level float64) error
}
