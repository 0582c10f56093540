package domain

import "errors"

var (
	ErrCallEnded             = errors.New("call already ended")
	ErrSetupTimeout          = errors.New("call setup timed out")
	ErrRecoveryExhausted     = errors.New("connection recovery attempts exhausted")
	ErrPermissionDenied      = errors.New("capture permission denied")
	ErrCaptureUnavailable    = errors.New("capture device unavailable")
	ErrVideoDisabled         = errors.New("video disabled by network policy")
	ErrRenegotiationCooldown = errors.New("renegotiation rejected inside cooldown window")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrNoRemoteDescription   = errors.New("no remote description set")
)
