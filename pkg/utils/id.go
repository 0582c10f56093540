package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateCallID generates a unique call ID.
func GenerateCallID() string {
	return fmt.Sprintf("call_%s", uuid.NewString())
}

// GenerateSignalID generates a unique signal ID used for dedup on receipt.
func GenerateSignalID() string {
	return fmt.Sprintf("sig_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// GeneratePeerID generates a unique local peer ID for LAN discovery.
func GeneratePeerID() string {
	return fmt.Sprintf("peer_%s", uuid.NewString()[:12])
}

// GenerateUserID generates a unique user ID.
func GenerateUserID() string {
	return fmt.Sprintf("user_%s", uuid.NewString())
}
