package common

import (
	"github.com/google/uuid"
)

// NewRunID generates a unique pipeline run ID with the "run_" prefix
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewClientID generates a unique WebSocket client ID with the "client_" prefix
// Format: client_<uuid>
func NewClientID() string {
	return "client_" + uuid.New().String()
}
