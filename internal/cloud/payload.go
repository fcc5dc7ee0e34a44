package cloud

import (
	"time"

	"github.com/google/uuid"
)

// protocolVersion is sent in every uplink envelope.
const protocolVersion = "1.0"

// Reply codes for service/set_reply messages.
const (
	CodeSuccess     = 200
	CodeDeviceError = 500
	CodeBadRequest  = 400
	CodeNotFound    = 404
)

// PropertyPost is the uplink telemetry envelope.
type PropertyPost struct {
	ID        string         `json:"id"`
	Version   string         `json:"version"`
	Timestamp int64          `json:"timestamp"`
	Params    map[string]any `json:"params"`
}

// NewPropertyPost builds an envelope around the given property values.
// Message IDs are UUIDv7 so they sort by creation time on the platform
// side.
func NewPropertyPost(params map[string]any) PropertyPost {
	return PropertyPost{
		ID:        newMessageID(),
		Version:   protocolVersion,
		Timestamp: time.Now().UnixMilli(),
		Params:    params,
	}
}

// SetCommand is a downlink control command. Only switch state changes
// are supported; State is a pointer so a missing field is
// distinguishable from an explicit 0.
type SetCommand struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Params  struct {
		State *int `json:"state"`
	} `json:"params"`
}

// SetReply acknowledges a downlink command.
type SetReply struct {
	ID      string         `json:"id"`
	Code    int            `json:"code"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// newMessageID returns a UUIDv7, falling back to v4 if the system
// clock misbehaves.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
