// Package push turns vendor push payloads into incoming calls. A
// payload that cannot be decoded is dropped with a warning; it never
// reaches the call controller and never crashes the handler.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sitelink-io/sitelink/internal/call"
)

// ErrInvalidPayload marks a push payload that is malformed or missing
// required fields.
var ErrInvalidPayload = errors.New("invalid push payload")

// incomingCallPayload is the wire shape of an incoming-call push.
// Pointers distinguish "absent" from zero values; unknown extra fields
// are ignored.
type incomingCallPayload struct {
	CallID      *string `json:"call_id"`
	ChannelID   *string `json:"channel_id"`
	CallerName  *string `json:"caller_name"`
	IsEmergency *bool   `json:"is_emergency"`
}

// Decode parses an incoming-call push payload into call metadata.
func Decode(payload []byte) (call.Metadata, error) {
	var p incomingCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return call.Metadata{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if p.CallID == nil || *p.CallID == "" {
		return call.Metadata{}, fmt.Errorf("%w: missing call_id", ErrInvalidPayload)
	}
	if p.ChannelID == nil || *p.ChannelID == "" {
		return call.Metadata{}, fmt.Errorf("%w: missing channel_id", ErrInvalidPayload)
	}
	if p.CallerName == nil {
		return call.Metadata{}, fmt.Errorf("%w: missing caller_name", ErrInvalidPayload)
	}
	if p.IsEmergency == nil {
		return call.Metadata{}, fmt.Errorf("%w: missing is_emergency", ErrInvalidPayload)
	}

	return call.Metadata{
		CallID:     *p.CallID,
		ChannelID:  *p.ChannelID,
		CallerName: *p.CallerName,
		Emergency:  *p.IsEmergency,
	}, nil
}
