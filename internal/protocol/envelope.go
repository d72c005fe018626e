package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants for the rig's command/response and
// emergency-stop traffic over Redis Pub/Sub.
const (
	TypeValveCommandRequest  = "rig.valve_command.request"
	TypeValveCommandResponse = "rig.valve_command.response"
	TypePressureReadRequest  = "rig.pressure_read.request"
	TypePressureReadResponse = "rig.pressure_read.response"
	TypeSystemEmergencyStop  = "system.emergency_stop"
)

// ValidMessageTypes lists all valid message types.
var ValidMessageTypes = []string{
	TypeValveCommandRequest,
	TypeValveCommandResponse,
	TypePressureReadRequest,
	TypePressureReadResponse,
	TypeSystemEmergencyStop,
}

// SchemaVersion is the current protocol version.
const SchemaVersion = "v1.0.0"

// Message is the top-level protocol message containing an envelope and payload.
type Message struct {
	Envelope Envelope        `json:"envelope"`
	Payload  json.RawMessage `json:"payload"`
}

// Envelope contains message metadata and routing information.
type Envelope struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"`
	Source        Source `json:"source"`
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// Source identifies who sent a message.
type Source struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}

// Error is a standard error object used in response payloads.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ValveCommandPayload requests an inlet/outlet valve state change for
// one chamber. inlet and outlet are never both true — the firmware
// rejects a request that would open both at once.
type ValveCommandPayload struct {
	Chamber int  `json:"chamber"`
	Inlet   bool `json:"inlet"`
	Outlet  bool `json:"outlet"`
}

// ValveCommandResultPayload reports whether a ValveCommandPayload was
// applied.
type ValveCommandResultPayload struct {
	Chamber int    `json:"chamber"`
	Success bool   `json:"success"`
	Error   *Error `json:"error,omitempty"`
}

// PressureReadResultPayload carries one pressure reading per chamber,
// in mbar, ordered by chamber index. The request itself carries no
// payload.
type PressureReadResultPayload struct {
	ReadingsMbar [3]float64 `json:"readings_mbar"`
	Error        *Error     `json:"error,omitempty"`
}

// EmergencyStopPayload contains fields from the system.emergency_stop payload.
type EmergencyStopPayload struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
	Initiator   string `json:"initiator,omitempty"`
}

// NewEnvelope creates a new envelope with a generated UUIDv4 and current UTC timestamp.
func NewEnvelope(source Source, msgType string) Envelope {
	return Envelope{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC().Unix(),
		Source:        source,
		SchemaVersion: SchemaVersion,
		Type:          msgType,
	}
}

// NewMessage builds a complete message with envelope and marshaled payload.
func NewMessage(source Source, msgType string, payload interface{}) (*Message, error) {
	env := NewEnvelope(source, msgType)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Message{
		Envelope: env,
		Payload:  json.RawMessage(payloadBytes),
	}, nil
}

// NewValveCommandRequest builds a rig.valve_command.request message.
func NewValveCommandRequest(source Source, chamber int, inlet, outlet bool) (*Message, error) {
	return NewMessage(source, TypeValveCommandRequest, ValveCommandPayload{
		Chamber: chamber,
		Inlet:   inlet,
		Outlet:  outlet,
	})
}

// NewPressureReadRequest builds a rig.pressure_read.request message.
// The firmware needs no parameters to read all three chambers.
func NewPressureReadRequest(source Source) (*Message, error) {
	return NewMessage(source, TypePressureReadRequest, struct{}{})
}

// Parse unmarshals JSON bytes into a Message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}

// ParseValveCommandResult extracts a ValveCommandResultPayload from a Message.
func ParseValveCommandResult(msg *Message) (*ValveCommandResultPayload, error) {
	var p ValveCommandResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse valve command result payload: %w", err)
	}
	return &p, nil
}

// ParsePressureReadResult extracts a PressureReadResultPayload from a Message.
func ParsePressureReadResult(msg *Message) (*PressureReadResultPayload, error) {
	var p PressureReadResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse pressure read result payload: %w", err)
	}
	return &p, nil
}

// ParseEmergencyStop extracts an EmergencyStopPayload from a Message.
func ParseEmergencyStop(msg *Message) (*EmergencyStopPayload, error) {
	var p EmergencyStopPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse emergency stop payload: %w", err)
	}
	return &p, nil
}
