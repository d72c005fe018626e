package protocol

import (
	"encoding/json"
	"testing"
)

// validValveCommandMessage returns a minimal valid valve command
// request for testing.
func validValveCommandMessage() *Message {
	payload := ValveCommandPayload{Chamber: 0, Inlet: true, Outlet: false}
	payloadBytes, _ := json.Marshal(payload)
	return &Message{
		Envelope: Envelope{
			ID:            "550e8400-e29b-41d4-a716-446655440000",
			Timestamp:     1771329600,
			Source:        Source{Service: "leakrig_server", Instance: "leakrig-01", Version: "1.0.0"},
			SchemaVersion: "v1.0.0",
			Type:          TypeValveCommandRequest,
			CorrelationID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
			ReplyTo:       "responses:leakrig-01",
		},
		Payload: json.RawMessage(payloadBytes),
	}
}

func validPressureReadResponseMessage() *Message {
	payload := PressureReadResultPayload{ReadingsMbar: [3]float64{300.2, 0, 0}}
	payloadBytes, _ := json.Marshal(payload)
	return &Message{
		Envelope: Envelope{
			ID:            "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11",
			Timestamp:     1771329600,
			Source:        Source{Service: "rig_firmware", Instance: "leakrig-01", Version: "1.0.0"},
			SchemaVersion: "v1.0.0",
			Type:          TypePressureReadResponse,
			CorrelationID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		},
		Payload: json.RawMessage(payloadBytes),
	}
}

func validEmergencyStopMessage() *Message {
	payload := EmergencyStopPayload{
		Reason:    "button_press",
		Initiator: "estop-01",
	}
	payloadBytes, _ := json.Marshal(payload)
	return &Message{
		Envelope: Envelope{
			ID:            "e4f5a6b7-c8d9-4e0f-9a2b-3c4d5e6f7a8b",
			Timestamp:     1771329795,
			Source:        Source{Service: "estop_panel", Instance: "estop-01", Version: "1.0.0"},
			SchemaVersion: "v1.0.0",
			Type:          TypeSystemEmergencyStop,
		},
		Payload: json.RawMessage(payloadBytes),
	}
}

func TestValidateAllTypes(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"valve_command_request", validValveCommandMessage()},
		{"pressure_read_response", validPressureReadResponseMessage()},
		{"emergency_stop", validEmergencyStopMessage()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.msg); err != nil {
				t.Errorf("Validate() error: %v", err)
			}
		})
	}
}

func TestValidateInvalidMessages(t *testing.T) {
	tests := []struct {
		name   string
		modify func(msg *Message)
	}{
		{
			name: "empty_id",
			modify: func(msg *Message) {
				msg.Envelope.ID = ""
			},
		},
		{
			name: "invalid_id_format",
			modify: func(msg *Message) {
				msg.Envelope.ID = "not-a-uuid"
			},
		},
		{
			name: "uuid_v1_rejected",
			modify: func(msg *Message) {
				// UUIDv1 has version nibble '1' instead of '4'
				msg.Envelope.ID = "550e8400-e29b-11d4-a716-446655440000"
			},
		},
		{
			name: "negative_timestamp",
			modify: func(msg *Message) {
				msg.Envelope.Timestamp = -1
			},
		},
		{
			name: "wrong_schema_version",
			modify: func(msg *Message) {
				msg.Envelope.SchemaVersion = "v2.0.0"
			},
		},
		{
			name: "unknown_type",
			modify: func(msg *Message) {
				msg.Envelope.Type = "unknown.type"
			},
		},
		{
			name: "invalid_source_service_uppercase",
			modify: func(msg *Message) {
				msg.Envelope.Source.Service = "Controller"
			},
		},
		{
			name: "invalid_source_service_starts_with_number",
			modify: func(msg *Message) {
				msg.Envelope.Source.Service = "1controller"
			},
		},
		{
			name: "empty_source_service",
			modify: func(msg *Message) {
				msg.Envelope.Source.Service = ""
			},
		},
		{
			name: "invalid_source_instance",
			modify: func(msg *Message) {
				msg.Envelope.Source.Instance = "STATION 01"
			},
		},
		{
			name: "invalid_source_version",
			modify: func(msg *Message) {
				msg.Envelope.Source.Version = "v1.0"
			},
		},
		{
			name: "invalid_correlation_id_format",
			modify: func(msg *Message) {
				msg.Envelope.CorrelationID = "not-a-valid-uuid"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validValveCommandMessage()
			tt.modify(msg)
			if err := Validate(msg); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestValidateRequestMissingCorrelationID(t *testing.T) {
	msg := validValveCommandMessage()
	msg.Envelope.CorrelationID = ""
	if err := Validate(msg); err == nil {
		t.Error("Validate() expected error for missing correlation_id on request")
	}
}

func TestValidateRequestMissingReplyTo(t *testing.T) {
	msg := validValveCommandMessage()
	msg.Envelope.ReplyTo = ""
	if err := Validate(msg); err == nil {
		t.Error("Validate() expected error for missing reply_to on request")
	}
}

func TestValidateResponseMissingCorrelationID(t *testing.T) {
	msg := validPressureReadResponseMessage()
	msg.Envelope.CorrelationID = ""
	if err := Validate(msg); err == nil {
		t.Error("Validate() expected error for missing correlation_id on response")
	}
}

func TestValidateEmergencyStopOnlyRequiredFields(t *testing.T) {
	msg := validEmergencyStopMessage()
	// Emergency stop doesn't require correlation_id or reply_to
	msg.Envelope.CorrelationID = ""
	msg.Envelope.ReplyTo = ""
	if err := Validate(msg); err != nil {
		t.Errorf("Validate() error on minimal emergency stop: %v", err)
	}
}
