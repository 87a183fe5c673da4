package protocol

import (
	"encoding/json"
	"fmt"
)

// payloadValidators checks the required fields of each client→server
// message type. A type missing from the map is rejected.
var payloadValidators = map[string]func(*Message) error{
	TypeSessionCreate: func(m *Message) error {
		var p SessionCreatePayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.Provider == "" {
			return missingField(m.Type, "provider")
		}
		if p.WorkDir == "" {
			return missingField(m.Type, "workDir")
		}
		if p.Prompt == "" {
			return missingField(m.Type, "prompt")
		}
		return nil
	},
	TypeSessionInput: func(m *Message) error {
		var p SessionInputPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return missingField(m.Type, "sessionId")
		}
		if p.Data == "" {
			return missingField(m.Type, "data")
		}
		return nil
	},
	TypeSessionResize: func(m *Message) error {
		var p SessionResizePayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return missingField(m.Type, "sessionId")
		}
		if p.Cols == 0 || p.Rows == 0 {
			return fmt.Errorf("%s requires positive 'cols' and 'rows'", m.Type)
		}
		return nil
	},
	TypeSessionKill:          requireSessionID,
	TypeSessionActivity:      requireSessionID,
	TypeSessionRequestOutput: requireSessionID,
	TypeFilesRequestTree:     requireSessionID,
	TypeAgentRequestConfig:   requireSessionID,
}

func requireSessionID(m *Message) error {
	var p SessionIDPayload
	if err := m.Decode(&p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return missingField(m.Type, "sessionId")
	}
	return nil
}

func missingField(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	validate, ok := payloadValidators[msg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
