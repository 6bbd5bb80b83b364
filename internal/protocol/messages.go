package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeTaskStatus MessageType = "task_status"
)

// MaxEpochSeconds is the largest timestamp accepted on the wire, the last
// second of year 9999.
const MaxEpochSeconds = 253402300799

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidPayload  = errors.New("invalid task_status payload")
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// TaskStatus is the payload of a task_status frame. The history endpoint
// returns arrays of the same shape.
type TaskStatus struct {
	TaskID    string          `json:"task_id"`
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Progress  *Progress       `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt float64         `json:"created_at"`
	UpdatedAt float64         `json:"updated_at"`
}

type TaskStatusMessage struct {
	Type    MessageType `json:"type"`
	Payload TaskStatus  `json:"payload"`
}

var knownStatuses = map[string]struct{}{
	"started":               {},
	"processing":            {},
	"completed":             {},
	"completed_with_errors": {},
	"failed":                {},
	"error":                 {},
}

// ParseServerMessage decodes one inbound frame.
func ParseServerMessage(raw []byte) (TaskStatus, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TaskStatus{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTaskStatus:
		if len(env.Payload) == 0 {
			return TaskStatus{}, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
		}
		var msg TaskStatus
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return TaskStatus{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		msg.TaskID = strings.TrimSpace(msg.TaskID)
		if err := msg.Validate(); err != nil {
			return TaskStatus{}, err
		}
		return msg, nil
	default:
		return TaskStatus{}, ErrUnsupportedType
	}
}

// Validate checks the fields every consumer relies on.
func (t TaskStatus) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidPayload)
	}
	if _, ok := knownStatuses[t.Status]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, t.Status)
	}
	if t.CreatedAt > MaxEpochSeconds || t.UpdatedAt > MaxEpochSeconds {
		return fmt.Errorf("%w: timestamp out of range", ErrInvalidPayload)
	}
	return nil
}
