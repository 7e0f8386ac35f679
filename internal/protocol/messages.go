// Package protocol defines the JSON envelopes exchanged between the host,
// the worker process and WebSocket clients. Every connection message is an
// Envelope with a type discriminator; the process channel between host and
// worker uses newline-delimited Frame values instead.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope type discriminators
const (
	TypeCommandResponse = "commandResponse"
	TypeCommandProgress = "commandProgress"
	TypeCommandError    = "commandError"
	TypeEvent           = "event"
	TypeError           = "error"
)

// Process channel frame types
const (
	// FrameMessage carries a serialized Envelope or command request from the
	// host into the worker.
	FrameMessage = "message"
	// FrameLog mirrors a worker log line to the host.
	FrameLog = "log"
	// FrameReceive carries a serialized Envelope from the worker to the host.
	FrameReceive = "receive"
	// FrameRefreshInterface pushes the full API description so the host can
	// rebuild its command proxies.
	FrameRefreshInterface = "refreshInterface"
)

// Envelope is the outer wrapper for all connection messages
type Envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// CommandRequest is an inbound command invocation. Parameters are positional.
type CommandRequest struct {
	ID         uint32        `json:"id"`
	Domain     string        `json:"domain"`
	Command    string        `json:"command"`
	Parameters []interface{} `json:"parameters"`
}

// CommandResponse carries the result of a completed command
type CommandResponse struct {
	ID       uint32          `json:"id"`
	Response json.RawMessage `json:"response"`
}

// CommandProgress carries an intermediate notification for a still-pending
// command. It does not settle the request.
type CommandProgress struct {
	ID      uint32          `json:"id"`
	Message json.RawMessage `json:"message"`
}

// CommandErrorMessage reports a failed command
type CommandErrorMessage struct {
	ID      uint32 `json:"id"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Event is a broadcast notification. ID is a strictly increasing sequence
// number shared across all events, starting at 1.
type Event struct {
	ID         uint64        `json:"id"`
	Domain     string        `json:"domain"`
	Event      string        `json:"event"`
	Parameters []interface{} `json:"parameters"`
}

// ErrorMessage reports an uncorrelated protocol-level error
type ErrorMessage struct {
	Message string `json:"message"`
}

// Frame is a single message on the host/worker process channel
type Frame struct {
	Type    string              `json:"type"`
	Message string              `json:"message,omitempty"`
	Level   string              `json:"level,omitempty"`
	Spec    []DomainDescription `json:"spec,omitempty"`
}

// CommandError is the client-side error for a command rejected by the worker.
// Stack carries the worker-side stack trace when one was reported.
type CommandError struct {
	Message string
	Stack   string
}

func (e *CommandError) Error() string {
	return e.Message
}

func newEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Message: raw}, nil
}

// NewCommandResponse builds a commandResponse envelope
func NewCommandResponse(id uint32, response interface{}) (*Envelope, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command response: %w", err)
	}
	return newEnvelope(TypeCommandResponse, CommandResponse{ID: id, Response: raw})
}

// NewCommandProgress builds a commandProgress envelope
func NewCommandProgress(id uint32, message interface{}) (*Envelope, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command progress: %w", err)
	}
	return newEnvelope(TypeCommandProgress, CommandProgress{ID: id, Message: raw})
}

// NewCommandError builds a commandError envelope
func NewCommandError(id uint32, message string, stack string) (*Envelope, error) {
	return newEnvelope(TypeCommandError, CommandErrorMessage{ID: id, Message: message, Stack: stack})
}

// NewEvent builds an event envelope
func NewEvent(seq uint64, domain, event string, parameters []interface{}) (*Envelope, error) {
	return newEnvelope(TypeEvent, Event{ID: seq, Domain: domain, Event: event, Parameters: parameters})
}

// NewError builds an uncorrelated error envelope
func NewError(message string) (*Envelope, error) {
	return newEnvelope(TypeError, ErrorMessage{Message: message})
}
