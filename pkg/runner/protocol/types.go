// Package protocol defines the JSON-over-stdio protocol spoken between the
// dispatcher and an external execution runner.
//
// Every message is one JSON object per line. The runner announces itself
// with READY, then answers each CMD with zero or more EVENT messages and
// exactly one DONE or ERROR. A cancel command may arrive while a run
// command is still in flight.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeRun performs a plan, apply or destroy.
	CommandTypeRun CommandType = "run"
	// CommandTypeReconcile asks for the true outcome of an earlier run.
	CommandTypeReconcile CommandType = "reconcile"
	// CommandTypeCancel asks the runner to stop an in-flight run.
	CommandTypeCancel CommandType = "cancel"
)

// Capability names announced in READY.
const (
	CapReconcile = "reconcile"
	CapCancel    = "cancel"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Runner   string            `json:"runner"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// RunParams are the params of a run command.
type RunParams struct {
	RunID           string               `json:"run_id"`
	ChangeRequestID string               `json:"change_request_id"`
	Operation       engine.OperationKind `json:"operation"`
	WorkspaceID     string               `json:"workspace_id"`
	Payload         json.RawMessage      `json:"payload"`
}

// ReconcileParams are the params of a reconcile command.
type ReconcileParams struct {
	RunID       string               `json:"run_id"`
	Operation   engine.OperationKind `json:"operation"`
	WorkspaceID string               `json:"workspace_id"`
}

// CancelParams are the params of a cancel command.
type CancelParams struct {
	RunID string `json:"run_id"`
}

// RunOutcome is the DONE result of a run command.
type RunOutcome struct {
	Status         engine.RunnerStatus    `json:"status"`
	LogRef         string                 `json:"log_ref,omitempty"`
	Message        string                 `json:"message,omitempty"`
	ChangesSummary *engine.ChangesSummary `json:"changes_summary,omitempty"`
}

// ReconcileOutcome is the DONE result of a reconcile command.
type ReconcileOutcome struct {
	Status engine.RunStatus `json:"status"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage indicates command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the command could not be carried out.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeRun, CommandTypeReconcile, CommandTypeCancel:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	}
	return fmt.Errorf("invalid event level: %s", evt.Level)
}

// Validate checks run params.
func (p *RunParams) Validate() error {
	if p.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := p.Operation.Validate(); err != nil {
		return err
	}
	if p.WorkspaceID == "" {
		return fmt.Errorf("workspace ID is required")
	}
	return nil
}
