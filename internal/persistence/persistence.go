// Package persistence provides the embedded Store implementations: an
// in-memory Store for tests and local development, and a SQLite Store for
// single-node durability. Both run the orchestrator state machine in
// process; the Postgres Store in the postgres package delegates the same
// work to the pgflow SQL functions instead.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/stepflow/internal/orchestrator"
	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrTxDone is returned when using a committed or rolled back transaction.
	ErrTxDone = errors.New("transaction already finished")
)

// messagePayload is the JSON body of a queued message, matching what
// pgflow enqueues.
type messagePayload struct {
	FlowSlug  string `json:"flow_slug"`
	RunID     string `json:"run_id"`
	StepSlug  string `json:"step_slug"`
	TaskIndex int    `json:"task_index"`
}

func (p messagePayload) encode() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

// EncodeJSON turns a run input or task output into JSON. json.RawMessage and []byte
// values are taken as already encoded.
func EncodeJSON(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("run input is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("run input is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode run input: %w", err)
		}
		return raw, nil
	}
}

// encodeOutput does the same for task outputs.
func encodeOutput(output any) (json.RawMessage, error) {
	raw, err := EncodeJSON(output)
	if err != nil {
		return nil, fmt.Errorf("encode task output: %w", err)
	}
	return raw, nil
}

// reportError maps orchestrator errors on complete/fail to the Store
// contract.
func reportError(err error) error {
	if errors.Is(err, orchestrator.ErrTaskNotStarted) || errors.Is(err, orchestrator.ErrUnknownTask) {
		return fmt.Errorf("%w: %v", api.ErrTaskNotClaimed, err)
	}
	return err
}
