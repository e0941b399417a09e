// Package ws carries the coordinator/client round protocol over a
// long-lived websocket. The coordinator sends instructions, the client
// answers each with a reply carrying the same id.
package ws

import (
	"errors"
	"fmt"

	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
)

// Path is where the coordinator accepts client connections.
const Path = "/fl"

// Message kinds.
const (
	KindHello         = "hello"
	KindGetParameters = "get_parameters"
	KindFit           = "fit"
	KindEvaluate      = "evaluate"
	KindReconnect     = "reconnect"
)

// Reply error codes.
const (
	CodeShapeMismatch      = "shape_mismatch"
	CodeUnknownInstruction = "unknown_instruction"
	CodeClientError        = "client_error"
)

// Hello is the first frame a client sends.
type Hello struct {
	Kind     string `json:"kind"`
	ClientID string `json:"client_id"`
}

// Instruction is a coordinator request.
type Instruction struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Round      int               `json:"round,omitempty"`
	Parameters params.Parameters `json:"parameters,omitempty"`
	Config     model.RoundConfig `json:"config"`
}

// Reply answers the instruction with the same ID.
type Reply struct {
	ID             string             `json:"id"`
	Kind           string             `json:"kind"`
	Parameters     params.Parameters  `json:"parameters,omitempty"`
	NumExamples    int                `json:"num_examples,omitempty"`
	Loss           float64            `json:"loss,omitempty"`
	Metrics        model.EvalMetrics  `json:"metrics"`
	Metadata       map[string]float64 `json:"metadata,omitempty"`
	EmptyPartition bool               `json:"empty_partition,omitempty"`
	Error          string             `json:"error,omitempty"`
	Code           string             `json:"code,omitempty"`
}

// RemoteError is an error reported by the client in a reply.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client error (%s): %s", e.Code, e.Message)
}

// Unwrap maps known codes back to their sentinel.
func (e *RemoteError) Unwrap() error {
	if e.Code == CodeShapeMismatch {
		return params.ErrShapeMismatch
	}
	return nil
}

func replyError(r Reply) error {
	if r.Error == "" {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error}
}

func codeOf(err error) string {
	if errors.Is(err, params.ErrShapeMismatch) {
		return CodeShapeMismatch
	}
	return CodeClientError
}
