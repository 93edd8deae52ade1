package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is returned when the step loop gives up after repeated failures.
	ErrRetriesExhausted = errors.New("reasoning retries exhausted")
	// ErrDelegationDepth indicates a delegation chain deeper than allowed.
	ErrDelegationDepth = errors.New("delegation depth exceeded")
	// ErrAgentNotFound indicates a delegation target is not among the sender's peers.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoJSON indicates model output carried no JSON object.
	ErrNoJSON = errors.New("no json object in model output")
	// ErrEmptyResponse indicates the model returned nothing.
	ErrEmptyResponse = errors.New("llm response is empty")
)

// EngineError wraps reasoning, LLM and parse failures.
type EngineError struct {
	Engine string
	Err    error
}

func (e EngineError) Error() string {
	if e.Engine == "" {
		return fmt.Sprintf("reasoning engine: %v", e.Err)
	}
	return fmt.Sprintf("reasoning engine %s: %v", e.Engine, e.Err)
}

func (e EngineError) Unwrap() error { return e.Err }

// ActionError wraps a failure raised while running one action of a step.
type ActionError struct {
	Action   string
	ActionID string
	Err      error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("action %s [%s]: %v", e.Action, e.ActionID, e.Err)
}

func (e ActionError) Unwrap() error { return e.Err }

// Phase names the loop phase an error came from, for diagnostic messages.
func Phase(err error) string {
	var engErr EngineError
	if errors.As(err, &engErr) {
		return "task decomposition"
	}
	var actErr ActionError
	if errors.As(err, &actErr) {
		return "action execution"
	}
	return "unknown"
}

type delegationDepthKey struct{}

// WithDelegationDepth records how many delegation hops led to ctx.
func WithDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, delegationDepthKey{}, depth)
}

// DelegationDepth returns the hop count stored in ctx, zero for top-level calls.
func DelegationDepth(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(delegationDepthKey{}).(int); ok {
		return v
	}
	return 0
}
