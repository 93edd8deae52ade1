package team

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/agent/reasoning"
)

var (
	// ErrEmptyQuery rejects a request without a query.
	ErrEmptyQuery = errors.New("team: empty query")
	// ErrConversationRunning rejects a round whose conversation is still live.
	ErrConversationRunning = errors.New("team: conversation is already running")
)

// Request starts one conversation round.
type Request struct {
	Query string
	// Agent overrides the entry agent.
	Agent string
	// SessionID continues an existing session; a new one is created when empty.
	SessionID string
	Round     int
	Context   map[string]interface{}
}

// ConvID builds the conversation id of a session round.
func ConvID(session string, round int) string {
	if round <= 0 {
		round = 1
	}
	return session + "_" + strconv.Itoa(round)
}

// Prepare opens the conversation of req in memory and records the user
// message. It returns the message to hand to the receiving agent.
func (t *Team) Prepare(ctx context.Context, req Request) (*reasoning.Agent, *core.Message, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, nil, ErrEmptyQuery
	}
	agent := t.Entry()
	if req.Agent != "" {
		a, ok := t.Agent(req.Agent)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, req.Agent)
		}
		agent = a
	}
	session := req.SessionID
	if session == "" {
		session = core.NewMessageID()
	}
	convID := ConvID(session, req.Round)
	if !t.memory.Open(convID, nil, 0) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConversationRunning, convID)
	}
	if err := t.memory.LoadPersistent(ctx, convID); err != nil {
		t.logger.Printf("[%s] load stored history: %v", convID, err)
	}
	msg := &core.Message{
		MessageID:   core.NewMessageID(),
		ConvID:      convID,
		Rounds:      t.memory.NextMessageRounds(ctx, convID),
		Sender:      core.UserName,
		Receiver:    agent.Name(),
		Role:        core.RoleHuman,
		Content:     query,
		CurrentGoal: query,
		Context:     req.Context,
	}
	if err := t.memory.AppendMessage(ctx, convID, msg); err != nil {
		return nil, nil, fmt.Errorf("team: record user message: %w", err)
	}
	return agent, msg, nil
}

// Run executes req to completion and returns the reply and the conversation id.
func (t *Team) Run(ctx context.Context, req Request) (*core.Message, string, error) {
	agent, msg, err := t.Prepare(ctx, req)
	if err != nil {
		return nil, "", err
	}
	reply, err := agent.GenerateReply(ctx, msg, reasoning.User{})
	t.release(msg.ConvID)
	if err != nil {
		return nil, msg.ConvID, err
	}
	return reply, msg.ConvID, nil
}

// Start runs req in the background and returns its conversation id at once.
// The run outlives ctx cancellation; its progress is read from the memory
// stream.
func (t *Team) Start(ctx context.Context, req Request) (string, error) {
	agent, msg, err := t.Prepare(ctx, req)
	if err != nil {
		return "", err
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := agent.GenerateReply(runCtx, msg, reasoning.User{}); err != nil {
			t.logger.Printf("[%s] conversation failed: %v", msg.ConvID, err)
		}
		t.release(msg.ConvID)
	}()
	return msg.ConvID, nil
}

// release drops the cached conversation once the retention window has passed.
// A conversation paused for confirmation stays live and is kept.
func (t *Team) release(convID string) {
	drop := func() {
		if t.memory.ClearFinished(convID) {
			t.logger.Printf("[%s] released conversation memory", convID)
		}
	}
	if t.retention <= 0 {
		drop()
		return
	}
	time.AfterFunc(t.retention, drop)
}
