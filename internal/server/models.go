package server

import (
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateConversationRequest starts a conversation round.
type CreateConversationRequest struct {
	Query     string                 `json:"query"`
	Agent     string                 `json:"agent,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Round     int                    `json:"round,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// CreateConversationResponse identifies the started conversation.
type CreateConversationResponse struct {
	ConvID    string `json:"conv_id"`
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
}

// MessagesResponse lists the messages of a conversation.
type MessagesResponse struct {
	ConvID   string          `json:"conv_id"`
	Messages []*core.Message `json:"messages"`
}

// PlansResponse lists the delegation plans of a conversation.
type PlansResponse struct {
	ConvID string      `json:"conv_id"`
	Plans  []core.Plan `json:"plans"`
}

// AgentsResponse lists the agents of the team, entry first.
type AgentsResponse struct {
	Agents []string `json:"agents"`
}
