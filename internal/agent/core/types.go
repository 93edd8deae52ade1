package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known sender names and message roles.
const (
	UserName = "User"

	RoleHuman     = "human"
	RoleAI        = "ai"
	RoleSystem    = "system"
	RoleAssistant = "assistant"
)

// Message is the unit of conversational record.
type Message struct {
	MessageID    string                 `json:"message_id"`
	ConvID       string                 `json:"conv_id"`
	Rounds       int                    `json:"rounds"`
	GoalID       string                 `json:"goal_id,omitempty"`
	Sender       string                 `json:"sender"`
	Receiver     string                 `json:"receiver"`
	Role         string                 `json:"role"`
	Content      string                 `json:"content"`
	Thinking     string                 `json:"thinking,omitempty"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	UserPrompt   string                 `json:"user_prompt,omitempty"`
	ModelName    string                 `json:"model_name,omitempty"`
	CurrentGoal  string                 `json:"current_goal,omitempty"`
	ResourceInfo map[string]interface{} `json:"resource_info,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Report       *ActionOutput          `json:"action_report,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// NewMessageID returns a 32 character lowercase hex identifier.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ActionOutput is the structured result of running an action.
type ActionOutput struct {
	Content     string                 `json:"content"`
	View        string                 `json:"view,omitempty"`
	ModelView   string                 `json:"model_view,omitempty"`
	Success     bool                   `json:"is_exe_success"`
	IsTerminal  bool                   `json:"terminate,omitempty"`
	Action      string                 `json:"action,omitempty"`
	ActionID    string                 `json:"action_id,omitempty"`
	ActionName  string                 `json:"action_name,omitempty"`
	ActionInput string                 `json:"action_input,omitempty"`
	Intention   string                 `json:"action_intention,omitempty"`
	Reason      string                 `json:"action_reason,omitempty"`
	Thoughts    string                 `json:"thoughts,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Title returns extra["title"] when present.
func (o *ActionOutput) Title() string {
	if o == nil || o.Extra == nil {
		return ""
	}
	s, _ := o.Extra["title"].(string)
	return s
}

// Clone returns a shallow copy with its own Extra map.
func (o *ActionOutput) Clone() *ActionOutput {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Extra != nil {
		cp.Extra = make(map[string]interface{}, len(o.Extra))
		for k, v := range o.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// Plan is an append-only sub-task record kept for lineage display.
type Plan struct {
	ConvID         string    `json:"conv_id"`
	ConvRound      int       `json:"conv_round"`
	SubTaskNum     int       `json:"sub_task_num"`
	SubTaskID      string    `json:"sub_task_id"`
	TaskUID        string    `json:"task_uid"`
	SubTaskTitle   string    `json:"sub_task_title"`
	SubTaskContent string    `json:"sub_task_content"`
	SubTaskAgent   string    `json:"sub_task_agent"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
}

// AgentContext carries per-call identifiers; its fields double as fallback prompt params.
type AgentContext struct {
	ConvID        string                 `json:"conv_id"`
	ConvSessionID string                 `json:"conv_session_id"`
	TraceID       string                 `json:"trace_id"`
	AgentName     string                 `json:"agent_name"`
	Language      string                 `json:"language"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// ToMap flattens the context into prompt parameter form.
func (c AgentContext) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"conv_id":         c.ConvID,
		"conv_session_id": c.ConvSessionID,
		"trace_id":        c.TraceID,
		"agent_name":      c.AgentName,
		"language":        c.Language,
	}
	for k, v := range c.Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// SessionFromConv strips the trailing "_<n>" segment of a conversation id.
func SessionFromConv(convID string) string {
	if idx := strings.LastIndex(convID, "_"); idx > 0 {
		return convID[:idx]
	}
	return convID
}

// ModelMessage is one chat message handed to the LLM.
type ModelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the raw output of one LLM call.
type ChatResult struct {
	Thinking     string
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	ContextLength   int     `json:"context_length"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// LLMProvider represents an LLM provider
type LLMProvider interface {
	Chat(ctx context.Context, model string, messages []ModelMessage, options map[string]interface{}) (ChatResult, error)
	GetModelInfo(model string) (ModelInfo, error)
}

// Agent is any participant of a conversation that can be asked for a reply.
type Agent interface {
	Name() string
	Description() string
	// ShowMessage reports whether messages addressed to this agent are displayed.
	ShowMessage() bool
	GenerateReply(ctx context.Context, received *Message, sender Agent) (*Message, error)
}

// MessageMemory is the durable message store.
type MessageMemory interface {
	GetByConvID(ctx context.Context, convID string) ([]*Message, error)
	Append(ctx context.Context, msg *Message) error
	GetByAgent(ctx context.Context, convID, agent string) ([]*Message, error)
}

// PlansMemory is the durable plan store.
type PlansMemory interface {
	GetByConvID(ctx context.Context, convID string) ([]Plan, error)
	BatchSave(ctx context.Context, plans []Plan) error
}

// KnowledgeSummary is the result of a knowledge pack lookup.
type KnowledgeSummary struct {
	SummaryContent string   `json:"summary_content"`
	Sources        []string `json:"sources,omitempty"`
}

// KnowledgeSearcher answers queries against a set of knowledge packs.
type KnowledgeSearcher interface {
	GetSummary(ctx context.Context, query string, knowledgeIDs []string) (KnowledgeSummary, error)
}

// ToolPack executes named tools.
type ToolPack interface {
	Name() string
	Execute(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error)
	IsTerminal(tool string) bool
}

// VisConverter turns a message list into a render-ready snapshot.
type VisConverter interface {
	Visualize(ctx context.Context, messages []*Message) (string, error)
}

// MarshalArgs renders tool arguments the way they are recorded in reports.
func MarshalArgs(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
