package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// MessageStore implements core.MessageMemory on the gpts_messages table.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore { return &MessageStore{db: db} }

const upsertMessageSQL = `
INSERT INTO gpts_messages (message_id, conv_id, conv_session_id, rounds, goal_id, sender, receiver, role, content, thinking, system_prompt, user_prompt, model_name, current_goal, resource_info, context, action_report, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (message_id) DO UPDATE SET
  receiver = EXCLUDED.receiver,
  content = EXCLUDED.content,
  thinking = EXCLUDED.thinking,
  system_prompt = EXCLUDED.system_prompt,
  user_prompt = EXCLUDED.user_prompt,
  model_name = EXCLUDED.model_name,
  current_goal = EXCLUDED.current_goal,
  resource_info = EXCLUDED.resource_info,
  context = EXCLUDED.context,
  action_report = EXCLUDED.action_report,
  updated_at = EXCLUDED.updated_at;
`

const selectMessagesSQL = `
SELECT message_id, conv_id, rounds, goal_id, sender, receiver, role, content, thinking, system_prompt, user_prompt, model_name, current_goal, resource_info, context, action_report, created_at, updated_at
FROM gpts_messages
`

// Append inserts msg, or replaces the stored row with the same message id.
func (s *MessageStore) Append(ctx context.Context, msg *core.Message) (err error) {
	defer func() { observe(ctx, "message_append", err) }()
	if msg == nil || msg.MessageID == "" {
		return fmt.Errorf("append message: message id required")
	}
	resource, err := encodeJSON(msg.ResourceInfo)
	if err != nil {
		return fmt.Errorf("encode resource info: %w", err)
	}
	convCtx, err := encodeJSON(msg.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	report, err := encodeJSON(msg.Report)
	if err != nil {
		return fmt.Errorf("encode action report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertMessageSQL,
		msg.MessageID, msg.ConvID, core.SessionFromConv(msg.ConvID), msg.Rounds, msg.GoalID,
		msg.Sender, msg.Receiver, msg.Role, msg.Content, msg.Thinking,
		msg.SystemPrompt, msg.UserPrompt, msg.ModelName, msg.CurrentGoal,
		resource, convCtx, report, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.MessageID, err)
	}
	return nil
}

// GetByConvID returns the messages of a conversation ordered by rounds.
func (s *MessageStore) GetByConvID(ctx context.Context, convID string) (msgs []*core.Message, err error) {
	defer func() { observe(ctx, "message_list", err) }()
	rows, err := s.db.QueryContext(ctx, selectMessagesSQL+`WHERE conv_id = $1 ORDER BY rounds ASC, created_at ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("query messages of %s: %w", convID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetByAgent returns the messages of a conversation sent or received by agent.
func (s *MessageStore) GetByAgent(ctx context.Context, convID, agent string) (msgs []*core.Message, err error) {
	defer func() { observe(ctx, "message_list_agent", err) }()
	rows, err := s.db.QueryContext(ctx, selectMessagesSQL+`WHERE conv_id = $1 AND (sender = $2 OR receiver = $2) ORDER BY rounds ASC, created_at ASC`, convID, agent)
	if err != nil {
		return nil, fmt.Errorf("query messages of %s/%s: %w", convID, agent, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ConversationSummary describes one stored conversation.
type ConversationSummary struct {
	ConvID    string `json:"conv_id"`
	SessionID string `json:"conv_session_id"`
	Messages  int    `json:"messages"`
	Goal      string `json:"goal"`
}

// ListConversations returns the most recently updated conversations.
func (s *MessageStore) ListConversations(ctx context.Context, limit int) (out []ConversationSummary, err error) {
	defer func() { observe(ctx, "conversation_list", err) }()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT conv_id, conv_session_id, COUNT(*), COALESCE(MIN(current_goal) FILTER (WHERE role = 'human'), '')
FROM gpts_messages
GROUP BY conv_id, conv_session_id
ORDER BY MAX(updated_at) DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ConvID, &c.SessionID, &c.Messages, &c.Goal); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*core.Message, error) {
	var out []*core.Message
	for rows.Next() {
		var (
			m                           core.Message
			goal, thinking, sysPrompt   sql.NullString
			userPrompt, model, curGoal  sql.NullString
			resource, convCtx, reportJS []byte
		)
		if err := rows.Scan(&m.MessageID, &m.ConvID, &m.Rounds, &goal, &m.Sender, &m.Receiver, &m.Role, &m.Content,
			&thinking, &sysPrompt, &userPrompt, &model, &curGoal, &resource, &convCtx, &reportJS, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.GoalID = goal.String
		m.Thinking = thinking.String
		m.SystemPrompt = sysPrompt.String
		m.UserPrompt = userPrompt.String
		m.ModelName = model.String
		m.CurrentGoal = curGoal.String
		if err := decodeJSON(resource, &m.ResourceInfo); err != nil {
			return nil, fmt.Errorf("decode resource info of %s: %w", m.MessageID, err)
		}
		if err := decodeJSON(convCtx, &m.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", m.MessageID, err)
		}
		if len(reportJS) > 0 {
			m.Report = &core.ActionOutput{}
			if err := decodeJSON(reportJS, m.Report); err != nil {
				return nil, fmt.Errorf("decode action report of %s: %w", m.MessageID, err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
