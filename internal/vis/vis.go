// Package vis renders conversation messages and action reports into the
// fenced payload blocks consumed by the chat front-end.
package vis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// Payload tags.
const (
	TagText     = "vis-text"
	TagPlans    = "vis-plans"
	TagTool     = "vis-tool"
	TagThinking = "vis-thinking"
	TagConfirm  = "vis-confirm"
)

// Task and tool statuses.
const (
	StatusTodo     = "todo"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Action names as recorded in reports.
const (
	ActionAgent     = "AgentAction"
	ActionTool      = "ToolAction"
	ActionKnowledge = "KnowledgeRetrieveAction"
)

type TextPayload struct {
	UID      string `json:"uid"`
	Markdown string `json:"markdown"`
}

type PlanItem struct {
	TaskUID     string `json:"task_uid"`
	TaskName    string `json:"task_name"`
	TaskContent string `json:"task_content"`
	AgentName   string `json:"agent_name"`
	Status      string `json:"status"`
}

type PlansPayload struct {
	UID   string     `json:"uid"`
	Tasks []PlanItem `json:"tasks"`
}

type ToolPayload struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Args   string `json:"args,omitempty"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Err    string `json:"err_msg,omitempty"`
}

type ConfirmPayload struct {
	UID      string                 `json:"uid"`
	Title    string                 `json:"title"`
	Markdown string                 `json:"markdown"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// Block renders payload as a fenced block tagged with tag.
func Block(tag string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	return "```" + tag + "\n" + string(raw) + "\n```", nil
}

func mustBlock(tag string, payload interface{}) string {
	s, err := Block(tag, payload)
	if err != nil {
		return ""
	}
	return s
}

// Text renders an answer block.
func Text(uid, markdown string) string {
	return mustBlock(TagText, TextPayload{UID: uid, Markdown: Clean(markdown)})
}

// Thinking renders a reasoning block; empty text renders nothing.
func Thinking(uid, markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	return mustBlock(TagThinking, TextPayload{UID: uid, Markdown: Clean(markdown)})
}

// Confirm renders a confirmation request.
func Confirm(uid, title, markdown string, extra map[string]interface{}) string {
	return mustBlock(TagConfirm, ConfirmPayload{UID: uid, Title: title, Markdown: Clean(markdown), Extra: extra})
}

// ReportStatus maps a report to its display status. Reports with no content
// yet are still pending.
func ReportStatus(r *core.ActionOutput, running bool) string {
	switch {
	case r == nil:
		return StatusTodo
	case r.Content == "" && !r.Success:
		if running {
			return StatusRunning
		}
		return StatusTodo
	case r.Success:
		return StatusComplete
	default:
		return StatusFailed
	}
}

// Tool renders one tool step.
func Tool(r *core.ActionOutput, status string) string {
	p := ToolPayload{
		UID:    r.ActionID,
		Name:   r.Action,
		Args:   r.ActionInput,
		Status: status,
	}
	if status == StatusFailed {
		p.Err = r.Content
	} else {
		p.Output = r.Content
	}
	return mustBlock(TagTool, p)
}

// Steps renders the aggregate view of a step: the reason, delegated tasks as
// one plans block, and a block per tool or knowledge report. runningIdx marks
// the report currently executing, -1 for none.
func Steps(uid, reason string, reports []*core.ActionOutput, runningIdx int) string {
	var parts []string
	if t := Thinking(uid+"-thinking", reason); t != "" {
		parts = append(parts, t)
	}
	var tasks []PlanItem
	for i, r := range reports {
		if r == nil {
			continue
		}
		status := ReportStatus(r, i == runningIdx)
		switch r.ActionName {
		case ActionAgent:
			tasks = append(tasks, PlanItem{
				TaskUID:     r.ActionID,
				TaskName:    r.Intention,
				TaskContent: r.ActionInput,
				AgentName:   r.Action,
				Status:      status,
			})
		default:
			parts = append(parts, Tool(r, status))
		}
	}
	if len(tasks) > 0 {
		parts = append(parts, mustBlock(TagPlans, PlansPayload{UID: uid + "-plans", Tasks: tasks}))
	}
	return strings.Join(parts, "\n")
}

// Entry is one element of a conversation snapshot.
type Entry struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Model    string `json:"model,omitempty"`
	Markdown string `json:"markdown"`
}

// DefaultConverter renders messages as a JSON list of entries.
type DefaultConverter struct{}

// Visualize implements core.VisConverter.
func (DefaultConverter) Visualize(ctx context.Context, messages []*core.Message) (string, error) {
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		entries = append(entries, Entry{
			Sender:   m.Sender,
			Receiver: m.Receiver,
			Model:    m.ModelName,
			Markdown: Markdown(m),
		})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal vis entries: %w", err)
	}
	return string(raw), nil
}

// Markdown picks the display text of a message: report view, report content,
// then the message content.
func Markdown(m *core.Message) string {
	if m.Report != nil {
		if m.Report.View != "" {
			return m.Report.View
		}
		if m.Report.Content != "" {
			return m.Report.Content
		}
	}
	return m.Content
}
