package supplier

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/action"
)

// DefaultContextLength is the model budget used when an agent reports none.
const DefaultContextLength = 32000

const historySeparator = "\n\n--------------\n\n"

// HistorySupplier formats the action reports recorded in the conversation.
type HistorySupplier struct {
	SupplierName string
	Key          string
	// Reserve is subtracted from the model context length to get the budget.
	Reserve       int
	WithMessageID bool
}

func (h HistorySupplier) Name() string        { return h.SupplierName }
func (h HistorySupplier) Description() string { return "supplier: " + h.Key }
func (h HistorySupplier) ArgKey() string      { return h.Key }

func (h HistorySupplier) Supply(ctx context.Context, params map[string]interface{}, in Input) error {
	if in.History == nil {
		return nil
	}
	msgs, err := in.History.GetMessages(ctx, in.Context.ConvID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	var items []string
	for _, msg := range msgs {
		if msg == nil || msg.Report == nil {
			continue
		}
		for _, r := range action.ParseReports(msg.Report) {
			if !keepReport(r) {
				continue
			}
			items = append(items, h.format(msg, r))
		}
	}

	budget := DefaultContextLength
	if in.Agent != nil && in.Agent.ContextLength() > 0 {
		budget = in.Agent.ContextLength()
	}
	evicted, kept := TrimHistory(items, budget-h.Reserve)
	if evicted > 0 {
		kept = append([]string{fmt.Sprintf("due to length limits, %d earliest history items were removed", evicted)}, kept...)
	}
	params[h.Key] = strings.Join(kept, historySeparator)
	return nil
}

// keepReport drops empty reports and delegation reports other than answers.
func keepReport(r *core.ActionOutput) bool {
	if r == nil || r.Content == "" {
		return false
	}
	if r.ActionName == action.NameAgent && !strings.HasSuffix(r.ActionID, "answer") {
		return false
	}
	return true
}

func (h HistorySupplier) format(msg *core.Message, r *core.ActionOutput) string {
	var lines []string
	add := func(label, v string) {
		if v != "" {
			lines = append(lines, label+": "+v)
		}
	}
	if h.WithMessageID {
		add("message_id", msg.MessageID)
	}
	add("action_id", r.ActionID)
	add("action_handler", msg.Sender)
	add("action_name", r.ActionName)
	add("action", r.Action)
	add("action_input", r.ActionInput)
	lines = append(lines, "action_output: "+r.Content)
	return strings.Join(lines, "\n")
}

// TrimHistory keeps the longest suffix of items whose total length fits in
// budget and reports how many leading items were evicted. The newest item is
// always kept.
func TrimHistory(items []string, budget int) (int, []string) {
	if len(items) == 0 {
		return 0, items
	}
	idx := len(items) - 1
	size := 0
	for i := len(items) - 1; i >= 0; i-- {
		next := size + len(items[i])
		if next > budget {
			break
		}
		idx = i
		size = next
	}
	return idx, items[idx:]
}
