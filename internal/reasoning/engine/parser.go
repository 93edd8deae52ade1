package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/ability"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/action"
	"github.com/tidwall/gjson"
)

// Plan is one planned action as the model wrote it.
type Plan struct {
	ID         string                 `json:"id"`
	Intention  string                 `json:"intention"`
	Reason     string                 `json:"reason,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ModelOutput is the normalised decision object.
type ModelOutput struct {
	Status                string `json:"status"`
	Reason                string `json:"reason,omitempty"`
	Plans                 []Plan `json:"plans,omitempty"`
	PlansBriefDescription string `json:"plans_brief_description,omitempty"`
	Summary               string `json:"summary,omitempty"`
	Answer                string `json:"answer,omitempty"`
}

// Done reports whether the status ends the loop.
func (m ModelOutput) Done() bool {
	return m.Status == "done" || m.Status == "abort"
}

// ExtractJSON returns the first well-formed JSON object embedded in text.
func ExtractJSON(text string) (string, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", core.ErrNoJSON
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ParseOutput extracts, validates and normalises the decision in text.
func ParseOutput(text string) (*ModelOutput, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	if err := ValidateOutput(raw); err != nil {
		return nil, err
	}
	doc := gjson.Parse(raw)
	out := &ModelOutput{
		Status:                doc.Get("status").String(),
		Reason:                textOf(doc.Get("reason")),
		PlansBriefDescription: textOf(doc.Get("plans_brief_description")),
		Summary:               textOf(doc.Get("summary")),
		Answer:                textOf(doc.Get("answer")),
	}
	plans := doc.Get("plans")
	if !plans.IsArray() {
		plans = doc.Get("plan")
	}
	switch {
	case plans.IsArray():
		for _, p := range plans.Array() {
			out.Plans = append(out.Plans, planOf(p))
		}
	case plans.IsObject():
		out.Plans = []Plan{planOf(plans)}
	}
	return out, nil
}

func planOf(r gjson.Result) Plan {
	p := Plan{
		ID:        r.Get("id").String(),
		Intention: textOf(r.Get("intention")),
		Reason:    textOf(r.Get("reason")),
	}
	if params := r.Get("parameters"); params.IsObject() {
		_ = json.Unmarshal([]byte(params.Raw), &p.Parameters)
	}
	return p
}

// textOf normalises a JSON value to text: strings verbatim, lists joined by
// newlines, anything else re-serialised; null and absent become empty.
func textOf(r gjson.Result) string {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return ""
	case r.Type == gjson.String:
		return r.String()
	case r.IsArray():
		items := r.Array()
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if item.Type == gjson.String {
				parts = append(parts, item.String())
				continue
			}
			parts = append(parts, compact(item.Raw))
		}
		return strings.Join(parts, "\n")
	default:
		return compact(r.Raw)
	}
}

func compact(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}

// ParseActions parses text and maps its plans onto abilities. answer falls
// back to the summary, then to the reason when the model is done.
func ParseActions(text string, abilities []ability.Ability, logger *log.Logger) (*ModelOutput, bool, string, []action.Action, error) {
	out, err := ParseOutput(text)
	if err != nil {
		return nil, false, "", nil, err
	}
	done := out.Done()
	answer := out.Answer
	if answer == "" {
		answer = out.Summary
	}
	if answer == "" && done {
		answer = out.Reason
	}
	actions, err := FormatActions(out.Plans, abilities, logger)
	if err != nil {
		return out, done, answer, nil, err
	}
	return out, done, answer, actions, nil
}

// FormatActions builds one action per plan whose id names an ability, in plan
// order. Plans naming no ability are dropped. Nil is returned when nothing matches.
func FormatActions(plans []Plan, abilities []ability.Ability, logger *log.Logger) ([]action.Action, error) {
	if len(plans) == 0 || len(abilities) == 0 {
		return nil, nil
	}
	byName := make(map[string]ability.Ability, len(abilities))
	for _, a := range abilities {
		if name := a.Name(); name != "" {
			if _, dup := byName[name]; !dup {
				byName[name] = a
			}
		}
	}
	var actions []action.Action
	for _, p := range plans {
		ab, ok := byName[p.ID]
		if !ok {
			if logger != nil {
				logger.Printf("plan %q matches no ability, dropped", p.ID)
			}
			continue
		}
		act, err := ab.NewAction(p.Intention, p.Reason, p.Parameters)
		if err != nil {
			return nil, fmt.Errorf("build action for %s: %w", p.ID, err)
		}
		actions = append(actions, act)
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return actions, nil
}
