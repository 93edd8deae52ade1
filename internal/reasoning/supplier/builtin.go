package supplier

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/reasoner/internal/reasoning/ability"
)

// Names of the built-in suppliers.
const (
	QueryName             = "DEFAULT_QUERY_ARG_SUPPLIER"
	AbilityName           = "DEFAULT_ABILITY_ARG_SUPPLIER"
	HistoryName           = "DEFAULT_HISTORY_ARG_SUPPLIER"
	KnowledgeName         = "DEFAULT_KNOWLEDGE_ARG_SUPPLIER"
	NowName               = "DEFAULT_NOW_TIME_ARG_SUPPLIER"
	OutputSchemaName      = "DEFAULT_OUTPUT_SCHEMA_ARG_SUPPLIER"
	AgentNameName         = "DEFAULT_AGENT_NAME_ARG_SUPPLIER"
	IndexHistoryName      = "INDEX_HISTORY_ARG_SUPPLIER"
	IndexOutputSchemaName = "INDEX_OUTPUT_SCHEMA_ARG_SUPPLIER"
)

// DefaultOrder is the fallback resolution order after any per-agent overrides.
var DefaultOrder = []string{
	QueryName,
	AbilityName,
	HistoryName,
	KnowledgeName,
	OutputSchemaName,
	NowName,
	AgentNameName,
	IndexHistoryName,
	IndexOutputSchemaName,
}

// Func adapts a function to a Supplier.
type Func struct {
	SupplierName string
	Desc         string
	Key          string
	Fn           func(ctx context.Context, params map[string]interface{}, in Input) error
}

func (f Func) Name() string        { return f.SupplierName }
func (f Func) Description() string { return f.Desc }
func (f Func) ArgKey() string      { return f.Key }
func (f Func) Supply(ctx context.Context, params map[string]interface{}, in Input) error {
	return f.Fn(ctx, params, in)
}

// Defaults returns a registry holding every built-in supplier.
func Defaults() *Registry {
	r := NewRegistry()
	for _, s := range builtins() {
		_ = r.Register(s)
	}
	return r
}

func builtins() []Supplier {
	return []Supplier{
		Func{QueryName, "default supplier: query", "query", supplyQuery},
		Func{AbilityName, "default supplier: ability", "ability", supplyAbility},
		HistorySupplier{SupplierName: HistoryName, Key: "history", Reserve: 8000, WithMessageID: true},
		Func{KnowledgeName, "default supplier: knowledge", "knowledge", func(context.Context, map[string]interface{}, Input) error { return nil }},
		Func{NowName, "default supplier: now", "now", supplyNow},
		Func{OutputSchemaName, "default supplier: output_schema", "output_schema", constant("output_schema", OutputSchema)},
		Func{AgentNameName, "default supplier: agent_name", "agent_name", supplyAgentName},
		HistorySupplier{SupplierName: IndexHistoryName, Key: "index_history", Reserve: 1000},
		Func{IndexOutputSchemaName, "index supplier: index_output_schema", "index_output_schema", constant("index_output_schema", IndexOutputSchema)},
	}
}

func supplyQuery(ctx context.Context, params map[string]interface{}, in Input) error {
	if in.Received != nil {
		params["query"] = in.Received.Content
	}
	return nil
}

func supplyAbility(ctx context.Context, params map[string]interface{}, in Input) error {
	if in.Agent == nil {
		return nil
	}
	if text := ability.Render(in.Agent.Abilities()); text != "" {
		params["ability"] = text
	}
	return nil
}

func supplyNow(ctx context.Context, params map[string]interface{}, in Input) error {
	params["now"] = time.Now().Format("2006-01-02 15:04:05")
	return nil
}

func supplyAgentName(ctx context.Context, params map[string]interface{}, in Input) error {
	if in.Agent != nil {
		params["agent_name"] = in.Agent.Name()
	}
	return nil
}

func constant(key, value string) func(context.Context, map[string]interface{}, Input) error {
	return func(ctx context.Context, params map[string]interface{}, in Input) error {
		params[key] = value
		return nil
	}
}

// OutputSchema describes the JSON object the model must answer with.
const OutputSchema = `Output strictly in the following JSON format so it can be parsed directly:
{
  "reason": "explain the status decision and how the plans were derived, citing concrete analysis or execution results",
  "status": "planing (only when a next action must run) | done (only when the task can finish) | abort (only when the task failed, cannot progress or needs more information from the user)",
  "plans"?: [{
    "reason": "the concrete grounds for this action, tied to earlier analysis or results",
    "intention": "goal of the new action; compare with history so nothing is repeated",
    "id": "ability id",
    "parameters": {"key": "value"}
  }],
  "plans_brief_description"?: "a short label for the actions, at most ten words",
  "summary"?: "present when status is done/abort: the executed actions in time order as prose, with parameters, key findings and the final conclusion if any",
  "answer"?: "present when status is done/abort: the conclusion of the task based on the context"
}`

// IndexOutputSchema constrains the answer report and its citation style.
const IndexOutputSchema = `
###
Constraints for the answer:
- The **task summary report** must be markdown.
- Start with a **one-sentence summary** of the conclusion.
- Then give the detailed **reasoning steps**, keeping the conclusion logically consistent and progressive.
- Based on the **history analysis**, list the **key evidence**. Evidence must come from records with action_name ToolAction, meaning a tool actually ran. Put the action and message_id at the end of each line in the form "(intention: action) <message_id>: id".

Example:
#### Task summary report
##### **One-sentence summary**:
The conclusion of this task is xxx.

##### **Reasoning steps**:
1. Step 1 established xxx
2. Step 2 established xxx

##### **Key evidence**:
1. Tool a returned result-aaa (intention: concrete intention aaa) <message_id>: 8b1dd400832344cc93048cdd6ec230d7
2. Tool b returned result-bbb (intention: concrete intention bbb) <message_id>: 8513ba1ed0a04bd5aaec4a0516523fcd
`
