package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/supplier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("reasoner/internal/reasoning/engine")

// DefaultName is the name of the built-in engine.
const DefaultName = "DEFAULT_REASONING_ENGINE"

// DefaultPromptTemplate is the user prompt used when the agent sets none.
const DefaultPromptTemplate = `Based on the task description, the available abilities and the action history, decide the current state of the task and output the possible next plans. Avoid repeating actions!

## Task overview
{{if .query}}{{.query}}{{end}}


## Available abilities (only the abilities below may be used)
{{if .ability}}{{.ability}}{{else}}none{{end}}
**Note: use only the abilities above! If no ability is needed, none matches, or parameters are missing, end the task and explain why.**


## History analysis
{{- if .history_analysis}}
### Earlier conclusions (from other agents)
{{.history_analysis}}
{{- end}}

### Executed actions (in time order)
{{if .history}}{{.history}}{{else}}no recorded actions{{end}}
{{if .knowledge}}
## Reference knowledge
{{.knowledge}}
{{end}}
## Output requirements
{{if .output_schema}}{{.output_schema}}{{end}}`

// DefaultEngine collects prompt parameters from suppliers, renders the
// prompt templates and parses the model's JSON decision.
type DefaultEngine struct {
	suppliers *supplier.Registry
	logger    *log.Logger
}

func NewDefault(suppliers *supplier.Registry, logger *log.Logger) *DefaultEngine {
	if suppliers == nil {
		suppliers = supplier.Defaults()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &DefaultEngine{suppliers: suppliers, logger: logger}
}

func (e *DefaultEngine) Name() string        { return DefaultName }
func (e *DefaultEngine) Description() string { return "default reasoning engine" }

// CollectArgs runs the agent's suppliers, then the defaults, and fills keys
// still absent from the agent context.
func (e *DefaultEngine) CollectArgs(ctx context.Context, req Request) map[string]interface{} {
	var names []string
	if req.Agent != nil {
		names = append(names, req.Agent.EngineResource().ArgSuppliers...)
	}
	names = append(names, supplier.DefaultOrder...)
	in := supplier.Input{
		Context:  req.Context,
		Received: req.Received,
		StepID:   req.StepID,
		History:  req.History,
	}
	if req.Agent != nil {
		in.Agent = req.Agent
	}
	params := e.suppliers.Collect(ctx, names, in, e.logger)
	for k, v := range req.Context.ToMap() {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	return params
}

// RenderMessages renders the optional system prompt and the user prompt.
func (e *DefaultEngine) RenderMessages(params map[string]interface{}, res Resource) ([]core.ModelMessage, error) {
	var msgs []core.ModelMessage
	if strings.TrimSpace(res.SystemPromptTemplate) != "" {
		sys, err := render("system", res.SystemPromptTemplate, params)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, core.ModelMessage{Role: core.RoleSystem, Content: sys})
	}
	tpl := res.PromptTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = DefaultPromptTemplate
	}
	user, err := render("user", tpl, params)
	if err != nil {
		return nil, err
	}
	return append(msgs, core.ModelMessage{Role: core.RoleHuman, Content: user}), nil
}

func render(name, text string, params map[string]interface{}) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s prompt template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

// Invoke reasons one step. On failure the returned output is terminal with a
// diagnostic answer, and the error is an EngineError.
func (e *DefaultEngine) Invoke(ctx context.Context, req Request) (*Output, error) {
	ctx, span := tracer.Start(ctx, "engine.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("engine.name", e.Name()),
		attribute.String("conv.id", req.Context.ConvID),
		attribute.String("step.id", req.StepID),
	)
	out := &Output{Done: true, Answer: "internal error, the step did not finish"}
	fail := func(err error) (*Output, error) {
		out.Done = true
		out.Actions = nil
		out.Answer = "model invocation or parsing failed\n" + err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine failed")
		e.logger.Printf("[%s][%s] step %s failed: %v", req.Context.TraceID, req.Context.ConvID, req.StepID, err)
		return out, core.EngineError{Engine: e.Name(), Err: err}
	}
	if req.Agent == nil || req.Agent.LLM() == nil {
		return fail(fmt.Errorf("agent has no llm bound"))
	}

	params := e.CollectArgs(ctx, req)
	msgs, err := e.RenderMessages(params, req.Agent.EngineResource())
	if err != nil {
		return fail(err)
	}
	out.Messages = msgs
	for _, m := range msgs {
		if m.Role == core.RoleSystem {
			out.SystemPrompt = m.Content
		} else {
			out.UserPrompt = m.Content
		}
	}

	res, err := e.chat(ctx, req.Agent, msgs)
	out.ModelName = res.Model
	if out.ModelName == "" {
		out.ModelName = req.Agent.Model()
	}
	out.Thinking = res.Thinking
	out.Content = res.Content
	if err != nil {
		return fail(err)
	}
	if strings.TrimSpace(res.Content) == "" {
		return fail(core.ErrEmptyResponse)
	}

	parsed, done, answer, actions, err := ParseActions(res.Content, req.Agent.Abilities(), e.logger)
	if err != nil {
		return fail(err)
	}
	out.Parsed = parsed
	out.Done = done
	out.Answer = answer
	out.Actions = actions
	out.Reason = parsed.Reason
	out.PlansBriefDescription = parsed.PlansBriefDescription
	e.logger.Printf("[%s][%s] step %s: model=%s done=%t actions=%d", req.Context.TraceID, req.Context.ConvID, req.StepID, out.ModelName, out.Done, len(out.Actions))
	return out, nil
}

func (e *DefaultEngine) chat(ctx context.Context, agent Agent, msgs []core.ModelMessage) (core.ChatResult, error) {
	ctx, span := tracer.Start(ctx, "engine.llm", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", agent.Model()))
	res, err := agent.LLM().Chat(ctx, agent.Model(), msgs, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm call failed")
		return res, err
	}
	return res, nil
}
