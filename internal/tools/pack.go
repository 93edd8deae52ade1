// Package tools binds registered tool cards to their Go handlers.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reasoner/internal/capability"
	"github.com/mohammad-safakhou/reasoner/internal/tools/webfetch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("reasoner/internal/tools")

// Handler runs one tool.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Pack is a named set of tools, described by capability cards.
type Pack struct {
	name     string
	registry *capability.Registry
	handlers map[string]Handler
	logger   *log.Logger
}

// NewPack creates an empty pack over reg.
func NewPack(name string, reg *capability.Registry) *Pack {
	return &Pack{
		name:     name,
		registry: reg,
		handlers: make(map[string]Handler),
		logger:   log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Register binds a handler to the card called tool.
func (p *Pack) Register(tool string, h Handler) error {
	if _, ok := p.registry.Tool(tool); !ok {
		return fmt.Errorf("%w: %s", capability.ErrToolMissing, tool)
	}
	p.handlers[tool] = h
	return nil
}

func (p *Pack) Name() string { return p.name }

// Card returns the card of a bound tool.
func (p *Pack) Card(tool string) (capability.ToolCard, bool) {
	if _, ok := p.handlers[tool]; !ok {
		return capability.ToolCard{}, false
	}
	return p.registry.Tool(tool)
}

// Tools lists the bound tool names in order.
func (p *Pack) Tools() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute validates args against the card schema and runs the handler.
func (p *Pack) Execute(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	ctx, span := tracer.Start(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool.pack", p.name), attribute.String("tool.name", tool))

	h, ok := p.handlers[tool]
	if !ok {
		err := fmt.Errorf("%w: %s", capability.ErrToolMissing, tool)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool missing")
		return nil, err
	}
	if err := p.registry.ValidateArgs(tool, args); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid args")
		return nil, err
	}
	start := time.Now()
	out, err := h(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Printf("tool %s failed after %s: %v", tool, time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	return out, nil
}

// IsTerminal reports whether running tool ends the caller's loop.
func (p *Pack) IsTerminal(tool string) bool {
	tc, ok := p.registry.Tool(tool)
	return ok && tc.Terminal
}

// WebFetchCard is the card of the built-in page fetch tool.
func WebFetchCard() capability.ToolCard {
	return capability.ToolCard{
		Name:        "web_fetch",
		Version:     "v1",
		Description: "Fetch a web page and return its readable text. Parameters: {\"url\": \"https://...\"}",
		Pack:        "builtin",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"url"},
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string"},
			},
		},
		SideEffects: []string{"network"},
	}
}

// WebFetchHandler adapts a fetcher to a tool handler.
func WebFetchHandler(f webfetch.Fetcher) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		u, _ := args["url"].(string)
		res, err := f.Fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", u, err)
		}
		return res, nil
	}
}

// TerminateCard is the card of the built-in terminate tool, which hands its
// message back as the final output.
func TerminateCard() capability.ToolCard {
	return capability.ToolCard{
		Name:        "terminate",
		Version:     "v1",
		Description: "Finish the task and return the final message. Parameters: {\"message\": \"...\"}",
		Pack:        "builtin",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"message": map[string]interface{}{"type": "string"}},
		},
		Terminal: true,
	}
}

// TerminateHandler echoes the message argument.
func TerminateHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	msg, _ := args["message"].(string)
	return strings.TrimSpace(msg), nil
}
