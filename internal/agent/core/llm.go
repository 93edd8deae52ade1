package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reasoner/config"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"
)

// DefaultContextLength is the prompt budget assumed for models without an explicit setting.
const DefaultContextLength = 32000

// NewLLMProvider creates a new LLM provider based on configuration
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	// Use the first configured provider
	for name, provider := range cfg.Providers {
		switch provider.Type {
		case "openai", "openai-compatible", "":
			return NewOpenAIProvider(name, provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}

// OpenAIProvider implements LLMProvider for OpenAI and compatible gateways
type OpenAIProvider struct {
	name      string
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	client    *openai.Client
	logger    *log.Logger
	backoff   time.Duration
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(name string, cfg config.LLMProvider) *OpenAIProvider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	provider := &OpenAIProvider{
		name:      name,
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		client:    openai.NewClientWithConfig(clientCfg),
		logger:    log.New(log.Writer(), "[LLM] ", log.LstdFlags),
		backoff:   500 * time.Millisecond,
	}

	for key, model := range cfg.Models {
		ctxLen := model.ContextLength
		if ctxLen <= 0 {
			ctxLen = DefaultContextLength
		}
		provider.models[key] = ModelInfo{
			Name:            model.Name,
			Provider:        name,
			MaxTokens:       model.MaxTokens,
			ContextLength:   ctxLen,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
		}
	}

	return provider
}

// Chat sends the messages to the chat completions endpoint, retrying transient failures.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, messages []ModelMessage, options map[string]interface{}) (ChatResult, error) {
	m, ok := p.rawModels[model]
	if !ok {
		return ChatResult{}, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	if apiModel == "" {
		apiModel = model
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	req := openai.ChatCompletionRequest{
		Model:       apiModel,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: toOpenAIRole(msg.Role), Content: msg.Content})
	}

	attempts := p.config.MaxRetries
	if attempts < 0 {
		attempts = 0
	}
	backoff := retry.WithMaxRetries(uint64(attempts), retry.NewExponential(p.backoff))

	var resp openai.ChatCompletionResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, req)
		if callErr != nil {
			if isRetryable(callErr) {
				p.logger.Printf("chat completion %s retrying: %v", apiModel, callErr)
				return retry.RetryableError(callErr)
			}
			return callErr
		}
		return nil
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("no choices")
	}

	thinking, content := SplitThinking(resp.Choices[0].Message.Content)
	modelName := resp.Model
	if modelName == "" {
		modelName = apiModel
	}
	return ChatResult{
		Thinking:     thinking,
		Content:      content,
		Model:        modelName,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// GetModelInfo returns information about a specific model
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

func toOpenAIRole(role string) string {
	switch role {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAI, RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}

var thinkBlock = regexp.MustCompile(`(?s)^\s*<think>(.*?)</think>`)

// SplitThinking separates a leading <think>...</think> block emitted by reasoning models.
func SplitThinking(raw string) (thinking, content string) {
	m := thinkBlock.FindStringSubmatchIndex(raw)
	if m == nil {
		return "", raw
	}
	return strings.TrimSpace(raw[m[2]:m[3]]), strings.TrimSpace(raw[m[1]:])
}
