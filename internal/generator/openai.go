package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/imamik/vmpilot/internal/deployment"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You write Terraform for Hetzner Cloud. Answer with one JSON object:
{"code": "<terraform>", "confidence": <0..1, how sure you are the code does what was asked>,
 "resources": {"instances": n, "cpu": n, "memoryGB": n, "storageGB": n, "serverType": "...",
 "image": "...", "location": "...", "criticality": "low|medium|high|critical"},
 "hardening": "<profile name or empty>"}
Omit resource fields you cannot infer.`

var tierGuidance = map[deployment.Tier]string{
	deployment.TierNovice:       "The requester is a novice. Prefer the smallest safe defaults and explain nothing.",
	deployment.TierIntermediate: "The requester is comfortable with cloud infrastructure.",
	deployment.TierExpert:       "The requester is an expert. Follow the request literally.",
}

// OpenAIConfig configures the OpenAI generator.
type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint (compatible gateways, tests).
	BaseURL string
}

// OpenAIGenerator asks a chat-completion model for code and a confidence score.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a generator.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, tier deployment.Tier) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, errors.New("prompt is empty")
	}
	g.logger.Debug("generating code", "model", g.model, "tier", tier)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleSystem, Content: tierGuidance[tier]},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("openai returned no choices")
	}

	return parseResult(resp.Choices[0].Message.Content)
}

func parseResult(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")

	var res Result
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode generator response: %w", err)
	}
	if res.Code == "" {
		return Result{}, errors.New("generator response has no code")
	}
	res.Confidence = clamp(res.Confidence)
	return res, nil
}
