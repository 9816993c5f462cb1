// Package bedrock backs a translation provider with an LLM on Amazon
// Bedrock. The model is prompted to return the translation and nothing
// else.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

const defaultModelID = "anthropic.claude-3-haiku-20240307-v1:0"

type Backend struct {
	client  *bedrockruntime.Client
	modelID string
}

func New(ctx context.Context, region, modelID string) (*Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg, modelID), nil
}

func NewWithConfig(cfg aws.Config, modelID string) *Backend {
	if modelID == "" {
		modelID = defaultModelID
	}
	return &Backend{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}
}

func (b *Backend) Translate(ctx context.Context, req domain.TranslationRequest) (*domain.TranslationResult, error) {
	prompt := translationPrompt(req)

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokensFor(req.Text),
		System:           systemPrompt,
		Messages: []message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := b.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, classify(err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var translated strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			translated.WriteString(block.Text)
		}
	}

	return &domain.TranslationResult{
		TranslatedText: strings.TrimSpace(translated.String()),
		Confidence:     0.9,
	}, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.Translate(ctx, domain.TranslationRequest{
		Text:       "hello",
		SourceLang: "en",
		TargetLang: "fi",
	})
	return err
}

const systemPrompt = "You are a translation engine. Translate the user's text exactly, " +
	"preserving formatting and tone. Respond with the translation only, no commentary."

func translationPrompt(req domain.TranslationRequest) string {
	source := req.SourceLang
	if source == "" || source == "auto" {
		source = "the detected language"
	}
	return fmt.Sprintf("Translate the following text from %s to %s:\n\n%s", source, req.TargetLang, req.Text)
}

// maxTokensFor gives the model room for expansion-prone language pairs.
func maxTokensFor(text string) int {
	n := len(text)/2 + 256
	if n > 4096 {
		n = 4096
	}
	return n
}

// classify maps SDK failures onto the gateway taxonomy so the throttle
// retries only what is worth retrying. Authentication and quota
// failures are never retryable.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "throttl") || strings.Contains(msg, "too many requests"):
		return domain.NewTranslateError(domain.KindRateLimited, "bedrock throttled the request", err)
	case strings.Contains(msg, "accessdenied") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "expiredtoken"):
		te := domain.NewTranslateError(domain.KindBackendFailure, "bedrock rejected the credentials", err)
		te.Retryable = false
		return te
	case strings.Contains(msg, "quota") || strings.Contains(msg, "limit exceeded"):
		te := domain.NewTranslateError(domain.KindBackendFailure, "bedrock account quota exhausted", err)
		te.Retryable = false
		return te
	default:
		return domain.NewTranslateError(domain.KindBackendFailure, "bedrock invocation failed", err)
	}
}

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
