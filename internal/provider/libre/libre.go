// Package libre implements the network provider backend for
// LibreTranslate-compatible HTTP APIs.
package libre

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/httputil"
)

type Backend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string) *Backend {
	return &Backend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httputil.DefaultClient(),
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage *struct {
		Language   string  `json:"language"`
		Confidence float64 `json:"confidence"`
	} `json:"detectedLanguage,omitempty"`
}

func (b *Backend) Translate(ctx context.Context, req domain.TranslationRequest) (*domain.TranslationResult, error) {
	source := req.SourceLang
	if source == "" {
		source = "auto"
	}

	body, err := json.Marshal(translateRequest{
		Q:      req.Text,
		Source: source,
		Target: req.TargetLang,
		Format: "text",
		APIKey: b.apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewTranslateError(domain.KindBackendFailure, "libretranslate unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &domain.TranslationResult{
		TranslatedText: out.TranslatedText,
	}
	if out.DetectedLanguage != nil {
		result.DetectedLang = out.DetectedLanguage.Language
		result.Confidence = out.DetectedLanguage.Confidence / 100
	}
	return result, nil
}

// TranslateBatch sends all texts in a single round trip; LibreTranslate
// accepts an array in q.
func (b *Backend) TranslateBatch(ctx context.Context, reqs []domain.TranslationRequest) ([]*domain.TranslationResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(reqs))
	for i, r := range reqs {
		texts[i] = r.Text
	}
	source := reqs[0].SourceLang
	if source == "" {
		source = "auto"
	}

	payload := map[string]interface{}{
		"q":      texts,
		"source": source,
		"target": reqs[0].TargetLang,
		"format": "text",
	}
	if b.apiKey != "" {
		payload["api_key"] = b.apiKey
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewTranslateError(domain.KindBackendFailure, "libretranslate unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var out struct {
		TranslatedText []string `json:"translatedText"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.TranslatedText) != len(reqs) {
		return nil, fmt.Errorf("batch size mismatch: sent %d texts, got %d translations", len(reqs), len(out.TranslatedText))
	}

	results := make([]*domain.TranslationResult, len(reqs))
	for i, text := range out.TranslatedText {
		results[i] = &domain.TranslationResult{TranslatedText: text}
	}
	return results, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/languages", nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("libretranslate health: status=%d", resp.StatusCode)
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	base := fmt.Errorf("libretranslate error: status=%d body=%s", resp.StatusCode, string(bodyBytes))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		te := domain.NewTranslateError(domain.KindRateLimited, "libretranslate rate limit hit", base)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil {
				te.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return te
	case http.StatusUnauthorized, http.StatusForbidden:
		te := domain.NewTranslateError(domain.KindBackendFailure, "libretranslate rejected the API key", base)
		te.Retryable = false
		return te
	case http.StatusBadRequest:
		te := domain.NewTranslateError(domain.KindBackendFailure, "libretranslate rejected the request", base)
		te.Retryable = false
		return te
	default:
		return domain.NewTranslateError(domain.KindBackendFailure, "libretranslate request failed", base)
	}
}
