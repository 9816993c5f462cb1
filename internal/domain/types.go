package domain

import (
	"context"
	"time"
)

// ProviderType distinguishes network-backed translation APIs from
// local inference engines that need a model loaded before use.
type ProviderType string

const (
	ProviderTypeNetwork ProviderType = "network"
	ProviderTypeLocal   ProviderType = "local"
)

// Strategy selects the weight vector used when scoring providers.
type Strategy string

const (
	StrategyFast    Strategy = "fast"
	StrategyQuality Strategy = "quality"
	StrategySmart   Strategy = "smart"
)

// Limits declares a provider's quota and cost schedule.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	CostPer1KChars    float64
	MonthlyBudgetUSD  float64
}

// Provider is the registry's record for one translation backend.
// It is owned by the registry and mutated only through registration
// and enable/disable calls.
type Provider struct {
	ID       string
	Name     string
	Type     ProviderType
	Endpoint string
	Features map[string]bool
	Limits   Limits
	// Languages holds ISO 639-1 codes the provider accepts on either side.
	Languages map[string]bool
	// Priority 1 is highest; values above 5 earn no bonus.
	Priority int
	Enabled  bool
	Backend  Backend
}

// Free reports whether the provider has no per-character cost.
func (p *Provider) Free() bool {
	return p.Limits.CostPer1KChars == 0
}

// SupportsPair reports whether the provider accepts the language pair.
// The source check is skipped for auto-detection.
func (p *Provider) SupportsPair(source, target string) bool {
	if !p.Languages[target] {
		return false
	}
	if source == "auto" || source == "" {
		return true
	}
	return p.Languages[source]
}

// Backend is the capability a provider implementation exposes to the
// orchestrator. Implementations live under internal/provider.
type Backend interface {
	Translate(ctx context.Context, req TranslationRequest) (*TranslationResult, error)
	HealthCheck(ctx context.Context) error
}

// BatchBackend is implemented by backends that accept several texts in
// one round trip. Callers fall back to per-text Translate otherwise.
type BatchBackend interface {
	Backend
	TranslateBatch(ctx context.Context, reqs []TranslationRequest) ([]*TranslationResult, error)
}

// TranslationRequest is one unit of work against a backend.
type TranslationRequest struct {
	Text       string
	SourceLang string
	TargetLang string
	// Model pins a specific local model; empty for network backends.
	Model string
}

// TranslationResult is what a backend returns for one text.
type TranslationResult struct {
	TranslatedText string
	DetectedLang   string
	CostUSD        float64
	Confidence     float64
}

// PerformanceSample is one observed provider interaction, appended to a
// bounded per-provider ring.
type PerformanceSample struct {
	Timestamp      time.Time
	ResponseTimeMs int64
	Success        bool
	CostUSD        float64
	TextLength     int
}

// ProviderHealth is derived from the trailing sample window.
type ProviderHealth struct {
	Healthy        bool
	SuccessRate    float64
	ResponseTimeMs int64
	LastChecked    time.Time
}

// SelectionCriteria is the selector's input for one request.
type SelectionCriteria struct {
	TextLength int
	Strategy   Strategy
	SourceLang string
	TargetLang string
	BatchSize  int
}

// TranslateOptions modify a single orchestrator call.
type TranslateOptions struct {
	Strategy Strategy
	// Provider pins an explicit provider id, bypassing scoring but not
	// health or admission control.
	Provider string
	Priority int
	NoCache  bool
}
