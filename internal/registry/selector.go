package registry

import (
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

// weights is the per-strategy scoring vector. fast favours speed,
// quality favours the quality heuristic, smart balances all four.
type weights struct {
	health  float64
	cost    float64
	speed   float64
	quality float64
}

var strategyWeights = map[domain.Strategy]weights{
	domain.StrategyFast:    {health: 0.25, cost: 0.10, speed: 0.45, quality: 0.20},
	domain.StrategyQuality: {health: 0.25, cost: 0.10, speed: 0.15, quality: 0.50},
	domain.StrategySmart:   {health: 0.30, cost: 0.25, speed: 0.25, quality: 0.20},
}

// Select scores every enabled, healthy provider that supports the
// requested pair and returns the best one. Greedy single-shot selection:
// one O(providers) pass, ties broken by registration order. Returns
// ErrNoProvider when no candidate qualifies; an unhealthy or disabled
// provider is never returned.
func (r *Registry) Select(criteria domain.SelectionCriteria) (*domain.Provider, error) {
	w, ok := strategyWeights[criteria.Strategy]
	if !ok {
		w = strategyWeights[domain.StrategySmart]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.Provider
	bestScore := -1.0

	for _, id := range r.order {
		p := r.providers[id]
		if !p.Enabled {
			continue
		}
		if !p.SupportsPair(criteria.SourceLang, criteria.TargetLang) {
			continue
		}
		health := r.health[id].Health()
		if !health.Healthy {
			continue
		}

		score := scoreProvider(p, health, criteria, w)
		if score > bestScore {
			best = p
			bestScore = score
		}
	}

	if best == nil {
		return nil, domain.ErrNoProvider
	}
	return best, nil
}

func scoreProvider(p *domain.Provider, health domain.ProviderHealth, criteria domain.SelectionCriteria, w weights) float64 {
	healthScore := 0.0
	if health.Healthy {
		healthScore = health.SuccessRate
	}

	speedScore := 1 - float64(health.ResponseTimeMs)/10000
	if speedScore < 0 {
		speedScore = 0
	}

	costScore := 1 - estimateCost(p, criteria.TextLength)/0.10
	if costScore < 0 {
		costScore = 0
	}

	score := w.health*healthScore +
		w.speed*speedScore +
		w.cost*costScore +
		w.quality*qualityScore(p)

	return score + priorityBonus(p.Priority)
}

// estimateCost projects the request's dollar cost; free providers
// estimate zero and score a full cost subscore.
func estimateCost(p *domain.Provider, textLength int) float64 {
	if p.Free() {
		return 0
	}
	return float64(textLength) / 1000 * p.Limits.CostPer1KChars
}

// qualityScore is a fixed heuristic: base 0.5, +0.2 for AI-based
// backends, +0.2/+0.3 for declared quality tiers, +0.1 for broad
// language coverage, capped at 1.
func qualityScore(p *domain.Provider) float64 {
	score := 0.5
	if p.Features["ai"] {
		score += 0.2
	}
	switch {
	case p.Features["quality-high"]:
		score += 0.3
	case p.Features["quality-medium"]:
		score += 0.2
	}
	if len(p.Languages) > 50 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func priorityBonus(priority int) float64 {
	if priority > 5 {
		priority = 5
	}
	return float64(5-priority) * 0.1
}
