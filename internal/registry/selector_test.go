package registry

import (
	"errors"
	"testing"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

func seedHealth(r *Registry, id string, successRate float64, avgMs int64) {
	// 20 samples fully determine the derived health.
	successes := int(successRate * 20)
	for i := 0; i < 20; i++ {
		r.RecordOutcome(id, domain.PerformanceSample{
			Success:        i < successes,
			ResponseTimeMs: avgMs,
		})
	}
}

func TestSelect_FastStrategyPrefersFastCheapProvider(t *testing.T) {
	r := New()

	fast := testProvider("fast-cheap", 1, "en", "fi")
	r.Register(fast)

	slow := testProvider("slow-pricey", 3, "en", "fi")
	slow.Limits.CostPer1KChars = 0.08
	r.Register(slow)

	seedHealth(r, "fast-cheap", 1.0, 200)
	seedHealth(r, "slow-pricey", 1.0, 8000)

	p, err := r.Select(domain.SelectionCriteria{
		TextLength: 500,
		Strategy:   domain.StrategyFast,
		SourceLang: "en",
		TargetLang: "fi",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.ID != "fast-cheap" {
		t.Errorf("Select() = %s, want fast-cheap", p.ID)
	}
}

func TestSelect_QualityStrategyPrefersAIProvider(t *testing.T) {
	r := New()

	plain := testProvider("plain", 1, "en", "fi")
	r.Register(plain)

	ai := testProvider("ai", 1, "en", "fi")
	ai.Features = map[string]bool{"ai": true, "quality-high": true}
	ai.Limits.CostPer1KChars = 0.01
	r.Register(ai)

	seedHealth(r, "plain", 1.0, 500)
	seedHealth(r, "ai", 1.0, 1500)

	p, err := r.Select(domain.SelectionCriteria{
		TextLength: 500,
		Strategy:   domain.StrategyQuality,
		SourceLang: "en",
		TargetLang: "fi",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.ID != "ai" {
		t.Errorf("Select() = %s, want ai", p.ID)
	}
}

func TestSelect_SkipsUnhealthyAndDisabled(t *testing.T) {
	r := New()

	sick := testProvider("sick", 1, "en", "fi")
	r.Register(sick)
	seedHealth(r, "sick", 0.3, 100)

	off := testProvider("off", 1, "en", "fi")
	off.Enabled = false
	r.Register(off)

	ok := testProvider("ok", 5, "en", "fi")
	r.Register(ok)

	p, err := r.Select(domain.SelectionCriteria{
		Strategy:   domain.StrategySmart,
		SourceLang: "en",
		TargetLang: "fi",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.ID != "ok" {
		t.Errorf("Select() = %s, want ok", p.ID)
	}
}

func TestSelect_UnsupportedPair(t *testing.T) {
	r := New()
	r.Register(testProvider("a", 1, "en", "fi"))

	_, err := r.Select(domain.SelectionCriteria{
		Strategy:   domain.StrategySmart,
		SourceLang: "en",
		TargetLang: "ja",
	})
	if !errors.Is(err, domain.ErrNoProvider) {
		t.Errorf("Select() error = %v, want ErrNoProvider", err)
	}
}

func TestSelect_AutoSourceSkipsSourceCheck(t *testing.T) {
	r := New()
	r.Register(testProvider("a", 1, "en", "fi"))

	p, err := r.Select(domain.SelectionCriteria{
		Strategy:   domain.StrategySmart,
		SourceLang: "auto",
		TargetLang: "fi",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.ID != "a" {
		t.Errorf("Select() = %s, want a", p.ID)
	}
}

func TestSelect_TieBreaksByRegistrationOrder(t *testing.T) {
	r := New()

	// Identical providers: identical scores, so the first registered wins.
	r.Register(testProvider("first", 1, "en", "fi"))
	r.Register(testProvider("second", 1, "en", "fi"))

	for i := 0; i < 10; i++ {
		p, err := r.Select(domain.SelectionCriteria{
			Strategy:   domain.StrategySmart,
			SourceLang: "en",
			TargetLang: "fi",
		})
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if p.ID != "first" {
			t.Fatalf("Select() = %s, want first (stable tie-break)", p.ID)
		}
	}
}

func TestSelect_PriorityBonus(t *testing.T) {
	r := New()

	low := testProvider("low-priority", 5, "en", "fi")
	r.Register(low)

	high := testProvider("high-priority", 1, "en", "fi")
	r.Register(high)

	p, err := r.Select(domain.SelectionCriteria{
		Strategy:   domain.StrategySmart,
		SourceLang: "en",
		TargetLang: "fi",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.ID != "high-priority" {
		t.Errorf("Select() = %s, want high-priority", p.ID)
	}
}

func almostEqual(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

func TestQualityScore(t *testing.T) {
	base := testProvider("base", 1, "en", "fi")
	if got := qualityScore(base); !almostEqual(got, 0.5) {
		t.Errorf("qualityScore(base) = %v, want 0.5", got)
	}

	ai := testProvider("ai", 1, "en", "fi")
	ai.Features = map[string]bool{"ai": true, "quality-high": true}
	if got := qualityScore(ai); !almostEqual(got, 1.0) {
		t.Errorf("qualityScore(ai+high) = %v, want 1.0", got)
	}

	medium := testProvider("medium", 1, "en", "fi")
	medium.Features = map[string]bool{"quality-medium": true}
	if got := qualityScore(medium); !almostEqual(got, 0.7) {
		t.Errorf("qualityScore(medium) = %v, want 0.7", got)
	}
}

func TestPriorityBonus(t *testing.T) {
	if got := priorityBonus(1); !almostEqual(got, 0.4) {
		t.Errorf("priorityBonus(1) = %v, want 0.4", got)
	}
	if got := priorityBonus(5); got != 0.0 {
		t.Errorf("priorityBonus(5) = %v, want 0", got)
	}
	if got := priorityBonus(9); got != 0.0 {
		t.Errorf("priorityBonus(9) = %v, want 0 (clamped)", got)
	}
}
