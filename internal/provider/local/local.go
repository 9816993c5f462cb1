// Package local backs a provider with on-device inference models,
// resolving each language pair through the routing table and loading
// models on demand through the fallback chain.
package local

import (
	"context"
	"fmt"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/models"
)

type Backend struct {
	routes *models.Routes
	loader *models.Loader
}

func New(routes *models.Routes, loader *models.Loader) *Backend {
	return &Backend{
		routes: routes,
		loader: loader,
	}
}

// Translate resolves the pair and runs one direct hop or a two-hop
// pivot. Resolution happens before any model load, so an unsupported
// pair never costs a download.
func (b *Backend) Translate(ctx context.Context, req domain.TranslationRequest) (*domain.TranslationResult, error) {
	route := b.routes.Resolve(req.SourceLang, req.TargetLang)

	switch route.Kind {
	case models.RouteDirect:
		text, err := b.runModel(ctx, route.ModelID, req.Text, req.SourceLang, req.TargetLang)
		if err != nil {
			return nil, err
		}
		return &domain.TranslationResult{TranslatedText: text}, nil

	case models.RoutePivot:
		intermediate, err := b.runHop(ctx, route.Hops[0], req.Text)
		if err != nil {
			return nil, err
		}
		final, err := b.runHop(ctx, route.Hops[1], intermediate)
		if err != nil {
			return nil, err
		}
		return &domain.TranslationResult{TranslatedText: final}, nil

	default:
		return nil, domain.NewTranslateError(domain.KindUnsupported,
			fmt.Sprintf("no model route for %s-%s", req.SourceLang, req.TargetLang),
			domain.ErrUnsupportedPair)
	}
}

func (b *Backend) runHop(ctx context.Context, hop models.Hop, text string) (string, error) {
	modelID, ok := b.routes.DirectModel(hop.Source, hop.Target)
	if !ok {
		// Pivot hops are validated at table construction; a missing
		// hop here means the table was mutated after validation.
		return "", domain.NewTranslateError(domain.KindUnsupported,
			fmt.Sprintf("pivot hop %s-%s lost its direct route", hop.Source, hop.Target),
			domain.ErrUnsupportedPair)
	}
	return b.runModel(ctx, modelID, text, hop.Source, hop.Target)
}

func (b *Backend) runModel(ctx context.Context, modelID, text, sourceLang, targetLang string) (string, error) {
	pipeline, err := b.loader.Get(ctx, modelID)
	if err != nil {
		return "", err
	}
	return pipeline.Translate(ctx, text, sourceLang, targetLang)
}

// HealthCheck verifies the routing table is usable without forcing a
// model load.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if len(b.routes.Pairs()) == 0 {
		return fmt.Errorf("local backend has no routes")
	}
	return nil
}
