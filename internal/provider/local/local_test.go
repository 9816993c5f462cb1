package local

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/models"
)

// fakeHandle traces which model produced each hop by tagging the text.
type fakeHandle struct {
	modelID string
	err     error
}

func (h *fakeHandle) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	return fmt.Sprintf("%s(%s)", h.modelID, text), nil
}

func (h *fakeHandle) Close() error { return nil }

type fakeRuntime struct {
	translateErrs map[string]error
}

func (r *fakeRuntime) Load(ctx context.Context, modelID string, opts models.LoadOptions) (models.Handle, error) {
	return &fakeHandle{modelID: modelID, err: r.translateErrs[modelID]}, nil
}

func newTestBackend(t *testing.T, runtime *fakeRuntime) *Backend {
	t.Helper()
	loader := models.NewLoader(models.LoaderConfig{Runtime: runtime})
	t.Cleanup(loader.Close)
	return New(models.DefaultRoutes(), loader)
}

func TestTranslate_DirectRoute(t *testing.T) {
	b := newTestBackend(t, &fakeRuntime{})

	result, err := b.Translate(context.Background(), domain.TranslationRequest{
		Text: "hello", SourceLang: "en", TargetLang: "fi",
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.TranslatedText != "opus-mt-en-fi(hello)" {
		t.Errorf("TranslatedText = %q, want %q", result.TranslatedText, "opus-mt-en-fi(hello)")
	}
}

func TestTranslate_PivotRunsBothHops(t *testing.T) {
	b := newTestBackend(t, &fakeRuntime{})

	result, err := b.Translate(context.Background(), domain.TranslationRequest{
		Text: "hei", SourceLang: "fi", TargetLang: "de",
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	// The second hop must receive the first hop's output, not the input.
	want := "opus-mt-en-de(opus-mt-fi-en(hei))"
	if result.TranslatedText != want {
		t.Errorf("TranslatedText = %q, want %q", result.TranslatedText, want)
	}
}

func TestTranslate_PivotSecondHopFailurePropagates(t *testing.T) {
	hopErr := errors.New("inference crashed")
	b := newTestBackend(t, &fakeRuntime{
		translateErrs: map[string]error{"opus-mt-en-de": hopErr},
	})

	_, err := b.Translate(context.Background(), domain.TranslationRequest{
		Text: "hei", SourceLang: "fi", TargetLang: "de",
	})
	if !errors.Is(err, hopErr) {
		t.Fatalf("Translate() error = %v, want %v", err, hopErr)
	}
}

func TestTranslate_UnsupportedRoute(t *testing.T) {
	b := newTestBackend(t, &fakeRuntime{})

	_, err := b.Translate(context.Background(), domain.TranslationRequest{
		Text: "hello", SourceLang: "en", TargetLang: "ja",
	})
	if !errors.Is(err, domain.ErrUnsupportedPair) {
		t.Fatalf("Translate() error = %v, want ErrUnsupportedPair", err)
	}
	var terr *domain.TranslateError
	if !errors.As(err, &terr) || terr.Kind != domain.KindUnsupported {
		t.Errorf("error kind = %v, want KindUnsupported", err)
	}
}

func TestHealthCheck(t *testing.T) {
	b := newTestBackend(t, &fakeRuntime{})
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
