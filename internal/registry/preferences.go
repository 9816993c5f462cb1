package registry

import (
	"context"
	"encoding/json"

	"github.com/MikkoParkkola/translate-gateway/internal/storage"
)

const preferencesKey = "provider-preferences"

// Preferences remembers the provider last explicitly requested for each
// language pair, persisted through the generic storage service so a
// restart keeps the operator's choices.
type Preferences struct {
	store storage.Service
}

func NewPreferences(store storage.Service) *Preferences {
	return &Preferences{store: store}
}

func (p *Preferences) pairKey(source, target string) string {
	return source + ":" + target
}

// Remember records providerID as the preference for the pair.
func (p *Preferences) Remember(ctx context.Context, source, target, providerID string) error {
	prefs, err := p.load(ctx)
	if err != nil {
		return err
	}

	prefs[p.pairKey(source, target)] = providerID

	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, map[string][]byte{preferencesKey: data})
}

// Lookup returns the remembered provider for the pair, if any.
func (p *Preferences) Lookup(ctx context.Context, source, target string) (string, bool) {
	prefs, err := p.load(ctx)
	if err != nil {
		return "", false
	}
	id, ok := prefs[p.pairKey(source, target)]
	return id, ok
}

func (p *Preferences) load(ctx context.Context) (map[string]string, error) {
	values, err := p.store.Get(ctx, []string{preferencesKey})
	if err != nil {
		return nil, err
	}

	prefs := make(map[string]string)
	if data, ok := values[preferencesKey]; ok {
		if err := json.Unmarshal(data, &prefs); err != nil {
			return nil, err
		}
	}
	return prefs, nil
}
