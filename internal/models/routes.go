// Package models routes language pairs to local translation models and
// loads them through a hardware/precision degradation chain. Loaded
// pipelines sit in a small reference-counted LRU cache.
package models

import (
	"fmt"
)

type RouteKind int

const (
	RouteUnsupported RouteKind = iota
	RouteDirect
	RoutePivot
)

// Route is the resolution result for one language pair. Direct routes
// name a model; pivot routes name two hops through the hub language,
// each of which is itself a direct route.
type Route struct {
	Kind    RouteKind
	ModelID string
	Hops    [2]Hop
}

type Hop struct {
	Source string
	Target string
}

func (p Hop) String() string {
	return p.Source + "-" + p.Target
}

// Routes is the static routing table. Pivot validity is checked once at
// construction, never at request time.
type Routes struct {
	direct map[Hop]string
	pivot  map[Hop][2]Hop
}

// NewRoutes validates that no pair appears in both tables and that every
// pivot hop resolves to a direct route.
func NewRoutes(direct map[[2]string]string, pivots map[[2]string][2]string) (*Routes, error) {
	r := &Routes{
		direct: make(map[Hop]string, len(direct)),
		pivot:  make(map[Hop][2]Hop, len(pivots)),
	}

	for k, modelID := range direct {
		r.direct[Hop{k[0], k[1]}] = modelID
	}

	for k, hub := range pivots {
		p := Hop{k[0], k[1]}
		if _, dup := r.direct[p]; dup {
			return nil, fmt.Errorf("pair %s appears in both direct and pivot tables", p)
		}

		hop1 := Hop{k[0], hub[0]}
		hop2 := Hop{hub[1], k[1]}
		if hub[0] != hub[1] {
			return nil, fmt.Errorf("pivot for %s must pass through a single hub language", p)
		}
		if _, ok := r.direct[hop1]; !ok {
			return nil, fmt.Errorf("pivot hop %s for %s has no direct route", hop1, p)
		}
		if _, ok := r.direct[hop2]; !ok {
			return nil, fmt.Errorf("pivot hop %s for %s has no direct route", hop2, p)
		}
		r.pivot[p] = [2]Hop{hop1, hop2}
	}

	return r, nil
}

// Resolve maps a language pair to a direct model, a two-hop pivot, or
// Unsupported.
func (r *Routes) Resolve(source, target string) Route {
	p := Hop{source, target}
	if modelID, ok := r.direct[p]; ok {
		return Route{Kind: RouteDirect, ModelID: modelID}
	}
	if hops, ok := r.pivot[p]; ok {
		return Route{Kind: RoutePivot, Hops: hops}
	}
	return Route{Kind: RouteUnsupported}
}

// DirectModel returns the model id for a direct pair; pivot execution
// resolves each hop through this.
func (r *Routes) DirectModel(source, target string) (string, bool) {
	modelID, ok := r.direct[Hop{source, target}]
	return modelID, ok
}

// Pairs lists every supported pair, direct and pivot.
func (r *Routes) Pairs() [][2]string {
	out := make([][2]string, 0, len(r.direct)+len(r.pivot))
	for p := range r.direct {
		out = append(out, [2]string{p.Source, p.Target})
	}
	for p := range r.pivot {
		out = append(out, [2]string{p.Source, p.Target})
	}
	return out
}

// DefaultRoutes is the stock table: bidirectional models between English
// and a set of European languages, with non-English pairs pivoting
// through the English hub.
func DefaultRoutes() *Routes {
	direct := map[[2]string]string{
		{"en", "fi"}: "opus-mt-en-fi",
		{"fi", "en"}: "opus-mt-fi-en",
		{"en", "de"}: "opus-mt-en-de",
		{"de", "en"}: "opus-mt-de-en",
		{"en", "fr"}: "opus-mt-en-fr",
		{"fr", "en"}: "opus-mt-fr-en",
		{"en", "es"}: "opus-mt-en-es",
		{"es", "en"}: "opus-mt-es-en",
		{"en", "sv"}: "opus-mt-en-sv",
		{"sv", "en"}: "opus-mt-sv-en",
	}
	pivots := map[[2]string][2]string{
		{"fi", "de"}: {"en", "en"},
		{"de", "fi"}: {"en", "en"},
		{"fi", "sv"}: {"en", "en"},
		{"sv", "fi"}: {"en", "en"},
		{"fr", "de"}: {"en", "en"},
		{"de", "fr"}: {"en", "en"},
		{"es", "fr"}: {"en", "en"},
		{"fr", "es"}: {"en", "en"},
	}

	routes, err := NewRoutes(direct, pivots)
	if err != nil {
		// The stock table is validated by tests; a bad entry is a
		// programming error.
		panic(err)
	}
	return routes
}
