// Package places resolves country, state and address suggestions through the Google Places API.
package places

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"googlemaps.github.io/maps"
)

// FieldType is the kind of form field a search is made for.
type FieldType string

const (
	FieldCountry FieldType = "country"
	FieldState   FieldType = "state"
	FieldAddress FieldType = "address"
)

// ErrDisabled is returned by Resolve when no API key is configured.
var ErrDisabled = errors.New("address lookup disabled")

// ParseFieldType maps a form element type to a FieldType.
func ParseFieldType(s string) (FieldType, bool) {
	switch FieldType(strings.ToLower(strings.TrimSpace(s))) {
	case FieldCountry:
		return FieldCountry, true
	case FieldState:
		return FieldState, true
	case FieldAddress:
		return FieldAddress, true
	}
	return "", false
}

// Prediction is a single autocomplete suggestion.
type Prediction struct {
	Description string   `json:"description"`
	PlaceID     string   `json:"placeId"`
	Types       []string `json:"types,omitempty"`
}

// Result is the outcome of a Search. Stale results were superseded by a newer query for the same key
// and carry no predictions.
type Result struct {
	Predictions []Prediction `json:"predictions"`
	Stale       bool         `json:"stale"`
}

// Details are the address components extracted from a selected place.
type Details struct {
	PlaceID       string `json:"placeId"`
	CountryCode   string `json:"countryCode,omitempty"`
	StateCode     string `json:"stateCode,omitempty"`
	StateName     string `json:"stateName,omitempty"`
	City          string `json:"city,omitempty"`
	StreetAddress string `json:"streetAddress,omitempty"`
}

// AddressValue is the value stored in an address field: the street address when one was found,
// otherwise the selected description.
func (d Details) AddressValue(description string) string {
	if d.StreetAddress != "" {
		return d.StreetAddress
	}
	return description
}

// Provider is the subset of *maps.Client used by Service.
type Provider interface {
	PlaceAutocomplete(ctx context.Context, r *maps.PlaceAutocompleteRequest) (maps.AutocompleteResponse, error)
	PlaceDetails(ctx context.Context, r *maps.PlaceDetailsRequest) (maps.PlaceDetailsResult, error)
}

// Opts holds configuration for Service.
type Opts struct {
	APIKey   string
	Provider Provider
}

// Option configures a Service.
type Option func(*Opts)

// WithAPIKey sets the Google Maps API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithProvider replaces the Places client, mainly for tests.
func WithProvider(p Provider) Option {
	return func(o *Opts) {
		o.Provider = p
	}
}

type search struct {
	gen    uint64
	cancel context.CancelFunc
}

// Service runs place searches. Searches sharing a key follow latest-query-wins: starting a search
// cancels the previous one for that key and a superseded search reports Stale.
type Service struct {
	provider Provider

	mu       sync.Mutex
	gen      uint64
	inflight map[string]*search
}

// NewService creates a Service. Without an API key or provider the service is disabled and
// every search returns no predictions.
func NewService(opts ...Option) (*Service, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Service{provider: cfg.Provider, inflight: make(map[string]*search)}
	if s.provider == nil && cfg.APIKey != "" {
		client, err := maps.NewClient(maps.WithAPIKey(cfg.APIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create maps client: %w", err)
		}
		s.provider = client
	}
	slog.Debug("Service.NewService: address lookup configured", "enabled", s.provider != nil)
	return s, nil
}

// Enabled reports whether searches reach the Places API.
func (s *Service) Enabled() bool {
	return s != nil && s.provider != nil
}

// Search returns predictions for query, filtered for field. key identifies the input the query
// was typed into, typically the session id and the field name. Provider failures are logged and
// reported as an empty result.
func (s *Service) Search(ctx context.Context, key, query string, field FieldType, country, lang string) (Result, error) {
	query = strings.TrimSpace(query)
	if !s.Enabled() || query == "" {
		s.forget(key, 0)
		return Result{Predictions: []Prediction{}}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen := s.begin(key, cancel)
	defer s.forget(key, gen)

	resp, err := s.provider.PlaceAutocomplete(ctx, buildAutocompleteRequest(query, field, country, lang))
	if !s.isLatest(key, gen) {
		slog.Debug("Service.Search: discarding stale response", "key", key, "query", query)
		return Result{Predictions: []Prediction{}, Stale: true}, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Result{Predictions: []Prediction{}}, ctx.Err()
		}
		slog.Warn("Service.Search: autocomplete failed", "field", field, "error", err)
		return Result{Predictions: []Prediction{}}, nil
	}
	return Result{Predictions: filterPredictions(resp.Predictions, field)}, nil
}

// Resolve fetches the address components of placeID.
func (s *Service) Resolve(ctx context.Context, placeID, lang string) (Details, error) {
	if !s.Enabled() {
		return Details{}, ErrDisabled
	}
	if strings.TrimSpace(placeID) == "" {
		return Details{}, fmt.Errorf("place id is required")
	}
	res, err := s.provider.PlaceDetails(ctx, &maps.PlaceDetailsRequest{
		PlaceID:  placeID,
		Language: lang,
		Fields:   []maps.PlaceDetailsFieldMask{maps.PlaceDetailsFieldMaskAddressComponent},
	})
	if err != nil {
		return Details{}, fmt.Errorf("failed to fetch place details: %w", err)
	}
	d := ExtractDetails(res.AddressComponents)
	d.PlaceID = placeID
	return d, nil
}

func (s *Service) begin(key string, cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.inflight[key]; ok {
		prev.cancel()
	}
	s.gen++
	s.inflight[key] = &search{gen: s.gen, cancel: cancel}
	return s.gen
}

func (s *Service) isLatest(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inflight[key]
	return ok && cur.gen == gen
}

// forget drops the in-flight entry for key if it still belongs to gen. gen 0 cancels whatever
// is in flight, which is what clearing the input does.
func (s *Service) forget(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inflight[key]
	if !ok {
		return
	}
	if gen == 0 {
		cur.cancel()
	}
	if gen == 0 || cur.gen == gen {
		delete(s.inflight, key)
	}
}

func buildAutocompleteRequest(query string, field FieldType, country, lang string) *maps.PlaceAutocompleteRequest {
	req := &maps.PlaceAutocompleteRequest{
		Input:    query,
		Language: lang,
		Types:    maps.AutocompletePlaceTypeRegions,
	}
	if field == FieldAddress {
		req.Types = maps.AutocompletePlaceTypeAddress
	}
	if cc := strings.ToLower(strings.TrimSpace(country)); cc != "" && field != FieldCountry {
		req.Components = map[maps.Component][]string{maps.ComponentCountry: {cc}}
	}
	return req
}

func filterPredictions(in []maps.AutocompletePrediction, field FieldType) []Prediction {
	want := ""
	switch field {
	case FieldCountry:
		want = "country"
	case FieldState:
		want = "administrative_area_level_1"
	}
	out := make([]Prediction, 0, len(in))
	for _, p := range in {
		if want != "" && !hasType(p.Types, want) {
			continue
		}
		out = append(out, Prediction{Description: p.Description, PlaceID: p.PlaceID, Types: p.Types})
	}
	return out
}

// ExtractDetails reads country, state, city and street address from address components.
// City falls back from locality to the second and third administrative levels.
func ExtractDetails(components []maps.AddressComponent) Details {
	var d Details
	var streetNumber, route string
	cities := make(map[string]string, 3)
	for _, c := range components {
		switch {
		case hasType(c.Types, "country"):
			d.CountryCode = c.ShortName
		case hasType(c.Types, "administrative_area_level_1"):
			d.StateCode = c.ShortName
			d.StateName = c.LongName
		case hasType(c.Types, "locality"):
			cities["locality"] = c.LongName
		case hasType(c.Types, "administrative_area_level_2"):
			cities["administrative_area_level_2"] = c.LongName
		case hasType(c.Types, "administrative_area_level_3"):
			cities["administrative_area_level_3"] = c.LongName
		case hasType(c.Types, "street_number"):
			streetNumber = c.LongName
		case hasType(c.Types, "route"):
			route = c.LongName
		}
	}
	for _, level := range []string{"locality", "administrative_area_level_2", "administrative_area_level_3"} {
		if city := cities[level]; city != "" {
			d.City = city
			break
		}
	}
	d.StreetAddress = strings.TrimSpace(strings.Join(nonEmpty(streetNumber, route), " "))
	return d
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
