package places

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"googlemaps.github.io/maps"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider records requests and answers from canned data. When block is set, the first
// autocomplete call waits for its context to be cancelled.
type fakeProvider struct {
	mu       sync.Mutex
	requests []maps.PlaceAutocompleteRequest
	preds    []maps.AutocompletePrediction
	details  maps.PlaceDetailsResult
	err      error
	block    bool
	started  chan struct{}
}

func (f *fakeProvider) PlaceAutocomplete(ctx context.Context, r *maps.PlaceAutocompleteRequest) (maps.AutocompleteResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *r)
	first := len(f.requests) == 1
	f.mu.Unlock()

	if f.block && first {
		close(f.started)
		<-ctx.Done()
		return maps.AutocompleteResponse{Predictions: f.preds}, ctx.Err()
	}
	return maps.AutocompleteResponse{Predictions: f.preds}, f.err
}

func (f *fakeProvider) PlaceDetails(ctx context.Context, r *maps.PlaceDetailsRequest) (maps.PlaceDetailsResult, error) {
	return f.details, f.err
}

var mixedPredictions = []maps.AutocompletePrediction{
	{Description: "United Arab Emirates", PlaceID: "p-ae", Types: []string{"country", "political"}},
	{Description: "Dubai - United Arab Emirates", PlaceID: "p-du", Types: []string{"administrative_area_level_1", "political"}},
	{Description: "Dubai Marina", PlaceID: "p-dm", Types: []string{"neighborhood", "political"}},
}

func TestSearchFiltersByField(t *testing.T) {
	tests := []struct {
		field FieldType
		want  []string
	}{
		{FieldCountry, []string{"p-ae"}},
		{FieldState, []string{"p-du"}},
		{FieldAddress, []string{"p-ae", "p-du", "p-dm"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.field), func(t *testing.T) {
			svc, _ := NewService(WithProvider(&fakeProvider{preds: mixedPredictions}))
			res, err := svc.Search(context.Background(), "s1/field", "du", tt.field, "AE", "en")
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			var got []string
			for _, p := range res.Predictions {
				got = append(got, p.PlaceID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("predictions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearchRequestShape(t *testing.T) {
	fp := &fakeProvider{}
	svc, _ := NewService(WithProvider(fp))
	ctx := context.Background()

	svc.Search(ctx, "k1", "Dub", FieldState, "AE", "ar")
	svc.Search(ctx, "k2", "Sheikh", FieldAddress, "", "en")
	svc.Search(ctx, "k3", "Uni", FieldCountry, "AE", "en")

	if len(fp.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(fp.requests))
	}
	state := fp.requests[0]
	if state.Types != maps.AutocompletePlaceTypeRegions || state.Language != "ar" {
		t.Errorf("unexpected state request %+v", state)
	}
	if diff := cmp.Diff([]string{"ae"}, state.Components[maps.ComponentCountry]); diff != "" {
		t.Errorf("country restriction mismatch (-want +got):\n%s", diff)
	}
	if addr := fp.requests[1]; addr.Types != maps.AutocompletePlaceTypeAddress || addr.Components != nil {
		t.Errorf("unexpected address request %+v", addr)
	}
	if country := fp.requests[2]; country.Components != nil {
		t.Error("the country field must not be restricted to a country")
	}
}

func TestSearchLatestQueryWins(t *testing.T) {
	fp := &fakeProvider{preds: mixedPredictions, block: true, started: make(chan struct{})}
	svc, _ := NewService(WithProvider(fp))
	ctx := context.Background()

	stale := make(chan Result, 1)
	go func() {
		res, _ := svc.Search(ctx, "s1/address", "Dub", FieldAddress, "AE", "en")
		stale <- res
	}()
	<-fp.started

	latest, err := svc.Search(ctx, "s1/address", "Dubai", FieldAddress, "AE", "en")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if latest.Stale || len(latest.Predictions) != 3 {
		t.Errorf("latest search should win, got %+v", latest)
	}

	old := <-stale
	if !old.Stale || len(old.Predictions) != 0 {
		t.Errorf("superseded search should be stale and empty, got %+v", old)
	}
}

func TestSearchKeysAreIndependent(t *testing.T) {
	svc, _ := NewService(WithProvider(&fakeProvider{preds: mixedPredictions}))
	ctx := context.Background()
	a, _ := svc.Search(ctx, "s1/state", "Du", FieldState, "AE", "en")
	b, _ := svc.Search(ctx, "s2/state", "Du", FieldState, "AE", "en")
	if a.Stale || b.Stale {
		t.Error("searches under different keys must not supersede each other")
	}
}

func TestSearchDegradesGracefully(t *testing.T) {
	ctx := context.Background()

	disabled, _ := NewService()
	if disabled.Enabled() {
		t.Fatal("service without a key should be disabled")
	}
	res, err := disabled.Search(ctx, "k", "Dubai", FieldAddress, "AE", "en")
	if err != nil || len(res.Predictions) != 0 || res.Predictions == nil {
		t.Errorf("disabled search should return an empty list, got %+v, %v", res, err)
	}
	if _, err := disabled.Resolve(ctx, "p", "en"); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}

	failing, _ := NewService(WithProvider(&fakeProvider{err: errors.New("OVER_QUERY_LIMIT")}))
	res, err = failing.Search(ctx, "k", "Dubai", FieldAddress, "AE", "en")
	if err != nil || len(res.Predictions) != 0 {
		t.Errorf("provider failure should yield no predictions, got %+v, %v", res, err)
	}

	fp := &fakeProvider{preds: mixedPredictions}
	blank, _ := NewService(WithProvider(fp))
	if res, _ := blank.Search(ctx, "k", "   ", FieldAddress, "AE", "en"); len(res.Predictions) != 0 || len(fp.requests) != 0 {
		t.Error("blank queries should not reach the provider")
	}
}

func TestResolve(t *testing.T) {
	fp := &fakeProvider{details: maps.PlaceDetailsResult{AddressComponents: []maps.AddressComponent{
		{LongName: "12", ShortName: "12", Types: []string{"street_number"}},
		{LongName: "Sheikh Zayed Road", ShortName: "E11", Types: []string{"route"}},
		{LongName: "Dubai", ShortName: "Dubai", Types: []string{"locality", "political"}},
		{LongName: "Dubai", ShortName: "DU", Types: []string{"administrative_area_level_1", "political"}},
		{LongName: "United Arab Emirates", ShortName: "AE", Types: []string{"country", "political"}},
	}}}
	svc, _ := NewService(WithProvider(fp))

	got, err := svc.Resolve(context.Background(), "p-1", "en")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Details{PlaceID: "p-1", CountryCode: "AE", StateCode: "DU", StateName: "Dubai", City: "Dubai", StreetAddress: "12 Sheikh Zayed Road"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("details mismatch (-want +got):\n%s", diff)
	}
	if got.AddressValue("ignored") != "12 Sheikh Zayed Road" {
		t.Error("address value should prefer the street address")
	}
}

func TestExtractDetailsCityFallback(t *testing.T) {
	tests := []struct {
		name       string
		components []maps.AddressComponent
		city       string
	}{
		{"locality first", []maps.AddressComponent{
			{LongName: "Level 2", Types: []string{"administrative_area_level_2"}},
			{LongName: "Al Ain", Types: []string{"locality"}},
		}, "Al Ain"},
		{"admin level 2", []maps.AddressComponent{
			{LongName: "Level 3", Types: []string{"administrative_area_level_3"}},
			{LongName: "Level 2", Types: []string{"administrative_area_level_2"}},
		}, "Level 2"},
		{"admin level 3", []maps.AddressComponent{
			{LongName: "Level 3", Types: []string{"administrative_area_level_3"}},
		}, "Level 3"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractDetails(tt.components).City; got != tt.city {
				t.Errorf("City = %q, want %q", got, tt.city)
			}
		})
	}

	onlyRoute := ExtractDetails([]maps.AddressComponent{{LongName: "Corniche Road", Types: []string{"route"}}})
	if onlyRoute.StreetAddress != "Corniche Road" {
		t.Errorf("unexpected street address %q", onlyRoute.StreetAddress)
	}
	if (Details{}).AddressValue("Corniche, Abu Dhabi") != "Corniche, Abu Dhabi" {
		t.Error("address value should fall back to the description")
	}
}

func TestParseFieldType(t *testing.T) {
	if ft, ok := ParseFieldType(" State "); !ok || ft != FieldState {
		t.Errorf("unexpected %q, %v", ft, ok)
	}
	if _, ok := ParseFieldType("email"); ok {
		t.Error("email is not a place field")
	}
}
