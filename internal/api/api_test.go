package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"googlemaps.github.io/maps"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/genai"
	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/BTreeMap/SocialSupport/internal/places"
	"github.com/BTreeMap/SocialSupport/internal/render"
	"github.com/BTreeMap/SocialSupport/internal/schema"
	"github.com/BTreeMap/SocialSupport/internal/session"
	"github.com/BTreeMap/SocialSupport/internal/store"
	"github.com/BTreeMap/SocialSupport/internal/submission"
)

var fixedNow = time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

type fakeAssistant struct {
	text string
	err  error
}

func (f *fakeAssistant) AssistStatement(ctx context.Context, situation string) (string, error) {
	if strings.TrimSpace(situation) == "" {
		return "", genai.ErrEmptySituation
	}
	return f.text, f.err
}

type fakeProvider struct {
	preds   []maps.AutocompletePrediction
	details maps.PlaceDetailsResult
}

func (f *fakeProvider) PlaceAutocomplete(ctx context.Context, r *maps.PlaceAutocompleteRequest) (maps.AutocompleteResponse, error) {
	return maps.AutocompleteResponse{Predictions: f.preds}, nil
}

func (f *fakeProvider) PlaceDetails(ctx context.Context, r *maps.PlaceDetailsRequest) (maps.PlaceDetailsResult, error) {
	return f.details, nil
}

// testEnv is a server behind httptest with a cookie-keeping client that does not follow
// redirects.
type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
}

type envOption func(*Deps)

func withAssistant(a Assistant) envOption {
	return func(d *Deps) { d.Assistant = a }
}

func withPlaces(p places.Provider) envOption {
	return func(d *Deps) {
		d.Places, _ = places.NewService(places.WithProvider(p))
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	s, err := schema.Default()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	tr, err := i18n.New()
	if err != nil {
		t.Fatalf("translator: %v", err)
	}
	renderer, err := render.New(s, tr)
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	registry := session.NewRegistry(session.Config{
		Template: form.Config{
			Schema:     s,
			Translator: tr,
			Submitter:  submission.NewEchoSubmitter(submission.WithDelay(0)),
			Now:        func() time.Time { return fixedNow },
		},
		Persistent: store.NewMemoryBackend(),
		History:    store.NewHistory(store.NewMemoryBackend()),
	})
	deps := Deps{
		Schema:     s,
		Translator: tr,
		Sessions:   registry,
		Renderer:   renderer,
		Now:        func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := httptest.NewServer(NewServer(deps).Handler())
	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	t.Cleanup(func() {
		client.CloseIdleConnections()
		srv.Close()
	})
	return &testEnv{t: t, srv: srv, client: client}
}

type result struct {
	code   int
	body   string
	header http.Header
}

func (e *testEnv) do(req *http.Request) result {
	e.t.Helper()
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return result{code: resp.StatusCode, body: string(body), header: resp.Header}
}

func (e *testEnv) get(path string) result {
	e.t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	return e.do(req)
}

func (e *testEnv) postForm(path string, values url.Values) result {
	e.t.Helper()
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

// envelope mirrors models.APIResponse with the result left undecoded.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *testEnv) call(method, path string, body interface{}) (int, envelope) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	res := e.do(req)
	var env envelope
	if err := json.Unmarshal([]byte(res.body), &env); err != nil {
		e.t.Fatalf("%s %s: invalid JSON %q: %v", method, path, res.body, err)
	}
	return res.code, env
}

// snapshot is the decoded form state.
type snapshot struct {
	Data   map[string]interface{} `json:"data"`
	Errors map[string]string      `json:"errors"`
	Step   int                    `json:"step"`
}

func decodeResult(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Result, dst); err != nil {
		t.Fatalf("decode result %s: %v", env.Result, err)
	}
}

var personalStep = url.Values{
	"fullName":    {"Layla Hassan"},
	"nationalId":  {"784199012345671"},
	"dateOfBirth": {"1990-04-12"},
	"gender":      {"female"},
	"country":     {"United Arab Emirates"},
	"state":       {"Dubai"},
	"address":     {"Sheikh Zayed Road"},
	"phone":       {"50 123 4567"},
	"email":       {"layla@example.com"},
	"action":      {"next"},
}

var familyStep = url.Values{
	"maritalStatus":    {"married"},
	"dependents":       {"2"},
	"employmentStatus": {"employed"},
	"monthlyIncome":    {"8500"},
	"housingStatus":    {"rented"},
	"action":           {"next"},
}

func situationStep(consent bool) url.Values {
	v := url.Values{
		"currentFinancialSituation": {"Rent went up this year."},
		"employmentCircumstances":   {"Working reduced hours."},
		"reasonForApplying":         {"Help with school fees."},
		"action":                    {"submit"},
	}
	if consent {
		v.Set("consent", "true")
	}
	return v
}

func TestRootRedirectsToFirstStep(t *testing.T) {
	env := newTestEnv(t)
	res := env.get("/")
	if res.code != http.StatusFound || res.header.Get("Location") != "/step/0" {
		t.Errorf("expected redirect to /step/0, got %d %q", res.code, res.header.Get("Location"))
	}
}

func TestStepPageIssuesSessionCookies(t *testing.T) {
	env := newTestEnv(t)
	res := env.get("/step/0")
	if res.code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.code)
	}
	u, _ := url.Parse(env.srv.URL)
	names := make(map[string]bool)
	for _, c := range env.client.Jar.Cookies(u) {
		names[c.Name] = session.ValidID(c.Value)
	}
	if !names[ClientCookie] || !names[SessionCookie] {
		t.Errorf("expected client and session cookies, got %v", names)
	}
	if !strings.Contains(res.body, `action="/step/0"`) {
		t.Error("expected the step form")
	}
}

func TestStepPageCannotSkipAhead(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		path     string
		location string
	}{
		{"/step/2", "/step/0?nav=redirect"},
		{"/step/abc", "/step/0?nav=redirect"},
		{"/step/-1", "/step/0?nav=redirect"},
	}
	for _, tt := range tests {
		res := env.get(tt.path)
		if res.code != http.StatusSeeOther || res.header.Get("Location") != tt.location {
			t.Errorf("GET %s: got %d %q, want redirect to %q", tt.path, res.code, res.header.Get("Location"), tt.location)
		}
	}
}

func TestStepFormBlockedByInvalidField(t *testing.T) {
	env := newTestEnv(t)
	env.get("/step/0")
	res := env.postForm("/step/0", url.Values{"fullName": {"Layla Hassan"}, "action": {"next"}})
	if res.code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.code)
	}
	if !strings.Contains(res.body, `id="nationalId-error"`) {
		t.Error("expected an error on the national id")
	}
	if !strings.Contains(res.body, `value="Layla Hassan"`) {
		t.Error("posted values should be kept")
	}
}

func TestStepFormBlankFirstStepShowsRequiredErrors(t *testing.T) {
	env := newTestEnv(t)
	env.get("/step/0")
	res := env.postForm("/step/0", url.Values{"action": {"next"}})
	if res.code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %q", res.code, res.header.Get("Location"))
	}
	for _, id := range []string{`id="fullName-error"`, `id="email-error"`} {
		if !strings.Contains(res.body, id) {
			t.Errorf("expected %s in the page", id)
		}
	}
}

func TestApplicationFlow(t *testing.T) {
	env := newTestEnv(t)
	env.get("/step/0")

	if res := env.postForm("/step/0", personalStep); res.header.Get("Location") != "/step/1?nav=next" {
		t.Fatalf("step 0: got %d %q\n%s", res.code, res.header.Get("Location"), res.body)
	}
	if res := env.get("/step/1?nav=next"); res.code != http.StatusOK {
		t.Fatalf("step 1: got %d", res.code)
	}
	if res := env.postForm("/step/1", familyStep); res.header.Get("Location") != "/step/2?nav=next" {
		t.Fatalf("step 1: got %d %q", res.code, res.header.Get("Location"))
	}

	res := env.postForm("/step/2", situationStep(false))
	if res.code != http.StatusUnprocessableEntity || !strings.Contains(res.body, "Please confirm the declaration") {
		t.Fatalf("submit without consent: got %d", res.code)
	}

	res = env.postForm("/step/2", situationStep(true))
	if res.code != http.StatusSeeOther || res.header.Get("Location") != "/review" {
		t.Fatalf("submit: got %d %q\n%s", res.code, res.header.Get("Location"), res.body)
	}

	review := env.get("/review")
	if !strings.Contains(review.body, "Layla Hassan") || !strings.Contains(review.body, "AED 8500") {
		t.Errorf("review should show the submitted data:\n%s", review.body)
	}
	if again := env.get("/review"); !strings.Contains(again.body, "No submitted data found.") {
		t.Error("opening the review clears the session")
	}

	code, list := env.call(http.MethodGet, "/api/history", nil)
	var entries []struct {
		ID   string                 `json:"id"`
		Data map[string]interface{} `json:"data"`
	}
	decodeResult(t, list, &entries)
	if code != http.StatusOK || len(entries) != 1 || entries[0].Data["fullName"] != "Layla Hassan" {
		t.Fatalf("unexpected history %d %+v", code, entries)
	}
	if page := env.get("/history"); !strings.Contains(page.body, "/review/"+entries[0].ID) {
		t.Error("history page should link to the entry")
	}
	if page := env.get("/review/" + entries[0].ID); page.code != http.StatusOK || !strings.Contains(page.body, "Layla Hassan") {
		t.Errorf("history review: got %d", page.code)
	}
	if page := env.get("/review/unknown"); page.code != http.StatusNotFound {
		t.Errorf("unknown history entry: got %d", page.code)
	}

	if code, _ := env.call(http.MethodDelete, "/api/history", nil); code != http.StatusOK {
		t.Errorf("clear history: got %d", code)
	}
	_, list = env.call(http.MethodGet, "/api/history", nil)
	decodeResult(t, list, &entries)
	if len(entries) != 0 {
		t.Errorf("history should be empty, got %d", len(entries))
	}
}

func TestSubmitOnEarlierInvalidStepMovesThere(t *testing.T) {
	env := newTestEnv(t)
	env.get("/step/0")
	env.postForm("/step/0", personalStep)
	env.postForm("/step/1", familyStep)
	env.call(http.MethodPost, "/api/form/change", map[string]interface{}{"name": "email", "value": "not-an-email"})

	res := env.postForm("/step/2", situationStep(true))
	if res.code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.code)
	}
	if !strings.Contains(res.body, `action="/step/0"`) || !strings.Contains(res.body, `id="email-error"`) {
		t.Error("expected the personal step with the email error")
	}
}

func TestLanguageSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.get("/step/0")
	res := env.postForm("/language", url.Values{"lang": {"ar"}, "return": {"/step/0"}})
	if res.code != http.StatusSeeOther || res.header.Get("Location") != "/step/0?nav=redirect" {
		t.Fatalf("got %d %q", res.code, res.header.Get("Location"))
	}
	page := env.get("/step/0?nav=redirect")
	if !strings.Contains(page.body, `dir="rtl"`) {
		t.Error("expected a right to left page after switching to Arabic")
	}

	code, body := env.call(http.MethodPost, "/api/language", map[string]string{"lang": "fr"})
	if code != http.StatusBadRequest || body.Status != "error" {
		t.Errorf("unsupported language: got %d %+v", code, body)
	}
	code, _ = env.call(http.MethodPost, "/api/language", map[string]string{"lang": "en"})
	if code != http.StatusOK {
		t.Errorf("switch back: got %d", code)
	}
	if page := env.get("/step/0?nav=redirect"); !strings.Contains(page.body, `dir="ltr"`) {
		t.Error("expected a left to right page after switching back")
	}
}

func TestSafeReturnPath(t *testing.T) {
	tests := map[string]string{
		"/history":          "/history",
		"/step/1":           "/step/1?nav=redirect",
		"/step/1?nav=back":  "/step/1?nav=back",
		"//evil.example":    "/",
		"https://evil.test": "/",
		"":                  "/",
		"/\\evil":           "/",
	}
	for in, want := range tests {
		if got := safeReturnPath(in); got != want {
			t.Errorf("safeReturnPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChangeAndBlur(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.call(http.MethodPost, "/api/form/change", map[string]interface{}{"name": "nationalId", "value": "784199012345671"})
	if code != http.StatusOK {
		t.Fatalf("change: got %d %+v", code, body)
	}
	var snap snapshot
	decodeResult(t, body, &snap)
	if snap.Data["nationalId"] != "784-1990-1234567-1" {
		t.Errorf("national id should be formatted, got %v", snap.Data["nationalId"])
	}

	tests := []struct {
		name  string
		value interface{}
	}{
		{"unknown", "x"},
		{"consent", "yes"},
		{"fullName", true},
		{"countryCode", "SA"},
	}
	for _, tt := range tests {
		code, _ := env.call(http.MethodPost, "/api/form/change", map[string]interface{}{"name": tt.name, "value": tt.value})
		if code != http.StatusBadRequest {
			t.Errorf("change %s=%v: got %d, want 400", tt.name, tt.value, code)
		}
	}

	code, body = env.call(http.MethodPost, "/api/form/blur", map[string]interface{}{"name": "email", "value": "bad"})
	var blur map[string]string
	decodeResult(t, body, &blur)
	if code != http.StatusOK || blur["error"] != "Enter a valid email address" {
		t.Errorf("blur: got %d %+v", code, blur)
	}

	if code, _ := env.call(http.MethodPost, "/api/form/change", nil); code != http.StatusBadRequest {
		t.Errorf("empty body: got %d", code)
	}
}

func TestNavigationAPI(t *testing.T) {
	env := newTestEnv(t)
	env.call(http.MethodPost, "/api/form/change", map[string]interface{}{"name": "fullName", "value": "Layla Hassan"})

	code, body := env.call(http.MethodPost, "/api/form/next", nil)
	var verr models.InvalidFields
	decodeResult(t, body, &verr)
	if code != http.StatusUnprocessableEntity || body.Status != "invalid" || verr.Focus != "nationalId" {
		t.Errorf("next: got %d %+v", code, verr)
	}

	code, body = env.call(http.MethodPost, "/api/form/steps/0/validate", nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("validate: got %d", code)
	}
	if code, _ := env.call(http.MethodPost, "/api/form/steps/9/validate", nil); code != http.StatusBadRequest {
		t.Errorf("validate out of range: got %d", code)
	}

	code, body = env.call(http.MethodGet, "/api/form/steps/2", nil)
	var res form.Resolution
	decodeResult(t, body, &res)
	if code != http.StatusOK || res != (form.Resolution{Step: 0, Redirected: true}) {
		t.Errorf("resolve: got %d %+v", code, res)
	}

	code, body = env.call(http.MethodPost, "/api/form/submit", nil)
	if code != http.StatusConflict {
		t.Errorf("submit away from the last step: got %d", code)
	}

	code, body = env.call(http.MethodPost, "/api/form/reset", nil)
	var snap snapshot
	decodeResult(t, body, &snap)
	if code != http.StatusOK || snap.Data["fullName"] != nil || snap.Data["dependents"] != "0" {
		t.Errorf("reset: got %d %+v", code, snap.Data)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.call(http.MethodGet, "/api/schema", nil)
	var view schemaView
	decodeResult(t, body, &view)
	if code != http.StatusOK || len(view.Steps) != 3 || view.Steps[0].Title != "Personal information" {
		t.Fatalf("unexpected schema %d %+v", code, view)
	}
	if view.Steps[0].Elements[0].Name != "fullName" || view.Steps[0].Elements[0].Label != "Full name" {
		t.Errorf("unexpected first element %+v", view.Steps[0].Elements[0])
	}
}

func TestAssist(t *testing.T) {
	tests := []struct {
		name      string
		assistant Assistant
		situation string
		code      int
		message   string
	}{
		{"disabled", nil, "lost my job", http.StatusServiceUnavailable, "Writing assistance is not available right now."},
		{"empty", &fakeAssistant{}, "  ", http.StatusBadRequest, "Describe your situation briefly first."},
		{"quota", &fakeAssistant{err: fmt.Errorf("%w: 429", genai.ErrQuotaExceeded)}, "lost my job", http.StatusTooManyRequests,
			"Writing assistance quota exceeded. Please try again later."},
		{"failure", &fakeAssistant{err: genai.ErrNoChoicesReturned}, "lost my job", http.StatusBadGateway,
			"Could not generate a suggestion. You can keep writing on your own."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []envOption
			if tt.assistant != nil {
				opts = append(opts, withAssistant(tt.assistant))
			}
			env := newTestEnv(t, opts...)
			code, body := env.call(http.MethodPost, "/api/assist", map[string]string{"situation": tt.situation})
			if code != tt.code || body.Message != tt.message {
				t.Errorf("got %d %q, want %d %q", code, body.Message, tt.code, tt.message)
			}
		})
	}

	env := newTestEnv(t, withAssistant(&fakeAssistant{text: "I am the sole provider."}))
	code, body := env.call(http.MethodPost, "/api/assist", map[string]string{"situation": "lost my job"})
	var out map[string]string
	decodeResult(t, body, &out)
	if code != http.StatusOK || out["text"] != "I am the sole provider." {
		t.Errorf("got %d %+v", code, out)
	}
}

func TestPlaces(t *testing.T) {
	fp := &fakeProvider{
		preds: []maps.AutocompletePrediction{
			{Description: "Dubai - United Arab Emirates", PlaceID: "p-du", Types: []string{"administrative_area_level_1"}},
			{Description: "Dubai Marina", PlaceID: "p-dm", Types: []string{"neighborhood"}},
		},
		details: maps.PlaceDetailsResult{AddressComponents: []maps.AddressComponent{
			{LongName: "12", Types: []string{"street_number"}},
			{LongName: "Sheikh Zayed Road", Types: []string{"route"}},
			{LongName: "Dubai", Types: []string{"locality"}},
			{LongName: "Dubai", ShortName: "DU", Types: []string{"administrative_area_level_1"}},
			{LongName: "United Arab Emirates", ShortName: "AE", Types: []string{"country"}},
		}},
	}
	env := newTestEnv(t, withPlaces(fp))

	code, body := env.call(http.MethodGet, "/api/places/search?field=state&name=state&q=Du", nil)
	var res places.Result
	decodeResult(t, body, &res)
	if code != http.StatusOK || len(res.Predictions) != 1 || res.Predictions[0].PlaceID != "p-du" {
		t.Errorf("search: got %d %+v", code, res)
	}
	if code, _ := env.call(http.MethodGet, "/api/places/search?field=email&q=x", nil); code != http.StatusBadRequest {
		t.Errorf("search with a non place field: got %d", code)
	}

	code, body = env.call(http.MethodPost, "/api/form/select", map[string]string{
		"name": "address", "description": "Sheikh Zayed Road, Dubai", "placeId": "p-addr",
	})
	var snap snapshot
	decodeResult(t, body, &snap)
	if code != http.StatusOK {
		t.Fatalf("select: got %d", code)
	}
	want := map[string]string{"address": "12 Sheikh Zayed Road", "city": "Dubai", "state": "Dubai", "stateCode": "DU", "addressPlaceId": "p-addr"}
	for k, v := range want {
		if snap.Data[k] != v {
			t.Errorf("%s = %v, want %q", k, snap.Data[k], v)
		}
	}
	if code, _ := env.call(http.MethodPost, "/api/form/select", map[string]string{"name": "email", "description": "x"}); code != http.StatusBadRequest {
		t.Errorf("select on a non place field: got %d", code)
	}

	code, body = env.call(http.MethodGet, "/api/places/p-addr", nil)
	var details places.Details
	decodeResult(t, body, &details)
	if code != http.StatusOK || details.CountryCode != "AE" {
		t.Errorf("details: got %d %+v", code, details)
	}

	disabled := newTestEnv(t)
	if code, _ := disabled.call(http.MethodGet, "/api/places/p-addr", nil); code != http.StatusServiceUnavailable {
		t.Errorf("details without a key: got %d", code)
	}
	code, body = disabled.call(http.MethodGet, "/api/places/search?field=address&q=Dubai", nil)
	decodeResult(t, body, &res)
	if code != http.StatusOK || len(res.Predictions) != 0 {
		t.Errorf("search without a key: got %d %+v", code, res)
	}
}

func TestHealthNotFoundAndAssets(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.call(http.MethodGet, "/healthz", nil)
	var health map[string]interface{}
	decodeResult(t, body, &health)
	if code != http.StatusOK || health["status"] != "healthy" {
		t.Errorf("health: got %d %+v", code, health)
	}

	if res := env.get("/nowhere"); res.code != http.StatusNotFound || !strings.Contains(res.body, "Page not found.") {
		t.Errorf("not found page: got %d", res.code)
	}
	if code, body := env.call(http.MethodGet, "/api/nowhere", nil); code != http.StatusNotFound || body.Status != "error" {
		t.Errorf("not found api: got %d %+v", code, body)
	}
	if res := env.get("/static/app.js"); res.code != http.StatusOK || !strings.Contains(res.body, "/api/places/search") {
		t.Errorf("static asset: got %d", res.code)
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, map[string]interface{}{"bad": make(chan int)})
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), fallbackErrorResponse) {
		t.Errorf("expected the fallback body, got %s", rr.Body.String())
	}
}
