package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/genai"
	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/BTreeMap/SocialSupport/internal/places"
	"github.com/BTreeMap/SocialSupport/internal/schema"
)

// fieldRequest names a field and optionally carries its value.
type fieldRequest struct {
	Name  string       `json:"name"`
	Value models.Value `json:"value"`
}

type metaRequest struct {
	Name string    `json:"name"`
	Meta form.Meta `json:"meta"`
}

// selectRequest is an autocomplete choice made in a country, state or address field.
type selectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PlaceID     string `json:"placeId"`
}

type assistRequest struct {
	Situation string `json:"situation"`
}

type languageRequest struct {
	Lang string `json:"lang"`
}

func invalidFields(verr *form.ValidationError) models.InvalidFields {
	return models.InvalidFields{Step: verr.Step, Errors: verr.Errors, Focus: verr.Focus, FocusStep: verr.FocusStep}
}

// elementView is a schema element with its texts translated.
type elementView struct {
	schema.FormElement
	Label       string `json:"label"`
	Placeholder string `json:"placeholder,omitempty"`
}

type stepView struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Elements []elementView `json:"elements"`
}

type schemaView struct {
	Language string     `json:"language"`
	Dir      string     `json:"dir"`
	Steps    []stepView `json:"steps"`
}

// sessionError answers requests whose session could not be loaded.
func sessionError(w http.ResponseWriter, handler string, err error) {
	slog.Error("Server."+handler+": failed to load session", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
}

// fieldError maps controller input errors to a 400 response.
func fieldError(w http.ResponseWriter, handler string, err error) {
	slog.Warn("Server."+handler+": rejected field", "error", err)
	switch {
	case errors.Is(err, form.ErrUnknownField):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown field"))
	case errors.Is(err, form.ErrValueKind):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Value type does not match the field"))
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	}
}

func (s *Server) schemaHandler(w http.ResponseWriter, r *http.Request) {
	lang := s.language(r)
	view := schemaView{Language: lang, Dir: i18n.Dir(lang)}
	for _, step := range s.schema.Steps() {
		sv := stepView{ID: step.ID, Title: s.tr.T(lang, step.TitleKey)}
		for _, el := range step.Elements {
			ev := elementView{FormElement: el, Label: s.tr.T(lang, el.LabelKey)}
			if el.PlaceholderKey != "" {
				ev.Placeholder = s.tr.T(lang, el.PlaceholderKey)
			}
			sv.Elements = append(sv.Elements, ev)
		}
		view.Steps = append(view.Steps, sv)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) formHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "formHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ctrl.Snapshot()))
}

func (s *Server) changeHandler(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.changeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "changeHandler", err)
		return
	}
	if err := ctrl.OnChange(r.Context(), req.Name, req.Value); err != nil {
		fieldError(w, "changeHandler", err)
		return
	}
	slog.Debug("Server.changeHandler: field changed", "field", req.Name)
	writeJSONResponse(w, http.StatusOK, models.Success(ctrl.Snapshot()))
}

func (s *Server) metaHandler(w http.ResponseWriter, r *http.Request) {
	var req metaRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.metaHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "metaHandler", err)
		return
	}
	if err := ctrl.OnMetaChange(r.Context(), req.Name, req.Meta); err != nil {
		fieldError(w, "metaHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ctrl.Snapshot()))
}

// selectHandler stores an autocomplete choice: the field value and, when the place can be
// resolved, its country, state and city metadata.
func (s *Server) selectHandler(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.selectHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	el, _, ok := s.schema.Element(req.Name)
	field, isPlace := places.ParseFieldType(string(el.Type))
	if !ok || !isPlace {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Field does not support address lookup"))
		return
	}
	ctrl, v, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "selectHandler", err)
		return
	}
	ctx := r.Context()

	value := strings.TrimSpace(req.Description)
	var meta *form.Meta
	if req.PlaceID != "" {
		details, err := s.places.Resolve(ctx, req.PlaceID, v.lang)
		if err != nil {
			slog.Warn("Server.selectHandler: place details unavailable, keeping description", "field", req.Name, "error", err)
		} else {
			meta = &form.Meta{PlaceID: req.PlaceID}
			switch field {
			case places.FieldCountry:
				meta.CountryCode = details.CountryCode
			case places.FieldState:
				meta.StateCode = details.StateCode
			case places.FieldAddress:
				value = details.AddressValue(value)
				meta.City = details.City
				meta.State = details.StateName
				meta.StateCode = details.StateCode
			}
		}
	}

	if err := ctrl.OnChange(ctx, req.Name, models.String(value)); err != nil {
		fieldError(w, "selectHandler", err)
		return
	}
	if meta != nil {
		if err := ctrl.OnMetaChange(ctx, req.Name, *meta); err != nil {
			fieldError(w, "selectHandler", err)
			return
		}
	}
	slog.Debug("Server.selectHandler: place selected", "field", req.Name, "resolved", meta != nil)
	writeJSONResponse(w, http.StatusOK, models.Success(ctrl.Snapshot()))
}

func (s *Server) blurHandler(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.blurHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "blurHandler", err)
		return
	}
	msg, err := ctrl.OnBlur(req.Name, req.Value)
	if err != nil {
		fieldError(w, "blurHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"name": req.Name, "error": msg}))
}

func (s *Server) stepIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || i < 0 || i >= s.schema.Len() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid step index"))
		return 0, false
	}
	return i, true
}

func (s *Server) validateStepHandler(w http.ResponseWriter, r *http.Request) {
	i, ok := s.stepIndex(w, r)
	if !ok {
		return
	}
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "validateStepHandler", err)
		return
	}
	var verr *form.ValidationError
	if err := ctrl.ValidateCurrentStep(i); errors.As(err, &verr) {
		slog.Debug("Server.validateStepHandler: step invalid", "step", i, "errors", len(verr.Errors))
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Step has invalid fields", invalidFields(verr)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"step": i, "complete": ctrl.IsStepComplete(i)}))
}

// resolveStepHandler is the JSON counterpart of a step page visit.
func (s *Server) resolveStepHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "resolveStepHandler", err)
		return
	}
	res := ctrl.Enter(r.Context(), r.PathValue("index"), form.ParseIntent(r.URL.Query().Get("nav")))
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) nextHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "nextHandler", err)
		return
	}
	m, err := ctrl.Next(r.Context())
	var verr *form.ValidationError
	if errors.As(err, &verr) {
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Step has invalid fields", invalidFields(verr)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

func (s *Server) backHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "backHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ctrl.Back(r.Context())))
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, v, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "submitHandler", err)
		return
	}
	entry, err := ctrl.Submit(r.Context())
	var verr *form.ValidationError
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(s.tr.T(v.lang, "app.submitRequestTitle"), entry))
	case errors.Is(err, form.ErrConsentRequired):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid(s.tr.T(v.lang, "app.consentRequired"),
			models.InvalidFields{Step: -1, Focus: schema.FieldConsent, FocusStep: s.schema.Len() - 1}))
	case errors.As(err, &verr):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid("Form has invalid fields", invalidFields(verr)))
	case errors.Is(err, form.ErrSubmitInProgress):
		writeJSONResponse(w, http.StatusConflict, models.Error(s.tr.T(v.lang, "app.submitInProgress")))
	case errors.Is(err, form.ErrNotLastStep):
		writeJSONResponse(w, http.StatusConflict, models.Error("Submit is only available on the last step"))
	default:
		slog.Error("Server.submitHandler: submission failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error(s.tr.T(v.lang, "app.submitFailed")))
	}
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "resetHandler", err)
		return
	}
	ctrl.StartOver(r.Context())
	writeJSONResponse(w, http.StatusOK, models.Success(ctrl.Snapshot()))
}

func (s *Server) historyListHandler(w http.ResponseWriter, r *http.Request) {
	v := s.identify(w, r)
	entries := s.sessions.History().List(r.Context(), v.sessionID)
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) historyGetHandler(w http.ResponseWriter, r *http.Request) {
	v := s.identify(w, r)
	entry, ok := s.sessions.History().GetByID(r.Context(), v.sessionID, r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error(s.tr.T(v.lang, "app.noData")))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

func (s *Server) historyClearHandler(w http.ResponseWriter, r *http.Request) {
	v := s.identify(w, r)
	s.sessions.History().Clear(r.Context(), v.sessionID)
	slog.Debug("Server.historyClearHandler: history cleared")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("History cleared", nil))
}

// placesSearchHandler answers autocomplete queries. Searches are keyed by session and field,
// so a newer query from the same input supersedes an older one.
func (s *Server) placesSearchHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field, ok := places.ParseFieldType(q.Get("field"))
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("field must be country, state or address"))
		return
	}
	ctrl, v, err := s.controller(w, r)
	if err != nil {
		sessionError(w, "placesSearchHandler", err)
		return
	}
	name := q.Get("name")
	if name == "" {
		name = string(field)
	}
	country := ctrl.Snapshot().Data.String(schema.MetaCountryCode)
	res, err := s.places.Search(r.Context(), v.sessionID+"/"+name, q.Get("q"), field, country, v.lang)
	if err != nil {
		slog.Debug("Server.placesSearchHandler: search abandoned", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Search cancelled"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) placeDetailsHandler(w http.ResponseWriter, r *http.Request) {
	lang := s.language(r)
	details, err := s.places.Resolve(r.Context(), r.PathValue("placeID"), lang)
	switch {
	case errors.Is(err, places.ErrDisabled):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Address lookup is not configured"))
	case err != nil:
		slog.Warn("Server.placeDetailsHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Address lookup failed"))
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(details))
	}
}

// assistHandler drafts a statement for a textarea. Every failure carries a translated message
// the page shows as a dismissible error.
func (s *Server) assistHandler(w http.ResponseWriter, r *http.Request) {
	lang := s.language(r)
	if s.assist == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(s.tr.T(lang, "app.assistUnavailable")))
		return
	}
	var req assistRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.assistHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	text, err := s.assist.AssistStatement(r.Context(), req.Situation)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"text": text}))
	case errors.Is(err, genai.ErrEmptySituation):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(s.tr.T(lang, "app.assistEmpty")))
	case errors.Is(err, genai.ErrQuotaExceeded):
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error(s.tr.T(lang, "app.assistQuota")))
	default:
		slog.Error("Server.assistHandler: assist failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error(s.tr.T(lang, "app.assistFailed")))
	}
}

func (s *Server) languageHandler(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.languageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !i18n.Supported(req.Lang) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported language"))
		return
	}
	s.setLanguageCookie(w, req.Lang)
	v := s.identify(w, r)
	ctrl, err := s.sessions.Controller(r.Context(), v.clientID, v.sessionID, req.Lang)
	if err != nil {
		sessionError(w, "languageHandler", err)
		return
	}
	ctrl.SetLanguage(req.Lang)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"language": req.Lang, "dir": i18n.Dir(req.Lang)}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.sessions.Len(),
	}))
}
