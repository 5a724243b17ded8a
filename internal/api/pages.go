package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/BTreeMap/SocialSupport/internal/render"
	"github.com/BTreeMap/SocialSupport/internal/schema"
)

func stepURL(step int, intent form.Intent) string {
	return fmt.Sprintf("/step/%d?nav=%s", step, intent)
}

// renderPage renders a page and writes it with status.
func (s *Server) renderPage(w http.ResponseWriter, status int, name string, page interface{}) {
	var buf bytes.Buffer
	if err := s.renderer.Render(&buf, name, page); err != nil {
		slog.Error("Server.renderPage: failed to render page", "page", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeHTMLResponse(w, status, &buf)
}

func (s *Server) renderStep(w http.ResponseWriter, status int, ctrl *form.Controller, step int, focus, notice string) {
	s.renderPage(w, status, render.PageStep, s.renderer.StepPage(ctrl.Snapshot(), step, focus, notice, s.now()))
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.rootHandler: redirecting to the first step")
	http.Redirect(w, r, "/step/0", http.StatusFound)
}

func (s *Server) stepPageHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, _, err := s.controller(w, r)
	if err != nil {
		slog.Error("Server.stepPageHandler: failed to load session", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	intent := form.ParseIntent(r.URL.Query().Get("nav"))
	res := ctrl.Enter(r.Context(), r.PathValue("index"), intent)
	slog.Debug("Server.stepPageHandler: step resolved", "requested", r.PathValue("index"), "intent", intent,
		"step", res.Step, "redirected", res.Redirected, "cleared", res.Cleared)
	if res.Redirected {
		http.Redirect(w, r, stepURL(res.Step, form.IntentRedirect), http.StatusSeeOther)
		return
	}
	s.renderStep(w, http.StatusOK, ctrl, res.Step, "", "")
}

// stepFormHandler applies the posted fields of a step and performs the requested action.
func (s *Server) stepFormHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.stepFormHandler: failed to parse form", "error", err)
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	ctrl, v, err := s.controller(w, r)
	if err != nil {
		slog.Error("Server.stepFormHandler: failed to load session", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	res := ctrl.Enter(ctx, r.PathValue("index"), form.IntentRedirect)
	if res.Redirected {
		slog.Debug("Server.stepFormHandler: step not reachable, redirecting", "step", res.Step)
		http.Redirect(w, r, stepURL(res.Step, form.IntentRedirect), http.StatusSeeOther)
		return
	}
	s.applyStepFields(ctx, ctrl, res.Step, r.PostForm)

	action := r.PostForm.Get("action")
	slog.Debug("Server.stepFormHandler: processing action", "step", res.Step, "action", action)
	switch action {
	case "back":
		m := ctrl.Back(ctx)
		http.Redirect(w, r, stepURL(m.Step, form.IntentBack), http.StatusSeeOther)
	case "submit":
		s.submitStep(w, r, ctrl, v, res.Step)
	default:
		m, err := ctrl.Next(ctx)
		if errors.Is(err, form.ErrStepInvalid) {
			s.renderStep(w, http.StatusUnprocessableEntity, ctrl, m.Step, m.Focus, "")
			return
		}
		http.Redirect(w, r, stepURL(m.Step, form.IntentNext), http.StatusSeeOther)
	}
}

func (s *Server) submitStep(w http.ResponseWriter, r *http.Request, ctrl *form.Controller, v visitor, step int) {
	entry, err := ctrl.Submit(r.Context())
	var verr *form.ValidationError
	switch {
	case err == nil:
		slog.Info("Server.submitStep: application submitted", "id", entry.ID)
		http.Redirect(w, r, "/review", http.StatusSeeOther)
	case errors.Is(err, form.ErrConsentRequired):
		s.renderStep(w, http.StatusUnprocessableEntity, ctrl, step, schema.FieldConsent, s.tr.T(v.lang, "app.consentRequired"))
	case errors.As(err, &verr):
		target := step
		if verr.FocusStep >= 0 && verr.FocusStep != step {
			target = ctrl.Enter(r.Context(), strconv.Itoa(verr.FocusStep), form.IntentRedirect).Step
		}
		s.renderStep(w, http.StatusUnprocessableEntity, ctrl, target, verr.Focus, "")
	case errors.Is(err, form.ErrSubmitInProgress):
		s.renderStep(w, http.StatusConflict, ctrl, step, "", s.tr.T(v.lang, "app.submitInProgress"))
	case errors.Is(err, form.ErrNotLastStep):
		http.Redirect(w, r, stepURL(step, form.IntentRedirect), http.StatusSeeOther)
	default:
		slog.Error("Server.submitStep: submission failed", "error", err)
		s.renderStep(w, http.StatusBadGateway, ctrl, step, "", s.tr.T(v.lang, "app.submitFailed"))
	}
}

// applyStepFields merges the posted values of one step into the form. An unchecked checkbox
// is absent from the post and becomes false; other absent fields keep their value.
func (s *Server) applyStepFields(ctx context.Context, ctrl *form.Controller, step int, posted url.Values) {
	current := ctrl.Snapshot().Data
	for _, el := range s.schema.Step(step).Elements {
		var val models.Value
		if el.Type == schema.TypeCheckbox {
			val = models.Bool(posted.Get(el.Name) != "")
		} else {
			raw, ok := posted[el.Name]
			if !ok || len(raw) == 0 {
				continue
			}
			val = models.String(raw[0])
		}
		if cur, ok := current.Get(el.Name); ok && cur.Equal(val) {
			continue
		}
		if err := ctrl.OnChange(ctx, el.Name, val); err != nil {
			slog.Warn("Server.applyStepFields: rejected value", "field", el.Name, "error", err)
		}
	}
}

func (s *Server) reviewPageHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, v, err := s.controller(w, r)
	if err != nil {
		slog.Error("Server.reviewPageHandler: failed to load session", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	data, ok := ctrl.Review(r.Context())
	path := "/review"
	// The review clears the session, so a language switch returns to the history entry.
	if entries := s.sessions.History().List(r.Context(), v.sessionID); ok && len(entries) > 0 {
		path = "/review/" + entries[0].ID
	}
	slog.Debug("Server.reviewPageHandler: review opened", "found", ok)
	s.renderPage(w, http.StatusOK, render.PageReview, s.renderer.ReviewPage(v.lang, path, data, ok))
}

func (s *Server) historyReviewPageHandler(w http.ResponseWriter, r *http.Request) {
	v := s.identify(w, r)
	id := r.PathValue("historyID")
	entry, ok := s.sessions.History().GetByID(r.Context(), v.sessionID, id)
	status := http.StatusOK
	if !ok {
		slog.Debug("Server.historyReviewPageHandler: history entry not found", "id", id)
		status = http.StatusNotFound
	}
	s.renderPage(w, status, render.PageReview, s.renderer.ReviewPage(v.lang, "/review/"+url.PathEscape(id), entry.Data, ok))
}

func (s *Server) historyPageHandler(w http.ResponseWriter, r *http.Request) {
	v := s.identify(w, r)
	entries := s.sessions.History().List(r.Context(), v.sessionID)
	slog.Debug("Server.historyPageHandler: listing history", "entries", len(entries))
	s.renderPage(w, http.StatusOK, render.PageHistory, s.renderer.HistoryPage(v.lang, entries))
}

// languageFormHandler switches the language from the header form and returns to the page it
// was posted from.
func (s *Server) languageFormHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.languageFormHandler: failed to parse form", "error", err)
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	lang := i18n.Normalize(r.PostForm.Get("lang"))
	s.setLanguageCookie(w, lang)
	v := s.identify(w, r)
	if ctrl, err := s.sessions.Controller(r.Context(), v.clientID, v.sessionID, lang); err == nil {
		ctrl.SetLanguage(lang)
	}
	slog.Debug("Server.languageFormHandler: language switched", "language", lang)
	http.Redirect(w, r, safeReturnPath(strings.TrimSpace(r.PostForm.Get("return"))), http.StatusSeeOther)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.notFoundHandler: no route", "method", r.Method, "path", r.URL.Path)
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	lang := s.language(r)
	s.renderPage(w, http.StatusNotFound, render.PageNotFound, s.renderer.NotFoundPage(lang, "/"))
}
