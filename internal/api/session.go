package api

import (
	"net/http"
	"strings"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/session"
)

// Cookie names.
const (
	// ClientCookie scopes the persisted form data and outlives the browser session.
	ClientCookie = "ss_client"
	// SessionCookie scopes the controller and the submission history.
	SessionCookie = "ss_session"
	// LangCookie holds the chosen language.
	LangCookie = "ss_lang"

	clientCookieMaxAge = 365 * 24 * 60 * 60
	langCookieMaxAge   = 365 * 24 * 60 * 60
)

// visitor identifies the browser behind a request.
type visitor struct {
	clientID  string
	sessionID string
	lang      string
}

// language returns the language chosen through LangCookie, or the default.
func (s *Server) language(r *http.Request) string {
	if c, err := r.Cookie(LangCookie); err == nil && i18n.Supported(c.Value) {
		return c.Value
	}
	return i18n.DefaultLanguage
}

// identify reads the client and session ids, issuing new ones when they are missing or malformed.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) visitor {
	v := visitor{lang: s.language(r)}
	if c, err := r.Cookie(ClientCookie); err == nil && session.ValidID(c.Value) {
		v.clientID = c.Value
	} else {
		v.clientID = session.NewID()
		s.setCookie(w, ClientCookie, v.clientID, clientCookieMaxAge)
	}
	if c, err := r.Cookie(SessionCookie); err == nil && session.ValidID(c.Value) {
		v.sessionID = c.Value
	} else {
		v.sessionID = session.NewID()
		s.setCookie(w, SessionCookie, v.sessionID, 0)
	}
	return v
}

// controller returns the form controller of the request's session, switching it to the
// language of the request.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*form.Controller, visitor, error) {
	v := s.identify(w, r)
	ctrl, err := s.sessions.Controller(r.Context(), v.clientID, v.sessionID, v.lang)
	if err != nil {
		return nil, v, err
	}
	if ctrl.Language() != v.lang {
		ctrl.SetLanguage(v.lang)
	}
	return ctrl, v, nil
}

func (s *Server) setLanguageCookie(w http.ResponseWriter, lang string) {
	s.setCookie(w, LangCookie, lang, langCookieMaxAge)
}

// setCookie writes a cookie scoped to the whole site. maxAge 0 makes a browser-session cookie.
func (s *Server) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeReturnPath keeps redirects on this site. Step pages are re-entered as redirects so a
// language switch never starts a fresh application.
func safeReturnPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return "/"
	}
	if strings.HasPrefix(p, "/step/") && !strings.Contains(p, "?") {
		return p + "?nav=" + string(form.IntentRedirect)
	}
	return p
}
