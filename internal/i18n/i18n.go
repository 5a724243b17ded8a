// Package i18n holds the English and Arabic message catalogs of the form.
package i18n

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Supported languages.
const (
	English = "en"
	Arabic  = "ar"
)

// DefaultLanguage is used when no language has been chosen.
const DefaultLanguage = English

//go:embed locales/active.*.toml
var locales embed.FS

// Translator resolves message ids to text in one of the supported languages.
type Translator struct {
	bundle     *i18n.Bundle
	localizers map[string]*i18n.Localizer
}

// New loads the embedded catalogs. extra holds additional TOML message files keyed by file
// name (e.g. "active.ar.toml"); their messages override the embedded ones.
func New(extra ...map[string][]byte) (*Translator, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	entries, err := locales.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("error reading locales: %w", err)
	}
	for _, entry := range entries {
		data, err := locales.ReadFile("locales/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("error reading locale file %s: %w", entry.Name(), err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, entry.Name()); err != nil {
			return nil, fmt.Errorf("error loading locale file %s: %w", entry.Name(), err)
		}
	}
	for _, files := range extra {
		for name, data := range files {
			if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
				return nil, fmt.Errorf("error loading locale file %s: %w", name, err)
			}
		}
	}

	t := &Translator{
		bundle:     bundle,
		localizers: make(map[string]*i18n.Localizer),
	}
	for _, lang := range []string{English, Arabic} {
		t.localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}
	slog.Debug("Translator.New: catalogs loaded", "languages", len(bundle.LanguageTags()))
	return t, nil
}

// Normalize maps lang to a supported language, falling back to English.
// Region subtags are ignored, so "ar-AE" becomes "ar".
func Normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if base, _, ok := strings.Cut(lang, "-"); ok {
		lang = base
	}
	if lang == Arabic {
		return Arabic
	}
	return English
}

// Supported reports whether lang names one of the catalogs exactly.
func Supported(lang string) bool {
	return lang == English || lang == Arabic
}

// IsRTL reports whether lang is written right to left.
func IsRTL(lang string) bool {
	return Normalize(lang) == Arabic
}

// Dir returns the HTML dir attribute value for lang.
func Dir(lang string) string {
	if IsRTL(lang) {
		return "rtl"
	}
	return "ltr"
}

// T translates messageID into lang.
func (t *Translator) T(lang, messageID string) string {
	return t.TData(lang, messageID, nil)
}

// TData translates messageID into lang, executing its template with data.
func (t *Translator) TData(lang, messageID string, data map[string]interface{}) string {
	localizer := t.localizers[Normalize(lang)]
	localized, err := localizer.Localize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID: messageID,
		},
		TemplateData: data,
	})
	if err != nil {
		return "Translation missing: " + messageID
	}
	return localized
}

// Has reports whether messageID exists in the catalog of lang or in the English fallback.
func (t *Translator) Has(lang, messageID string) bool {
	_, err := t.localizers[Normalize(lang)].Localize(&i18n.LocalizeConfig{MessageID: messageID})
	return err == nil
}
