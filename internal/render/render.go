// Package render builds the page models of the form steps, the review screen and the history
// list, and renders them with pongo2 templates.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/flosch/pongo2/v6"
	"github.com/microcosm-cc/bluemonday"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/BTreeMap/SocialSupport/internal/schema"
)

// Template names.
const (
	PageStep     = "step.html"
	PageReview   = "review.html"
	PageHistory  = "history.html"
	PageNotFound = "notfound.html"
)

// EmptyValue is shown on the review screen for blank values.
const EmptyValue = "-"

//go:embed templates/*.html
var embeddedTemplates embed.FS

//go:embed assets/*
var embeddedAssets embed.FS

// AssetsFS exposes the stylesheet and script served under /static.
func AssetsFS() fs.FS {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		return embeddedAssets
	}
	return sub
}

// Translator turns message ids into text.
type Translator interface {
	T(lang, messageID string) string
	TData(lang, messageID string, data map[string]interface{}) string
}

var (
	filtersOnce sync.Once
	textPolicy  *bluemonday.Policy
)

// registerFilters installs the "paragraphs" filter: user text is stripped of markup and its
// line breaks become <br>.
func registerFilters() {
	filtersOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
		pongo2.RegisterFilter("paragraphs", func(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
			return pongo2.AsSafeValue(Paragraphs(in.String())), nil
		})
	})
}

// Paragraphs sanitizes free text for display, keeping line breaks.
func Paragraphs(s string) string {
	registerFilters()
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = textPolicy.Sanitize(line)
	}
	return strings.Join(lines, "<br>")
}

// Renderer renders the pages of one form schema.
type Renderer struct {
	schema *schema.Schema
	tr     Translator
	set    *pongo2.TemplateSet
}

// New creates a Renderer and compiles every template.
func New(s *schema.Schema, tr Translator) (*Renderer, error) {
	registerFilters()
	sub, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	r := &Renderer{
		schema: s,
		tr:     tr,
		set:    pongo2.NewSet("socialsupport", pongo2.NewFSLoader(sub)),
	}
	for _, name := range []string{PageStep, PageReview, PageHistory, PageNotFound} {
		if _, err := r.set.FromCache(name); err != nil {
			return nil, fmt.Errorf("compile template %q: %w", name, err)
		}
	}
	return r, nil
}

// Render executes the named template with page bound to "page".
func (r *Renderer) Render(w io.Writer, name string, page interface{}) error {
	tpl, err := r.set.FromCache(name)
	if err != nil {
		return fmt.Errorf("load template %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.ExecuteWriter(pongo2.Context{"page": page}, &buf); err != nil {
		return fmt.Errorf("execute template %q: %w", name, err)
	}
	_, err = buf.WriteTo(w)
	return err
}

// Chrome is the part of every page outside the main content.
type Chrome struct {
	Lang           string
	Dir            string
	Title          string
	Path           string
	Notice         string
	OtherLang      string
	OtherLangLabel string
	LanguageLabel  string
	HistoryLabel   string
}

// Chrome builds the shared page frame for lang. path is the page to return to after a
// language switch.
func (r *Renderer) Chrome(lang, path, notice string) Chrome {
	lang = i18n.Normalize(lang)
	other := i18n.Arabic
	if lang == i18n.Arabic {
		other = i18n.English
	}
	return Chrome{
		Lang:           lang,
		Dir:            i18n.Dir(lang),
		Title:          r.tr.T(lang, "app.title"),
		Path:           path,
		Notice:         notice,
		OtherLang:      other,
		OtherLangLabel: r.tr.T(lang, "app."+other),
		LanguageLabel:  r.tr.T(lang, "app.language"),
		HistoryLabel:   r.tr.T(lang, "app.history"),
	}
}

// OptionView is one choice of a radio or select field.
type OptionView struct {
	Value    string
	Label    string
	Selected bool
}

// FieldView is one rendered input.
type FieldView struct {
	ID          string
	Name        string
	Type        string
	Label       string
	Placeholder string
	Value       string
	Checked     bool
	Required    bool
	Error       string
	Pattern     string
	InputMode   string
	Max         string
	Prefix      string
	Assist      bool
	Autofocus   bool
	Options     []OptionView
}

// StepPage is the model of one form step.
type StepPage struct {
	Chrome     Chrome
	Index      int
	Total      int
	Progress   string
	Title      string
	Fields     []FieldView
	First      bool
	Last       bool
	Submitting bool
	Labels     StepLabels
}

// StepLabels are the translated button texts of a step.
type StepLabels struct {
	Next        string
	Back        string
	Submit      string
	Submitting  string
	HelpMeWrite string
	Generating  string
	Suggestion  string
	Accept      string
	Discard     string
}

// StepPage builds the model of step from a controller snapshot. focus names the field to
// focus, usually the first invalid one.
func (r *Renderer) StepPage(st form.State, step int, focus, notice string, now time.Time) StepPage {
	lang := i18n.Normalize(st.Language)
	step = r.schema.Clamp(step)
	current := r.schema.Step(step)
	page := StepPage{
		Chrome: r.Chrome(lang, fmt.Sprintf("/step/%d", step), notice),
		Index:  step,
		Total:  r.schema.Len(),
		Progress: r.tr.TData(lang, "app.step", map[string]interface{}{
			"Current": step + 1,
			"Total":   r.schema.Len(),
		}),
		Title:      r.tr.T(lang, current.TitleKey),
		First:      step == 0,
		Last:       step == r.schema.Len()-1,
		Submitting: st.Submitting,
		Labels: StepLabels{
			Next:        r.tr.T(lang, "app.next"),
			Back:        r.tr.T(lang, "app.back"),
			Submit:      r.tr.T(lang, "app.submit"),
			Submitting:  r.tr.T(lang, "app.submitting"),
			HelpMeWrite: r.tr.T(lang, "app.helpMeWrite"),
			Generating:  r.tr.T(lang, "app.generating"),
			Suggestion:  r.tr.T(lang, "app.suggestion"),
			Accept:      r.tr.T(lang, "app.accept"),
			Discard:     r.tr.T(lang, "app.discard"),
		},
	}
	for _, el := range current.Elements {
		page.Fields = append(page.Fields, r.fieldView(lang, el, st, now))
	}
	if focus != "" {
		for i := range page.Fields {
			if page.Fields[i].Name == focus {
				page.Fields[i].Autofocus = true
			}
		}
	}
	return page
}

func (r *Renderer) fieldView(lang string, el schema.FormElement, st form.State, now time.Time) FieldView {
	v, _ := st.Data.Get(el.Name)
	f := FieldView{
		ID:        el.ID,
		Name:      el.Name,
		Type:      string(el.Type),
		Label:     r.tr.T(lang, el.LabelKey),
		Value:     v.Text(),
		Checked:   v.Truthy(),
		Required:  el.Required,
		Error:     st.Errors[el.Name],
		Pattern:   el.Pattern,
		InputMode: el.InputMode,
		Prefix:    el.Prefix,
		Assist:    el.Assist,
	}
	if el.PlaceholderKey != "" {
		f.Placeholder = r.tr.T(lang, el.PlaceholderKey)
	}
	if el.Type == schema.TypeDate && !el.AllowFuture {
		f.Max = now.Format("2006-01-02")
	}
	for _, opt := range el.Options {
		f.Options = append(f.Options, OptionView{
			Value:    opt.Value,
			Label:    r.tr.T(lang, opt.LabelKey),
			Selected: opt.Value == f.Value,
		})
	}
	return f
}

// ReviewRow is one label/value pair of the review screen.
type ReviewRow struct {
	Name      string
	Label     string
	Value     string
	Multiline bool
}

// ReviewSection groups the rows of one step.
type ReviewSection struct {
	ID    string
	Title string
	Rows  []ReviewRow
}

// ReviewPage is the model of the review screen.
type ReviewPage struct {
	Chrome    Chrome
	Heading   string
	Message   string
	NoData    string
	StartOver string
	Found     bool
	Sections  []ReviewSection
}

// ReviewPage builds the summary of a submission. found is false when there is nothing to show.
func (r *Renderer) ReviewPage(lang, path string, data models.FormData, found bool) ReviewPage {
	lang = i18n.Normalize(lang)
	page := ReviewPage{
		Chrome:    r.Chrome(lang, path, ""),
		Heading:   r.tr.T(lang, "app.preview"),
		Message:   r.tr.T(lang, "app.submitRequestTitle"),
		NoData:    r.tr.T(lang, "app.noData"),
		StartOver: r.tr.T(lang, "app.startOver"),
		Found:     found && data != nil,
	}
	if page.Found {
		page.Sections = r.ReviewSections(lang, data)
	}
	return page
}

// ReviewSections lists every declared field except the consent box, one section per step.
func (r *Renderer) ReviewSections(lang string, data models.FormData) []ReviewSection {
	var sections []ReviewSection
	for _, step := range r.schema.Steps() {
		sec := ReviewSection{ID: step.ID, Title: r.tr.T(lang, step.TitleKey)}
		for _, el := range step.Elements {
			if el.Name == schema.FieldConsent {
				continue
			}
			sec.Rows = append(sec.Rows, ReviewRow{
				Name:      el.Name,
				Label:     r.tr.T(lang, el.LabelKey),
				Value:     r.DisplayValue(lang, el, data),
				Multiline: el.Type == schema.TypeTextarea,
			})
		}
		sections = append(sections, sec)
	}
	return sections
}

// DisplayValue formats a submitted value for the review screen: blank values show as "-",
// booleans as yes/no, choices by their label, other values with the element prefix. The first
// letter is capitalised.
func (r *Renderer) DisplayValue(lang string, el schema.FormElement, data models.FormData) string {
	v, ok := data.Get(el.Name)
	if !ok || (v.Kind() == models.KindString && v.IsBlank()) {
		return EmptyValue
	}
	var out string
	switch {
	case v.Kind() == models.KindBool:
		if v.Truthy() {
			out = r.tr.T(lang, "app.yes")
		} else {
			out = r.tr.T(lang, "app.no")
		}
	default:
		if key, ok := el.OptionLabelKey(v.Text()); ok {
			out = r.tr.T(lang, key)
		} else if el.Prefix != "" {
			out = el.Prefix + " " + v.Text()
		} else {
			out = v.Text()
		}
	}
	return capitalize(out)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// HistoryRow is one past submission.
type HistoryRow struct {
	Serial      int
	ID          string
	Name        string
	Email       string
	SubmittedAt string
	Href        string
	AriaLabel   string
}

// HistoryPage is the model of the history list.
type HistoryPage struct {
	Chrome Chrome
	Labels HistoryLabels
	Rows   []HistoryRow
}

// HistoryLabels are the translated texts of the history list.
type HistoryLabels struct {
	Heading     string
	Empty       string
	Serial      string
	Name        string
	Email       string
	SubmittedAt string
	ViewDetails string
	Back        string
}

// HistoryPage lists entries in the given order, numbering them from 1.
func (r *Renderer) HistoryPage(lang string, entries []models.HistoryEntry) HistoryPage {
	lang = i18n.Normalize(lang)
	page := HistoryPage{
		Chrome: r.Chrome(lang, "/history", ""),
		Labels: HistoryLabels{
			Heading:     r.tr.T(lang, "app.history"),
			Empty:       r.tr.T(lang, "app.noHistory"),
			Serial:      r.tr.T(lang, "app.serialNo"),
			Name:        r.tr.T(lang, "app.name"),
			Email:       r.tr.T(lang, "app.email"),
			SubmittedAt: r.tr.T(lang, "app.submittedAt"),
			ViewDetails: r.tr.T(lang, "app.viewDetails"),
			Back:        r.tr.T(lang, "app.back"),
		},
	}
	for i, e := range entries {
		row := HistoryRow{
			Serial:      i + 1,
			ID:          e.ID,
			Name:        orEmpty(e.Data.String(schema.FieldFullName)),
			Email:       orEmpty(e.Data.String(schema.FieldEmail)),
			SubmittedAt: formatTimestamp(e.SubmittedAt),
			Href:        "/review/" + e.ID,
		}
		row.AriaLabel = fmt.Sprintf("%s - %s %d, %s: %s, %s: %s", page.Labels.ViewDetails, page.Labels.Serial,
			row.Serial, page.Labels.Name, row.Name, page.Labels.Email, row.Email)
		page.Rows = append(page.Rows, row)
	}
	return page
}

// NotFoundPage is the model of the 404 page.
type NotFoundPage struct {
	Chrome  Chrome
	Message string
	Home    string
}

// NotFoundPage builds the 404 page.
func (r *Renderer) NotFoundPage(lang, path string) NotFoundPage {
	lang = i18n.Normalize(lang)
	return NotFoundPage{
		Chrome:  r.Chrome(lang, path, ""),
		Message: r.tr.T(lang, "app.notFound"),
		Home:    r.tr.T(lang, "app.startOver"),
	}
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return EmptyValue
	}
	return s
}

func formatTimestamp(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.UTC().Format("2006-01-02 15:04")
}
