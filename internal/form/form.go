// Package form implements the state machine behind the multi-step application form.
//
// A Controller owns the field values, the translated validation errors, the active step and
// the submission status of one browser session. Every method is atomic with respect to the
// others, and every change to the field values is written through to the persistent store.
package form

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/BTreeMap/SocialSupport/internal/schema"
	"github.com/BTreeMap/SocialSupport/internal/store"
	"github.com/BTreeMap/SocialSupport/internal/submission"
	"github.com/BTreeMap/SocialSupport/internal/validate"
)

var (
	// ErrUnknownField is returned for a name that is neither a declared element nor a metadata key.
	ErrUnknownField = errors.New("unknown form field")
	// ErrValueKind is returned when a checkbox receives text or a text field receives a boolean.
	ErrValueKind = errors.New("value kind does not match the field type")
	// ErrStepInvalid is matched by validation failures of the active step.
	ErrStepInvalid = errors.New("step has invalid fields")
	// ErrValidationFailed is matched by every validation failure.
	ErrValidationFailed = errors.New("form has invalid fields")
	// ErrConsentRequired is returned by Submit while the consent box is unchecked.
	ErrConsentRequired = errors.New("consent is required")
	// ErrSubmitInProgress is returned by Submit while another submission is running.
	ErrSubmitInProgress = errors.New("submission already in progress")
	// ErrNotLastStep is returned by Submit when the active step is not the last one.
	ErrNotLastStep = errors.New("submit is only available on the last step")
)

// ValidationError carries the errors that blocked navigation or submission.
type ValidationError struct {
	// Step is the validated step, or -1 when the whole form was validated.
	Step   int
	Errors models.FormErrors
	// Focus is the first invalid field in form order and FocusStep the step holding it.
	Focus     string
	FocusStep int
}

func (e *ValidationError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("step %d has %d invalid field(s), first %q", e.Step, len(e.Errors), e.Focus)
	}
	return fmt.Sprintf("form has %d invalid field(s), first %q", len(e.Errors), e.Focus)
}

// Is lets errors.Is match ErrValidationFailed, and ErrStepInvalid for single-step failures.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed || (target == ErrStepInvalid && e.Step >= 0)
}

// Translator turns message ids into text in a language.
type Translator interface {
	T(lang, messageID string) string
}

// Notifier is told about successful submissions. Its errors never fail a submission.
type Notifier interface {
	SubmissionReceived(ctx context.Context, lang string, data models.FormData, entry models.HistoryEntry) error
}

// Meta is the address lookup side channel of OnMetaChange.
type Meta struct {
	CountryCode string `json:"countryCode,omitempty"`
	StateCode   string `json:"stateCode,omitempty"`
	PlaceID     string `json:"placeId,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
}

// Config wires a Controller to its collaborators. Schema and Translator are required.
type Config struct {
	Schema     *schema.Schema
	Translator Translator
	// Store persists the in-progress data of the browser client. May be nil.
	Store *store.FormStore
	// History keeps past submissions under SessionID. May be nil.
	History   *store.History
	SessionID string
	Submitter submission.Submitter
	Notifier  Notifier
	Language  string
	Now       func() time.Time
}

// State is a copy of the controller state.
type State struct {
	Data       models.FormData   `json:"data"`
	Errors     models.FormErrors `json:"errors"`
	Step       int               `json:"step"`
	Steps      int               `json:"steps"`
	Submitting bool              `json:"submitting"`
	Language   string            `json:"language"`
}

// Controller is the form state machine of one session.
type Controller struct {
	mu sync.Mutex

	schema     *schema.Schema
	tr         Translator
	store      *store.FormStore
	history    *store.History
	sessionID  string
	submitter  submission.Submitter
	notifier   Notifier
	now        func() time.Time
	lang       string
	data       models.FormData
	errs       models.FormErrors
	step       int
	entered    bool
	submitting bool
}

// New creates a controller, loading persisted data and injecting the default country and
// dependents count when they are absent. It panics when Schema or Translator is missing.
func New(ctx context.Context, cfg Config) *Controller {
	if cfg.Schema == nil {
		panic("form: Config.Schema is required")
	}
	if cfg.Translator == nil {
		panic("form: Config.Translator is required")
	}
	c := &Controller{
		schema:    cfg.Schema,
		tr:        cfg.Translator,
		store:     cfg.Store,
		history:   cfg.History,
		sessionID: cfg.SessionID,
		submitter: cfg.Submitter,
		notifier:  cfg.Notifier,
		now:       cfg.Now,
		lang:      cfg.Language,
		errs:      make(models.FormErrors),
	}
	if c.submitter == nil {
		c.submitter = submission.NewEchoSubmitter()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.lang == "" {
		c.lang = "en"
	}

	c.data = c.store.LoadData(ctx)
	if c.data == nil {
		c.data = make(models.FormData)
	}
	if c.injectDefaults() {
		c.persist(ctx)
	}
	slog.Debug("Controller.New: form loaded", "session_set", c.sessionID != "", "fields", len(c.data), "language", c.lang)
	return c
}

func (c *Controller) defaults() models.FormData {
	return models.FormData{
		schema.FieldCountry:    models.String(c.tr.T(c.lang, "fields.profile.countryAE")),
		schema.MetaCountryCode: models.String(validate.DefaultCountryCode),
		schema.FieldDependents: models.String("0"),
	}
}

// injectDefaults fills the default country and dependents count. countryCode is only set
// together with the country.
func (c *Controller) injectDefaults() bool {
	d := c.defaults()
	changed := false
	if _, ok := c.data[schema.FieldCountry]; !ok {
		c.data[schema.FieldCountry] = d[schema.FieldCountry]
		c.data[schema.MetaCountryCode] = d[schema.MetaCountryCode]
		changed = true
	}
	if _, ok := c.data[schema.FieldDependents]; !ok {
		c.data[schema.FieldDependents] = d[schema.FieldDependents]
		changed = true
	}
	return changed
}

// hasSessionData reports whether the user has entered anything beyond the injected defaults.
// The default country is recognised by the default country code without a place id, so it
// stays a default after a language switch.
func (c *Controller) hasSessionData() bool {
	for name, v := range c.data {
		if !v.IsPresent() {
			continue
		}
		switch name {
		case schema.FieldCountry:
			if c.data.String(schema.MetaCountryCode) == validate.DefaultCountryCode &&
				c.data.String(schema.MetaCountryPlaceID) == "" {
				continue
			}
		case schema.MetaCountryCode:
			if v.Text() == validate.DefaultCountryCode {
				continue
			}
		case schema.FieldDependents:
			if v.Text() == "0" {
				continue
			}
		}
		return true
	}
	return false
}

func (c *Controller) persist(ctx context.Context) {
	c.store.SaveData(ctx, c.data)
}

// checkValue enforces the field universe and the value kind of declared elements. Metadata
// keys are not values a user types; they change only through OnMetaChange so that a country
// change always clears the address.
func (c *Controller) checkValue(name string, v models.Value) error {
	el, _, declared := c.schema.Element(name)
	if !declared {
		if schema.IsMetadataKey(name) {
			return fmt.Errorf("%w: %q is set by address selection", ErrUnknownField, name)
		}
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	wantBool := el.Type == schema.TypeCheckbox
	if wantBool != (v.Kind() == models.KindBool) {
		return fmt.Errorf("%w: %q is %s", ErrValueKind, name, el.Type)
	}
	return nil
}

var addressCascade = []string{
	schema.FieldState, schema.MetaStateCode, schema.MetaStatePlaceID,
	schema.FieldAddress, schema.MetaAddressPlaceID, schema.FieldCity,
}

// clearAddress empties the fields that depend on the selected country.
func (c *Controller) clearAddress() {
	for _, name := range addressCascade {
		c.data[name] = models.String("")
	}
	delete(c.errs, schema.FieldState)
	delete(c.errs, schema.FieldAddress)
	delete(c.errs, schema.FieldCity)
}

// OnChange merges one value into the form. The national id is reformatted as it is typed, and
// a country change clears the state, address and city together with their metadata.
func (c *Controller) OnChange(ctx context.Context, name string, v models.Value) error {
	if err := c.checkValue(name, v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == schema.FieldNationalID {
		v = models.String(validate.FormatNationalID(v.Text()))
	}
	c.data[name] = v
	delete(c.errs, name)
	if name == schema.FieldCountry {
		c.clearAddress()
	}
	c.persist(ctx)
	return nil
}

// OnMetaChange applies the metadata of an autocomplete selection on the country, state or
// address field.
func (c *Controller) OnMetaChange(ctx context.Context, name string, meta Meta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case schema.FieldCountry:
		if meta.CountryCode != c.data.String(schema.MetaCountryCode) {
			c.clearAddress()
		}
		c.data[schema.MetaCountryCode] = models.String(meta.CountryCode)
		c.data[schema.MetaCountryPlaceID] = models.String(meta.PlaceID)
	case schema.FieldState:
		c.data[schema.MetaStateCode] = models.String(meta.StateCode)
		c.data[schema.MetaStatePlaceID] = models.String(meta.PlaceID)
	case schema.FieldAddress:
		c.data[schema.MetaAddressPlaceID] = models.String(meta.PlaceID)
		if meta.City != "" {
			c.data[schema.FieldCity] = models.String(meta.City)
		}
		if meta.State != "" {
			c.data[schema.FieldState] = models.String(meta.State)
			if meta.StateCode != "" {
				c.data[schema.MetaStateCode] = models.String(meta.StateCode)
			}
		}
	default:
		return fmt.Errorf("%w: no metadata for %q", ErrUnknownField, name)
	}
	c.persist(ctx)
	return nil
}

// validateElement returns the translated error for el holding v, or "".
func (c *Controller) validateElement(el schema.FormElement, v models.Value) string {
	id := validate.Field(el.Name, v, el.Required, c.data.String(schema.MetaCountryCode))
	if id == "" {
		return ""
	}
	return c.tr.T(c.lang, id)
}

// OnBlur validates value for the named element and records the outcome. It returns the
// error text, or "" when the value is acceptable.
func (c *Controller) OnBlur(name string, v models.Value) (string, error) {
	el, _, ok := c.schema.Element(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.validateElement(el, v)
	if msg == "" {
		delete(c.errs, name)
	} else {
		c.errs[name] = msg
	}
	return msg, nil
}

// validateStepLocked validates every element of step i and merges the failures into the
// error map. Fields that pass keep whatever error they had.
func (c *Controller) validateStepLocked(i int) *ValidationError {
	found := make(models.FormErrors)
	focus := ""
	for _, el := range c.schema.Step(i).Elements {
		if msg := c.validateElement(el, c.data[el.Name]); msg != "" {
			found[el.Name] = msg
			if focus == "" {
				focus = el.Name
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	for name, msg := range found {
		c.errs[name] = msg
	}
	step := c.schema.Clamp(i)
	return &ValidationError{Step: step, Errors: found, Focus: focus, FocusStep: step}
}

// ValidateCurrentStep validates step i against the current data. On failure it records
// the errors and returns them as a *ValidationError.
func (c *Controller) ValidateCurrentStep(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if verr := c.validateStepLocked(i); verr != nil {
		return verr
	}
	return nil
}

// StepComplete reports whether every required element of step has a value in data.
// Validity is not checked.
func StepComplete(step schema.FormStep, data models.FormData) bool {
	for _, el := range step.Elements {
		if !el.Required {
			continue
		}
		v, ok := data[el.Name]
		if !ok || !v.IsPresent() {
			return false
		}
	}
	return true
}

// LastCompletedStep scans backwards and returns the index of the last complete step, or -1.
func LastCompletedStep(s *schema.Schema, data models.FormData) int {
	steps := s.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		if StepComplete(steps[i], data) {
			return i
		}
	}
	return -1
}

// IsStepComplete reports whether step i is complete with the current data.
func (c *Controller) IsStepComplete(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StepComplete(c.schema.Step(i), c.data)
}

// LastCompletedStepIndex returns the last complete step with the current data, or -1.
func (c *Controller) LastCompletedStepIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LastCompletedStep(c.schema, c.data)
}

// SetLanguage switches the language of error messages. Fields that currently hold an error
// are validated again so their text follows the new language; validity does not change.
func (c *Controller) SetLanguage(lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lang == c.lang {
		return
	}
	c.lang = lang
	for name := range c.errs {
		el, _, ok := c.schema.Element(name)
		if !ok {
			delete(c.errs, name)
			continue
		}
		if msg := c.validateElement(el, c.data[name]); msg != "" {
			c.errs[name] = msg
		} else {
			delete(c.errs, name)
		}
	}
	slog.Debug("Controller.SetLanguage: language changed", "language", lang, "errors", len(c.errs))
}

// Language returns the active language.
func (c *Controller) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Data:       c.data.Clone(),
		Errors:     c.errs.Clone(),
		Step:       c.step,
		Steps:      c.schema.Len(),
		Submitting: c.submitting,
		Language:   c.lang,
	}
}

// Submit validates the whole form and sends it. On success the response is persisted, a
// history entry holding the response is appended and the optional notifier is called.
// A failed submission leaves the form unchanged and ready to be submitted again.
func (c *Controller) Submit(ctx context.Context) (models.HistoryEntry, error) {
	c.mu.Lock()
	if c.step != c.schema.Len()-1 {
		c.mu.Unlock()
		return models.HistoryEntry{}, ErrNotLastStep
	}
	if c.submitting {
		c.mu.Unlock()
		return models.HistoryEntry{}, ErrSubmitInProgress
	}
	if !c.data.Truthy(schema.FieldConsent) {
		c.mu.Unlock()
		return models.HistoryEntry{}, ErrConsentRequired
	}
	if verr := c.validateAllLocked(); verr != nil {
		c.mu.Unlock()
		slog.Debug("Controller.Submit: validation failed", "errors", len(verr.Errors), "focus", verr.Focus)
		return models.HistoryEntry{}, verr
	}
	c.submitting = true
	snapshot := c.data.Clone()
	lang := c.lang
	c.mu.Unlock()

	response, err := c.submitter.Submit(ctx, snapshot)

	c.mu.Lock()
	c.submitting = false
	if err != nil {
		c.mu.Unlock()
		slog.Error("Controller.Submit: submission failed", "error", err)
		return models.HistoryEntry{}, fmt.Errorf("submit form: %w", err)
	}
	c.store.SaveResponse(ctx, response)
	entry := models.NewHistoryEntry(c.now(), response)
	entry = c.history.Append(ctx, c.sessionID, entry)[0]
	c.mu.Unlock()
	slog.Info("Controller.Submit: form submitted", "id", entry.ID, "fields", len(response))

	if c.notifier != nil {
		if err := c.notifier.SubmissionReceived(ctx, lang, response, entry); err != nil {
			slog.Warn("Controller.Submit: receipt notification failed", "id", entry.ID, "error", err)
		}
	}
	return entry, nil
}

// validateAllLocked validates every element of every step. The resulting errors replace the
// whole error map.
func (c *Controller) validateAllLocked() *ValidationError {
	found := make(models.FormErrors)
	verr := &ValidationError{Step: -1, FocusStep: -1}
	for i, step := range c.schema.Steps() {
		for _, el := range step.Elements {
			if msg := c.validateElement(el, c.data[el.Name]); msg != "" {
				found[el.Name] = msg
				if verr.Focus == "" {
					verr.Focus = el.Name
					verr.FocusStep = i
				}
			}
		}
	}
	c.errs = found.Clone()
	if len(found) == 0 {
		return nil
	}
	verr.Errors = found
	return verr
}

// Review returns the last submission response and clears the session, as the review page
// does when it is opened. ok is false when there is no response.
func (c *Controller) Review(ctx context.Context) (response models.FormData, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	response = c.store.LoadResponse(ctx)
	c.resetLocked(ctx)
	return response, response != nil
}

// StartOver clears the persisted data and the submission response and restores the defaults.
func (c *Controller) StartOver(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(ctx)
}

func (c *Controller) resetLocked(ctx context.Context) {
	c.store.Clear(ctx)
	c.data = make(models.FormData)
	c.errs = make(models.FormErrors)
	c.step = 0
	c.entered = false
	c.injectDefaults()
	slog.Debug("Controller.reset: session data cleared")
}
