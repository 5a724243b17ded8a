package form

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Intent says why a step is being entered.
type Intent string

const (
	// IntentEnter is a direct visit: a typed URL, a link or a reload.
	IntentEnter Intent = "enter"
	// IntentBack follows the back button.
	IntentBack Intent = "back"
	// IntentNext follows a successful Next.
	IntentNext Intent = "next"
	// IntentRedirect follows a redirect issued by a previous resolution.
	IntentRedirect Intent = "redirect"
)

// ParseIntent maps a query value to an Intent, defaulting to IntentEnter.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentBack:
		return IntentBack
	case IntentNext:
		return IntentNext
	case IntentRedirect:
		return IntentRedirect
	}
	return IntentEnter
}

// Resolution is the outcome of entering a step.
type Resolution struct {
	// Step is the step that is actually shown.
	Step int `json:"step"`
	// Redirected is true when Step differs from the requested step or the request was
	// not a valid index.
	Redirected bool `json:"redirected"`
	// Cleared is true when the visit started a fresh application.
	Cleared bool `json:"cleared"`
}

// Move is the outcome of Next or Back.
type Move struct {
	Step int `json:"step"`
	// Focus names the first invalid field when Next was blocked.
	Focus string `json:"focus,omitempty"`
}

// Enter resolves a requested step index (the raw URL segment) and makes it the active step.
//
// Out of range or malformed indexes are clamped. Entering step 0 directly from another step
// starts a fresh application, except on the first visit of the session. Users cannot skip
// ahead: without session data every step resolves to 0, and when an earlier step is
// incomplete the request resolves to the last complete step (0 when none is).
func (c *Controller) Enter(ctx context.Context, raw string, intent Intent) Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()

	requested, err := strconv.Atoi(strings.TrimSpace(raw))
	res := Resolution{Step: c.schema.Clamp(requested)}
	if err != nil {
		res.Step = 0
	}
	if err != nil || res.Step != requested {
		res.Redirected = true
	}

	if res.Step == 0 && intent == IntentEnter && !res.Redirected && c.entered && c.step != 0 {
		c.resetLocked(ctx)
		res.Cleared = true
	}

	if res.Step > 0 {
		if target, redirect := c.guardLocked(res.Step); redirect {
			res.Step = target
			res.Redirected = true
		}
	}

	if res.Redirected || res.Cleared {
		slog.Debug("Controller.Enter: step resolved", "requested", raw, "intent", intent, "step", res.Step,
			"redirected", res.Redirected, "cleared", res.Cleared)
	}
	c.step = res.Step
	c.entered = true
	return res
}

// guardLocked returns the step to show instead of step, if any.
func (c *Controller) guardLocked(step int) (int, bool) {
	if !c.hasSessionData() {
		return 0, true
	}
	steps := c.schema.Steps()
	for i := 0; i < step; i++ {
		if StepComplete(steps[i], c.data) {
			continue
		}
		target := max(LastCompletedStep(c.schema, c.data), 0)
		// Landing on the requested step again is not a redirect, so a redirect never repeats.
		return target, target != step
	}
	return step, false
}

// Next validates the active step and advances when it is valid. When it is not, the
// returned Move stays on the active step, names the field to focus and the error is a
// *ValidationError matching ErrStepInvalid.
func (c *Controller) Next(ctx context.Context) (Move, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if verr := c.validateStepLocked(c.step); verr != nil {
		return Move{Step: c.step, Focus: verr.Focus}, verr
	}
	c.step = c.schema.Clamp(c.step + 1)
	return Move{Step: c.step}, nil
}

// Back moves to the previous step, never below 0. It is always allowed.
func (c *Controller) Back(ctx context.Context) Move {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasSessionData() || c.step == 0 {
		c.step = 0
		return Move{Step: 0}
	}
	c.step--
	return Move{Step: c.step}
}
