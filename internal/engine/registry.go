package engine

import (
	"fmt"

	"github.com/petrijr/relay/pkg/api"
)

// validateRule checks a rule before it is stored.
func validateRule(r api.Rule) error {
	const op = "engine.register_rule"
	if r.ID == "" {
		return api.NewError(api.CodeValidation, op, "rule id is required", nil)
	}
	if !r.Trigger.Valid() {
		return api.NewError(api.CodeValidation, op, fmt.Sprintf("rule %q: unknown trigger %q", r.ID, r.Trigger), nil)
	}
	if !r.Action.Valid() {
		return api.NewError(api.CodeValidation, op, fmt.Sprintf("rule %q: unknown action %q", r.ID, r.Action), nil)
	}
	if r.Action != api.ActionCreateTask && r.Message == "" {
		return api.NewError(api.CodeValidation, op, fmt.Sprintf("rule %q: message is required for %s", r.ID, r.Action), nil)
	}
	return nil
}

// validateSequence checks a sequence definition before it is stored.
func validateSequence(seq api.Sequence) error {
	const op = "engine.register_sequence"
	if seq.ID == "" {
		return api.NewError(api.CodeValidation, op, "sequence id is required", nil)
	}
	if len(seq.Steps) == 0 {
		return api.NewError(api.CodeValidation, op, fmt.Sprintf("sequence %q has no steps", seq.ID), nil)
	}
	for i, st := range seq.Steps {
		if !st.Action.Valid() {
			return api.NewError(api.CodeValidation, op, fmt.Sprintf("sequence %q step %d: unknown action %q", seq.ID, i, st.Action), nil)
		}
		if st.DelayHours < 0 {
			return api.NewError(api.CodeValidation, op, fmt.Sprintf("sequence %q step %d: negative delay", seq.ID, i), nil)
		}
		if st.Action != api.ActionCreateTask && st.Template == "" {
			return api.NewError(api.CodeValidation, op, fmt.Sprintf("sequence %q step %d: template is required", seq.ID, i), nil)
		}
	}
	return nil
}

func validateAPIKey(k api.APIKey) error {
	const op = "engine.register_api_key"
	if k.Key == "" {
		return api.NewError(api.CodeValidation, op, "key is required", nil)
	}
	if k.Source == "" {
		return api.NewError(api.CodeValidation, op, "source label is required", nil)
	}
	return nil
}
