// Package condition evaluates a rule's flat condition set against a subject
// and the context of one trigger firing.
package condition

import (
	"strings"

	"github.com/petrijr/relay/pkg/api"
)

// Evaluator matches rules using an injected phase resolver.
type Evaluator struct {
	Phases api.PhaseResolver
}

// NewEvaluator returns an Evaluator. A nil resolver derives no phase, so any
// rule with a phase condition fails to match.
func NewEvaluator(phases api.PhaseResolver) Evaluator {
	return Evaluator{Phases: phases}
}

// Matches reports whether every condition present on the rule holds.
func (e Evaluator) Matches(rule api.Rule, subject *api.Subject, tc api.TriggerContext) bool {
	phase := ""
	if subject != nil && e.Phases != nil {
		phase = e.Phases.CurrentPhase(subject)
	}
	return Match(rule.Conditions, phase, tc)
}

// Match evaluates conditions against an already derived phase.
func Match(c api.Conditions, phase string, tc api.TriggerContext) bool {
	if c.Phase != "" && c.Phase != phase {
		return false
	}
	if c.ToPhase != "" && c.ToPhase != tc.ToPhase {
		return false
	}
	if c.TaskID != "" && c.TaskID != tc.TaskID {
		return false
	}
	if c.DocumentType != "" && c.DocumentType != tc.DocumentType {
		return false
	}
	if c.TemplateName != "" && !anyContainsFold(tc.TemplateNames, c.TemplateName) {
		return false
	}
	if c.Keyword != "" && !containsFold(tc.MessageText, c.Keyword) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	if s == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func anyContainsFold(list []string, substr string) bool {
	for _, s := range list {
		if containsFold(s, substr) {
			return true
		}
	}
	return false
}
