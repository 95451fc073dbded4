// Package trigger selects the enabled rules of a trigger type, evaluates
// their conditions and executes the matching ones.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/relay/internal/action"
	"github.com/petrijr/relay/internal/condition"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/pkg/api"
)

// Config describes how to construct a Dispatcher.
type Config struct {
	Rules    persistence.RuleStore
	Phases   api.PhaseResolver
	Executor *action.Executor
	Observer api.Observer
	Logger   *slog.Logger
}

// Dispatcher fans one event out to every matching rule.
type Dispatcher struct {
	rules    persistence.RuleStore
	eval     condition.Evaluator
	exec     *action.Executor
	observer api.Observer
	logger   *slog.Logger
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		rules:    cfg.Rules,
		eval:     condition.NewEvaluator(cfg.Phases),
		exec:     cfg.Executor,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	if d.observer == nil {
		d.observer = api.NoopObserver{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Dispatch runs every enabled, matching rule for trigger in rule ID order.
// A failing or panicking rule is reported in its result and never stops the
// remaining rules. The returned error is reserved for failures that prevent
// dispatch altogether (unknown trigger, unreadable rules).
func (d *Dispatcher) Dispatch(ctx context.Context, trigger api.TriggerType, s *api.Subject, tc api.TriggerContext) ([]api.ActionResult, error) {
	if !trigger.Valid() {
		return nil, api.NewError(api.CodeValidation, "trigger.dispatch", fmt.Sprintf("unknown trigger %q", trigger), nil)
	}
	if s == nil {
		return nil, api.NewError(api.CodeValidation, "trigger.dispatch", "subject is required", nil)
	}

	rules, err := d.rules.ListRules(ctx, persistence.RuleFilter{
		Trigger:     trigger,
		EntityType:  s.EntityType,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, "trigger.dispatch", "list rules", err)
	}

	var results []api.ActionResult
	for _, r := range rules {
		if !d.eval.Matches(r, s, tc) {
			continue
		}
		d.observer.OnRuleMatched(ctx, r, s)
		res := d.run(ctx, r, s, tc)
		if res.Status == api.ActionFailed {
			d.logger.WarnContext(ctx, "rule_failed",
				slog.String("rule_id", r.ID),
				slog.String("rule", r.Name),
				slog.String("trigger", string(trigger)),
				slog.String("subject_id", s.ID),
				slog.Any("error", res.Err),
			)
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Dispatcher) run(ctx context.Context, r api.Rule, s *api.Subject, tc api.TriggerContext) (res api.ActionResult) {
	defer func() {
		if p := recover(); p != nil {
			res = api.ActionResult{
				RuleID:    r.ID,
				Name:      r.Name,
				SubjectID: s.ID,
				Action:    r.Action,
				Status:    api.ActionFailed,
				Err:       api.NewError(api.CodeInternal, "trigger.dispatch", fmt.Sprintf("panic: %v", p), nil),
			}
		}
	}()
	return d.exec.ExecuteRule(ctx, r, s, tc)
}
