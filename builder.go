package relay

import (
	"context"
	"fmt"

	"github.com/petrijr/relay/pkg/api"
)

// SequenceBuilder provides a fluent API for defining sequences:
//
//	seq := relay.NewSequence("welcome").
//	    TriggerPhase("intake").
//	    SMS(0, "Hi {{first_name}}, thanks for applying").
//	    Email(24, "Next steps", "Dear {{full_name}}, ...")
//
//	seq.MustRegister(ctx, engine)
type SequenceBuilder struct {
	seq api.Sequence
}

// NewSequence starts an enabled sequence with the given id. It stops when the
// subject replies unless ContinueOnResponse is called.
func NewSequence(id string) *SequenceBuilder {
	if id == "" {
		panic("relay: sequence id must not be empty")
	}
	return &SequenceBuilder{seq: api.Sequence{ID: id, Name: id, Enabled: true, StopOnResponse: true}}
}

func (b *SequenceBuilder) Name(name string) *SequenceBuilder {
	b.seq.Name = name
	return b
}

// TriggerPhase auto-enrolls subjects entering phase.
func (b *SequenceBuilder) TriggerPhase(phase string) *SequenceBuilder {
	b.seq.TriggerPhase = phase
	return b
}

// ForEntity restricts the sequence to one entity type.
func (b *SequenceBuilder) ForEntity(t api.EntityType) *SequenceBuilder {
	b.seq.EntityType = t
	return b
}

// ContinueOnResponse keeps enrollments running after the subject replies.
func (b *SequenceBuilder) ContinueOnResponse() *SequenceBuilder {
	b.seq.StopOnResponse = false
	return b
}

// Disabled keeps the sequence stored but inert.
func (b *SequenceBuilder) Disabled() *SequenceBuilder {
	b.seq.Enabled = false
	return b
}

// SMS appends a text step sent delayHours after enrollment.
func (b *SequenceBuilder) SMS(delayHours float64, template string) *SequenceBuilder {
	return b.step(api.Step{Action: api.ActionSendSMS, DelayHours: delayHours, Template: template})
}

// Email appends an email step sent delayHours after enrollment.
func (b *SequenceBuilder) Email(delayHours float64, subject, template string) *SequenceBuilder {
	return b.step(api.Step{Action: api.ActionSendEmail, DelayHours: delayHours, Subject: subject, Template: template})
}

// Task appends a create_task step. The template, if any, becomes the task
// description.
func (b *SequenceBuilder) Task(delayHours float64, template string) *SequenceBuilder {
	return b.step(api.Step{Action: api.ActionCreateTask, DelayHours: delayHours, Template: template})
}

func (b *SequenceBuilder) step(st api.Step) *SequenceBuilder {
	if st.DelayHours < 0 {
		panic(fmt.Sprintf("relay: sequence %q step %d has negative delay", b.seq.ID, len(b.seq.Steps)))
	}
	b.seq.Steps = append(b.seq.Steps, st)
	return b
}

// Build returns a copy of the sequence definition.
func (b *SequenceBuilder) Build() Sequence {
	out := b.seq
	out.Steps = append([]api.Step(nil), b.seq.Steps...)
	return out
}

// Register stores the sequence on eng.
func (b *SequenceBuilder) Register(ctx context.Context, eng Engine) error {
	return eng.RegisterSequence(ctx, b.Build())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *SequenceBuilder) MustRegister(ctx context.Context, eng Engine) {
	if err := b.Register(ctx, eng); err != nil {
		panic(err)
	}
}
