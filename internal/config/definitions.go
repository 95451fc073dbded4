package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/relay/pkg/api"
)

// Definitions is the automation catalogue loaded at startup.
type Definitions struct {
	Rules     []RuleDef     `yaml:"rules"`
	Sequences []SequenceDef `yaml:"sequences"`
	APIKeys   []APIKeyDef   `yaml:"api_keys"`
}

// RuleDef is the YAML form of an api.Rule.
type RuleDef struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Trigger    string         `yaml:"trigger"`
	EntityType string         `yaml:"entity_type,omitempty"`
	Conditions api.Conditions `yaml:"conditions,omitempty"`
	Action     string         `yaml:"action"`
	Message    string         `yaml:"message"`
	Subject    string         `yaml:"subject,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty"`
}

// SequenceDef is the YAML form of an api.Sequence.
type SequenceDef struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	EntityType     string    `yaml:"entity_type,omitempty"`
	TriggerPhase   string    `yaml:"trigger_phase,omitempty"`
	StopOnResponse *bool     `yaml:"stop_on_response,omitempty"`
	Enabled        *bool     `yaml:"enabled,omitempty"`
	Steps          []StepDef `yaml:"steps"`
}

// StepDef is one sequence step.
type StepDef struct {
	Action     string  `yaml:"action"`
	DelayHours float64 `yaml:"delay_hours"`
	Template   string  `yaml:"template"`
	Subject    string  `yaml:"subject,omitempty"`
}

// APIKeyDef is an intake key. The key itself usually comes from the
// environment via KeyEnv.
type APIKeyDef struct {
	Key        string `yaml:"key,omitempty"`
	KeyEnv     string `yaml:"key_env,omitempty"`
	Source     string `yaml:"source"`
	EntityType string `yaml:"entity_type,omitempty"`
	Enabled    *bool  `yaml:"enabled,omitempty"`
}

// LoadDefinitions loads definitions from a YAML file.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes definitions from YAML. Unknown keys are rejected
// so a typo in a condition name does not silently widen a rule.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and means "no definitions".
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse definitions file: %w", err)
	}
	return &defs, nil
}

// Registrar is the part of the engine definitions are applied to.
type Registrar interface {
	RegisterRule(ctx context.Context, r api.Rule) error
	RegisterSequence(ctx context.Context, seq api.Sequence) error
	RegisterAPIKey(ctx context.Context, key api.APIKey) error
}

// Apply registers every definition with r and stops at the first error.
func (d *Definitions) Apply(ctx context.Context, r Registrar) error {
	for _, def := range d.Rules {
		if err := r.RegisterRule(ctx, def.Rule()); err != nil {
			return fmt.Errorf("rule %q: %w", def.ID, err)
		}
	}
	for _, def := range d.Sequences {
		if err := r.RegisterSequence(ctx, def.Sequence()); err != nil {
			return fmt.Errorf("sequence %q: %w", def.ID, err)
		}
	}
	for i, def := range d.APIKeys {
		key, err := def.APIKey()
		if err != nil {
			return fmt.Errorf("api key %d (%s): %w", i, def.Source, err)
		}
		if err := r.RegisterAPIKey(ctx, key); err != nil {
			return fmt.Errorf("api key %d (%s): %w", i, def.Source, err)
		}
	}
	return nil
}

func (d RuleDef) Rule() api.Rule {
	return api.Rule{
		ID:         d.ID,
		Name:       d.Name,
		Trigger:    api.TriggerType(d.Trigger),
		EntityType: api.EntityType(d.EntityType),
		Conditions: d.Conditions,
		Action:     api.ActionType(d.Action),
		Message:    d.Message,
		Subject:    d.Subject,
		Enabled:    orTrue(d.Enabled),
	}
}

func (d SequenceDef) Sequence() api.Sequence {
	seq := api.Sequence{
		ID:             d.ID,
		Name:           d.Name,
		EntityType:     api.EntityType(d.EntityType),
		TriggerPhase:   d.TriggerPhase,
		StopOnResponse: orTrue(d.StopOnResponse),
		Enabled:        orTrue(d.Enabled),
	}
	for _, st := range d.Steps {
		seq.Steps = append(seq.Steps, api.Step{
			Action:     api.ActionType(st.Action),
			DelayHours: st.DelayHours,
			Template:   st.Template,
			Subject:    st.Subject,
		})
	}
	return seq
}

func (d APIKeyDef) APIKey() (api.APIKey, error) {
	key := d.Key
	if d.KeyEnv != "" {
		key = os.Getenv(d.KeyEnv)
		if key == "" {
			return api.APIKey{}, fmt.Errorf("environment variable %s is empty", d.KeyEnv)
		}
	}
	return api.APIKey{
		Key:        key,
		Source:     d.Source,
		EntityType: api.EntityType(d.EntityType),
		Enabled:    orTrue(d.Enabled),
	}, nil
}

// orTrue treats an absent flag as enabled.
func orTrue(b *bool) bool {
	return b == nil || *b
}
