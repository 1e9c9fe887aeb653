// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package setup provides the initial frame sent to the generation service
// after the upstream connection is opened.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// DefaultModel is the model identity used when none is configured.
const DefaultModel = "gemini-2.0-flash-exp"

// Part is one piece of content.
type Part struct {
	Text string `yaml:"text" json:"text"`
}

// Content is one conversation turn.
type Content struct {
	Role  string `yaml:"role" json:"role"`
	Parts []Part `yaml:"parts" json:"parts"`
}

// GenerationConfig holds the sampling parameters.
type GenerationConfig struct {
	StopSequences   []string `yaml:"stop_sequences" json:"stop_sequences"`
	Temperature     float64  `yaml:"temperature" json:"temperature"`
	TopP            float64  `yaml:"top_p" json:"top_p"`
	TopK            int      `yaml:"top_k" json:"top_k"`
	MaxOutputTokens int      `yaml:"max_output_tokens" json:"max_output_tokens"`
}

// Template is the setup frame. Tools and safety settings are passed through
// as opaque values.
type Template struct {
	Model            string           `yaml:"model" json:"model,omitempty"`
	Contents         []Content        `yaml:"contents" json:"contents"`
	Tools            []any            `yaml:"tools" json:"tools"`
	SafetySettings   []any            `yaml:"safety_settings" json:"safety_settings"`
	GenerationConfig GenerationConfig `yaml:"generation_config" json:"generation_config"`
}

// Default returns the built-in template for model.
func Default(model string) Template {
	if model == "" {
		model = DefaultModel
	}
	return Template{
		Model: "models/" + model,
		Contents: []Content{{
			Role:  "user",
			Parts: []Part{{Text: "Hello"}},
		}},
		Tools:          []any{},
		SafetySettings: []any{},
		GenerationConfig: GenerationConfig{
			StopSequences:   []string{},
			Temperature:     0.9,
			TopP:            1,
			TopK:            1,
			MaxOutputTokens: 2048,
		},
	}
}

// Load reads a YAML template from path. Fields missing from the file keep
// the values of Default(model).
func Load(path, model string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("failed to read setup template %q: %w", path, err)
	}

	tmpl := Default(model)
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, fmt.Errorf("failed to parse setup template %q: %w", path, err)
	}

	// Empty lists are sent as [] rather than null.
	if tmpl.Tools == nil {
		tmpl.Tools = []any{}
	}
	if tmpl.SafetySettings == nil {
		tmpl.SafetySettings = []any{}
	}
	if tmpl.GenerationConfig.StopSequences == nil {
		tmpl.GenerationConfig.StopSequences = []string{}
	}

	return tmpl, nil
}

// Frame renders the template as a JSON text frame payload.
func (t Template) Frame() ([]byte, error) {
	return json.Marshal(t)
}

// Store holds the current template and its rendered frame. It is safe for
// concurrent use.
type Store struct {
	current atomic.Pointer[stored]
}

type stored struct {
	tmpl  Template
	frame []byte
}

// NewStore creates a store holding tmpl.
func NewStore(tmpl Template) (*Store, error) {
	s := &Store{}
	if err := s.Set(tmpl); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the current template.
func (s *Store) Set(tmpl Template) error {
	frame, err := tmpl.Frame()
	if err != nil {
		return fmt.Errorf("failed to encode setup template: %w", err)
	}
	s.current.Store(&stored{tmpl: tmpl, frame: frame})
	return nil
}

// Template returns the current template.
func (s *Store) Template() Template {
	return s.current.Load().tmpl
}

// Frame returns the current rendered setup frame.
func (s *Store) Frame() []byte {
	return s.current.Load().frame
}
