// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts the API key a client sends in its first frame.
package auth

import (
	"encoding/json"
)

// Payload is the decoded first frame. Exactly one of Raw or Structured is
// meaningful, as reported by IsRaw.
type Payload struct {
	raw        string
	structured *Structured
}

// Structured is a JSON object auth frame.
type Structured struct {
	APIKey      string `json:"api_key"`
	BearerToken string `json:"bearer_token"`
	ServiceURL  string `json:"service_url"`
}

// ParsePayload decodes the first frame. It never fails: anything that is
// not a JSON object is taken verbatim as the API key.
func ParsePayload(data []byte) Payload {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Payload{raw: string(data)}
	}

	return Payload{structured: &Structured{
		APIKey:      stringField(fields, "api_key"),
		BearerToken: stringField(fields, "bearer_token"),
		ServiceURL:  stringField(fields, "service_url"),
	}}
}

// stringField ignores non-string values.
func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

// IsRaw reports whether the frame was a bare key.
func (p Payload) IsRaw() bool {
	return p.structured == nil
}

// Raw returns the verbatim frame of a raw payload.
func (p Payload) Raw() string {
	return p.raw
}

// Structured returns the object of a structured payload, or nil.
func (p Payload) Structured() *Structured {
	return p.structured
}

// APIKey resolves the key. A bearer token takes precedence over api_key:
// when it is a JSON object its api_key field is used, otherwise the token
// itself is the key.
func (p Payload) APIKey() string {
	if p.structured == nil {
		return p.raw
	}

	s := p.structured
	if s.BearerToken == "" {
		return s.APIKey
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(s.BearerToken), &inner); err != nil || inner == nil {
		return s.BearerToken
	}
	return stringField(inner, "api_key")
}

// ServiceURL returns the override URL, empty for raw payloads.
func (p Payload) ServiceURL() string {
	if p.structured == nil {
		return ""
	}
	return p.structured.ServiceURL
}

// MaskKey hides all but the last four characters of key.
func MaskKey(key string) string {
	const visible = 4
	if len(key) <= visible {
		return "****"
	}
	return "****" + key[len(key)-visible:]
}
