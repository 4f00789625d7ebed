// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
	"github.com/AleutianAI/chatstream/services/llm/tokenizer"
)

// Default models per endpoint.
const (
	DefaultChatModel       = "gpt-3.5-turbo"
	DefaultCompletionModel = "text-davinci-003"
	DefaultBaseURL         = "https://api.openai.com"
)

// Request body keys only the request builder may set.
var reservedKeys = map[string]struct{}{
	"messages": {},
	"prompt":   {},
	"n":        {},
	"stream":   {},
}

// =============================================================================
// Completion Parameters
// =============================================================================

// CompletionParams are the tunable knobs of a completion request.
//
// # Description
//
// Pointer fields distinguish "unset" from zero, so a per-call Temperature of
// 0 overrides the 0.8 default. Three layers merge, later wins: defaults,
// instance-level (Config.Params) and per-call (SendOptions.Params).
//
// Extra carries forward-compatible keys with no typed field. messages,
// prompt, n and stream are always dropped from Extra: the request builder
// computes them.
type CompletionParams struct {
	Model            string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      *float32       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float32       `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	PresencePenalty  *float32       `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float32       `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop             []string       `json:"stop,omitempty" yaml:"stop,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty" yaml:"logit_bias,omitempty"`
	User             string         `json:"user,omitempty" yaml:"user,omitempty"`
	Extra            map[string]any `json:"-" yaml:"extra,omitempty"`
}

// DefaultCompletionParams returns the built-in defaults for model.
// An empty model selects DefaultChatModel.
func DefaultCompletionParams(model string) CompletionParams {
	if model == "" {
		model = DefaultChatModel
	}
	return CompletionParams{
		Model:           model,
		Temperature:     ptr(float32(0.8)),
		TopP:            ptr(float32(1)),
		PresencePenalty: ptr(float32(1)),
	}
}

// Merge returns p overridden by every field set in o.
//
// Neither input is modified. Extra maps merge key by key.
func (p CompletionParams) Merge(o CompletionParams) CompletionParams {
	out := p
	if o.Model != "" {
		out.Model = o.Model
	}
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.TopP != nil {
		out.TopP = o.TopP
	}
	if o.PresencePenalty != nil {
		out.PresencePenalty = o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		out.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	if len(o.Stop) > 0 {
		out.Stop = append([]string(nil), o.Stop...)
	}
	if len(o.LogitBias) > 0 {
		out.LogitBias = maps.Clone(o.LogitBias)
	}
	if o.User != "" {
		out.User = o.User
	}

	extra := make(map[string]any, len(p.Extra)+len(o.Extra))
	maps.Copy(extra, p.Extra)
	maps.Copy(extra, o.Extra)
	for k := range extra {
		if _, reserved := reservedKeys[k]; reserved {
			delete(extra, k)
		}
	}
	out.Extra = nil
	if len(extra) > 0 {
		out.Extra = extra
	}
	return out
}

// body flattens the params into a JSON object. Typed fields win over Extra.
func (p CompletionParams) body() (map[string]any, error) {
	typed, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal completion params: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, fmt.Errorf("flatten completion params: %w", err)
	}

	body := make(map[string]any, len(p.Extra)+len(fields)+2)
	for k, v := range p.Extra {
		if _, reserved := reservedKeys[k]; !reserved {
			body[k] = v
		}
	}
	maps.Copy(body, fields)
	return body, nil
}

// =============================================================================
// Endpoint & Requests
// =============================================================================

// Endpoint identifies the completion service and its credentials.
type Endpoint struct {
	// BaseURL without the /v1 path, e.g. https://api.openai.com.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Organization is sent as OpenAI-Organization when set.
	Organization string
}

func (e Endpoint) url(path string) string {
	base := strings.TrimSuffix(e.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + path
}

func (e Endpoint) header() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+e.APIKey)
	if e.Organization != "" {
		h.Set("OpenAI-Organization", e.Organization)
	}
	return h
}

// ResolveStream decides the stream flag: an observer forces streaming,
// otherwise the caller's explicit choice, otherwise false.
func ResolveStream(hasObserver bool, explicit *bool) bool {
	if hasObserver {
		return true
	}
	if explicit != nil {
		return *explicit
	}
	return false
}

// BuildChatRequest produces a POST <base>/v1/chat/completions request.
//
// # Inputs
//
//   - ep: Service endpoint and credentials.
//   - params: Fully merged parameters.
//   - turns: Assembled context window.
//   - stream: Whether to request server-sent events.
//
// # Outputs
//
//   - TransportRequest: Method, URL, headers and JSON body.
//   - error: Non-nil if params cannot be encoded.
func BuildChatRequest(ep Endpoint, params CompletionParams, turns []datatypes.Turn, stream bool) (TransportRequest, error) {
	body, err := params.body()
	if err != nil {
		return TransportRequest{}, err
	}
	body["messages"] = turns
	body["stream"] = stream
	return encodeRequest(ep, "/v1/chat/completions", body)
}

// BuildCompletionRequest produces a POST <base>/v1/completions request.
//
// # Description
//
// The computed maxTokens always replaces any caller-set max_tokens, and
// stop defaults to the model family's end markers.
func BuildCompletionRequest(ep Endpoint, params CompletionParams, prompt string, maxTokens int, family tokenizer.Family, stream bool) (TransportRequest, error) {
	body, err := params.body()
	if err != nil {
		return TransportRequest{}, err
	}
	body["prompt"] = prompt
	body["max_tokens"] = maxTokens
	body["stream"] = stream
	if len(params.Stop) == 0 {
		if stop := family.DefaultStop(); len(stop) > 0 {
			body["stop"] = stop
		}
	}
	return encodeRequest(ep, "/v1/completions", body)
}

func encodeRequest(ep Endpoint, path string, body map[string]any) (TransportRequest, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return TransportRequest{}, fmt.Errorf("marshal request body: %w", err)
	}
	return TransportRequest{
		Method: http.MethodPost,
		URL:    ep.url(path),
		Header: ep.header(),
		Body:   data,
	}, nil
}

func ptr[T any](v T) *T {
	return &v
}
