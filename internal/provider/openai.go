// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/registry"
)

// OpenAICompatible calls a /chat/completions endpoint.
type OpenAICompatible struct {
	id      string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAICompatible creates an adapter for p. A nil client uses a client
// without its own timeout; deadlines come from the request context.
func NewOpenAICompatible(p registry.Provider, client *http.Client) *OpenAICompatible {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAICompatible{
		id:      p.ID,
		baseURL: strings.TrimSuffix(p.BaseURL, "/"),
		apiKey:  p.APIKey,
		model:   p.Model,
		client:  client,
	}
}

// Identifier implements Adapter.
func (a *OpenAICompatible) Identifier() string { return a.id }

// Execute implements Adapter.
func (a *OpenAICompatible) Execute(ctx context.Context, req Request) (*Response, error) {
	if a.baseURL == "" {
		return nil, faults.Unavailable(a.id, true, errors.New("missing base url"))
	}

	body := bytes.Clone(req.Payload)
	model := req.Model
	if model == "" {
		model = a.model
	}
	var err error
	if model != "" {
		if body, err = sjson.SetBytes(body, "model", model); err != nil {
			return nil, faults.Invalid("payload", err.Error())
		}
	}
	body, _ = sjson.SetBytes(body, "stream", false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Invalid("base-url", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, a.id, err)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("openai adapter %s: close response body error: %v", a.id, errClose)
		}
	}()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, a.id, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		log.Debugf("openai adapter %s: status %d", a.id, httpResp.StatusCode)
		return nil, classifyStatus(a.id, httpResp.StatusCode, raw)
	}

	return parseChatCompletion(a.id, raw, time.Since(start))
}

func parseChatCompletion(id string, raw []byte, took time.Duration) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, faults.Malformed(id, errors.New("response is not valid json"))
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() || strings.TrimSpace(content.String()) == "" {
		return nil, faults.Malformed(id, errors.New("response has no message content"))
	}
	return &Response{
		Provider: id,
		Content:  content.String(),
		Raw:      raw,
		Usage: Usage{
			PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
		},
		Duration: took,
	}, nil
}
