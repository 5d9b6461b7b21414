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

const defaultOllamaURL = "http://localhost:11434"

// Ollama talks to a local Ollama daemon through /api/chat.
type Ollama struct {
	id      string
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama adapter for p.
func NewOllama(p registry.Provider, client *http.Client) *Ollama {
	baseURL := strings.TrimSuffix(p.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Ollama{id: p.ID, baseURL: baseURL, model: p.Model, client: client}
}

// Identifier implements Adapter.
func (o *Ollama) Identifier() string { return o.id }

// Execute converts the OpenAI-format payload to an Ollama chat request.
func (o *Ollama) Execute(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		model = gjson.GetBytes(req.Payload, "model").String()
	}

	body := []byte(`{"stream":false}`)
	body, _ = sjson.SetBytes(body, "model", model)
	if msgs := gjson.GetBytes(req.Payload, "messages"); msgs.IsArray() {
		body, _ = sjson.SetRawBytes(body, "messages", []byte(msgs.Raw))
	} else {
		return nil, faults.Invalid("payload.messages", "must be an array")
	}
	if temp := gjson.GetBytes(req.Payload, "temperature"); temp.Exists() && temp.Float() > 0 {
		body, _ = sjson.SetBytes(body, "options.temperature", temp.Float())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Invalid("base-url", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, o.id, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, o.id, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(o.id, httpResp.StatusCode, raw)
	}

	content := gjson.GetBytes(raw, "message.content").String()
	if strings.TrimSpace(content) == "" {
		return nil, faults.Malformed(o.id, errors.New("response has no message content"))
	}
	log.Debugf("ollama adapter %s: model=%s content_len=%d", o.id, model, len(content))

	return &Response{
		Provider: o.id,
		Content:  content,
		Raw:      raw,
		Usage: Usage{
			PromptTokens:     int(gjson.GetBytes(raw, "prompt_eval_count").Int()),
			CompletionTokens: int(gjson.GetBytes(raw, "eval_count").Int()),
		},
		Duration: time.Since(start),
	}, nil
}
