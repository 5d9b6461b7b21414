// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the adapter boundary between the router and a
// concrete inference backend, plus HTTP adapters for OpenAI-compatible and
// Ollama endpoints.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/registry"
)

// Request is an OpenAI-format chat payload plus routing hints.
type Request struct {
	// Payload is the JSON request body. Adapters never mutate it.
	Payload []byte
	// Model overrides the provider's configured model when non-empty.
	Model string
	// SessionID correlates the call with a retry session.
	SessionID string
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a successful adapter result.
type Response struct {
	Provider string        `json:"provider"`
	Content  string        `json:"content"`
	Raw      []byte        `json:"-"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"duration"`
}

// Adapter executes a request against one backend. Implementations must honor
// ctx and report a per-call deadline as a faults.KindTimeout error.
type Adapter interface {
	Identifier() string
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to the Adapter interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (*Response, error)
}

// Identifier implements Adapter.
func (f Func) Identifier() string { return f.ID }

// Execute implements Adapter.
func (f Func) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := f.Fn(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, faults.Malformed(f.ID, errors.New("nil response"))
	}
	if resp.Provider == "" {
		resp.Provider = f.ID
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	return resp, nil
}

// New builds the adapter for p according to p.Kind.
func New(p registry.Provider, client *http.Client) (Adapter, error) {
	switch strings.ToLower(p.Kind) {
	case "", "openai", "openai-compatible":
		return NewOpenAICompatible(p, client), nil
	case "ollama":
		return NewOllama(p, client), nil
	default:
		return nil, faults.Invalid("provider.kind", fmt.Sprintf("unsupported kind %q for %s", p.Kind, p.ID))
	}
}

// classifyTransportError maps an http.Client error to the fault taxonomy.
func classifyTransportError(ctx context.Context, id string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return faults.Timeout(id, ctxErr)
		}
		return fmt.Errorf("provider %s: %w", id, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.Timeout(id, err)
	}
	return faults.Transient(id, err)
}

// classifyStatus maps a non-2xx HTTP status to the fault taxonomy.
func classifyStatus(id string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	err := fmt.Errorf("status %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return faults.Transient(id, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return faults.Unavailable(id, false, err)
	default:
		return faults.Malformed(id, err)
	}
}
