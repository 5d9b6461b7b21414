// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/traylinx/fallbackd/internal/registry"
)

const maxHealthBody = 1 << 20

// HTTPChecker probes a provider by issuing GET against its health URL. A 2xx
// answer is healthy, 429 or a quota above the threshold is degraded, and
// anything else is a failed check.
type HTTPChecker struct {
	name       string
	url        string
	apiKey     string
	client     *http.Client
	degradedAt float64
}

// CheckerOption customizes an HTTPChecker.
type CheckerOption func(*HTTPChecker)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) CheckerOption {
	return func(h *HTTPChecker) {
		if c != nil {
			h.client = c
		}
	}
}

// WithBearer sends key as a bearer token.
func WithBearer(key string) CheckerOption { return func(h *HTTPChecker) { h.apiKey = key } }

// WithQuotaThreshold sets the quota ratio reported as degraded. A
// non-positive ratio keeps the default.
func WithQuotaThreshold(ratio float64) CheckerOption {
	return func(h *HTTPChecker) {
		if ratio > 0 {
			h.degradedAt = ratio
		}
	}
}

// NewHTTPChecker creates a checker reporting for provider name.
func NewHTTPChecker(name, url string, opts ...CheckerOption) *HTTPChecker {
	h := &HTTPChecker{
		name:       name,
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		degradedAt: 0.95,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Checker.
func (h *HTTPChecker) Name() string { return h.name }

// Check implements Checker.
func (h *HTTPChecker) Check(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return nil, fmt.Errorf("read health response: %w", err)
	}

	status := &HealthStatus{
		Provider:     h.name,
		Status:       StatusHealthy,
		LastCheck:    time.Now(),
		ResponseTime: time.Since(start),
	}
	quota := QuotaFromHeaders(resp.Header)
	status.QuotaUsed, status.QuotaLimit = quota.Used, quota.Limit

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		status.Status = StatusDegraded
		status.ErrorMessage = "rate limited"
		return status, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		switch {
		case doc.Get("data").IsArray():
			status.ModelsCount = int(doc.Get("data.#").Int())
		case doc.Get("models").IsArray():
			status.ModelsCount = int(doc.Get("models.#").Int())
		}
	}
	if h.degradedAt > 0 && quota.Ratio() >= h.degradedAt {
		status.Status = StatusDegraded
		status.ErrorMessage = fmt.Sprintf("quota %.0f%% used", quota.Ratio()*100)
	}
	return status, nil
}

// CheckersFor builds an HTTPChecker for every registered provider that has
// a health URL.
func CheckersFor(reg *registry.Registry, opts ...CheckerOption) []Checker {
	var out []Checker
	for _, p := range reg.List() {
		if p.HealthURL == "" {
			continue
		}
		o := append([]CheckerOption{WithBearer(p.APIKey)}, opts...)
		out = append(out, NewHTTPChecker(p.ID, p.HealthURL, o...))
	}
	return out
}
