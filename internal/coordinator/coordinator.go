// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coordinator runs a task through selection, fallback execution,
// evaluation and quality-gated retries, and exposes the research search path
// and a health report over the shared components.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/fallback"
	"github.com/traylinx/fallbackd/internal/heartbeat"
	"github.com/traylinx/fallbackd/internal/history"
	"github.com/traylinx/fallbackd/internal/provider"
	"github.com/traylinx/fallbackd/internal/quality"
	"github.com/traylinx/fallbackd/internal/registry"
	"github.com/traylinx/fallbackd/internal/retry"
	"github.com/traylinx/fallbackd/internal/search"
	"github.com/traylinx/fallbackd/internal/selector"
)

// subtaskSeparator joins the outputs of decomposed subtasks.
const subtaskSeparator = "\n\n"

// Task is one logical request.
type Task struct {
	// SessionID groups the task's attempts. A random id is assigned when empty.
	SessionID    string                `json:"session_id"`
	TaskType     string                `json:"task_type"`
	Strategy     selector.Strategy     `json:"strategy"`
	Requirements selector.Requirements `json:"requirements"`
	// Payload is an OpenAI-format chat request or an object with a "prompt" field.
	Payload []byte `json:"-"`
}

// Attempt summarizes one evaluated execution of a task.
type Attempt struct {
	Number   int            `json:"number"`
	Provider string         `json:"provider"`
	Strategy retry.Strategy `json:"strategy,omitempty"`
	Output   string         `json:"output"`
	Score    float64        `json:"score"`
	Duration time.Duration  `json:"duration"`
}

// Outcome is the result of a finished task.
type Outcome struct {
	SessionID  string         `json:"session_id"`
	Provider   string         `json:"provider"`
	Output     string         `json:"output"`
	Evaluation quality.Result `json:"evaluation"`
	// Reason is why no further retry was made.
	Reason        string                `json:"reason"`
	Attempts      []Attempt             `json:"attempts"`
	Effectiveness history.Effectiveness `json:"effectiveness"`
}

// MaxRetriesExceededError is returned when the retry ceiling is reached and
// the last output is still unacceptable. Best is the highest scoring attempt.
type MaxRetriesExceededError struct {
	SessionID string
	Retries   int
	Best      Attempt
	Attempts  []Attempt
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("session %s: max retries (%d) exceeded, best score %.2f from %s",
		e.SessionID, e.Retries, e.Best.Score, e.Best.Provider)
}

// Components are the collaborators a Coordinator drives. All fields except
// Breakers are required.
type Components struct {
	Registry  *registry.Registry
	Selector  *selector.Selector
	Executor  *fallback.Executor
	Evaluator quality.Evaluator
	Retry     *retry.Engine
	History   history.Store
	Breakers  *breaker.Registry
}

// Coordinator is safe for concurrent use; concurrent tasks must use distinct
// session ids to keep their retries sequential.
type Coordinator struct {
	Components

	search      *search.Engine
	monitor     *heartbeat.Monitor
	maxCost     float64
	keepHistory bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSearch enables the research entry point.
func WithSearch(e *search.Engine) Option { return func(c *Coordinator) { c.search = e } }

// WithMonitor adds health monitor statistics to the health report.
func WithMonitor(m *heartbeat.Monitor) Option { return func(c *Coordinator) { c.monitor = m } }

// WithMaxCost excludes providers whose estimated cost for a payload exceeds
// budget. A non-positive budget disables the filter.
func WithMaxCost(budget float64) Option { return func(c *Coordinator) { c.maxCost = budget } }

// WithKeepHistory leaves finished sessions in the history store instead of
// clearing them.
func WithKeepHistory() Option { return func(c *Coordinator) { c.keepHistory = true } }

// New validates comp and builds a Coordinator.
func New(comp Components, opts ...Option) (*Coordinator, error) {
	switch {
	case comp.Registry == nil:
		return nil, faults.Invalid("coordinator.registry", "is required")
	case comp.Selector == nil:
		return nil, faults.Invalid("coordinator.selector", "is required")
	case comp.Executor == nil:
		return nil, faults.Invalid("coordinator.executor", "is required")
	case comp.Evaluator == nil:
		return nil, faults.Invalid("coordinator.evaluator", "is required")
	case comp.Retry == nil:
		return nil, faults.Invalid("coordinator.retry", "is required")
	case comp.History == nil:
		return nil, faults.Invalid("coordinator.history", "is required")
	}
	c := &Coordinator{Components: comp}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes task until its output is acceptable or the retry ceiling is
// reached. Validation, selection and exhaustion errors end the run
// immediately; each retry is decided only after the previous attempt has
// been evaluated and recorded.
func (c *Coordinator) Run(ctx context.Context, task Task) (*Outcome, error) {
	prompt, _, err := retry.PromptOf(task.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := selector.ParseStrategy(string(task.Strategy)); err != nil {
		return nil, err
	}
	if task.SessionID == "" {
		task.SessionID = uuid.NewString()
	}
	if !c.keepHistory {
		defer c.clear(ctx, task.SessionID)
	}

	fields := log.Fields{"session_id": task.SessionID, "task_type": task.TaskType}
	state := retry.Context{SessionID: task.SessionID, Payload: task.Payload}
	var attempts []Attempt

	for number := 1; ; number++ {
		start := time.Now()
		providerID, output, err := c.execute(ctx, task, state)
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("coordinator: attempt failed")
			return nil, err
		}

		eval, err := c.Evaluator.Evaluate(ctx, prompt, output)
		if err != nil {
			return nil, fmt.Errorf("evaluate attempt %d: %w", number, err)
		}
		a := Attempt{
			Number:   number,
			Provider: providerID,
			Output:   output,
			Score:    eval.Score,
			Duration: time.Since(start),
		}
		if state.RetryInfo != nil {
			a.Strategy = state.RetryInfo.Strategy
		}
		attempts = append(attempts, a)
		if err := c.recordEvaluation(ctx, task.SessionID, a, c.acceptable(eval)); err != nil {
			return nil, err
		}

		d, err := c.Retry.ShouldRetry(ctx, eval, task.SessionID)
		if err != nil {
			return nil, err
		}
		if !d.Retry {
			return c.finish(ctx, task.SessionID, attempts, eval, d)
		}

		// every retry transforms the original request, not the previous rewrite
		next, err := c.Retry.ApplyStrategy(d, eval, retry.Context{
			SessionID: task.SessionID,
			Payload:   task.Payload,
			Provider:  providerID,
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(fields).WithFields(log.Fields{
			"attempt":  number,
			"strategy": d.Strategy,
			"delay_ms": d.Delay.Milliseconds(),
		}).Info("coordinator: retrying")
		if err := retry.Wait(ctx, d.Delay); err != nil {
			return nil, err
		}
		state = next
	}
}

func (c *Coordinator) finish(ctx context.Context, sessionID string, attempts []Attempt, eval quality.Result, d retry.Decision) (*Outcome, error) {
	last := attempts[len(attempts)-1]
	if d.Reason == retry.ReasonMaxRetries && !c.acceptable(eval) {
		best := attempts[0]
		for _, a := range attempts[1:] {
			if a.Score > best.Score {
				best = a
			}
		}
		log.WithFields(log.Fields{
			"session_id": sessionID,
			"best_score": best.Score,
			"provider":   best.Provider,
		}).Warn("coordinator: retries exhausted")
		return nil, &MaxRetriesExceededError{
			SessionID: sessionID,
			Retries:   len(attempts) - 1,
			Best:      best,
			Attempts:  attempts,
		}
	}

	eff, err := history.SessionEffectiveness(ctx, c.History, sessionID)
	if err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("coordinator: effectiveness unavailable")
	}
	log.WithFields(log.Fields{
		"session_id": sessionID,
		"provider":   last.Provider,
		"score":      eval.Score,
		"attempts":   len(attempts),
		"reason":     d.Reason,
	}).Info("coordinator: task finished")
	return &Outcome{
		SessionID:     sessionID,
		Provider:      last.Provider,
		Output:        last.Output,
		Evaluation:    eval,
		Reason:        d.Reason,
		Attempts:      attempts,
		Effectiveness: eff,
	}, nil
}

// acceptable mirrors the retry engine's quality gate.
func (c *Coordinator) acceptable(eval quality.Result) bool {
	return !eval.Retry || eval.Score >= c.Retry.Config().ScoreThreshold
}

// execute runs one attempt. Decomposed subtasks run in order through the
// executor and their outputs are joined.
func (c *Coordinator) execute(ctx context.Context, task Task, state retry.Context) (string, string, error) {
	if len(state.Subtasks) == 0 {
		res, err := c.call(ctx, task, state, state.Payload)
		if err != nil {
			return "", "", err
		}
		return res.Provider, res.Response.Content, nil
	}

	outputs := make([]string, 0, len(state.Subtasks))
	var last string
	for _, st := range state.Subtasks {
		res, err := c.call(ctx, task, state, st.Payload)
		if err != nil {
			return "", "", fmt.Errorf("subtask %d of %d: %w", st.Index+1, len(state.Subtasks), err)
		}
		outputs = append(outputs, res.Response.Content)
		last = res.Provider
	}
	return last, strings.Join(outputs, subtaskSeparator), nil
}

func (c *Coordinator) call(ctx context.Context, task Task, state retry.Context, payload []byte) (*fallback.Result, error) {
	candidates, err := c.candidates(task, state, payload)
	if err != nil {
		return nil, err
	}
	return c.Executor.Execute(ctx, candidates, provider.Request{
		Payload:   payload,
		SessionID: task.SessionID,
	})
}

// candidates returns the ordered providers for payload. A pinned provider
// goes first and the normal selection follows it. A pin that violates the
// task's exclusions, quality floor or privacy requirement is moved along the
// rotation to the next permitted provider, or dropped.
func (c *Coordinator) candidates(task Task, state retry.Context, payload []byte) ([]string, error) {
	req := task.Requirements
	req.Exclude = append(append([]string(nil), req.Exclude...),
		selector.OverBudget(payload, c.Registry.Available(), c.maxCost)...)
	if req.PromptLength == 0 {
		if prompt, _, err := retry.PromptOf(payload); err == nil {
			req.PromptLength = len(prompt)
		}
	}

	selected, err := c.Selector.Select(task.TaskType, task.Strategy, req)
	pinned := c.permittedPin(state, req)
	if pinned == "" {
		return selected, err
	}
	out := []string{pinned}
	for _, id := range selected {
		if id != pinned {
			out = append(out, id)
		}
	}
	return out, nil
}

// permittedPin returns the provider the retry should be pinned to, or "".
func (c *Coordinator) permittedPin(state retry.Context, req selector.Requirements) string {
	pinned := state.PinnedProvider
	if pinned == "" || c.permitted(pinned, req) {
		return pinned
	}

	rot := c.Retry.Config().Rotation
	start := -1
	for i, id := range rot {
		if id == pinned {
			start = i
			break
		}
	}
	for j := 1; start >= 0 && j < len(rot); j++ {
		id := rot[(start+j)%len(rot)]
		if id != pinned && id != state.Provider && c.permitted(id, req) {
			log.WithFields(log.Fields{
				"session_id": state.SessionID,
				"pinned":     pinned,
				"provider":   id,
			}).Info("coordinator: pinned provider violates requirements, moving along rotation")
			return id
		}
	}
	log.WithFields(log.Fields{
		"session_id": state.SessionID,
		"pinned":     pinned,
	}).Info("coordinator: pinned provider violates requirements, using normal selection")
	return ""
}

// permitted reports whether id satisfies the caller's hard constraints.
func (c *Coordinator) permitted(id string, req selector.Requirements) bool {
	p, ok := c.Registry.Get(id)
	if !ok {
		return false
	}
	for _, ex := range req.Exclude {
		if ex == id {
			return false
		}
	}
	if p.QualityTier < req.MinQualityTier {
		return false
	}
	return !req.RequiresPrivacy || p.IsLocal()
}

func (c *Coordinator) recordEvaluation(ctx context.Context, sessionID string, a Attempt, ok bool) error {
	err := c.History.Append(ctx, history.Attempt{
		SessionID:     sessionID,
		Kind:          history.KindEvaluation,
		AttemptNumber: a.Number,
		Strategy:      string(a.Strategy),
		Provider:      a.Provider,
		Score:         a.Score,
		Success:       ok,
	})
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

func (c *Coordinator) clear(ctx context.Context, sessionID string) {
	if err := c.History.Clear(context.WithoutCancel(ctx), sessionID); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("coordinator: failed to clear session history")
	}
}

// Search answers a research query through the search engine.
func (c *Coordinator) Search(ctx context.Context, query string, opts search.Options) (*search.Result, error) {
	if c.search == nil {
		return nil, faults.Invalid("search", "no search engine configured")
	}
	return c.search.Search(ctx, query, opts)
}
