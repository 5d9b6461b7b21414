// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package quality defines the evaluation contract consumed by the retry
// engine, and a heuristic evaluator built on response quality signals.
package quality

import (
	"context"
	"sort"
)

// Criterion names used by SignalEvaluator.
const (
	CriterionCompleteness = "completeness"
	CriterionCorrectness  = "correctness"
	CriterionRelevance    = "relevance"
)

// Criterion is one scored aspect of an output.
type Criterion struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Feedback carries improvement hints for a retry.
type Feedback struct {
	Improvements    []string `json:"improvements,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Result is an evaluation of one output.
type Result struct {
	// Score is the overall quality in [0,1].
	Score float64 `json:"score"`
	// Retry is the evaluator's own recommendation to re-run the task.
	Retry       bool                 `json:"retry"`
	Evaluations map[string]Criterion `json:"evaluations,omitempty"`
	Feedback    Feedback             `json:"feedback"`
}

// Criterion returns the score of a named criterion.
func (r Result) Criterion(name string) (float64, bool) {
	c, ok := r.Evaluations[name]
	return c.Score, ok
}

// Completeness returns the completeness score, or 1 when the evaluator did
// not report one.
func (r Result) Completeness() float64 {
	if s, ok := r.Criterion(CriterionCompleteness); ok {
		return s
	}
	return 1.0
}

// WeakCriteria lists criteria scoring below threshold, sorted by name.
func (r Result) WeakCriteria(threshold float64) []string {
	var out []string
	for name, c := range r.Evaluations {
		if c.Score < threshold {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Evaluator scores an output produced for prompt. Implementations should be
// stable for identical inputs.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt, output string) (Result, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, prompt, output string) (Result, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, prompt, output string) (Result, error) {
	return f(ctx, prompt, output)
}
