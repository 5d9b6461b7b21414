// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package quality

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// SignalType categorizes a detected quality issue.
type SignalType string

const (
	SignalAbruptEnding   SignalType = "abrupt_ending"
	SignalIncompleteCode SignalType = "incomplete_code"
	SignalTruncated      SignalType = "truncated"
	SignalRepetitive     SignalType = "repetitive"
	SignalRefusal        SignalType = "refusal"
	SignalTooShort       SignalType = "too_short"
	SignalOffTopic       SignalType = "off_topic"
)

// Signal is one detected quality issue.
type Signal struct {
	Type SignalType `json:"type"`
	// Severity is in [0,1].
	Severity    float64 `json:"severity"`
	Description string  `json:"description"`
}

// criterionOf assigns each signal to the criterion it penalizes.
var criterionOf = map[SignalType]string{
	SignalAbruptEnding:   CriterionCompleteness,
	SignalIncompleteCode: CriterionCompleteness,
	SignalTruncated:      CriterionCompleteness,
	SignalTooShort:       CriterionCompleteness,
	SignalRepetitive:     CriterionCorrectness,
	SignalRefusal:        CriterionCorrectness,
	SignalOffTopic:       CriterionRelevance,
}

var improvementFor = map[SignalType]string{
	SignalAbruptEnding:   "Finish every sentence and section; the previous answer stopped mid-thought.",
	SignalIncompleteCode: "Close every code block and include complete, runnable code.",
	SignalTruncated:      "Keep the answer within the length limit so it is not truncated.",
	SignalRepetitive:     "Remove repeated sentences and cover new points instead.",
	SignalRefusal:        "Answer the request directly instead of declining.",
	SignalTooShort:       "Provide more detail and cover all relevant aspects.",
	SignalOffTopic:       "Address the specific terms of the request.",
}

// SignalDetector finds quality issues in a response with pattern heuristics.
type SignalDetector struct {
	abruptEnding   []*regexp.Regexp
	truncation     []*regexp.Regexp
	refusal        []*regexp.Regexp
	incompleteCode []*regexp.Regexp
	codeFence      *regexp.Regexp

	// RepetitionThreshold is how many times a sentence may appear before it counts as repetition.
	RepetitionThreshold int
	MinLength           int
}

// NewSignalDetector creates a detector with the default patterns.
func NewSignalDetector() *SignalDetector {
	return &SignalDetector{
		abruptEnding: []*regexp.Regexp{
			regexp.MustCompile(`\.\.\.$`),
			regexp.MustCompile(`(?i)\b(?:and|but|or|so|then)\s*$`),
			regexp.MustCompile(`(?i)\b(?:the|a|an|this|that)\s*$`),
			regexp.MustCompile(`(?i)\b(?:to|for|with|from|in)\s*$`),
			regexp.MustCompile(`(?i)\b(?:is|are|was|were|be)\s*$`),
			regexp.MustCompile(`(?i)\b(?:can|will|would|should)\s*$`),
		},
		truncation: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\[(?:truncated|cut off|continued)\]`),
			regexp.MustCompile(`(?i)(?:output|response) (?:truncated|limit)`),
			regexp.MustCompile(`(?i)(?:maximum|max) (?:length|tokens?) (?:reached|exceeded)`),
		},
		refusal: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^I (?:cannot|can't|am unable to|won't|will not)`),
			regexp.MustCompile(`(?i)^(?:Sorry|I'm sorry|I apologize),? (?:but )?I (?:cannot|can't)`),
			regexp.MustCompile(`(?i)^As an AI,? I (?:cannot|can't|am unable to)`),
		},
		incompleteCode: []*regexp.Regexp{
			regexp.MustCompile(`(?m)\{\s*$`),
			regexp.MustCompile(`(?m)^\s*//\s*\.\.\.\s*$`),
		},
		codeFence:           regexp.MustCompile("```"),
		RepetitionThreshold: 3,
		MinLength:           50,
	}
}

// Detect returns every signal found in response.
func (d *SignalDetector) Detect(response string) []Signal {
	text := strings.TrimSpace(response)
	var signals []Signal

	if len(text) < d.MinLength {
		signals = append(signals, Signal{SignalTooShort, 0.8, "response is too short"})
	}
	if matchAny(d.refusal, text) {
		signals = append(signals, Signal{SignalRefusal, 0.9, "model declined the request"})
	}
	if text != "" && d.endsAbruptly(text) {
		signals = append(signals, Signal{SignalAbruptEnding, 0.7, "response ends abruptly"})
	}
	if matchAny(d.truncation, text) {
		signals = append(signals, Signal{SignalTruncated, 0.85, "response reports truncation"})
	}
	if s, ok := d.incomplete(text); ok {
		signals = append(signals, s)
	}
	if d.repetitive(text) {
		signals = append(signals, Signal{SignalRepetitive, 0.6, "response repeats itself"})
	}
	return signals
}

func (d *SignalDetector) endsAbruptly(text string) bool {
	// inside an open code fence the code check owns the verdict
	if len(d.codeFence.FindAllStringIndex(text, -1))%2 != 0 {
		return false
	}
	tail := text
	if len(tail) > 100 {
		tail = tail[len(tail)-100:]
	}
	return matchAny(d.abruptEnding, tail)
}

func (d *SignalDetector) incomplete(text string) (Signal, bool) {
	fences := d.codeFence.FindAllStringIndex(text, -1)
	if len(fences)%2 != 0 {
		return Signal{SignalIncompleteCode, 0.8, "code block is not closed"}, true
	}
	if len(fences) == 0 {
		return Signal{}, false
	}
	last := fences[len(fences)-2]
	code := text[last[1]:fences[len(fences)-1][0]]
	if matchAny(d.incompleteCode, strings.TrimRight(code, " \n")) {
		return Signal{SignalIncompleteCode, 0.6, "code appears incomplete"}, true
	}
	return Signal{}, false
}

func (d *SignalDetector) repetitive(text string) bool {
	sentences := strings.Split(text, ".")
	if len(sentences) < d.RepetitionThreshold*2 {
		return false
	}
	counts := make(map[string]int)
	for _, s := range sentences {
		n := strings.TrimSpace(strings.ToLower(s))
		if len(n) <= 20 {
			continue
		}
		counts[n]++
		if counts[n] >= d.RepetitionThreshold {
			return true
		}
	}
	return false
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// OverallQuality is 1 minus the summed severities, floored at 0.
func OverallQuality(signals []Signal) float64 {
	penalty := 0.0
	for _, s := range signals {
		penalty += s.Severity
	}
	if penalty > 1 {
		penalty = 1
	}
	return 1 - penalty
}

// HasCritical reports whether any signal alone warrants a retry.
func HasCritical(signals []Signal) bool {
	for _, s := range signals {
		if s.Severity >= 0.8 {
			return true
		}
		switch s.Type {
		case SignalRefusal, SignalTruncated, SignalIncompleteCode:
			return true
		}
	}
	return false
}

// SignalEvaluator is a heuristic Evaluator. Each criterion starts at 1 and
// loses the severity of the signals assigned to it; the overall score blends
// signal quality with prompt term coverage.
type SignalEvaluator struct {
	Detector *SignalDetector
	// RetryBelow is the score under which Retry is recommended.
	RetryBelow float64
}

// NewSignalEvaluator creates an evaluator recommending retries below 0.6.
func NewSignalEvaluator() *SignalEvaluator {
	return &SignalEvaluator{Detector: NewSignalDetector(), RetryBelow: 0.6}
}

// Evaluate implements Evaluator.
func (e *SignalEvaluator) Evaluate(ctx context.Context, prompt, output string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	signals := e.Detector.Detect(output)

	coverage, hasTerms := termCoverage(prompt, output)
	if hasTerms && coverage < 0.3 {
		signals = append(signals, Signal{SignalOffTopic, 0.5, fmt.Sprintf("covers %.0f%% of the request terms", coverage*100)})
	}

	evals := map[string]Criterion{
		CriterionCompleteness: {Score: 1},
		CriterionCorrectness:  {Score: 1},
		CriterionRelevance:    {Score: 1},
	}
	if hasTerms {
		evals[CriterionRelevance] = Criterion{Score: coverage}
	}
	var fb Feedback
	for _, s := range signals {
		name := criterionOf[s.Type]
		c := evals[name]
		if s.Type != SignalOffTopic {
			c.Score -= s.Severity
			if c.Score < 0 {
				c.Score = 0
			}
		}
		if c.Reason == "" {
			c.Reason = s.Description
		} else {
			c.Reason += "; " + s.Description
		}
		evals[name] = c
		fb.Improvements = append(fb.Improvements, improvementFor[s.Type])
	}

	score := OverallQuality(signals)
	if hasTerms {
		score = 0.8*score + 0.2*coverage
	}
	for _, name := range (Result{Evaluations: evals}).WeakCriteria(0.6) {
		fb.Recommendations = append(fb.Recommendations, fmt.Sprintf("Strengthen %s (scored %.2f).", name, evals[name].Score))
	}

	return Result{
		Score:       score,
		Retry:       score < e.RetryBelow || HasCritical(signals),
		Evaluations: evals,
		Feedback:    fb,
	}, nil
}

// termCoverage is the share of distinct prompt terms longer than three
// letters that appear in output.
func termCoverage(prompt, output string) (float64, bool) {
	terms := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 3 {
			terms[w] = true
		}
	}
	if len(terms) == 0 {
		return 1, false
	}
	lower := strings.ToLower(output)
	hit := 0
	for t := range terms {
		if strings.Contains(lower, t) {
			hit++
		}
	}
	return float64(hit) / float64(len(terms)), true
}
