// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/quality"
)

// Info describes the retry a Context was prepared for.
type Info struct {
	Count         int      `json:"count"`
	Strategy      Strategy `json:"strategy"`
	Reason        string   `json:"reason"`
	PreviousScore float64  `json:"previous_score"`
}

// Subtask is one ordered piece of a decomposed task.
type Subtask struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Payload     []byte `json:"-"`
}

// Context is the state of a task between attempts.
type Context struct {
	SessionID string
	// Payload is an OpenAI-format chat request, or an object with a "prompt" field.
	Payload []byte
	// Provider is the provider that produced the evaluated output.
	Provider  string
	RetryInfo *Info
	// Subtasks is set by the decomposed strategy.
	Subtasks []Subtask
	// PinnedProvider is set by the alternative strategy and bypasses
	// normal selection for one attempt.
	PinnedProvider string
}

// ApplyStrategy returns a new Context prepared for the retry described by d.
// The input Context and its payload are never modified.
func (e *Engine) ApplyStrategy(d Decision, eval quality.Result, in Context) (Context, error) {
	out := Context{
		SessionID: in.SessionID,
		Payload:   append([]byte(nil), in.Payload...),
		Provider:  in.Provider,
		RetryInfo: &Info{
			Count:         d.Attempt,
			Strategy:      d.Strategy,
			Reason:        d.Reason,
			PreviousScore: d.PreviousScore,
		},
	}

	switch d.Strategy {
	case StrategyEnhanced:
		prompt, path, err := PromptOf(out.Payload)
		if err != nil {
			return Context{}, err
		}
		out.Payload, err = sjson.SetBytes(out.Payload, path, prompt+"\n\n"+feedbackBlock(eval))
		if err != nil {
			return Context{}, fmt.Errorf("retry: rewrite prompt: %w", err)
		}

	case StrategyDecomposed:
		prompt, path, err := PromptOf(out.Payload)
		if err != nil {
			return Context{}, err
		}
		parts := splitTask(prompt)
		for i, part := range parts {
			text := fmt.Sprintf("Step %d of %d of the task %q:\n%s", i+1, len(parts), prompt, part)
			payload, err := sjson.SetBytes(append([]byte(nil), out.Payload...), path, text)
			if err != nil {
				return Context{}, fmt.Errorf("retry: build subtask: %w", err)
			}
			out.Subtasks = append(out.Subtasks, Subtask{Index: i, Description: part, Payload: payload})
		}

	case StrategyAlternative:
		next, ok := e.nextProvider(in.Provider)
		if !ok {
			log.WithFields(log.Fields{
				"session_id": in.SessionID,
				"provider":   in.Provider,
			}).Warn("retry: no alternative provider in rotation, resubmitting unchanged")
			break
		}
		out.PinnedProvider = next
		// the alternate provider supplies its own model
		out.Payload, _ = sjson.DeleteBytes(out.Payload, "model")

	case StrategySimple:

	default:
		return Context{}, faults.Invalid("retry.strategy", "unknown strategy "+string(d.Strategy))
	}
	return out, nil
}

// nextProvider returns the rotation entry after current, wrapping around.
// An unknown current starts from the first entry that differs from it.
func (e *Engine) nextProvider(current string) (string, bool) {
	rot := e.cfg.Rotation
	for i, id := range rot {
		if id == current {
			for j := 1; j < len(rot); j++ {
				if cand := rot[(i+j)%len(rot)]; cand != current {
					return cand, true
				}
			}
			return "", false
		}
	}
	for _, id := range rot {
		if id != current {
			return id, true
		}
	}
	return "", false
}

// PromptOf returns the prompt text of payload and the sjson path it lives
// at: the last user message of a chat request, or the "prompt" field.
func PromptOf(payload []byte) (string, string, error) {
	if !gjson.ValidBytes(payload) {
		return "", "", faults.Invalid("payload", "not valid JSON")
	}
	doc := gjson.ParseBytes(payload)

	last := -1
	doc.Get("messages").ForEach(func(k, m gjson.Result) bool {
		if m.Get("role").String() == "user" {
			last = int(k.Int())
		}
		return true
	})
	if last >= 0 {
		path := fmt.Sprintf("messages.%d.content", last)
		content := doc.Get(path)
		if content.IsArray() {
			idx := -1
			content.ForEach(func(k, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					idx = int(k.Int())
					return false
				}
				return true
			})
			if idx < 0 {
				return "", "", faults.Invalid("payload.messages", "user message has no text part")
			}
			textPath := fmt.Sprintf("%s.%d.text", path, idx)
			return doc.Get(textPath).String(), textPath, nil
		}
		return content.String(), path, nil
	}
	if p := doc.Get("prompt"); p.Exists() {
		return p.String(), "prompt", nil
	}
	return "", "", faults.Invalid("payload", "no user message or prompt field")
}

func feedbackBlock(eval quality.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your previous answer scored %.2f and needs improvement.", eval.Score)
	if len(eval.Feedback.Improvements) == 0 && len(eval.Feedback.Recommendations) == 0 {
		sb.WriteString(" Provide a more complete and accurate answer.")
		return sb.String()
	}
	if len(eval.Feedback.Improvements) > 0 {
		sb.WriteString("\nImprovements:")
		for _, s := range eval.Feedback.Improvements {
			sb.WriteString("\n- ")
			sb.WriteString(s)
		}
	}
	if len(eval.Feedback.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:")
		for _, s := range eval.Feedback.Recommendations {
			sb.WriteString("\n- ")
			sb.WriteString(s)
		}
	}
	return sb.String()
}

var (
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	sentence   = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// splitTask breaks a prompt into ordered subtasks: one per list item or
// line, else one per sentence, else a fixed three-phase plan.
func splitTask(prompt string) []string {
	var lines []string
	for _, l := range strings.Split(prompt, "\n") {
		l = strings.TrimSpace(listMarker.ReplaceAllString(l, ""))
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) >= 2 {
		return lines
	}

	var sentences []string
	for _, s := range sentence.FindAllString(prompt, -1) {
		if s = strings.TrimSpace(s); len(s) > 3 {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) >= 2 {
		return sentences
	}

	return []string{
		"Identify the key parts that a complete answer must cover.",
		"Work through each part in detail.",
		"Combine the parts into one complete final answer.",
	}
}
