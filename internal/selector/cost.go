// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selector

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
	"github.com/traylinx/fallbackd/internal/registry"
)

// Cost is a pre-call cost estimate.
type Cost struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Tokens           int     `json:"tokens"`
	Cost             float64 `json:"cost"`
	Currency         string  `json:"currency"`
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func countTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	// Roughly four characters per token for English text.
	return (len(text) + 3) / 4
}

// promptText concatenates the message contents of an OpenAI-format payload,
// or returns the payload itself when it is not one.
func promptText(payload []byte) string {
	msgs := gjson.GetBytes(payload, "messages")
	if !msgs.IsArray() {
		if p := gjson.GetBytes(payload, "prompt"); p.Exists() {
			return p.String()
		}
		return string(payload)
	}
	var b strings.Builder
	msgs.ForEach(func(_, m gjson.Result) bool {
		b.WriteString(m.Get("content").String())
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

// EstimateCost estimates the token usage and price of sending payload to p.
// The completion size is the payload's max_tokens when set, otherwise it is
// assumed equal to the prompt size. It has no side effects.
func EstimateCost(payload []byte, p registry.Provider) Cost {
	prompt := countTokens(promptText(payload))
	completion := prompt
	if mt := gjson.GetBytes(payload, "max_tokens").Int(); mt > 0 {
		completion = int(mt)
	}

	currency := p.Pricing.Currency
	if currency == "" {
		currency = "USD"
	}
	return Cost{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Tokens:           prompt + completion,
		Cost:             float64(prompt)/1000*p.Pricing.InputPer1K + float64(completion)/1000*p.Pricing.OutputPer1K,
		Currency:         currency,
	}
}

// OverBudget returns the ids of providers whose estimated cost for payload
// exceeds budget. A non-positive budget excludes nothing.
func OverBudget(payload []byte, providers []registry.Provider, budget float64) []string {
	if budget <= 0 {
		return nil
	}
	var out []string
	for _, p := range providers {
		if EstimateCost(payload, p).Cost > budget {
			out = append(out, p.ID)
		}
	}
	return out
}
