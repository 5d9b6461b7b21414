// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package heartbeat

import (
	"net/http"
	"strconv"
)

// Quota is the request quota reported by a provider's rate-limit headers.
type Quota struct {
	Used  float64
	Limit float64
	Found bool
}

// Ratio is Used/Limit, or 0 when no limit is known.
func (q Quota) Ratio() float64 {
	if !q.Found || q.Limit <= 0 {
		return 0
	}
	return q.Used / q.Limit
}

var quotaHeaders = []struct{ limit, remaining string }{
	{"x-ratelimit-limit-requests", "x-ratelimit-remaining-requests"},
	{"anthropic-ratelimit-requests-limit", "anthropic-ratelimit-requests-remaining"},
}

// QuotaFromHeaders reads OpenAI or Anthropic style request quota headers.
func QuotaFromHeaders(h http.Header) Quota {
	for _, pair := range quotaHeaders {
		limitStr, remainingStr := h.Get(pair.limit), h.Get(pair.remaining)
		if limitStr == "" || remainingStr == "" {
			continue
		}
		limit, err1 := strconv.ParseFloat(limitStr, 64)
		remaining, err2 := strconv.ParseFloat(remainingStr, 64)
		if err1 != nil || err2 != nil || limit <= 0 {
			continue
		}
		return Quota{Used: limit - remaining, Limit: limit, Found: true}
	}
	return Quota{}
}
