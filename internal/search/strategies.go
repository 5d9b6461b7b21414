// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/provider"
)

// Func adapts a plain function to the Strategy interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, query string, opts Options) (*Finding, error)
}

// Name implements Strategy.
func (f Func) Name() string { return f.ID }

// Search implements Strategy.
func (f Func) Search(ctx context.Context, query string, opts Options) (*Finding, error) {
	return f.Fn(ctx, query, opts)
}

// IndexedAPIStrategy queries a JSON search API that returns an optional
// summary answer plus a result list, in the shape used by Tavily-style APIs.
type IndexedAPIStrategy struct {
	Endpoint string
	APIKey   string
	// AnswerPath and ResultsPath are gjson paths into the response.
	AnswerPath  string
	ResultsPath string
	MaxResults  int
	client      *http.Client
}

// NewIndexedAPIStrategy creates a strategy for endpoint.
func NewIndexedAPIStrategy(endpoint, apiKey string, client *http.Client) *IndexedAPIStrategy {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &IndexedAPIStrategy{
		Endpoint:    endpoint,
		APIKey:      apiKey,
		AnswerPath:  "answer",
		ResultsPath: "results",
		MaxResults:  5,
		client:      client,
	}
}

// Name implements Strategy.
func (s *IndexedAPIStrategy) Name() string { return "indexed_api" }

// Search implements Strategy. Without a summary answer the result snippets
// are joined to form one.
func (s *IndexedAPIStrategy) Search(ctx context.Context, query string, opts Options) (*Finding, error) {
	if s.Endpoint == "" {
		return nil, faults.Unavailable(s.Name(), true, errors.New("no endpoint configured"))
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "query", query)
	body, _ = sjson.SetBytes(body, "max_results", opts.Int("max_results", s.MaxResults))
	body, _ = sjson.SetBytes(body, "include_answer", true)
	if domain := opts.String("domain"); domain != "" {
		body, _ = sjson.SetBytes(body, "include_domains", []string{domain})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Invalid("search.indexed_api.endpoint", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, s.Name(), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, transportError(ctx, s.Name(), err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, faults.Transient(s.Name(), fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.Unavailable(s.Name(), false, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Malformed(s.Name(), fmt.Errorf("http %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(raw) {
		return nil, faults.Malformed(s.Name(), errors.New("invalid json"))
	}
	return parseIndexed(raw, s.AnswerPath, s.ResultsPath), nil
}

func parseIndexed(raw []byte, answerPath, resultsPath string) *Finding {
	doc := gjson.ParseBytes(raw)
	f := &Finding{Answer: strings.TrimSpace(doc.Get(answerPath).String())}

	var snippets []string
	doc.Get(resultsPath).ForEach(func(_, r gjson.Result) bool {
		c := Citation{
			Title:   r.Get("title").String(),
			URL:     r.Get("url").String(),
			Snippet: r.Get("content").String(),
		}
		if c.Snippet == "" {
			c.Snippet = r.Get("snippet").String()
		}
		if c.URL == "" {
			return true
		}
		f.Citations = append(f.Citations, c)
		if c.Snippet != "" {
			snippets = append(snippets, c.Snippet)
		}
		return true
	})
	if f.Answer == "" {
		f.Answer = strings.Join(snippets, "\n")
	}
	return f
}

// SynthesisStrategy runs a source strategy and asks an LLM to write an
// answer grounded on the sources it found.
type SynthesisStrategy struct {
	Source Strategy
	LLM    provider.Adapter
	// MaxSources bounds the citations passed to the model.
	MaxSources int
}

// Name implements Strategy.
func (s *SynthesisStrategy) Name() string { return "search_plus_synthesis" }

// Search implements Strategy.
func (s *SynthesisStrategy) Search(ctx context.Context, query string, opts Options) (*Finding, error) {
	if s.Source == nil || s.LLM == nil {
		return nil, faults.Unavailable(s.Name(), true, errors.New("source and llm are required"))
	}
	found, err := s.Source.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: source %s: %w", s.Name(), s.Source.Name(), err)
	}
	if found == nil || len(found.Citations) == 0 {
		return nil, faults.Malformed(s.Name(), errors.New("source returned no citations"))
	}

	limit := s.MaxSources
	if limit <= 0 {
		limit = 5
	}
	sources := found.Citations
	if len(sources) > limit {
		sources = sources[:limit]
	}

	resp, err := s.LLM.Execute(ctx, provider.Request{Payload: synthesisPayload(query, sources)})
	if err != nil {
		return nil, err
	}
	return &Finding{Answer: strings.TrimSpace(resp.Content), Citations: sources}, nil
}

func synthesisPayload(query string, sources []Citation) []byte {
	var sb strings.Builder
	sb.WriteString("Answer the question using only the numbered sources. Cite sources as [n].\n\n")
	for i, c := range sources {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, c.Title, c.URL, c.Snippet)
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)

	payload, _ := sjson.SetBytes([]byte(`{}`), "messages.0.role", "system")
	payload, _ = sjson.SetBytes(payload, "messages.0.content", "You are a careful research assistant.")
	payload, _ = sjson.SetBytes(payload, "messages.1.role", "user")
	payload, _ = sjson.SetBytes(payload, "messages.1.content", sb.String())
	payload, _ = sjson.SetBytes(payload, "temperature", 0.2)
	return payload
}

// Document is one entry of a domain corpus.
type Document struct {
	Title  string `yaml:"title" json:"title"`
	URL    string `yaml:"url" json:"url"`
	Domain string `yaml:"domain" json:"domain"`
	Text   string `yaml:"text" json:"text"`
}

// CorpusStrategy searches a fixed in-memory domain corpus by term overlap.
type CorpusStrategy struct {
	docs  []Document
	terms []map[string]int
}

// NewCorpusStrategy indexes docs.
func NewCorpusStrategy(docs []Document) *CorpusStrategy {
	c := &CorpusStrategy{docs: docs, terms: make([]map[string]int, len(docs))}
	for i, d := range docs {
		c.terms[i] = termCounts(d.Title + " " + d.Text)
	}
	return c
}

// Name implements Strategy.
func (c *CorpusStrategy) Name() string { return "domain_corpus" }

// Search implements Strategy. The "domain" option restricts the corpus.
func (c *CorpusStrategy) Search(ctx context.Context, query string, opts Options) (*Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	domain := strings.ToLower(opts.String("domain"))
	queryTerms := termCounts(query)

	type hit struct {
		idx   int
		score int
	}
	var hits []hit
	for i, d := range c.docs {
		if domain != "" && strings.ToLower(d.Domain) != domain {
			continue
		}
		score := 0
		for t := range queryTerms {
			score += c.terms[i][t]
		}
		if score > 0 {
			hits = append(hits, hit{i, score})
		}
	}
	if len(hits) == 0 {
		return nil, errEmptyAnswer
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > 3 {
		hits = hits[:3]
	}

	f := &Finding{}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		d := c.docs[h.idx]
		parts = append(parts, d.Text)
		f.Citations = append(f.Citations, Citation{Title: d.Title, URL: d.URL, Snippet: snippet(d.Text, 200)})
	}
	f.Answer = strings.Join(parts, "\n\n")
	return f, nil
}

func termCounts(s string) map[string]int {
	out := map[string]int{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) > 2 {
			out[w]++
		}
	}
	return out
}

// snippet cuts s to at most n bytes without splitting a rune.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
