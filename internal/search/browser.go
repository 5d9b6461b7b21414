// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/traylinx/fallbackd/internal/faults"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxPageBytes    = 1 << 20
	maxAnswerBytes  = 4 << 10
	maxPageCitation = 5
	browserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// BrowserStrategy loads a results page and extracts its readable text and
// outbound links.
type BrowserStrategy struct {
	// URLTemplate contains a single %s replaced by the escaped query.
	URLTemplate string
	client      *http.Client
}

// NewBrowserStrategy creates a strategy for urlTemplate. A nil client gets a
// 15 second timeout.
func NewBrowserStrategy(urlTemplate string, client *http.Client) *BrowserStrategy {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &BrowserStrategy{URLTemplate: urlTemplate, client: client}
}

// Name implements Strategy.
func (b *BrowserStrategy) Name() string { return "automated_browser" }

// Search implements Strategy.
func (b *BrowserStrategy) Search(ctx context.Context, query string, _ Options) (*Finding, error) {
	if b.URLTemplate == "" {
		return nil, faults.Unavailable(b.Name(), true, errors.New("no url template configured"))
	}
	target := fmt.Sprintf(b.URLTemplate, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, faults.Invalid("search.browser.url", err.Error())
	}
	req.Header.Set("User-Agent", browserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, b.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Transient(b.Name(), fmt.Errorf("http %d", resp.StatusCode))
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, faults.Malformed(b.Name(), err)
	}
	text, links := extractPage(doc, resp.Request.URL)
	return &Finding{Answer: snippet(text, maxAnswerBytes), Citations: links}, nil
}

// skipped elements never contribute text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Head:     true,
}

// extractPage returns the visible text of doc and up to maxPageCitation
// distinct absolute links pointing away from base's host.
func extractPage(doc *html.Node, base *url.URL) (string, []Citation) {
	var sb strings.Builder
	var links []Citation
	seen := map[string]bool{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		switch n.Type {
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		case html.ElementNode:
			if n.DataAtom == atom.A && len(links) < maxPageCitation {
				if c, ok := linkCitation(n, base); ok && !seen[c.URL] {
					seen[c.URL] = true
					links = append(links, c)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), links
}

func linkCitation(n *html.Node, base *url.URL) (Citation, bool) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
		}
	}
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return Citation{}, false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Citation{}, false
	}
	if base != nil && u.Host == base.Host {
		return Citation{}, false
	}
	title := strings.Join(strings.Fields(nodeText(n)), " ")
	if len(title) < 5 {
		return Citation{}, false
	}
	return Citation{Title: title, URL: u.String()}, true
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// transportError maps an http.Client error to the fault taxonomy.
func transportError(ctx context.Context, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return faults.Timeout(name, ctxErr)
		}
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	return faults.Transient(name, err)
}
