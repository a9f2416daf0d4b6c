// Package websearch implements the web_search tool on top of the Serper API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

const defaultEndpoint = "https://google.serper.dev/search"

var (
	stripOnce sync.Once
	strip     *bluemonday.Policy
)

// plainText removes markup the search API leaves in titles and snippets.
func plainText(s string) string {
	stripOnce.Do(func() { strip = bluemonday.StrictPolicy() })
	return strings.TrimSpace(strip.Sanitize(s))
}

// Result is one organic search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"link"`
	Snippet string `json:"snippet"`
}

// Serper queries google.serper.dev.
type Serper struct {
	APIKey   string
	Endpoint string
	Num      int
	Client   *http.Client
}

// New returns a Serper tool with sane defaults.
func New(apiKey string) *Serper {
	return &Serper{APIKey: apiKey, Num: 5}
}

// Name implements tools.Tool.
func (s *Serper) Name() string { return tools.TypeWebSearch }

// Call implements tools.Tool. The answer is a plain-text listing of the hits.
func (s *Serper) Call(ctx context.Context, query string) (string, error) {
	hits, err := s.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("no results for %q", query)
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, h.Title, h.URL, h.Snippet)
	}
	return strings.TrimSpace(b.String()), nil
}

// Search returns the organic results for q.
func (s *Serper) Search(ctx context.Context, q string) ([]Result, error) {
	if strings.TrimSpace(q) == "" {
		return nil, tools.ErrInvalidQuery
	}
	if s.APIKey == "" {
		return nil, errors.New("serper api key is not configured")
	}
	num := s.Num
	if num <= 0 {
		num = 5
	}
	body, err := json.Marshal(map[string]any{"q": q, "num": num})
	if err != nil {
		return nil, err
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.New(resp.Status + ": " + string(b))
	}

	var raw struct {
		Organic []Result `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}
	return dedupe(raw.Organic, num), nil
}

// dedupe drops hits that point at the same canonical page and caps the list at num.
func dedupe(hits []Result, num int) []Result {
	seen := make(map[string]struct{}, len(hits))
	out := make([]Result, 0, min(len(hits), num))
	for _, h := range hits {
		if len(out) == num {
			break
		}
		key := h.URL
		if canonical, err := tools.CanonicalURL(h.URL); err == nil {
			key = canonical
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		h.Title = plainText(h.Title)
		h.Snippet = plainText(h.Snippet)
		out = append(out, h)
	}
	return out
}
