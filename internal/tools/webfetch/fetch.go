// Package webfetch implements the web_fetch tools: a headless-browser fetch and a
// plain HTTP fallback, both reduced to article text with readability.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

const userAgent = "researcher/1.0 (+https://github.com/mohammad-safakhou/researcher)"

// DefaultMaxChars caps the article text returned to the research loop.
const DefaultMaxChars = 8000

// ErrHostNotPermitted is returned for URLs whose host the fetch policy rejects.
var ErrHostNotPermitted = errors.New("host not permitted by fetch policy")

// PermitFunc decides whether a host may be fetched. Nil permits every host.
type PermitFunc func(host string) bool

// Browser renders pages with headless Chrome.
type Browser struct {
	Timeout  time.Duration
	MaxChars int
	Permit   PermitFunc
}

// Name implements tools.Tool.
func (Browser) Name() string { return tools.TypeWebFetch }

// Call implements tools.Tool. The query must be an absolute URL.
func (b Browser) Call(ctx context.Context, query string) (string, error) {
	u, err := parseTarget(query, b.Permit)
	if err != nil {
		return "", err
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	html, err := render(ctx, u.String())
	if err != nil {
		return "", fmt.Errorf("render %s: %w", u, err)
	}
	return extract(html, u, b.MaxChars)
}

func render(ctx context.Context, target string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// HTTP fetches pages without JavaScript. It is the fallback for Browser.
type HTTP struct {
	Client   *http.Client
	MaxChars int
	Permit   PermitFunc
}

// Name implements tools.Tool.
func (HTTP) Name() string { return tools.TypeWebFetchHTTP }

// Call implements tools.Tool.
func (h HTTP) Call(ctx context.Context, query string) (string, error) {
	u, err := parseTarget(query, h.Permit)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: %s", u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return extract(string(body), u, h.MaxChars)
}

func parseTarget(raw string, permit PermitFunc) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, tools.ErrInvalidQuery
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an http(s) url", tools.ErrInvalidQuery, raw)
	}
	if permit != nil && !permit(u.Hostname()) {
		// wrapped as an invalid query so the invoker does not retry it
		return nil, fmt.Errorf("%w: %w: %s", tools.ErrInvalidQuery, ErrHostNotPermitted, u.Hostname())
	}
	canonical, err := tools.CanonicalURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tools.ErrInvalidQuery, err)
	}
	return url.Parse(canonical)
}

func extract(html string, u *url.URL, maxChars int) (string, error) {
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", errors.New("page has no readable text")
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	if title := strings.TrimSpace(article.Title); title != "" {
		return title + "\n\n" + text, nil
	}
	return text, nil
}
