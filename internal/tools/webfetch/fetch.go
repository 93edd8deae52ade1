// Package webfetch renders a page in headless Chrome and extracts its readable text.
package webfetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxChars = 8000
)

// Result is the extracted article of one fetched page.
type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Text     string `json:"text"`
	HTMLHash string `json:"html_hash"`
	Status   int    `json:"status"`
	RenderMS int    `json:"render_ms"`
}

// Fetcher loads a URL and returns its readable content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// HTMLSource returns the rendered HTML of a page.
type HTMLSource func(ctx context.Context, url string) (string, error)

// Chrome fetches pages with a headless browser.
type Chrome struct {
	Timeout  time.Duration
	MaxChars int
	// Source overrides the browser, mostly for tests.
	Source HTMLSource
}

// New returns a Chrome fetcher with defaults applied.
func New(timeout time.Duration, maxChars int) *Chrome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chrome{Timeout: timeout, MaxChars: maxChars, Source: renderHTML}
}

func (f *Chrome) Fetch(ctx context.Context, rawURL string) (Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Result{}, errors.New("invalid url")
	}
	source := f.Source
	if source == nil {
		source = renderHTML
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t0 := time.Now()

	html, err := source(ctx, rawURL)
	if err != nil {
		return Result{URL: rawURL, Status: 599, RenderMS: elapsedMS(t0)}, err
	}

	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return Result{URL: rawURL, Status: 200, RenderMS: elapsedMS(t0)}, err
	}
	text := strings.TrimSpace(article.TextContent)
	maxChars := f.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if r := []rune(text); len(r) > maxChars {
		text = string(r[:maxChars])
	}

	sum := sha1.Sum([]byte(html))
	return Result{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		SiteName: article.SiteName,
		Text:     text,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   200,
		RenderMS: elapsedMS(t0),
	}, nil
}

func elapsedMS(t0 time.Time) int { return int(time.Since(t0) / time.Millisecond) }

func renderHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("reasoner/1.0"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
