// Package crawler implements the crawl service: plain HTTP fetch for
// static pages and a headless-browser path for sources that need
// JavaScript rendering. Both paths share the same extraction step and
// produce a content hash used for change detection across runs.
package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tonguekeeper/internal/config"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	strategyHTTP     = "http"
	strategyRendered = "rendered"
)

// errNoContent marks a page whose HTML parsed but held no readable text,
// the usual signature of content rendered client-side.
var errNoContent = errors.New("no text content")

// Service fetches and extracts one URL at a time.
type Service struct {
	cfg        config.CrawlerConfig
	httpClient *http.Client

	// rendered is the headless-browser path, a field so tests can stub
	// it without launching a browser.
	rendered func(ctx context.Context, url string, maxBytes int) (*types.CrawlResult, error)

	mu      sync.Mutex
	browser *rod.Browser
	launch  *launcher.Launcher
}

var _ types.CrawlService = (*Service)(nil)

// New creates a crawl service. The browser is launched lazily on the
// first rendered crawl.
func New(cfg config.CrawlerConfig) *Service {
	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.FetchTimeoutDuration()},
	}
	s.rendered = s.crawlRendered
	return s
}

// Crawl fetches the URL and extracts title, readable text, and a content
// hash. Hinted pages render in the headless browser first with a plain
// HTTP fallback; everything else fetches plain HTTP first and, when the
// page carries no static text and render_fallback is on, retries rendered.
func (s *Service) Crawl(ctx context.Context, url string, hints types.CrawlHints) (*types.CrawlResult, error) {
	maxBytes := hints.MaxBytes
	if maxBytes <= 0 {
		maxBytes = s.cfg.MaxContentBytes
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}

	if hints.RenderJS {
		result, err := s.rendered(ctx, url, maxBytes)
		if err == nil {
			return result, nil
		}
		logging.Crawler("rendered crawl of %s failed, falling back to http: %v", url, err)
		return s.crawlHTTP(ctx, url, maxBytes)
	}

	result, err := s.crawlHTTP(ctx, url, maxBytes)
	if err == nil {
		return result, nil
	}
	if s.cfg.RenderFallback && errors.Is(err, errNoContent) {
		logging.Crawler("no static text at %s, retrying rendered", url)
		rendered, rerr := s.rendered(ctx, url, maxBytes)
		if rerr == nil {
			return rendered, nil
		}
		logging.Crawler("rendered fallback for %s failed: %v", url, rerr)
	}
	return nil, err
}

func (s *Service) crawlHTTP(ctx context.Context, url string, maxBytes int) (*types.CrawlResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return extract(url, string(body), maxBytes, strategyHTTP)
}

func (s *Service) crawlRendered(ctx context.Context, url string, maxBytes int) (*types.CrawlResult, error) {
	browser, err := s.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(s.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("page load failed: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to read page html: %w", err)
	}
	return extract(url, html, maxBytes, strategyRendered)
}

func (s *Service) ensureBrowser() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return s.browser, nil
	}

	launch := launcher.New().Headless(s.cfg.Headless)
	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		launch.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	s.browser = browser
	s.launch = launch
	logging.Crawler("headless browser ready")
	return browser, nil
}

// Close shuts down the headless browser if one was launched.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	if s.launch != nil {
		s.launch.Cleanup()
	}
	s.browser = nil
	s.launch = nil
	return err
}

// extract parses HTML into the crawl result: page title, readable body
// text with boilerplate elements removed, and a SHA-256 content hash.
func extract(url, html string, maxBytes int, strategy string) (*types.CrawlResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	content := normalizeWhitespace(doc.Find("body").Text())
	if content == "" {
		content = normalizeWhitespace(doc.Text())
	}
	if len(content) > maxBytes {
		content = content[:maxBytes]
	}
	if content == "" {
		return nil, fmt.Errorf("%w at %s", errNoContent, url)
	}

	sum := sha256.Sum256([]byte(content))

	result := &types.CrawlResult{
		URL:         url,
		Title:       title,
		Content:     content,
		ContentHash: hex.EncodeToString(sum[:]),
		Strategy:    strategy,
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		result.Metadata = map[string]string{"description": strings.TrimSpace(desc)}
	}
	return result, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
