// Package headless implements the fetch client on a headless browser via
// chromedp. It renders JavaScript-dependent pages and harvests the DOM
// after load.
package headless

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// Config controls the behavior of the headless client.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
}

// Client implements trawler.FetchClient using chromedp. Tabs share one
// browser process through the allocator; MaxParallel bounds concurrent tabs.
type Client struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless client backed by chromedp.
func New(cfg Config) (*Client, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Client{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting the browser down.
func (c *Client) Close() {
	c.allocCancel()
}

// pageHarvest mirrors the JSON shape produced by harvestJS.
type pageHarvest struct {
	Title  string `json:"title"`
	Text   string `json:"text"`
	Links  []struct {
		URL  string `json:"url"`
		Text string `json:"text"`
	} `json:"links"`
	Images []struct {
		URL string `json:"url"`
		Alt string `json:"alt"`
	} `json:"images"`
}

const harvestJS = `({
	title: document.title,
	text: document.body ? document.body.innerText : "",
	links: Array.from(document.querySelectorAll("a[href]")).map(a => ({url: a.getAttribute("href"), text: a.innerText.trim()})),
	images: Array.from(document.querySelectorAll("img[src]")).map(i => ({url: i.getAttribute("src"), alt: i.getAttribute("alt") || ""}))
})`

// Fetch navigates with a headless browser and returns the rendered DOM plus
// harvested links and images.
func (c *Client) Fetch(ctx context.Context, req trawler.FetchRequest) (*trawler.FetchResult, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.NavigationTimeout
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var (
		html    string
		harvest pageHarvest
	)
	actions := []chromedp.Action{
		c.setupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if req.WaitFor != "" {
		actions = append(actions, chromedp.WaitVisible(req.WaitFor, chromedp.ByQuery))
	}
	if req.JSCode != "" {
		var discard any
		actions = append(actions, chromedp.Evaluate(req.JSCode, &discard))
	}
	actions = append(actions,
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(harvestJS, &harvest),
	)

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		msg := err.Error()
		kind := trawler.KindOf(err)
		if trawler.IsRedirectLoop(msg) {
			kind = trawler.KindNetwork
		}
		return &trawler.FetchResult{
			Success:      false,
			LoadTime:     time.Since(start),
			ErrorMessage: msg,
			FailureKind:  kind,
		}, nil
	}

	status := meta.status(req.URL)
	result := &trawler.FetchResult{
		Success:    status == 0 || status < 400,
		StatusCode: status,
		Title:      strings.TrimSpace(harvest.Title),
		HTML:       html,
		Text:       strings.TrimSpace(harvest.Text),
		LoadTime:   time.Since(start),
		Size:       len(html),
	}
	for _, l := range harvest.Links {
		if l.URL == "" || strings.HasPrefix(l.URL, "javascript:") {
			continue
		}
		result.Links = append(result.Links, trawler.DiscoveredLink{URL: l.URL, Text: l.Text})
	}
	for _, img := range harvest.Images {
		if img.URL == "" {
			continue
		}
		result.Images = append(result.Images, trawler.DiscoveredImage{URL: img.URL, Alt: img.Alt})
	}
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("document returned status %d", status)
		result.FailureKind = kindForStatus(status)
	}
	return result, nil
}

func (c *Client) setupAction(req trawler.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := firstNonEmpty(req.UserAgent, c.cfg.UserAgent); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if c.cfg.ViewportWidth > 0 && c.cfg.ViewportHeight > 0 {
			err := emulation.SetDeviceMetricsOverride(
				int64(c.cfg.ViewportWidth), int64(c.cfg.ViewportHeight), 1, false,
			).Do(ctx)
			if err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if len(req.Headers) > 0 {
			headers := make(network.Headers, len(req.Headers))
			for k, v := range req.Headers {
				headers[k] = v
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return trawler.E("headless fetch", trawler.KindOf(ctx.Err()), ctx.Err())
	}
}

func (c *Client) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func kindForStatus(status int) trawler.Kind {
	switch {
	case status == 429:
		return trawler.KindRateLimit
	case status == 408 || status == 504:
		return trawler.KindTimeout
	case status >= 500:
		return trawler.KindNetwork
	default:
		return trawler.KindExtraction
	}
}
