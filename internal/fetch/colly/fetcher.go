// Package colly implements the fetch client for static pages using gocolly.
// Pages that need JavaScript execution go through the headless client
// instead; this one is cheaper and carries the crawl's bulk traffic.
package colly

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Client implements trawler.FetchClient using a Colly collector. The base
// collector is cloned per request so hooks never leak between fetches.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config) *Client {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and harvests title, text, links, and
// images from the response document.
func (c *Client) Fetch(ctx context.Context, req trawler.FetchRequest) (*trawler.FetchResult, error) {
	start := time.Now()
	result := &trawler.FetchResult{}
	var fetchErr error

	collector := c.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if ua := firstNonEmpty(req.UserAgent, c.cfg.UserAgent); ua != "" {
		collector.UserAgent = ua
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range req.Headers {
			r.Headers.Set(key, value)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.HTML = string(r.Body)
		result.Size = len(r.Body)
		result.Success = r.StatusCode < 400
	})
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})
	collector.OnHTML("body", func(e *colly.HTMLElement) {
		result.Text = strings.TrimSpace(e.Text)
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := strings.TrimSpace(e.Attr("href"))
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		result.Links = append(result.Links, trawler.DiscoveredLink{
			URL:  href,
			Text: strings.TrimSpace(e.Text),
		})
	})
	collector.OnHTML("img[src]", func(e *colly.HTMLElement) {
		src := strings.TrimSpace(e.Attr("src"))
		if src == "" {
			return
		}
		result.Images = append(result.Images, trawler.DiscoveredImage{
			URL: src,
			Alt: strings.TrimSpace(e.Attr("alt")),
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := c.visit(ctx, collector, req.URL, &fetchErr); err != nil {
		return nil, err
	}
	result.LoadTime = time.Since(start)

	if fetchErr != nil {
		result.Success = false
		result.ErrorMessage = fetchErr.Error()
		// Bad statuses arrive here as errors too; classify by status when
		// one was captured, by message otherwise.
		if result.StatusCode >= 400 {
			result.FailureKind = kindForStatus(result.StatusCode)
		} else {
			result.FailureKind = trawler.KindOf(fetchErr)
		}
		return result, nil
	}
	if !result.Success && result.ErrorMessage == "" {
		result.ErrorMessage = http.StatusText(result.StatusCode)
		result.FailureKind = kindForStatus(result.StatusCode)
	}
	return result, nil
}

// visit runs the collector, folding Visit errors into fetchErr. The only
// error returned directly is context cancellation.
func (c *Client) visit(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return trawler.E("colly fetch", trawler.KindOf(ctx.Err()), ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr == nil {
			*fetchErr = err
		}
		return nil
	}
}

func kindForStatus(status int) trawler.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return trawler.KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return trawler.KindTimeout
	case status >= 500:
		return trawler.KindNetwork
	default:
		return trawler.KindExtraction
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

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
