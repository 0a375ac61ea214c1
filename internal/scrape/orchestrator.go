// Package scrape orchestrates single-page scrapes: URL validation, cache
// lookups, session config merging, the retry/backoff loop around the fetch
// client, and fan-out for batches.
package scrape

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/trawlerhq/trawler/internal/metrics"
	"github.com/trawlerhq/trawler/internal/trawler"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Second

// ResultCache is the slice of the cache layer the orchestrator needs.
type ResultCache interface {
	Get(ctx context.Context, url string, opts trawler.ScrapeOptions) (json.RawMessage, error)
	Put(ctx context.Context, url string, opts trawler.ScrapeOptions, value json.RawMessage, ttl time.Duration) error
}

// SessionResolver resolves session ids to live sessions.
type SessionResolver interface {
	Get(ctx context.Context, id string) (*trawler.Session, error)
}

// Config tunes an Orchestrator.
type Config struct {
	Defaults     trawler.ScrapeOptions
	BatchCeiling int64
}

// Orchestrator coordinates one scrape end to end. Terminal failures come
// back as Results with Success=false, never as errors, so batch and crawl
// callers can account them uniformly.
type Orchestrator struct {
	static       trawler.FetchClient
	headless     trawler.FetchClient
	cache        ResultCache
	sessions     SessionResolver
	clock        trawler.Clock
	logger       *zap.Logger
	defaults     trawler.ScrapeOptions
	batchCeiling int64
}

// New creates an Orchestrator. The headless client may be nil, in which case
// every fetch uses the static client. cache and sessions may be nil to
// disable those integrations.
func New(static, headless trawler.FetchClient, cache ResultCache, sessions SessionResolver, clock trawler.Clock, cfg Config, logger *zap.Logger) *Orchestrator {
	defaults := cfg.Defaults
	if defaults.Format == "" {
		defaults = trawler.DefaultScrapeOptions()
	}
	ceiling := cfg.BatchCeiling
	if ceiling <= 0 {
		ceiling = 10
	}
	return &Orchestrator{
		static:       static,
		headless:     headless,
		cache:        cache,
		sessions:     sessions,
		clock:        clock,
		logger:       logger,
		defaults:     defaults,
		batchCeiling: ceiling,
	}
}

// ScrapeSingle scrapes one URL. The returned Result is always non-nil; a
// nil error with Success=false means the failure was terminal after the
// retry budget or a non-retryable kind.
func (o *Orchestrator) ScrapeSingle(ctx context.Context, url string, opts trawler.ScrapeOptions, sessionID string) *trawler.Result {
	merged := o.mergeDefaults(opts)

	if err := trawler.ValidateURL(url); err != nil {
		return o.failure(url, trawler.KindValidation, err.Error())
	}

	if sessionID != "" {
		session, err := o.resolveSession(ctx, sessionID)
		if err != nil {
			return o.failure(url, trawler.KindOf(err), err.Error())
		}
		merged = applySession(merged, session)
	}

	if merged.CacheEnabled && o.cache != nil {
		if cached := o.cacheLookup(ctx, url, merged); cached != nil {
			return cached
		}
	}

	result := o.fetchWithRetry(ctx, url, merged)
	metrics.ObserveScrape(url, result.Success, result.Metadata.Size)

	if result.Success && merged.CacheEnabled && o.cache != nil {
		o.cacheStore(ctx, url, merged, result)
	}
	return result
}

// ScrapeBatch fans ScrapeSingle out over urls under a concurrency bound of
// min(maxConcurrent, configured ceiling). Results come back in input order;
// every URL produces exactly one, and the batch itself only fails when ctx
// is cancelled before completion.
func (o *Orchestrator) ScrapeBatch(ctx context.Context, urls []string, opts trawler.ScrapeOptions, maxConcurrent int64) ([]*trawler.Result, error) {
	limit := maxConcurrent
	if limit <= 0 || limit > o.batchCeiling {
		limit = o.batchCeiling
	}
	sem := semaphore.NewWeighted(limit)
	results := make([]*trawler.Result, len(urls))

	for i, url := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, trawler.E("scrape batch", trawler.KindOf(err), err)
		}
		go func(i int, url string) {
			defer sem.Release(1)
			results[i] = o.ScrapeSingle(ctx, url, opts, "")
		}(i, url)
	}
	// Draining the full weight waits for every in-flight scrape.
	if err := sem.Acquire(ctx, limit); err != nil {
		return nil, trawler.E("scrape batch", trawler.KindOf(err), err)
	}
	sem.Release(limit)
	return results, nil
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, url string, opts trawler.ScrapeOptions) *trawler.Result {
	attempts := opts.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	var lastKind trawler.Kind
	var lastMsg string
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.ObserveScrapeRetry()
			if err := sleepCtx(ctx, backoff(opts.RetryDelay, attempt)); err != nil {
				return o.failure(url, trawler.KindOf(err), err.Error())
			}
		}

		fetched, err := o.fetch(ctx, url, opts)
		if err != nil {
			lastKind = trawler.KindOf(err)
			lastMsg = err.Error()
			if !lastKind.Retryable() {
				return o.failure(url, lastKind, lastMsg)
			}
			o.logger.Debug("fetch attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.String("kind", string(lastKind)),
				zap.Error(err))
			continue
		}

		if fetched.Success {
			return o.buildResult(url, opts, fetched)
		}

		lastMsg = fetched.ErrorMessage
		lastKind = fetched.FailureKind
		if lastKind == "" {
			lastKind = trawler.ClassifyMessage(lastMsg)
		}
		// Redirect loops are a property of the page, not the transport;
		// retrying cannot help, and callers want a structured failure.
		if trawler.IsRedirectLoop(lastMsg) {
			return o.failure(url, trawler.KindNetwork, lastMsg)
		}
		if !lastKind.Retryable() {
			return o.failure(url, lastKind, lastMsg)
		}
		o.logger.Debug("fetch attempt returned failure",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("kind", string(lastKind)),
			zap.String("error", lastMsg))
	}
	return o.failure(url, lastKind, lastMsg)
}

func (o *Orchestrator) fetch(ctx context.Context, url string, opts trawler.ScrapeOptions) (*trawler.FetchResult, error) {
	client := o.static
	if opts.Headless && o.headless != nil {
		client = o.headless
	}
	req := trawler.FetchRequest{
		URL:             url,
		Timeout:         opts.Timeout,
		UserAgent:       opts.UserAgent,
		Headless:        opts.Headless,
		WaitFor:         opts.WaitFor,
		JSCode:          opts.JSCode,
		ExtractStrategy: opts.ExtractStrategy,
		CSSSelector:     opts.CSSSelector,
		Headers:         opts.ExtraHeaders,
	}
	return client.Fetch(ctx, req)
}

func (o *Orchestrator) resolveSession(ctx context.Context, id string) (*trawler.Session, error) {
	if o.sessions == nil {
		return nil, trawler.Errorf("resolve session", trawler.KindConfiguration, "session support is not configured")
	}
	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, trawler.Errorf("resolve session", trawler.KindConfiguration, "session %q not found or expired", id)
	}
	return session, nil
}

func (o *Orchestrator) cacheLookup(ctx context.Context, url string, opts trawler.ScrapeOptions) *trawler.Result {
	raw, err := o.cache.Get(ctx, url, opts)
	if err != nil {
		o.logger.Warn("cache lookup failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	metrics.ObserveCacheLookup(raw != nil)
	if raw == nil {
		return nil
	}
	var result trawler.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		o.logger.Warn("cached result is unreadable", zap.String("url", url), zap.Error(err))
		return nil
	}
	return &result
}

func (o *Orchestrator) cacheStore(ctx context.Context, url string, opts trawler.ScrapeOptions, result *trawler.Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		o.logger.Warn("failed to marshal result for cache", zap.String("url", url), zap.Error(err))
		return
	}
	if err := o.cache.Put(ctx, url, opts, raw, opts.CacheTTL); err != nil {
		o.logger.Warn("failed to store result in cache", zap.String("url", url), zap.Error(err))
	}
}

func (o *Orchestrator) buildResult(url string, opts trawler.ScrapeOptions, fetched *trawler.FetchResult) *trawler.Result {
	links, images := classifyDiscoveries(url, fetched)
	return &trawler.Result{
		URL:        url,
		Title:      fetched.Title,
		Success:    true,
		StatusCode: fetched.StatusCode,
		Content:    formatContent(fetched, opts.Format),
		Links:      links,
		Images:     images,
		Metadata: trawler.ResultMetadata{
			LoadTime:        fetched.LoadTime.Seconds(),
			Timestamp:       o.clock.Now(),
			Size:            fetched.Size,
			ExtractStrategy: opts.ExtractStrategy,
		},
	}
}

func (o *Orchestrator) failure(url string, kind trawler.Kind, msg string) *trawler.Result {
	return &trawler.Result{
		URL:       url,
		Success:   false,
		Error:     msg,
		ErrorKind: kind,
		Metadata: trawler.ResultMetadata{
			Timestamp: o.clock.Now(),
		},
	}
}

func (o *Orchestrator) mergeDefaults(opts trawler.ScrapeOptions) trawler.ScrapeOptions {
	d := o.defaults
	if opts.Format == "" {
		opts.Format = d.Format
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = d.RetryCount
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = d.CacheTTL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = d.UserAgent
	}
	return opts
}

// applySession overrides fetch options with session config where the
// session carries a value.
func applySession(opts trawler.ScrapeOptions, session *trawler.Session) trawler.ScrapeOptions {
	cfg := session.Config
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	opts.Headless = cfg.Headless
	return opts
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-2)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
