// Package crawl runs breadth-first site traversals on top of the scrape
// orchestrator. Each crawl owns a frontier (pending queue plus visited-set)
// and an async traversal loop bounded by the crawl rules.
package crawl

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/metrics"
	"github.com/trawlerhq/trawler/internal/trawler"
)

// resultCap bounds how many page results a crawl retains for status callers.
const resultCap = 10

// Scraper is the slice of the scrape orchestrator the frontier needs.
type Scraper interface {
	ScrapeSingle(ctx context.Context, url string, opts trawler.ScrapeOptions, sessionID string) *trawler.Result
}

// crawl is the runtime record of one traversal.
type crawl struct {
	mu       sync.Mutex
	state    trawler.CrawlState
	frontier *frontier
	cancel   context.CancelFunc
	rules    trawler.CrawlRules
	opts     trawler.ScrapeOptions
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	results  []*trawler.Result
}

// Manager starts, tracks, and cancels crawls.
type Manager struct {
	mu      sync.Mutex
	crawls  map[string]*crawl
	scraper Scraper
	clock   trawler.Clock
	ids     trawler.IDGenerator
	logger  *zap.Logger
}

func NewManager(scraper Scraper, clock trawler.Clock, ids trawler.IDGenerator, logger *zap.Logger) *Manager {
	return &Manager{
		crawls:  make(map[string]*crawl),
		scraper: scraper,
		clock:   clock,
		ids:     ids,
		logger:  logger,
	}
}

// StartCrawl validates and seeds a new crawl, launches its traversal loop,
// and returns the crawl id immediately.
func (m *Manager) StartCrawl(ctx context.Context, startURL string, rules trawler.CrawlRules, opts trawler.ScrapeOptions) (string, error) {
	if err := trawler.ValidateURL(startURL); err != nil {
		return "", err
	}
	seed, err := trawler.NormalizeURL(startURL)
	if err != nil {
		return "", trawler.E("start crawl", trawler.KindValidation, err)
	}
	rules = withRuleDefaults(rules)

	include, err := compilePatterns(rules.IncludePatterns)
	if err != nil {
		return "", trawler.E("start crawl", trawler.KindValidation, err)
	}
	exclude, err := compilePatterns(rules.ExcludePatterns)
	if err != nil {
		return "", trawler.E("start crawl", trawler.KindValidation, err)
	}

	id, err := m.ids.NewID()
	if err != nil {
		return "", trawler.E("start crawl", trawler.KindResource, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &crawl{
		state: trawler.CrawlState{
			ID:        id,
			StartURL:  seed,
			Status:    trawler.CrawlRunning,
			StartTime: m.clock.Now(),
		},
		frontier: newFrontier(seed),
		cancel:   cancel,
		rules:    rules,
		opts:     opts,
		include:  include,
		exclude:  exclude,
	}

	m.mu.Lock()
	m.crawls[id] = c
	m.mu.Unlock()

	m.logger.Info("crawl started",
		zap.String("crawl_id", id),
		zap.String("start_url", seed),
		zap.Int("max_depth", rules.MaxDepth),
		zap.Int("max_pages", rules.MaxPages))

	go m.run(runCtx, c)
	return id, nil
}

// CancelCrawl flips the crawl to cancelled and tears down in-flight page
// fetches. Returns false when the crawl id is unknown; cancelling an already
// terminal crawl is a no-op that still returns true.
func (m *Manager) CancelCrawl(id string) bool {
	m.mu.Lock()
	c, ok := m.crawls[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	if !c.state.Status.Terminal() {
		c.state.Status = trawler.CrawlCancelled
	}
	c.mu.Unlock()
	c.cancel()
	return true
}

// GetStatus returns a snapshot of the crawl's counters with the live
// pending-queue length.
func (m *Manager) GetStatus(id string) (*trawler.CrawlState, bool) {
	m.mu.Lock()
	c, ok := m.crawls[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	state.URLsQueued = c.frontier.pending()
	return &state, true
}

// Results returns up to resultCap successful page results gathered so far.
func (m *Manager) Results(id string) []*trawler.Result {
	m.mu.Lock()
	c, ok := m.crawls[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*trawler.Result, len(c.results))
	copy(out, c.results)
	return out
}

// List returns a snapshot of every tracked crawl.
func (m *Manager) List() []*trawler.CrawlState {
	m.mu.Lock()
	ids := make([]string, 0, len(m.crawls))
	for id := range m.crawls {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]*trawler.CrawlState, 0, len(ids))
	for _, id := range ids {
		if state, ok := m.GetStatus(id); ok {
			out = append(out, state)
		}
	}
	return out
}

// DeleteTerminal drops records of crawls that reached a terminal state and
// returns how many were removed.
func (m *Manager) DeleteTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.crawls {
		c.mu.Lock()
		terminal := c.state.Status.Terminal()
		c.mu.Unlock()
		if terminal {
			delete(m.crawls, id)
			removed++
		}
	}
	return removed
}

// run is the traversal loop. It owns all mutations of the crawl's frontier
// and drives the state machine to a terminal status.
func (m *Manager) run(ctx context.Context, c *crawl) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.state.Status = trawler.CrawlFailed
			c.state.ErrorMessage = fmt.Sprintf("crawl loop panicked: %v", r)
			c.mu.Unlock()
			m.logger.Error("crawl loop panicked",
				zap.String("crawl_id", c.state.ID),
				zap.Any("panic", r))
		}
		m.finish(c)
	}()

	for {
		if m.stopped(c) {
			return
		}
		batch := c.frontier.dequeueBatch(m.batchSize(c))
		if len(batch) == 0 {
			return
		}

		var wg sync.WaitGroup
		for _, item := range batch {
			wg.Add(1)
			go func(item entry) {
				defer wg.Done()
				m.visit(ctx, c, item)
			}(item)
		}
		wg.Wait()

		if c.frontier.pending() > 0 && c.rules.Delay > 0 {
			if err := sleepCtx(ctx, c.rules.Delay); err != nil {
				return
			}
		}
	}
}

// stopped checks the pre-batch stop conditions.
func (m *Manager) stopped(c *crawl) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != trawler.CrawlRunning {
		return true
	}
	if c.rules.MaxPages > 0 && c.state.PagesCrawled >= c.rules.MaxPages {
		return true
	}
	if c.rules.MaxDuration > 0 && m.clock.Now().Sub(c.state.StartTime) >= c.rules.MaxDuration {
		return true
	}
	return false
}

// batchSize clips the batch width so a wide batch cannot overshoot the
// remaining page budget.
func (m *Manager) batchSize(c *crawl) int {
	n := c.rules.ConcurrentRequests
	if c.rules.MaxPages <= 0 {
		return n
	}
	c.mu.Lock()
	remaining := c.rules.MaxPages - c.state.PagesCrawled
	c.mu.Unlock()
	if remaining < n {
		return remaining
	}
	return n
}

// visit fetches one frontier entry and folds the outcome into the crawl
// counters. Per-page failures are accounted, never escalated.
func (m *Manager) visit(ctx context.Context, c *crawl, item entry) {
	result := m.scraper.ScrapeSingle(ctx, item.url, c.opts, "")

	c.mu.Lock()
	c.state.PagesCrawled++
	if item.depth > c.state.CurrentDepth {
		c.state.CurrentDepth = item.depth
	}
	if result.Success {
		c.state.PagesSuccessful++
		if len(c.results) < resultCap {
			c.results = append(c.results, result)
		}
	} else {
		c.state.PagesFailed++
	}
	c.mu.Unlock()

	if !result.Success {
		m.logger.Debug("page fetch failed",
			zap.String("crawl_id", c.state.ID),
			zap.String("url", item.url),
			zap.String("error", result.Error))
		return
	}
	if item.depth >= c.rules.MaxDepth {
		return
	}
	m.discover(c, result, item.depth)
}

// discover filters the page's outbound links and enqueues the survivors at
// depth+1.
func (m *Manager) discover(c *crawl, result *trawler.Result, depth int) {
	discovered, queued := 0, 0
	for _, link := range result.Links {
		normalized, err := trawler.NormalizeURL(link.URL)
		if err != nil {
			continue
		}
		discovered++
		if !shouldFollow(link.Type, normalized, c.rules, c.include, c.exclude) {
			continue
		}
		if c.frontier.enqueue(normalized, depth+1) {
			queued++
		}
	}

	c.mu.Lock()
	c.state.URLsDiscovered += discovered
	c.mu.Unlock()

	if queued > 0 {
		m.logger.Debug("links queued",
			zap.String("crawl_id", c.state.ID),
			zap.String("url", result.URL),
			zap.Int("queued", queued))
	}
}

// finish settles the terminal status, records metrics, and drops the
// frontier. The CrawlState record stays queryable.
func (m *Manager) finish(c *crawl) {
	c.mu.Lock()
	if !c.state.Status.Terminal() {
		c.state.Status = trawler.CrawlCompleted
	}
	status := c.state.Status
	pages := c.state.PagesCrawled
	c.mu.Unlock()

	c.cancel()
	c.frontier.drop()
	metrics.ObserveCrawlPages(pages)
	m.logger.Info("crawl finished",
		zap.String("crawl_id", c.state.ID),
		zap.String("status", string(status)),
		zap.Int("pages_crawled", pages))
}

// shouldFollow applies the crawl's domain scoping and include/exclude
// patterns to an absolute link.
func shouldFollow(linkType trawler.LinkType, url string, rules trawler.CrawlRules, include, exclude []*regexp.Regexp) bool {
	switch linkType {
	case trawler.LinkInternal:
	case trawler.LinkSubdomain:
		if !rules.AllowSubdomains {
			return false
		}
	case trawler.LinkExternal:
		if !rules.AllowExternalLinks {
			return false
		}
	default:
		return false
	}

	if len(include) > 0 {
		matched := false
		for _, re := range include {
			if re.MatchString(url) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range exclude {
		if re.MatchString(url) {
			return false
		}
	}
	return true
}

func withRuleDefaults(rules trawler.CrawlRules) trawler.CrawlRules {
	d := trawler.DefaultCrawlRules()
	if rules.MaxDepth <= 0 {
		rules.MaxDepth = d.MaxDepth
	}
	if rules.MaxPages <= 0 {
		rules.MaxPages = d.MaxPages
	}
	if rules.MaxDuration <= 0 {
		rules.MaxDuration = d.MaxDuration
	}
	if rules.ConcurrentRequests <= 0 {
		rules.ConcurrentRequests = d.ConcurrentRequests
	}
	return rules
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
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
