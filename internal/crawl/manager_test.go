package crawl

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/metrics"
	"github.com/trawlerhq/trawler/internal/trawler"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("crawl-%d", s.n), nil
}

// page describes what the fake scraper serves for one URL.
type page struct {
	links []trawler.Link
	fail  bool
	block bool
}

type fakeScraper struct {
	mu    sync.Mutex
	pages map[string]page
	calls map[string]int
	hook  func()
}

func newFakeScraper(pages map[string]page) *fakeScraper {
	return &fakeScraper{pages: pages, calls: make(map[string]int)}
}

func (f *fakeScraper) visits(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeScraper) ScrapeSingle(ctx context.Context, url string, _ trawler.ScrapeOptions, _ string) *trawler.Result {
	f.mu.Lock()
	f.calls[url]++
	p := f.pages[url]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if p.block {
		<-ctx.Done()
		return &trawler.Result{URL: url, Success: false, Error: ctx.Err().Error(), ErrorKind: trawler.KindValidation}
	}
	if p.fail {
		return &trawler.Result{URL: url, Success: false, Error: "connection reset", ErrorKind: trawler.KindNetwork}
	}
	return &trawler.Result{URL: url, Success: true, StatusCode: 200, Links: p.links}
}

func internalLink(url string) trawler.Link {
	return trawler.Link{URL: url, Type: trawler.LinkInternal}
}

func newTestManager(scraper Scraper) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(scraper, clock, &seqIDs{}, zap.NewNop()), clock
}

func waitTerminal(t *testing.T, m *Manager, id string) *trawler.CrawlState {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := m.GetStatus(id)
		return ok && state.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	state, ok := m.GetStatus(id)
	require.True(t, ok)
	return state
}

func TestCrawlCompletes(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/": {links: []trawler.Link{
			internalLink("https://example.com/a"),
			internalLink("https://example.com/b"),
		}},
		"https://example.com/a": {},
		"https://example.com/b": {},
	})
	m, _ := newTestManager(scraper)

	id, err := m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{MaxDepth: 2, MaxPages: 10}, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 3, state.PagesCrawled)
	require.Equal(t, 3, state.PagesSuccessful)
	require.Zero(t, state.PagesFailed)
	require.Zero(t, state.URLsQueued)
	require.Equal(t, 1, state.CurrentDepth)
	require.Len(t, m.Results(id), 3)
}

func TestCrawlFragmentVariantsCollapse(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/": {links: []trawler.Link{
			internalLink("https://example.com/docs/"),
			internalLink("https://example.com/docs/#intro"),
			internalLink("https://example.com/docs/#api"),
			internalLink("https://example.com/docs/"),
		}},
		"https://example.com/docs/": {},
	})
	m, _ := newTestManager(scraper)

	id, err := m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{MaxDepth: 2}, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 2, state.PagesCrawled)
	require.Equal(t, 1, scraper.visits("https://example.com/docs/"))
}

func TestCrawlMaxPagesStopsTraversal(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/":  {links: []trawler.Link{internalLink("https://example.com/a")}},
		"https://example.com/a": {links: []trawler.Link{internalLink("https://example.com/b")}},
		"https://example.com/b": {links: []trawler.Link{internalLink("https://example.com/c")}},
		"https://example.com/c": {},
	})
	m, _ := newTestManager(scraper)

	rules := trawler.CrawlRules{MaxDepth: 10, MaxPages: 2, ConcurrentRequests: 1}
	id, err := m.StartCrawl(context.Background(), "https://example.com/", rules, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 2, state.PagesCrawled)
	require.Zero(t, scraper.visits("https://example.com/b"))
}

func TestCrawlMaxPagesHoldsUnderConcurrency(t *testing.T) {
	// A wide batch must be clipped to the remaining page budget.
	pages := map[string]page{}
	var links []trawler.Link
	for i := 0; i < 10; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		links = append(links, internalLink(url))
		pages[url] = page{}
	}
	pages["https://example.com/"] = page{links: links}
	m, _ := newTestManager(newFakeScraper(pages))

	rules := trawler.CrawlRules{MaxDepth: 10, MaxPages: 5, ConcurrentRequests: 5}
	id, err := m.StartCrawl(context.Background(), "https://example.com/", rules, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 5, state.PagesCrawled)
}

func TestCrawlMaxDepthStopsDiscovery(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/":  {links: []trawler.Link{internalLink("https://example.com/a")}},
		"https://example.com/a": {links: []trawler.Link{internalLink("https://example.com/b")}},
		"https://example.com/b": {},
	})
	m, _ := newTestManager(scraper)

	id, err := m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{MaxDepth: 1}, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 2, state.PagesCrawled)
	require.Zero(t, scraper.visits("https://example.com/b"))
}

func TestCrawlMaxDurationStopsTraversal(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/":  {links: []trawler.Link{internalLink("https://example.com/a")}},
		"https://example.com/a": {links: []trawler.Link{internalLink("https://example.com/b")}},
		"https://example.com/b": {},
	})
	m, clock := newTestManager(scraper)
	// Every page fetch pushes the clock past the crawl's duration budget.
	scraper.hook = func() { clock.advance(time.Minute) }

	rules := trawler.CrawlRules{MaxDepth: 10, MaxPages: 100, MaxDuration: 30 * time.Second, ConcurrentRequests: 1}
	id, err := m.StartCrawl(context.Background(), "https://example.com/", rules, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 1, state.PagesCrawled)
}

func TestCrawlPerPageFailureDoesNotAbort(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/": {links: []trawler.Link{
			internalLink("https://example.com/ok"),
			internalLink("https://example.com/bad"),
		}},
		"https://example.com/ok":  {},
		"https://example.com/bad": {fail: true},
	})
	m, _ := newTestManager(scraper)

	id, err := m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{MaxDepth: 2}, trawler.ScrapeOptions{})
	require.NoError(t, err)

	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCompleted, state.Status)
	require.Equal(t, 3, state.PagesCrawled)
	require.Equal(t, 2, state.PagesSuccessful)
	require.Equal(t, 1, state.PagesFailed)
}

func TestCancelCrawl(t *testing.T) {
	scraper := newFakeScraper(map[string]page{
		"https://example.com/": {block: true},
	})
	m, _ := newTestManager(scraper)

	id, err := m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{}, trawler.ScrapeOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return scraper.visits("https://example.com/") == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, m.CancelCrawl(id))
	state := waitTerminal(t, m, id)
	require.Equal(t, trawler.CrawlCancelled, state.Status)

	// Idempotent for known crawls, false for unknown ones.
	require.True(t, m.CancelCrawl(id))
	require.False(t, m.CancelCrawl("no-such-crawl"))
}

func TestStartCrawlRejectsBadInput(t *testing.T) {
	m, _ := newTestManager(newFakeScraper(nil))

	_, err := m.StartCrawl(context.Background(), "ftp://example.com", trawler.CrawlRules{}, trawler.ScrapeOptions{})
	require.Error(t, err)
	require.Equal(t, trawler.KindValidation, trawler.KindOf(err))

	_, err = m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{IncludePatterns: []string{"["}}, trawler.ScrapeOptions{})
	require.Error(t, err)
	require.Equal(t, trawler.KindValidation, trawler.KindOf(err))
}

func TestDeleteTerminal(t *testing.T) {
	scraper := newFakeScraper(map[string]page{"https://example.com/": {}})
	m, _ := newTestManager(scraper)

	id, err := m.StartCrawl(context.Background(), "https://example.com/", trawler.CrawlRules{}, trawler.ScrapeOptions{})
	require.NoError(t, err)
	waitTerminal(t, m, id)

	require.Equal(t, 1, m.DeleteTerminal())
	_, ok := m.GetStatus(id)
	require.False(t, ok)
	require.Zero(t, m.DeleteTerminal())
}

func TestShouldFollow(t *testing.T) {
	rules := trawler.CrawlRules{AllowSubdomains: true}
	require.True(t, shouldFollow(trawler.LinkInternal, "https://example.com/a", rules, nil, nil))
	require.True(t, shouldFollow(trawler.LinkSubdomain, "https://docs.example.com/a", rules, nil, nil))
	require.False(t, shouldFollow(trawler.LinkExternal, "https://other.org/", rules, nil, nil))
	require.False(t, shouldFollow(trawler.LinkUnknown, "whatever", rules, nil, nil))

	rules.AllowSubdomains = false
	require.False(t, shouldFollow(trawler.LinkSubdomain, "https://docs.example.com/a", rules, nil, nil))
	rules.AllowExternalLinks = true
	require.True(t, shouldFollow(trawler.LinkExternal, "https://other.org/", rules, nil, nil))

	include := []*regexp.Regexp{regexp.MustCompile(`/docs/`)}
	exclude := []*regexp.Regexp{regexp.MustCompile(`\.pdf$`)}
	base := trawler.CrawlRules{}
	require.True(t, shouldFollow(trawler.LinkInternal, "https://example.com/docs/intro", base, include, exclude))
	require.False(t, shouldFollow(trawler.LinkInternal, "https://example.com/blog/post", base, include, exclude))
	require.False(t, shouldFollow(trawler.LinkInternal, "https://example.com/docs/manual.pdf", base, include, exclude))
}
