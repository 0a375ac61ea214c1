package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trawlerhq/trawler/internal/trawler"
)

const defaultCrawlPoll = 5 * time.Second

// Scraper is the slice of the scrape orchestrator job handlers need.
type Scraper interface {
	ScrapeSingle(ctx context.Context, url string, opts trawler.ScrapeOptions, sessionID string) *trawler.Result
	ScrapeBatch(ctx context.Context, urls []string, opts trawler.ScrapeOptions, maxConcurrent int64) ([]*trawler.Result, error)
}

// Crawler is the slice of the crawl manager job handlers need.
type Crawler interface {
	StartCrawl(ctx context.Context, startURL string, rules trawler.CrawlRules, opts trawler.ScrapeOptions) (string, error)
	GetStatus(id string) (*trawler.CrawlState, bool)
	Results(id string) []*trawler.Result
	CancelCrawl(id string) bool
}

// SessionManager is the slice of the session registry job handlers need.
type SessionManager interface {
	Create(ctx context.Context, config trawler.SessionConfig, id string) (string, error)
	Close(ctx context.Context, id string) (bool, error)
}

// Handlers builds the job handlers for every supported job type.
type Handlers struct {
	scraper   Scraper
	crawler   Crawler
	sessions  SessionManager
	blobs     trawler.BlobStore
	logger    *zap.Logger
	crawlPoll time.Duration
	defaults  trawler.ScrapeOptions
}

// HandlerConfig tunes Handlers.
type HandlerConfig struct {
	CrawlPoll time.Duration
	Defaults  trawler.ScrapeOptions
}

// NewHandlers creates the handler set. blobs may be nil to disable crawl
// archiving; sessions may be nil to reject session_operation jobs.
func NewHandlers(scraper Scraper, crawler Crawler, sessions SessionManager, blobs trawler.BlobStore, cfg HandlerConfig, logger *zap.Logger) *Handlers {
	poll := cfg.CrawlPoll
	if poll <= 0 {
		poll = defaultCrawlPoll
	}
	defaults := cfg.Defaults
	if defaults.Format == "" {
		defaults = trawler.DefaultScrapeOptions()
	}
	return &Handlers{
		scraper:   scraper,
		crawler:   crawler,
		sessions:  sessions,
		blobs:     blobs,
		logger:    logger,
		crawlPoll: poll,
		defaults:  defaults,
	}
}

// RegisterAll binds every handler to its job type on the manager.
func (h *Handlers) RegisterAll(m *Manager) {
	m.RegisterHandler(trawler.JobTypeScrapeSingle, h.ScrapeSingle)
	m.RegisterHandler(trawler.JobTypeScrapeBatch, h.ScrapeBatch)
	m.RegisterHandler(trawler.JobTypeCrawlSite, h.CrawlSite)
	m.RegisterHandler(trawler.JobTypeSessionOperation, h.SessionOperation)
}

// ScrapeSingle runs one scrape and records its result. A page-level failure
// is a structured outcome, not a handler error; the orchestrator already
// spent the retry budget.
func (h *Handlers) ScrapeSingle(ctx context.Context, job *trawler.Job) (json.RawMessage, error) {
	payload, err := decodePayload[ScrapeSinglePayload](job.Payload, "scrape single job")
	if err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, trawler.Errorf("scrape single job", trawler.KindValidation, "url is required")
	}
	result := h.scraper.ScrapeSingle(ctx, payload.URL, payload.Options.Apply(h.defaults), payload.SessionID)
	return json.Marshal(result)
}

// ScrapeBatch fans out over the payload URLs and records per-URL outcomes.
func (h *Handlers) ScrapeBatch(ctx context.Context, job *trawler.Job) (json.RawMessage, error) {
	payload, err := decodePayload[ScrapeBatchPayload](job.Payload, "scrape batch job")
	if err != nil {
		return nil, err
	}
	if len(payload.URLs) == 0 {
		return nil, trawler.Errorf("scrape batch job", trawler.KindValidation, "urls are required")
	}
	results, err := h.scraper.ScrapeBatch(ctx, payload.URLs, payload.Options.Apply(h.defaults), payload.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	out := BatchJobResult{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return json.Marshal(out)
}

// CrawlSite starts a crawl and polls it to a terminal state. Cancelling the
// job cancels the crawl.
func (h *Handlers) CrawlSite(ctx context.Context, job *trawler.Job) (json.RawMessage, error) {
	payload, err := decodePayload[CrawlSitePayload](job.Payload, "crawl site job")
	if err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, trawler.Errorf("crawl site job", trawler.KindValidation, "url is required")
	}

	crawlID, err := h.crawler.StartCrawl(ctx, payload.URL, payload.Rules, payload.Options.Apply(h.defaults))
	if err != nil {
		return nil, err
	}

	// Status is checked before the first ticker wait so a fast crawl does
	// not cost a full poll interval.
	ticker := time.NewTicker(h.crawlPoll)
	defer ticker.Stop()
	for {
		state, ok := h.crawler.GetStatus(crawlID)
		if !ok {
			return nil, trawler.Errorf("crawl site job", trawler.KindResource, "crawl %q disappeared", crawlID)
		}
		if state.Status.Terminal() {
			if state.Status == trawler.CrawlFailed {
				return nil, trawler.Errorf("crawl site job", trawler.ClassifyMessage(state.ErrorMessage), "crawl failed: %s", state.ErrorMessage)
			}

			out := CrawlJobResult{
				CrawlID: crawlID,
				State:   *state,
				Results: h.crawler.Results(crawlID),
			}
			if payload.Archive && h.blobs != nil {
				uri, archiveErr := h.archive(ctx, crawlID, &out)
				if archiveErr != nil {
					h.logger.Warn("crawl archive failed",
						zap.String("crawl_id", crawlID),
						zap.Error(archiveErr))
				} else {
					out.ArchiveURI = uri
				}
			}
			return json.Marshal(out)
		}

		select {
		case <-ctx.Done():
			h.crawler.CancelCrawl(crawlID)
			return nil, trawler.E("crawl site job", trawler.KindOf(ctx.Err()), ctx.Err())
		case <-ticker.C:
		}
	}
}

// archive writes the full crawl dump to blob storage and returns its URI.
func (h *Handlers) archive(ctx context.Context, crawlID string, result *CrawlJobResult) (string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("crawls/%s.json", crawlID)
	return h.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(raw))
}

// SessionOperation creates or closes a browser session.
func (h *Handlers) SessionOperation(ctx context.Context, job *trawler.Job) (json.RawMessage, error) {
	payload, err := decodePayload[SessionOperationPayload](job.Payload, "session job")
	if err != nil {
		return nil, err
	}
	if h.sessions == nil {
		return nil, trawler.Errorf("session job", trawler.KindConfiguration, "session support is not configured")
	}

	switch payload.Operation {
	case "create":
		id, err := h.sessions.Create(ctx, payload.Config, payload.SessionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(SessionJobResult{Operation: "create", SessionID: id})
	case "close":
		if payload.SessionID == "" {
			return nil, trawler.Errorf("session job", trawler.KindValidation, "session_id is required")
		}
		closed, err := h.sessions.Close(ctx, payload.SessionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(SessionJobResult{Operation: "close", SessionID: payload.SessionID, Closed: closed})
	default:
		return nil, trawler.Errorf("session job", trawler.KindValidation, "unknown session operation %q", payload.Operation)
	}
}
