package jobs

import (
	"encoding/json"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// ScrapeSinglePayload is the payload for scrape_single jobs.
type ScrapeSinglePayload struct {
	URL       string                     `json:"url"`
	Options   trawler.ScrapeOptionsPatch `json:"options"`
	SessionID string                     `json:"session_id,omitempty"`
}

// ScrapeBatchPayload is the payload for scrape_batch jobs.
type ScrapeBatchPayload struct {
	URLs          []string                   `json:"urls"`
	Options       trawler.ScrapeOptionsPatch `json:"options"`
	MaxConcurrent int64                      `json:"max_concurrent,omitempty"`
}

// CrawlSitePayload is the payload for crawl_site jobs.
type CrawlSitePayload struct {
	URL     string                     `json:"url"`
	Rules   trawler.CrawlRules         `json:"rules"`
	Options trawler.ScrapeOptionsPatch `json:"options"`
	Archive bool                       `json:"archive,omitempty"`
}

// SessionOperationPayload is the payload for session_operation jobs.
type SessionOperationPayload struct {
	Operation string                `json:"operation"`
	SessionID string                `json:"session_id,omitempty"`
	Config    trawler.SessionConfig `json:"config,omitempty"`
}

// BatchJobResult is the persisted result of a scrape_batch job.
type BatchJobResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []*trawler.Result `json:"results"`
}

// CrawlJobResult is the persisted result of a crawl_site job. Results holds
// at most a capped sample of successful pages; ArchiveURI points at the full
// dump when archiving was requested.
type CrawlJobResult struct {
	CrawlID    string             `json:"crawl_id"`
	State      trawler.CrawlState `json:"state"`
	Results    []*trawler.Result  `json:"results,omitempty"`
	ArchiveURI string             `json:"archive_uri,omitempty"`
}

// SessionJobResult is the persisted result of a session_operation job.
type SessionJobResult struct {
	Operation string `json:"operation"`
	SessionID string `json:"session_id"`
	Closed    bool   `json:"closed,omitempty"`
}

// CompletionEvent is published when a job reaches a terminal state.
type CompletionEvent struct {
	JobID     string            `json:"job_id"`
	Type      trawler.JobType   `json:"type"`
	Status    trawler.JobStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func decodePayload[T any](raw json.RawMessage, op string) (T, error) {
	var payload T
	if len(raw) == 0 {
		return payload, trawler.Errorf(op, trawler.KindValidation, "payload is required")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, trawler.E(op, trawler.KindValidation, err)
	}
	return payload, nil
}
