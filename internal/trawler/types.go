package trawler

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of deferred work a job carries.
type JobType string

// Supported job types. Handlers are registered per type at startup.
const (
	JobTypeScrapeSingle     JobType = "scrape_single"
	JobTypeScrapeBatch      JobType = "scrape_batch"
	JobTypeCrawlSite        JobType = "crawl_site"
	JobTypeSessionOperation JobType = "session_operation"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states. Pending jobs are claimable; Running jobs are owned by
// exactly one worker; Completed, Failed, and Cancelled are terminal.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a durable unit of deferred work with a lifecycle independent of the
// submitting connection.
type Job struct {
	ID           string          `json:"job_id"`
	Type         JobType         `json:"job_type"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// CanRetry reports whether the job still has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// JobFilter narrows ListJobs results. Zero values mean "no filter".
type JobFilter struct {
	Status JobStatus
	Type   JobType
	Limit  int
	Offset int
}

// ScrapeOptions controls a single scrape request. The zero value is not
// usable; construct with DefaultScrapeOptions and override fields.
type ScrapeOptions struct {
	Format          string            `json:"format,omitempty"`
	ExtractStrategy string            `json:"extract_strategy,omitempty"`
	CSSSelector     string            `json:"css_selector,omitempty"`
	LLMModel        string            `json:"llm_model,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	Headless        bool              `json:"headless"`
	RetryCount      int               `json:"retry_count,omitempty"`
	RetryDelay      time.Duration     `json:"retry_delay,omitempty"`
	CacheEnabled    bool              `json:"cache_enabled"`
	CacheTTL        time.Duration     `json:"cache_ttl,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	WaitFor         string            `json:"wait_for,omitempty"`
	JSCode          string            `json:"js_code,omitempty"`
	ExtraHeaders    map[string]string `json:"extra_headers,omitempty"`
}

// DefaultScrapeOptions returns the baseline options applied when a request
// leaves a field unset.
func DefaultScrapeOptions() ScrapeOptions {
	return ScrapeOptions{
		Format:       "markdown",
		Timeout:      30 * time.Second,
		Headless:     true,
		RetryCount:   3,
		RetryDelay:   time.Second,
		CacheEnabled: true,
		CacheTTL:     time.Hour,
		UserAgent:    "Trawler/1.0",
	}
}

// ScrapeOptionsPatch is the wire form of ScrapeOptions. The boolean knobs
// are pointers so that absent JSON fields fall back to configured defaults
// instead of false.
type ScrapeOptionsPatch struct {
	ScrapeOptions
	Headless     *bool `json:"headless,omitempty"`
	CacheEnabled *bool `json:"cache_enabled,omitempty"`
}

// Apply resolves the patch against defaults for the boolean knobs. The
// remaining fields keep their decoded values; zero values defer to the
// orchestrator's own defaulting.
func (p ScrapeOptionsPatch) Apply(defaults ScrapeOptions) ScrapeOptions {
	opts := p.ScrapeOptions
	opts.Headless = defaults.Headless
	if p.Headless != nil {
		opts.Headless = *p.Headless
	}
	opts.CacheEnabled = defaults.CacheEnabled
	if p.CacheEnabled != nil {
		opts.CacheEnabled = *p.CacheEnabled
	}
	return opts
}

// LinkType classifies a discovered link relative to the page it came from.
type LinkType string

const (
	LinkInternal  LinkType = "internal"
	LinkSubdomain LinkType = "subdomain"
	LinkExternal  LinkType = "external"
	LinkUnknown   LinkType = "unknown"
)

// Link is a hyperlink discovered on a fetched page.
type Link struct {
	URL  string   `json:"url"`
	Text string   `json:"text,omitempty"`
	Type LinkType `json:"type"`
}

// Image is an image reference discovered on a fetched page.
type Image struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Content carries the rendered representations of a fetched page.
type Content struct {
	Markdown  string          `json:"markdown,omitempty"`
	HTML      string          `json:"html,omitempty"`
	Text      string          `json:"text,omitempty"`
	Extracted json.RawMessage `json:"extracted_data,omitempty"`
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	LoadTime        float64   `json:"load_time"`
	Timestamp       time.Time `json:"timestamp"`
	Size            int       `json:"size"`
	ExtractStrategy string    `json:"extraction_strategy,omitempty"`
}

// Result is the canonical outcome of one scrape. Failed scrapes are reported
// with Success=false rather than an error so batch and crawl callers can
// account them without unwinding.
type Result struct {
	URL        string         `json:"url"`
	Title      string         `json:"title,omitempty"`
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code,omitempty"`
	Content    Content        `json:"content"`
	Links      []Link         `json:"links,omitempty"`
	Images     []Image        `json:"images,omitempty"`
	Metadata   ResultMetadata `json:"metadata"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  Kind           `json:"error_kind,omitempty"`
}

// FetchRequest is the input to a FetchClient.
type FetchRequest struct {
	URL             string
	Timeout         time.Duration
	UserAgent       string
	Headless        bool
	WaitFor         string
	JSCode          string
	ExtractStrategy string
	CSSSelector     string
	Headers         map[string]string
}

// DiscoveredLink is a raw anchor found during fetch, before resolution and
// classification.
type DiscoveredLink struct {
	URL  string
	Text string
}

// DiscoveredImage is a raw image reference found during fetch.
type DiscoveredImage struct {
	URL string
	Alt string
}

// FetchResult is the structured outcome of one page fetch. When the fetch
// backend can classify its own failure it sets FailureKind; otherwise the
// caller falls back to ClassifyMessage.
type FetchResult struct {
	Success      bool
	StatusCode   int
	Title        string
	HTML         string
	Markdown     string
	Text         string
	Extracted    json.RawMessage
	Links        []DiscoveredLink
	Images       []DiscoveredImage
	LoadTime     time.Duration
	Size         int
	ErrorMessage string
	FailureKind  Kind
}

// CrawlStatus is the lifecycle state of a crawl operation.
type CrawlStatus string

const (
	CrawlRunning   CrawlStatus = "running"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
	CrawlCancelled CrawlStatus = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s CrawlStatus) Terminal() bool {
	return s == CrawlCompleted || s == CrawlFailed || s == CrawlCancelled
}

// CrawlRules bound a crawl's traversal.
type CrawlRules struct {
	MaxDepth           int             `json:"max_depth"`
	MaxPages           int             `json:"max_pages"`
	MaxDuration        time.Duration   `json:"max_duration"`
	Delay              time.Duration   `json:"delay"`
	ConcurrentRequests int             `json:"concurrent_requests"`
	AllowExternalLinks bool            `json:"allow_external_links"`
	AllowSubdomains    bool            `json:"allow_subdomains"`
	IncludePatterns    []string        `json:"include_patterns,omitempty"`
	ExcludePatterns    []string        `json:"exclude_patterns,omitempty"`
}

// DefaultCrawlRules returns the baseline traversal bounds.
func DefaultCrawlRules() CrawlRules {
	return CrawlRules{
		MaxDepth:           3,
		MaxPages:           100,
		MaxDuration:        time.Hour,
		Delay:              time.Second,
		ConcurrentRequests: 5,
		AllowExternalLinks: false,
		AllowSubdomains:    true,
	}
}

// CrawlState is the queryable runtime record of one crawl. The counters
// satisfy PagesCrawled = PagesSuccessful + PagesFailed at quiescent points.
type CrawlState struct {
	ID              string      `json:"crawl_id"`
	StartURL        string      `json:"start_url"`
	Status          CrawlStatus `json:"status"`
	StartTime       time.Time   `json:"start_time"`
	CurrentDepth    int         `json:"current_depth"`
	PagesCrawled    int         `json:"pages_crawled"`
	PagesSuccessful int         `json:"pages_successful"`
	PagesFailed     int         `json:"pages_failed"`
	URLsDiscovered  int         `json:"urls_discovered"`
	URLsQueued      int         `json:"urls_queued"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// SessionConfig is the browser configuration a session pins across fetches.
type SessionConfig struct {
	BrowserType    string         `json:"browser_type,omitempty"`
	Headless       bool           `json:"headless"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	ProxyServer    string         `json:"proxy_server,omitempty"`
	ProxyUsername  string         `json:"proxy_username,omitempty"`
	ProxyPassword  string         `json:"proxy_password,omitempty"`
	ViewportWidth  int            `json:"viewport_width,omitempty"`
	ViewportHeight int            `json:"viewport_height,omitempty"`
	ExtraOptions   map[string]any `json:"extra_options,omitempty"`
}

// DefaultSessionConfig returns the baseline browser configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BrowserType:    "chromium",
		Headless:       true,
		Timeout:        30 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	}
}

// Session is a named, reusable browser-configuration context.
type Session struct {
	ID           string         `json:"session_id"`
	Config       SessionConfig  `json:"config"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	PageCount    int            `json:"page_count"`
	IsActive     bool           `json:"is_active"`
	StateData    map[string]any `json:"state_data,omitempty"`
}

// Expired reports whether the session has been idle longer than idleTimeout.
func (s *Session) Expired(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(s.LastAccessed) > idleTimeout
}

// Touch refreshes the access time and increments the page counter.
func (s *Session) Touch(now time.Time) {
	s.LastAccessed = now
	s.PageCount++
}

// CacheEntry maps a deterministic key to a stored result payload.
// ExpiresAt == nil means the entry never expires.
type CacheEntry struct {
	Key          string          `json:"key"`
	URL          string          `json:"url"`
	Value        json.RawMessage `json:"value"`
	DataType     string          `json:"data_type,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	AccessCount  int             `json:"access_count"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// CacheStats summarizes the cache store for status endpoints.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
}
