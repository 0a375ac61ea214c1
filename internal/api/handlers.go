package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trawlerhq/trawler/internal/trawler"
)

type scrapeRequest struct {
	URL       string                     `json:"url"`
	Options   trawler.ScrapeOptionsPatch `json:"options"`
	SessionID string                     `json:"session_id,omitempty"`
}

type batchRequest struct {
	URLs          []string                   `json:"urls"`
	Options       trawler.ScrapeOptionsPatch `json:"options"`
	MaxConcurrent int64                      `json:"max_concurrent,omitempty"`
}

type jobRequest struct {
	Type       trawler.JobType `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

type crawlRequest struct {
	URL     string                     `json:"url"`
	Rules   trawler.CrawlRules         `json:"rules"`
	Options trawler.ScrapeOptionsPatch `json:"options"`
}

type sessionCreateRequest struct {
	ID     string                `json:"id,omitempty"`
	Config trawler.SessionConfig `json:"config"`
}

type sessionStateRequest struct {
	State map[string]any `json:"state"`
}

type cleanupJobsRequest struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

func (s *Server) scrapeSingle(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	result := s.scraper.ScrapeSingle(r.Context(), req.URL, req.Options.Apply(s.cfg.ScrapeDefaults()), req.SessionID)
	status := http.StatusOK
	if !result.Success {
		status = statusForKind(result.ErrorKind)
	}
	s.writeJSON(w, status, result)
}

func (s *Server) scrapeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls are required")
		return
	}
	results, err := s.scraper.ScrapeBatch(r.Context(), req.URLs, req.Options.Apply(s.cfg.ScrapeDefaults()), req.MaxConcurrent)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(results),
		"results": results,
	})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Submit(r.Context(), req.Type, req.Payload, req.Priority, req.MaxRetries)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := trawler.JobFilter{
		Status: trawler.JobStatus(r.URL.Query().Get("status")),
		Type:   trawler.JobType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	ok, err := s.jobs.CancelJob(r.Context(), id)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "job not found or already terminal")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(trawler.JobCancelled)})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.crawls.StartCrawl(r.Context(), req.URL, req.Rules, req.Options.Apply(s.cfg.ScrapeDefaults()))
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"crawl_id": id})
}

func (s *Server) listCrawls(w http.ResponseWriter, _ *http.Request) {
	crawls := s.crawls.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":  len(crawls),
		"crawls": crawls,
	})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "crawl_id")
	state, ok := s.crawls.GetStatus(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":   state,
		"results": s.crawls.Results(id),
	})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "crawl_id")
	if !s.crawls.CancelCrawl(id) {
		s.writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"crawl_id": id, "status": string(trawler.CrawlCancelled)})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.sessions.Create(r.Context(), req.Config, req.ID)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if session == nil {
		s.writeError(w, http.StatusNotFound, "session not found or expired")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) updateSessionState(w http.ResponseWriter, r *http.Request) {
	var req sessionStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.UpdateState(r.Context(), id, req.State); err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	closed, err := s.sessions.Close(r.Context(), id)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	if !closed {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "closed"})
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	req := cleanupJobsRequest{RetentionHours: s.cfg.Jobs.RetentionHours}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	removed, err := s.jobs.CleanupTerminated(r.Context(), time.Duration(req.RetentionHours)*time.Hour)
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) cleanupCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.CleanupExpired(r.Context())
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sessions.CleanupExpired(r.Context())
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	jobStats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	cacheStats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeKindError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     jobStats,
		"cache":    cacheStats,
		"sessions": len(s.sessions.List()),
	})
}
