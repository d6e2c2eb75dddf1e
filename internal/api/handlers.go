package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/his0si/retriever-project-lite/internal/crawl"
	"github.com/his0si/retriever-project-lite/internal/rag"
	"github.com/his0si/retriever-project-lite/internal/service"
	"github.com/his0si/retriever-project-lite/internal/sites"
	"github.com/his0si/retriever-project-lite/internal/tasks"
	"github.com/his0si/retriever-project-lite/internal/worker"
)

type crawlRequest struct {
	RootURL  string `json:"root_url"`
	MaxDepth *int   `json:"max_depth"`
}

type crawlResponse struct {
	TaskID string `json:"task_id"`
}

type autoCrawlResponse struct {
	TaskID  string   `json:"task_id"`
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Sites   []string `json:"sites"`
}

type toggleResponse struct {
	SiteName string `json:"site_name"`
	Enabled  bool   `json:"enabled"`
	Message  string `json:"message"`
}

type chatRequest struct {
	Question string `json:"question"`
}

type dbStatusError struct {
	Status      string `json:"status"`
	Error       string `json:"error"`
	LastChecked string `json:"last_checked"`
}

type searchURLError struct {
	Error     string `json:"error"`
	Found     bool   `json:"found"`
	CheckedAt string `json:"checked_at,omitempty"`
}

func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	t, err := s.backend.TriggerCrawl(r.Context(), req.RootURL, req.MaxDepth)
	switch {
	case errors.Is(err, crawl.ErrInvalidRoot), errors.Is(err, service.ErrInvalidDepth):
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to trigger crawl", "root_url", req.RootURL, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to trigger crawl task")
		return
	}
	writeJSON(w, http.StatusAccepted, crawlResponse{TaskID: t.ID})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.backend.TaskStatus(r.Context(), chi.URLParam(r, "task_id"))
	if errors.Is(err, tasks.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read task", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to read task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listSites(w http.ResponseWriter, _ *http.Request) {
	view, err := s.backend.Sites()
	if errors.Is(err, sites.ErrRegistryNotFound) {
		writeDetail(w, http.StatusNotFound, "Crawl sites configuration not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load crawl sites", "error", err)
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load crawl sites: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) toggleSite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
	}
	site, err := s.backend.ToggleSite(name)
	switch {
	case errors.Is(err, sites.ErrSiteNotFound):
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Site '%s' not found", name))
		return
	case errors.Is(err, sites.ErrRegistryNotFound):
		writeDetail(w, http.StatusNotFound, "Crawl sites configuration not found")
		return
	case err != nil:
		s.logger.Error("failed to toggle site", "site", name, "error", err)
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to toggle site: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{
		SiteName: site.Name,
		Enabled:  site.Enabled,
		Message:  fmt.Sprintf("Site '%s' toggled successfully", site.Name),
	})
}

func (s *Server) triggerAutoCrawl(w http.ResponseWriter, r *http.Request) {
	t, urls, err := s.backend.TriggerAutoCrawl(r.Context())
	switch {
	case errors.Is(err, sites.ErrNoEnabledSites):
		writeDetail(w, http.StatusBadRequest, "No enabled sites found for auto-crawl")
		return
	case errors.Is(err, sites.ErrRegistryNotFound):
		writeDetail(w, http.StatusNotFound, "Crawl sites configuration not found")
		return
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to trigger auto-crawl", "error", err)
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to trigger auto-crawl: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, autoCrawlResponse{
		TaskID:  t.ID,
		Status:  "triggered",
		Message: "Auto-crawl task started",
		Sites:   urls,
	})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	ans, err := s.backend.Ask(r.Context(), req.Question)
	switch {
	case errors.Is(err, rag.ErrEmptyQuestion):
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, service.ErrUnavailable):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to generate answer", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to generate answer")
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) dbStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.DBStatus(r.Context())
	if err != nil {
		s.logger.Error("database status failed", "error", err)
		writeJSON(w, http.StatusOK, dbStatusError{
			Status:      "error",
			Error:       err.Error(),
			LastChecked: s.backend.Timestamp(),
		})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) searchURL(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.SearchURL(r.Context(), r.URL.Query().Get("url"))
	if errors.Is(err, service.ErrURLRequired) {
		writeJSON(w, http.StatusOK, searchURLError{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("url search failed", "error", err)
		writeJSON(w, http.StatusOK, searchURLError{Error: err.Error(), CheckedAt: s.backend.Timestamp()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
