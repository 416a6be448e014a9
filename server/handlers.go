package server

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jupark12/ydl-server/history"
	"github.com/jupark12/ydl-server/models"
	"github.com/jupark12/ydl-server/submit"
)

// mediaTypes are the content types of files served from result links.
var mediaTypes = map[string]string{
	".mp4": "video/mp4",
	".mp3": "audio/mpeg",
	".log": "text/plain; charset=utf-8",
}

// listedExtensions are the files shown on the list page.
var listedExtensions = map[string]bool{
	".mp4": true,
	".mp3": true,
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// authorize checks the token query or form parameter against the {user}
// path parameter.
func (s *Server) authorize(r *http.Request) (models.Tenant, string, bool) {
	user := chi.URLParam(r, "user")
	token := r.FormValue("token")
	tenant, err := s.opts.Tenants.Authorize(user, token)
	if err != nil {
		s.logger.Warn("Rejected token", slog.String("user", user))
		return models.Tenant{}, token, false
	}
	return tenant, token, true
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	tenant, token, ok := s.authorize(r)
	if !ok {
		http.Error(w, "Not authorized", http.StatusUnauthorized)
		return
	}

	s.render(w, "form", formPage{
		Title:         "youtube-dl",
		User:          tenant.Username,
		Token:         token,
		Presets:       s.opts.Presets.Names(),
		DefaultPreset: s.opts.Presets.Default(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant, token, ok := s.authorize(r)
	if !ok {
		http.Error(w, "Not authorized", http.StatusUnauthorized)
		return
	}

	entries, err := os.ReadDir(tenant.OutputDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("Failed to list output directory", slog.String("path", tenant.OutputDir), slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !listedExtensions[filepath.Ext(e.Name())] {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	s.render(w, "list", listPage{
		Title: "youtube-dl",
		User:  tenant.Username,
		Token: token,
		Files: files,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	returnJSON := r.FormValue("return_json")
	if returnJSON == "" {
		returnJSON = "true"
	}
	jsonMode := returnJSON == "true"

	tenant, _, ok := s.authorize(r)
	if !ok {
		if jsonMode {
			unauthorized(w)
		} else {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
		}
		return
	}

	sourceURL := r.FormValue("url")
	preset := r.FormValue("preset")
	if preset == "" {
		preset = s.opts.Presets.Default()
	}

	result, err := s.opts.Submitter.Submit(r.Context(), tenant, sourceURL, preset)
	if errors.Is(err, submit.ErrMissingURL) {
		if jsonMode {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	if err != nil {
		s.logger.Error("Submission failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if jsonMode || !result.Success {
		writeJSON(w, http.StatusOK, result)
		return
	}

	query := url.Values{"url": {sourceURL}, "download": {"false"}}
	target := "/" + url.PathEscape(tenant.Username) + "/result/" + url.PathEscape(*result.Outfile) + "?" + query.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleResult serves a finished file or a status page about it. It needs
// no token so result links can be shared.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	name := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
	}

	path, err := s.opts.Tenants.ResolveFile(user, name)
	if err != nil {
		http.Error(w, "Invalid filename", http.StatusNotFound)
		return
	}
	filename := filepath.Base(path)
	exists := isRegularFile(path)

	download := r.URL.Query().Get("download")
	if download == "" {
		download = "true"
	}

	if download == "true" {
		if !exists {
			http.Error(w, "No file "+filename, http.StatusNotFound)
			return
		}
		s.serveFile(w, r, path)
		return
	}

	page := resultPage{
		Title:    filename,
		User:     user,
		Filename: filename,
		URL:      r.URL.Query().Get("url"),
		Exists:   exists,
	}
	if !exists {
		if logPath := models.LogPath(path); logPath != path && isRegularFile(logPath) {
			page.LogFile = filepath.Base(logPath)
		}
		query := url.Values{"download": {"false"}}
		if page.URL != "" {
			query.Set("url", page.URL)
		}
		page.Query = template.URL(query.Encode())
	}
	s.render(w, "result", page)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "No file "+filepath.Base(path), http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "No file "+filepath.Base(path), http.StatusNotFound)
		return
	}

	contentType, ok := mediaTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Tenants.AuthorizeAny(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "Not authorized", http.StatusUnauthorized)
		return
	}

	s.logger.Info("Updating extractor")
	result, err := s.opts.Updater.Update(r.Context())
	if err != nil {
		s.logger.Error("Extractor update failed", slog.String("error", err.Error()))
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, result)
}

type queueResponse struct {
	Jobs  []models.JobSummary `json:"jobs"`
	Total int                 `json:"total"`
}

// handleQueue lists the tenant's pending jobs and the total queue depth.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.authorize(r)
	if !ok {
		unauthorized(w)
		return
	}

	pending := s.opts.Pipeline.Pending()
	resp := queueResponse{Jobs: []models.JobSummary{}, Total: len(pending)}
	for _, job := range pending {
		if job.RequesterID == tenant.Username {
			resp.Jobs = append(resp.Jobs, job)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.authorize(r)
	if !ok {
		unauthorized(w)
		return
	}
	if s.opts.History == nil {
		notFound(w, "history is disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.opts.History.Recent(r.Context(), tenant.Username, limit)
	if err != nil {
		s.logger.Error("Failed to read history", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleWebSocket streams the tenant's job events until the client goes
// away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.authorize(r)
	if !ok {
		unauthorized(w)
		return
	}
	if s.opts.Hub == nil {
		notFound(w, "events are disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade to WebSocket", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	s.opts.Hub.RegisterClient(ctx, conn, tenant.Username)
	for {
		// clients only listen; reads detect disconnects
		if _, _, err := conn.ReadMessage(); err != nil {
			s.opts.Hub.UnregisterClient(ctx, conn)
			return
		}
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Worker     string `json:"worker"`
	Processing bool   `json:"processing"`
	Pending    int    `json:"pending"`
	Database   string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Database:  "disabled",
	}
	if s.opts.Pipeline != nil {
		wk := s.opts.Pipeline.Worker()
		resp.Worker = string(wk.State())
		resp.Processing = wk.IsProcessing()
		resp.Pending = len(s.opts.Pipeline.Pending())
	}

	if s.opts.DBPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		resp.Database = "ok"
		if err := s.opts.DBPing(ctx); err != nil {
			resp.Database = "fail"
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
