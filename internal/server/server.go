// Package server provides the HTTP API and handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/bryan-buckman/telereader/internal/catalog"
	"github.com/bryan-buckman/telereader/internal/database"
	"github.com/bryan-buckman/telereader/internal/ingest"
	"github.com/bryan-buckman/telereader/internal/metrics"
	"github.com/bryan-buckman/telereader/internal/model"
	"github.com/bryan-buckman/telereader/internal/opml"
	"github.com/bryan-buckman/telereader/internal/retention"
	"github.com/bryan-buckman/telereader/internal/scheduler"
	"github.com/bryan-buckman/telereader/internal/source"
)

// maxOPMLSize bounds an uploaded OPML document.
const maxOPMLSize = 5 << 20

// Scheduler is the job loop the API submits work to.
type Scheduler interface {
	Reconcile(ctx context.Context, scope ingest.Scope) (*ingest.Report, error)
	Prune(ctx context.Context, policy retention.Policy) (retention.Result, error)
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	TriggerNow() bool
	State() scheduler.State
	LastReport() *ingest.Report
}

// Purger wipes every stored item.
type Purger interface {
	Purge(ctx context.Context) (retention.Result, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Catalog   *catalog.Service
	Scheduler Scheduler
	Purger    Purger
	Retention retention.Policy

	// MediaDir is served under MediaURLPrefix.
	MediaDir       string
	MediaURLPrefix string

	// DB is pinged by the readiness check. Nil skips the check.
	DB *sql.DB

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
	health healthcheck.Handler
	logger *zap.Logger
}

// New creates a server.
func New(deps Deps) (*Server, error) {
	if deps.Catalog == nil || deps.Scheduler == nil || deps.Purger == nil {
		return nil, fmt.Errorf("server: catalog, scheduler and purger are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MediaURLPrefix == "" {
		deps.MediaURLPrefix = "/media/"
	}
	if !strings.HasSuffix(deps.MediaURLPrefix, "/") {
		deps.MediaURLPrefix += "/"
	}

	s := &Server{
		deps:   deps,
		health: healthcheck.NewMetricsHandler(deps.Metrics.Registry(), "telereader"),
		logger: deps.Logger,
	}
	s.addChecks()
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) addChecks() {
	s.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	if s.deps.DB != nil {
		s.health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(s.deps.DB, 2*time.Second))
	}
	s.health.AddReadinessCheck("scheduler", func() error {
		switch st := s.deps.Scheduler.State(); st {
		case scheduler.StopRequested, scheduler.Stopped:
			return fmt.Errorf("scheduler is %s", st)
		}
		return nil
	})
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Attachments.
	files := http.StripPrefix(s.deps.MediaURLPrefix, http.FileServer(http.Dir(s.deps.MediaDir)))
	r.Handle(s.deps.MediaURLPrefix+"*", noDirListing(files))

	r.Handle("/metrics", s.deps.Metrics.Handler())
	r.Get("/healthz", s.health.LiveEndpoint)
	r.Get("/readyz", s.health.ReadyEndpoint)

	// API.
	r.Route("/api", func(r chi.Router) {
		r.Get("/groups", s.handleListGroups)
		r.Post("/groups", s.handleCreateGroup)
		r.Put("/groups/{id}", s.handleRenameGroup)
		r.Delete("/groups/{id}", s.handleDeleteGroup)

		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Get("/channels/{id}", s.handleGetChannel)
		r.Put("/channels/{id}", s.handleUpdateChannel)
		r.Delete("/channels/{id}", s.handleDeleteChannel)

		r.Get("/news", s.handleNews)
		r.Post("/news/cleanup", s.handlePurge)

		r.Post("/refresh", s.handleRefresh)
		r.Post("/refresh/{id}", s.handleRefreshChannel)
		r.Post("/trigger", s.handleTrigger)
		r.Post("/cleanup", s.handleCleanup)
		r.Post("/purge", s.handlePurge)
		r.Get("/status", s.handleStatus)

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// --- Middleware ---

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		took := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.deps.Metrics.ObserveHTTP(r.Method, route, status, took)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("took", took),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case status >= 500:
			s.logger.Error("request failed", fields...)
		case route == "/metrics" || route == "/healthz" || route == "/readyz":
			s.logger.Debug("request", fields...)
		default:
			s.logger.Info("request", fields...)
		}
	})
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Groups ---

type groupRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Catalog.ListGroups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(groups))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.deps.Catalog.CreateGroup(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleRenameGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req groupRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.deps.Catalog.RenameGroup(r.Context(), id, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Catalog.DeleteGroup(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Channels ---

type channelRequest struct {
	Name    string `json:"name"`
	GroupID *int64 `json:"group_id"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Catalog.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(channels))
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	c, err := s.deps.Catalog.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.deps.Catalog.CreateChannel(r.Context(), req.Name, req.GroupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req channelRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.deps.Catalog.UpdateChannel(r.Context(), id, req.Name, req.GroupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	removal, err := s.deps.Catalog.DeleteChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"items_deleted": removal.Items,
	})
}

// --- Items ---

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f model.ItemFilter
	var err error
	if f.GroupID, err = optionalID(q.Get("group_id")); err != nil {
		s.badRequest(w, "group_id", err)
		return
	}
	if f.ChannelID, err = optionalID(q.Get("channel_id")); err != nil {
		s.badRequest(w, "channel_id", err)
		return
	}
	if f.Limit, err = optionalInt(q.Get("limit")); err != nil {
		s.badRequest(w, "limit", err)
		return
	}
	offset := q.Get("offset")
	if offset == "" {
		offset = q.Get("skip")
	}
	if f.Offset, err = optionalInt(offset); err != nil {
		s.badRequest(w, "offset", err)
		return
	}

	items, err := s.deps.Catalog.ListItems(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

// --- Sweeps and retention ---

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refresh(w, r, ingest.All)
}

func (s *Server) handleRefreshChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.refresh(w, r, ingest.Channel(id))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request, scope ingest.Scope) {
	report, err := s.deps.Scheduler.Reconcile(r.Context(), scope)
	if err != nil && report == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// An aborted sweep still reports what it got through.
		status, body := s.errorResponse(r, err)
		writeJSON(w, status, map[string]any{
			"error":     body.Error,
			"summary":   report.Summary(),
			"new_items": report.Inserted(),
			"report":    report,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"summary":   report.Summary(),
		"new_items": report.Inserted(),
		"report":    report,
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	queued := s.deps.Scheduler.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Scheduler.Prune(r.Context(), s.deps.Retention)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": res})
}

// handlePurge deletes every item and attachment, then requests a full
// refetch.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var res retention.Result
	err := s.deps.Scheduler.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = s.deps.Purger.Purge(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	queued := s.deps.Scheduler.TriggerNow()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"deleted": res,
		"queued":  queued,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       s.deps.Scheduler.State().String(),
		"last_report": s.deps.Scheduler.LastReport(),
	})
}

// --- OPML ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLSize)
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no file provided"})
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("failed to parse OPML: %v", err)})
		return
	}

	batch := make([]catalog.ImportEntry, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, catalog.ImportEntry{Group: e.Group, Channel: e.Channel})
	}
	res, err := s.deps.Catalog.Import(r.Context(), batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": res.Imported,
		"total":    res.Total,
		"skipped":  nonNil(res.Skipped),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Catalog.ListGroups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	channels, err := s.deps.Catalog.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := opml.Export("telereader channels", groups, channels)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=telereader-channels.opml")
	_, _ = w.Write(data)
}

// --- Helpers ---

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Anything unrecognized
// is logged and reported as a 500 without its text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := s.errorResponse(r, err)
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads the body.
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, body)
}

func (s *Server) errorResponse(r *http.Request, err error) (int, errorBody) {
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: verr.Message, Field: verr.Field}
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not found"}
	case errors.Is(err, database.ErrDuplicate):
		return http.StatusConflict, errorBody{Error: "name already exists"}
	case errors.Is(err, database.ErrChannelNotEmpty):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, source.ErrAuthentication):
		return http.StatusBadGateway, errorBody{Error: "upstream session is not authorized"}
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable, errorBody{Error: "scheduler is not running"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Error: "timed out"}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorBody{Error: "canceled"}
	default:
		s.logger.Error("request error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (s *Server) badRequest(w http.ResponseWriter, field string, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: field})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id", Field: "id"})
		return 0, false
	}
	return id, true
}

func optionalID(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", v)
	}
	return &id, nil
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("not a non-negative number: %q", v)
	}
	return n, nil
}

// nonNil keeps empty listings encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
