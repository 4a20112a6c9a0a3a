package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spendsync/internal/audit"
	"spendsync/internal/config"
	"spendsync/internal/events"
	"spendsync/internal/insights"
	"spendsync/internal/mappings"
	"spendsync/internal/metrics"
	"spendsync/internal/model"
	"spendsync/internal/sharing"
	"spendsync/internal/throttle"
)

type Services struct {
	Insights      *insights.Service
	Categories    *mappings.Service
	Subcategories *mappings.Service
	Preferences   *sharing.Preferences
	Groups        *sharing.Groups
	Audit         *audit.Recorder
	Events        *events.Handler
}

type Server struct {
	cfg     *config.Manager
	svc     Services
	limiter *clientLimiter
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Storage    string        `json:"storage"`
	Kafka      bool          `json:"kafka"`
	Sharing    sharingStatus `json:"sharing"`
}

type sharingStatus struct {
	Timezone             string `json:"timezone"`
	PreferenceCooldown   string `json:"preference_cooldown"`
	PreferenceDailyLimit int    `json:"preference_daily_limit"`
	GroupCooldown        string `json:"group_cooldown"`
	GroupDailyLimit      int    `json:"group_daily_limit"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewServer(cfg *config.Manager, svc Services, logger *slog.Logger, version string) *Server {
	current := cfg.Get().API
	return &Server{
		cfg:     cfg,
		svc:     svc,
		limiter: newClientLimiter(current.RequestsPerSecond, current.Burst),
		logger:  logger,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	user := "/v1/apps/{app}/users/{user}"
	mux.HandleFunc("GET "+user+"/insights/profile", s.handleGetProfile)
	mux.HandleFunc("POST "+user+"/insights/shown", s.handleInsightShown)
	mux.HandleFunc("POST "+user+"/insights/{insight}/response", s.handleInsightResponse)
	mux.HandleFunc("DELETE "+user+"/insights/{insight}", s.handleDeleteInsight)
	mux.HandleFunc("POST "+user+"/insights/delete", s.handleDeleteInsights)
	mux.HandleFunc("POST "+user+"/insights/transactions", s.handleTrackTransaction)
	mux.HandleFunc("POST "+user+"/insights/reset", s.handleResetProfile)

	mux.HandleFunc("GET "+user+"/mappings/{kind}", s.handleListMappings)
	mux.HandleFunc("PUT "+user+"/mappings/{kind}", s.handleSaveMapping)
	mux.HandleFunc("GET "+user+"/mappings/{kind}/lookup", s.handleLookupMapping)
	mux.HandleFunc("GET "+user+"/mappings/{kind}/{id}", s.handleGetMapping)
	mux.HandleFunc("PATCH "+user+"/mappings/{kind}/{id}", s.handleUpdateMapping)
	mux.HandleFunc("DELETE "+user+"/mappings/{kind}/{id}", s.handleDeleteMapping)
	mux.HandleFunc("POST "+user+"/mappings/{kind}/{id}/usage", s.handleIncrementUsage)

	mux.HandleFunc("GET "+user+"/group-preferences/{group}", s.handleGetPreference)
	mux.HandleFunc("PUT "+user+"/group-preferences/{group}", s.handleSetPreference)

	mux.HandleFunc("POST /v1/apps/{app}/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /v1/apps/{app}/groups/{group}", s.handleGetGroup)
	mux.HandleFunc("PUT /v1/apps/{app}/groups/{group}/transaction-sharing", s.handleToggleGroup)
	mux.HandleFunc("POST /v1/apps/{app}/groups/{group}/members", s.handleJoinGroup)
	mux.HandleFunc("DELETE /v1/apps/{app}/groups/{group}/members/{user}", s.handleLeaveGroup)

	mux.HandleFunc("POST /v1/scan-events", s.handleScanEvents)

	mux.HandleFunc("GET /v1/throttle-events", s.handleThrottleEvents)
	mux.HandleFunc("DELETE /v1/throttle-events", s.handleClearThrottleEvents)

	return metrics.Middleware(s.limiter.middleware(mux))
}

func Start(ctx context.Context, cfg *config.Manager, svc Services, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, svc, logger, version)
	go server.limiter.janitor(ctx.Done())

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    cfg.Storage.Driver,
		Kafka:      cfg.Events.Kafka.Enabled,
		Sharing: sharingStatus{
			Timezone:             cfg.Sharing.Timezone,
			PreferenceCooldown:   cfg.Sharing.Preference.Cooldown.String(),
			PreferenceDailyLimit: cfg.Sharing.Preference.DailyLimit,
			GroupCooldown:        cfg.Sharing.Group.Cooldown.String(),
			GroupDailyLimit:      cfg.Sharing.Group.DailyLimit,
		},
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Insights.GetOrCreateProfile(r.Context(), r.PathValue("user"), r.PathValue("app"))
	s.respond(w, r, p, err)
}

func (s *Server) handleInsightShown(w http.ResponseWriter, r *http.Request) {
	var req insights.InsightShown
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.Insights.RecordInsightShown(r.Context(), r.PathValue("user"), r.PathValue("app"), req)
	s.respond(w, r, p, err)
}

func (s *Server) handleInsightResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response model.InsightResponse `json:"response"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.Insights.RecordInsightResponse(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("insight"), req.Response)
	s.respond(w, r, p, err)
}

func (s *Server) handleDeleteInsight(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Insights.DeleteInsight(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("insight"))
	s.respond(w, r, p, err)
}

func (s *Server) handleDeleteInsights(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InsightIDs []string `json:"insightIds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.Insights.DeleteInsights(r.Context(), r.PathValue("user"), r.PathValue("app"), req.InsightIDs)
	s.respond(w, r, p, err)
}

func (s *Server) handleTrackTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date model.Timestamp `json:"date"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	date, err := req.Date.Ptr()
	if err != nil || date == nil {
		s.writeError(w, r, model.Invalid("insights.track_transaction", "date is missing or unreadable"))
		return
	}
	p, err := s.svc.Insights.TrackTransaction(r.Context(), r.PathValue("user"), r.PathValue("app"), *date)
	s.respond(w, r, p, err)
}

func (s *Server) handleResetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Insights.ResetProfile(r.Context(), r.PathValue("user"), r.PathValue("app"))
	s.respond(w, r, p, err)
}

func (s *Server) mappingService(w http.ResponseWriter, r *http.Request) *mappings.Service {
	var svc *mappings.Service
	switch r.PathValue("kind") {
	case "categories":
		svc = s.svc.Categories
	case "subcategories":
		svc = s.svc.Subcategories
	}
	if svc == nil {
		s.writeError(w, r, model.NotFound("api.mappings", "mapping kind", r.PathValue("kind")))
	}
	return svc
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	list, err := svc.List(r.Context(), r.PathValue("user"), r.PathValue("app"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": list, "count": len(list)})
}

func (s *Server) handleSaveMapping(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	var req mappings.MappingInput
	if !s.decode(w, r, &req) {
		return
	}
	id, err := svc.Save(r.Context(), r.PathValue("user"), r.PathValue("app"), req)
	s.respond(w, r, map[string]string{"id": id}, err)
}

func (s *Server) handleLookupMapping(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	item := r.URL.Query().Get("item")
	m, ok, err := svc.Lookup(r.Context(), r.PathValue("user"), r.PathValue("app"), item)
	if err == nil && !ok {
		err = model.NotFound("mappings.lookup", "mapping for item", item)
	}
	s.respond(w, r, m, err)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	m, err := svc.Get(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("id"))
	s.respond(w, r, m, err)
}

func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	var req struct {
		TargetCategory    string `json:"targetCategory"`
		TargetSubcategory string `json:"targetSubcategory"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, err := svc.UpdateTarget(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("id"), req.TargetCategory, req.TargetSubcategory)
	s.respond(w, r, m, err)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	err := svc.Delete(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("id"))
	s.respond(w, r, map[string]string{"status": "ok"}, err)
}

func (s *Server) handleIncrementUsage(w http.ResponseWriter, r *http.Request) {
	svc := s.mappingService(w, r)
	if svc == nil {
		return
	}
	err := svc.IncrementUsage(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("id"))
	s.respond(w, r, map[string]string{"status": "ok"}, err)
}

type preferenceResponse struct {
	throttle.Result
	Preference *model.GroupPreference `json:"preference,omitempty"`
}

type groupToggleResponse struct {
	throttle.Result
	Group *model.SharedGroup `json:"group,omitempty"`
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	pref, err := s.svc.Preferences.Get(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("group"))
	s.respond(w, r, pref, err)
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShareMyTransactions *bool `json:"shareMyTransactions"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.ShareMyTransactions == nil {
		s.writeError(w, r, model.Invalid("sharing.set_share_my_transactions", "shareMyTransactions is required"))
		return
	}
	pref, res, err := s.svc.Preferences.SetShareMyTransactions(r.Context(), r.PathValue("user"), r.PathValue("app"), r.PathValue("group"), *req.ShareMyTransactions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Allowed {
		writeThrottled(w, res, preferenceResponse{Result: res})
		return
	}
	writeJSON(w, http.StatusOK, preferenceResponse{Result: res, Preference: &pref})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"ownerId"`
		Name    string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.svc.Groups.Create(r.Context(), r.PathValue("app"), req.OwnerID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.Groups.Get(r.Context(), r.PathValue("app"), r.PathValue("group"))
	s.respond(w, r, g, err)
}

func (s *Server) handleToggleGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actorId"`
		Enabled *bool  `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.writeError(w, r, model.Invalid("sharing.toggle_transaction_sharing", "enabled is required"))
		return
	}
	g, res, err := s.svc.Groups.ToggleTransactionSharing(r.Context(), r.PathValue("app"), r.PathValue("group"), req.ActorID, *req.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Allowed {
		writeThrottled(w, res, groupToggleResponse{Result: res})
		return
	}
	writeJSON(w, http.StatusOK, groupToggleResponse{Result: res, Group: &g})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.svc.Groups.Join(r.Context(), r.PathValue("app"), r.PathValue("group"), req.UserID)
	s.respond(w, r, g, err)
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Groups.Leave(r.Context(), r.PathValue("app"), r.PathValue("group"), r.PathValue("user"))
	s.respond(w, r, map[string]string{"status": "ok"}, err)
}

func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	if s.svc.Events == nil {
		s.writeError(w, r, model.NotFound("api.scan_events", "endpoint", r.URL.Path))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		s.writeError(w, r, model.Invalid("api.scan_events", "request body too large or unreadable"))
		return
	}
	res, err := s.svc.Events.HandleBatch(r.Context(), body)
	if errors.Is(err, events.ErrInvalidEvent) {
		s.writeError(w, r, &model.Error{Code: model.EINVALID, Op: "api.scan_events", Message: err.Error(), Err: err})
		return
	}
	s.respond(w, r, res, err)
}

func (s *Server) handleThrottleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.ThrottleEvent
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, r, model.Invalid("api.throttle_events", "since must be RFC 3339"))
			return
		}
		list = s.svc.Audit.Since(ts)
	} else {
		list = s.svc.Audit.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleClearThrottleEvents(w http.ResponseWriter, r *http.Request) {
	s.svc.Audit.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, model.Invalid("api.decode", "request body too large or unreadable"))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, r, model.Invalid("api.decode", "malformed JSON body"))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, payload any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case model.EINVALID:
		status = http.StatusBadRequest
	case model.ENOTFOUND:
		status = http.StatusNotFound
	case model.EFORBIDDEN:
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError && s.logger != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: model.ErrorMessage(err)})
}

// writeThrottled answers a blocked toggle. Cooldowns carry Retry-After in
// seconds; a daily limit has no meaningful retry time.
func writeThrottled(w http.ResponseWriter, res throttle.Result, payload any) {
	if res.Reason == throttle.ReasonCooldown && res.WaitMinutes > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.WaitMinutes*60))
	}
	writeJSON(w, http.StatusTooManyRequests, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
