// Package server provides the local HTTP bridge the host view talks to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/geo"
	"github.com/bryan-buckman/nearby/internal/model"
	"github.com/bryan-buckman/nearby/internal/notify"
	"github.com/bryan-buckman/nearby/internal/optimistic"
	"github.com/bryan-buckman/nearby/internal/session"
)

// Server is the host bridge HTTP server.
type Server struct {
	hub       *session.Hub
	registrar *notify.Registrar
	bridge    *notify.HostBridge
	locator   *geo.HostLocator
	log       *zap.Logger
	router    chi.Router

	mu  sync.Mutex
	srv *http.Server
}

// New creates a new server.
func New(hub *session.Hub, registrar *notify.Registrar, bridge *notify.HostBridge, locator *geo.HostLocator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		hub:       hub,
		registrar: registrar,
		bridge:    bridge,
		locator:   locator,
		log:       log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/views/{view}", func(r chi.Router) {
			r.Get("/", s.handleView)
			r.Delete("/", s.handleUnmount)
			r.Post("/more", s.handleMore)
			r.Post("/accept", s.handleAccept)
			r.Post("/visibility", s.handleVisibility)
			r.Post("/filters", s.handleFilters)
			r.Post("/items", s.handleSubmit)
		})
		r.Post("/location", s.handleLocation)
		r.Get("/notifications", s.handleNotificationStatus)
		r.Post("/notifications", s.handleEnableNotifications)
	})

	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info("server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// --- View handlers ---

type viewResponse struct {
	Status  session.Status `json:"status"`
	Items   []model.Item   `json:"items"`
	Notices []string       `json:"notices,omitempty"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	s.writeView(w, http.StatusOK, sess)
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	view := model.ViewKey(chi.URLParam(r, "view"))
	if !s.hub.Close(view) {
		writeError(w, http.StatusNotFound, "view not mounted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMore(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if _, err := sess.LoadMore(r.Context()); err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeView(w, http.StatusOK, sess)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if err := sess.AcceptNew(r.Context()); err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeView(w, http.StatusOK, sess)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	sess.SetVisible(req.Visible)
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	var f model.Filters
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if err := sess.SetFilters(r.Context(), f); err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeView(w, http.StatusOK, sess)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p model.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	item, err := sess.Submit(r.Context(), p)
	switch {
	case errors.Is(err, optimistic.ErrEmpty):
		writeError(w, http.StatusBadRequest, "content is required")
	case errors.Is(err, optimistic.ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "rejected",
			"notices": sess.TakeNotices(),
		})
	case err != nil:
		s.sessionError(w, err)
	default:
		writeJSON(w, http.StatusCreated, item)
	}
}

// --- Host input handlers ---

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	var loc *model.Location
	if req.Latitude != nil && req.Longitude != nil {
		loc = &model.Location{Latitude: *req.Latitude, Longitude: *req.Longitude}
		if s.locator != nil {
			s.locator.Offer(*loc)
		}
	}
	if sess, ok := s.hub.Get(model.FeedView); ok {
		if err := sess.SetLocation(r.Context(), loc); err != nil {
			s.log.Warn("refetch after location change failed", zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotificationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registrar.Status())
}

func (s *Server) handleEnableNotifications(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	// An empty body asks the registrar to wait for a token pushed later.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}
	if req.Token != "" && s.bridge != nil {
		s.bridge.Supply(req.Token)
	}
	st, err := s.registrar.Enable(r.Context())
	if errors.Is(err, notify.ErrBusy) {
		writeJSON(w, http.StatusConflict, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Helpers ---

func (s *Server) open(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	view := model.ViewKey(chi.URLParam(r, "view"))
	sess, err := s.hub.Open(view)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) writeView(w http.ResponseWriter, code int, sess *session.Session) {
	items := sess.Items()
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, code, viewResponse{
		Status:  sess.Status(),
		Items:   items,
		Notices: sess.TakeNotices(),
	})
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrUnmounted) {
		writeError(w, http.StatusGone, "view unmounted")
		return
	}
	s.log.Warn("request failed", zap.Error(err))
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
