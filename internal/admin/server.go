package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"binance-signal-bot-go/internal/manager"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/persistence"
	"binance-signal-bot-go/internal/pricefeed"

	"go.uber.org/zap"
)

// Server exposes the operator API: inspect the fleet, start and stop
// individual bots, and force a clock resync. It binds to a local admin
// port and carries no authentication of its own.
type Server struct {
	mgr    *manager.Manager
	store  persistence.Store
	feed   *pricefeed.Feed // nil when the price feed is disabled
	logger *zap.SugaredLogger
	http   *http.Server
}

// New builds the admin server on addr.
func New(addr string, mgr *manager.Manager, store persistence.Store, feed *pricefeed.Feed, logger *zap.SugaredLogger) *Server {
	s := &Server{
		mgr:    mgr,
		store:  store,
		feed:   feed,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("admin server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /bots", s.handleListBots)
	mux.HandleFunc("POST /bots", s.handleCreateBot)
	mux.HandleFunc("GET /bots/{id}", s.handleGetBot)
	mux.HandleFunc("POST /bots/{id}/start", s.handleStartBot)
	mux.HandleFunc("POST /bots/{id}/stop", s.handleStopBot)
	mux.HandleFunc("GET /bots/{id}/trades", s.handleListTrades)
	mux.HandleFunc("GET /bots/{id}/signals", s.handleListSignals)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("GET /prices", s.handlePrices)
	return mux
}

// botView is a bot record plus whether its loop is live in this process.
type botView struct {
	models.BotRecord
	Live    bool    `json:"live"`
	WinRate float64 `json:"win_rate"`
}

func (s *Server) view(rec models.BotRecord) botView {
	return botView{
		BotRecord: rec,
		Live:      s.mgr.IsActive(rec.Config.ID),
		WinRate:   rec.WinRate(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	records, err := s.mgr.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]botView, len(records))
	for i, rec := range records {
		views[i] = s.view(rec)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreateBot registers a new bot config and starts its loop.
func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var cfg models.BotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if cfg.ID == "" || cfg.Symbol == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and symbol are required"))
		return
	}

	if err := s.mgr.Start(cfg); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "started", "id": cfg.ID})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Status(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*rec))
}

// handleStartBot restarts a bot from its persisted config.
func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Status(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if err := s.mgr.Start(rec.Config); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "id": rec.Config.ID})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Stop(id); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.PathValue("id"), listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListIndicatorLogs(r.PathValue("id"), listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleResync forces a clock resync and restarts every live loop.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.ResyncAll(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resynced"})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusNotFound, errors.New("price feed disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Snapshot())
}

func listLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}
	return limit
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrUnknownBot):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, manager.ErrAlreadyRunning), errors.Is(err, manager.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, manager.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
