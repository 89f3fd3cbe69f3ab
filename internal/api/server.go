// Package api is the operator control plane: kill switch, status, strategy
// flags, health, and metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"polytrader/internal/domain"
	"polytrader/internal/exit"
	"polytrader/internal/orders"
	"polytrader/internal/risk"
	"polytrader/internal/storage"
)

// Server serves the control-plane API.
type Server struct {
	router     *mux.Router
	riskMgr    *risk.Manager
	ctrl       *exit.Controller
	orderMgr   *orders.Manager
	strategies storage.StrategyStore
	metrics    http.Handler
	signals    chan<- domain.Signal
	log        *zap.Logger

	httpServer *http.Server
}

// SetSignalSink enables POST /signals, forwarding decoded signals to ch.
// Call before Handler or Start.
func (s *Server) SetSignalSink(ch chan<- domain.Signal) {
	s.signals = ch
	s.router.HandleFunc("/signals", s.handleSignal).Methods("POST")
}

// NewServer wires routes. metrics may be nil to omit the /metrics endpoint.
func NewServer(
	riskMgr *risk.Manager,
	ctrl *exit.Controller,
	orderMgr *orders.Manager,
	strategies storage.StrategyStore,
	metrics http.Handler,
	log *zap.Logger,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		riskMgr:    riskMgr,
		ctrl:       ctrl,
		orderMgr:   orderMgr,
		strategies: strategies,
		metrics:    metrics,
		log:        log.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/kill-switch", s.handleGetKillSwitch).Methods("GET")
	s.router.HandleFunc("/kill-switch", s.handleActivateKillSwitch).Methods("POST")
	s.router.HandleFunc("/kill-switch", s.handleDeactivateKillSwitch).Methods("DELETE")

	s.router.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/strategies/{name}", s.handleSetStrategy).Methods("PUT")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the routed handler with CORS applied, for tests and for
// embedding in another server.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control plane listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// killSwitchResponse is the wire shape of the switch state.
type killSwitchResponse struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

func (s *Server) killSwitchState() killSwitchResponse {
	ks := s.riskMgr.KillSwitch()
	if ks == nil {
		return killSwitchResponse{}
	}
	active, reason, at := ks.State()
	return killSwitchResponse{Active: active, Reason: reason, ActivatedAt: at}
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.killSwitchState())
}

func (s *Server) handleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	ks := s.riskMgr.KillSwitch()
	if ks == nil {
		writeError(w, http.StatusServiceUnavailable, "kill switch not configured")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.Reason == "" {
		body.Reason = "manual api halt"
	}

	if err := ks.Activate(body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn("kill switch activated via api", zap.String("reason", body.Reason))
	writeJSON(w, http.StatusOK, s.killSwitchState())
}

func (s *Server) handleDeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	ks := s.riskMgr.KillSwitch()
	if ks == nil {
		writeError(w, http.StatusServiceUnavailable, "kill switch not configured")
		return
	}

	if err := ks.Deactivate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn("kill switch deactivated via api")
	writeJSON(w, http.StatusOK, s.killSwitchState())
}

// positionView is the wire shape of one open position.
type positionView struct {
	Strategy      string    `json:"strategy"`
	Symbol        string    `json:"symbol"`
	WindowKey     string    `json:"window_key"`
	Outcome       string    `json:"outcome"`
	State         string    `json:"state"`
	EntryPrice    float64   `json:"entry_price"`
	Shares        float64   `json:"shares"`
	CostBasis     float64   `json:"cost_basis"`
	HighWaterMark float64   `json:"high_water_mark"`
	LockedFloor   float64   `json:"locked_floor"`
	OpenedAt      time.Time `json:"opened_at"`
	WindowEnd     time.Time `json:"window_end"`
}

// statusResponse aggregates everything an operator checks first.
type statusResponse struct {
	KillSwitch killSwitchResponse `json:"kill_switch"`
	Risk       risk.State         `json:"risk"`
	Positions  []positionView     `json:"positions"`
	OpenOrders int                `json:"open_orders"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	positions := s.ctrl.Positions()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			Strategy:      p.Strategy,
			Symbol:        p.Symbol,
			WindowKey:     p.WindowKey,
			Outcome:       string(p.Outcome),
			State:         string(p.State),
			EntryPrice:    p.EntryPrice,
			Shares:        p.Shares,
			CostBasis:     p.CostBasis,
			HighWaterMark: p.HighWaterMark,
			LockedFloor:   p.LockedFloor,
			OpenedAt:      p.OpenedAt,
			WindowEnd:     p.WindowEndTime,
		})
	}

	writeJSON(w, http.StatusOK, statusResponse{
		KillSwitch: s.killSwitchState(),
		Risk:       s.riskMgr.Snapshot(),
		Positions:  views,
		OpenOrders: s.orderMgr.CountOpen(),
	})
}

// signalRequest is the wire shape of a strategy signal.
type signalRequest struct {
	Strategy string  `json:"strategy"`
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Side     string  `json:"side"`
	Size     float64 `json:"size"`
	Reason   string  `json:"reason"`
}

// handleSignal accepts a signal from an external strategy process. The queue
// is bounded: a full trader is a refusal, not a hang.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var body signalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	sig := domain.Signal{
		Strategy:  body.Strategy,
		Symbol:    body.Symbol,
		Action:    domain.Action(body.Action),
		Side:      domain.OutcomeSide(body.Side),
		Size:      body.Size,
		Reason:    body.Reason,
		Timestamp: time.Now(),
	}
	if !sig.Actionable() {
		writeError(w, http.StatusBadRequest, "signal not actionable")
		return
	}

	select {
	case s.signals <- sig:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		writeError(w, http.StatusServiceUnavailable, "signal queue full")
	}
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	if s.strategies == nil {
		writeJSON(w, http.StatusOK, map[string]bool{})
		return
	}
	flags, err := s.strategies.GetAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	if s.strategies == nil {
		writeError(w, http.StatusServiceUnavailable, "strategy store not configured")
		return
	}

	name := mux.Vars(r)["name"]
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}

	if err := s.strategies.SetEnabled(r.Context(), name, *body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("strategy flag updated",
		zap.String("strategy", name),
		zap.Bool("enabled", *body.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{name: *body.Enabled})
}
