// Package ops exposes the operator HTTP surface: health, a JSON status
// aggregate, Prometheus metrics, and the manual kill switch and trading mode
// controls.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantsentinel/trading-core/internal/config"
	"github.com/quantsentinel/trading-core/internal/logger"
	"github.com/quantsentinel/trading-core/internal/types"
	"go.uber.org/zap"
)

// RiskStatusSource supplies the risk engine snapshot.
type RiskStatusSource interface {
	Status() types.RiskStatus
}

// ShadowStatusSource supplies the shadow controller snapshot and mode controls.
type ShadowStatusSource interface {
	GetStatus() types.ShadowStatus
	SetMode(mode types.TradingMode) error
	SetCanaryPercentage(pct int) error
}

// KillSwitchControl is the manual switch surface.
type KillSwitchControl interface {
	State() types.KillSwitchState
	Activate(trigger types.KillSwitchTrigger, reason string, metadata map[string]string) (*types.KillSwitchEvent, error)
	Deactivate(reason string) (*types.KillSwitchEvent, error)
}

// Server is the operator HTTP server.
type Server struct {
	cfg        config.OpsConfig
	risk       RiskStatusSource
	shadow     ShadowStatusSource
	killSwitch KillSwitchControl
	registry   *prometheus.Registry
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates the ops server. registry may be nil when metrics are not
// collected.
func NewServer(cfg config.OpsConfig, risk RiskStatusSource, shadow ShadowStatusSource, killSwitch KillSwitchControl, registry *prometheus.Registry, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		risk:       risk,
		shadow:     shadow,
		killSwitch: killSwitch,
		registry:   registry,
		log:        log,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/killswitch/activate", s.handleKillSwitchActivate).Methods(http.MethodPost)
	router.HandleFunc("/killswitch/deactivate", s.handleKillSwitchDeactivate).Methods(http.MethodPost)
	router.HandleFunc("/mode", s.handleSetMode).Methods(http.MethodPost)

	if s.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return router
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("ops server listening", zap.String("addr", s.cfg.ListenAddr))

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse aggregates every component's snapshot into one page.
type statusResponse struct {
	KillSwitch types.KillSwitchState `json:"kill_switch"`
	Risk       types.RiskStatus      `json:"risk"`
	Shadow     types.ShadowStatus    `json:"shadow"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		KillSwitch: s.killSwitch.State(),
		Risk:       s.risk.Status(),
		Shadow:     s.shadow.GetStatus(),
	})
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reason is required"})

		return
	}

	event, err := s.killSwitch.Activate(types.KillSwitchTriggerManual, req.Reason, map[string]string{
		"source": "ops_api",
		"remote": r.RemoteAddr,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})

		return
	}

	if event == nil {
		// Already engaged.
		writeJSON(w, http.StatusOK, map[string]string{"state": string(s.killSwitch.State())})

		return
	}

	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reason is required"})

		return
	}

	event, err := s.killSwitch.Deactivate(req.Reason)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})

		return
	}

	if event == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": string(s.killSwitch.State())})

		return
	}

	writeJSON(w, http.StatusOK, event)
}

type modeRequest struct {
	Mode             string `json:"mode"`
	CanaryPercentage *int   `json:"canary_percentage,omitempty"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

		return
	}

	mode, err := types.ParseTradingMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	if err := s.shadow.SetMode(mode); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})

		return
	}

	if req.CanaryPercentage != nil {
		if err := s.shadow.SetCanaryPercentage(*req.CanaryPercentage); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

			return
		}
	}

	writeJSON(w, http.StatusOK, s.shadow.GetStatus())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
