package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/config"
	"github.com/openkiosk/orchestrator/internal/sessionapi"
	"github.com/openkiosk/orchestrator/internal/storage"
)

// Server wires the hub, dispatcher, and state machine together and
// manages their lifecycle.
type Server struct {
	cfg     *config.OrchestratorConfig
	logger  *zap.Logger
	hub     *Hub
	machine *SessionManager
	alerts  *AlertNotifier
	labels  *LabelMap

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	wsShutdown      func(ctx context.Context) error
	metricsShutdown func(ctx context.Context) error
}

func NewServer(cfg *config.OrchestratorConfig, journal *storage.Journal, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(
		ctx,
		cfg.Server.AuthToken,
		cfg.Server.AllowedOrigins,
		time.Duration(cfg.Server.HeartbeatIntervalSec)*time.Second,
		cfg.Server.HeartbeatTimeoutCount,
		logger,
	)

	labels, err := NewLabelMap(cfg.Vision.LabelMapPath, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load label map: %w", err)
	}

	var alerts *AlertNotifier
	if cfg.Alerts.Discord.BotToken != "" {
		alerts, err = NewAlertNotifier(cfg.Alerts.Discord.BotToken, cfg.Alerts.Discord.ChannelID, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create alert notifier: %w", err)
		}
	}

	remote := sessionapi.NewClient(
		cfg.Remote.BaseURL,
		cfg.Server.AuthToken,
		time.Duration(cfg.Remote.RequestTimeoutSec)*time.Second,
		logger,
	)

	machine, err := NewSessionManager(
		ctx,
		SessionManagerConfig{
			StoreID:         cfg.Remote.StoreID,
			KioskID:         cfg.Remote.KioskID,
			StabilityWindow: time.Duration(cfg.Session.StabilityWindowMS) * time.Millisecond,
			SettleDelay:     time.Duration(cfg.Session.SettleDelayMS) * time.Millisecond,
			CardDedupWindow: time.Duration(cfg.Session.CardDedupWindowMS) * time.Millisecond,
			SessionTTL:      time.Duration(cfg.Session.TTLSec) * time.Second,
			RemoteTimeout:   time.Duration(cfg.Remote.RequestTimeoutSec) * time.Second,
		},
		remote,
		hub,
		labels,
		journal,
		alerts,
		logger,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	presence := NewPresenceDetector(
		cfg.Presence.ThresholdCM,
		cfg.Presence.HysteresisCM,
		time.Duration(cfg.Presence.CooldownMS)*time.Millisecond,
	)

	dispatcher, err := NewDispatcher(machine, presence, cfg.Remote.KioskID, cfg.Controller.MinVersion, cfg.Vision.ConfThreshold, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	hub.SetInboundHandler(dispatcher.Handle)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		machine: machine,
		alerts:  alerts,
		labels:  labels,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start brings up the WebSocket endpoint, the metrics endpoint, and
// the hub loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("orchestrator starting",
		zap.Int("port", s.cfg.Server.Port),
		zap.String("kiosk_id", s.cfg.Remote.KioskID),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	if s.alerts != nil {
		if err := s.alerts.Start(); err != nil {
			s.logger.Warn("alert notifier failed to start", zap.Error(err))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/labels/reload", s.handleLabelReload)

	wsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server error", zap.Error(err))
		}
	}()
	s.wsShutdown = wsSrv.Shutdown

	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			Handler: metricsMux,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
		s.metricsShutdown = metricsSrv.Shutdown
	}

	s.logger.Info("orchestrator started successfully",
		zap.Int("port", s.cfg.Server.Port))

	return nil
}

// Stop gracefully shuts everything down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.mu.Unlock()

	s.logger.Info("orchestrator shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if s.wsShutdown != nil {
		if err := s.wsShutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket server shutdown error", zap.Error(err))
		}
	}
	if s.metricsShutdown != nil {
		if err := s.metricsShutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.alerts != nil {
		s.alerts.Stop()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("orchestrator shutdown complete")
	case <-time.After(10 * time.Second):
		s.logger.Warn("orchestrator shutdown timeout exceeded")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Sessions() *SessionManager {
	return s.machine
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// handleLabelReload lets store staff pick up label map edits without a
// restart.
func (s *Server) handleLabelReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.labels.Reload(); err != nil {
		s.logger.Error("label map reload failed", zap.Error(err))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"labels": s.labels.Len(),
	})
}
