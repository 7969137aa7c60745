package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FeedStatus reports whether the MLLP feed connection is up.
type FeedStatus interface {
	IsConnected() bool
}

// StorageStatus reports whether startup recovery has completed.
type StorageStatus interface {
	Initialised() bool
}

type Server struct {
	srv     *http.Server
	feed    FeedStatus
	storage StorageStatus
	logger  *zap.Logger
}

func NewServer(addr string, feed FeedStatus, storage StorageStatus, logger *zap.Logger) *Server {
	s := &Server{
		feed:    feed,
		storage: storage,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.storage != nil && s.storage.Initialised() {
		checks["storage"] = "ok"
	} else {
		checks["storage"] = "not_initialised"
		allOK = false
	}

	if s.feed != nil && s.feed.IsConnected() {
		checks["mllp_feed"] = "ok"
	} else {
		checks["mllp_feed"] = "not_connected"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
