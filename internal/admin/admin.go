// Package admin serves the agent's health, status and metrics endpoints.
package admin

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/gridrepl/gridrepl/internal/channel"
	"github.com/gridrepl/gridrepl/internal/metrics"
	"github.com/gridrepl/gridrepl/internal/tracing"
)

// StatusSource reports what the agent is doing.
type StatusSource interface {
	ActiveOperations() int
	Channels() []channel.Channel
}

// AdminServer provides an HTTP interface for metrics and health checks.
type AdminServer struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
	status   StatusSource
	logger   zerolog.Logger
}

// NewAdminServer creates a new admin server. A nil status source disables
// the /status endpoint.
func NewAdminServer(status StatusSource, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		mux:    http.NewServeMux(),
		status: status,
		logger: logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("/health", healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	if status != nil {
		s.mux.HandleFunc("/status", s.statusHandler)
	}
	return s
}

// EnableTrace serves flight recorder snapshots on /debug/trace. Call it
// before Start.
func (s *AdminServer) EnableTrace(r *tracing.Recorder) {
	s.mux.HandleFunc("/debug/trace", func(w http.ResponseWriter, req *http.Request) {
		traceHandler(w, r)
	})
}

// Handler returns the router of the server.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type channelStatus struct {
	ID          channel.ID `json:"id"`
	Source      string     `json:"source"`
	Dest        string     `json:"dest"`
	Status      string     `json:"status"`
	QueuedFiles int        `json:"queued_files"`
	QueuedSize  int64      `json:"queued_size"`
	TimeToStart *float64   `json:"time_to_start"` // null when the channel never drains
}

type statusResponse struct {
	ActiveOperations int             `json:"active_operations"`
	Channels         []channelStatus `json:"channels"`
}

func (s *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ActiveOperations: s.status.ActiveOperations(),
		Channels:         []channelStatus{},
	}
	for _, c := range s.status.Channels() {
		var wait *float64
		if t := c.TimeToStart(); !math.IsInf(t, 0) {
			wait = &t
		}
		resp.Channels = append(resp.Channels, channelStatus{
			ID:          c.ID,
			Source:      c.Source,
			Dest:        c.Dest,
			Status:      c.Status.String(),
			QueuedFiles: c.QueuedFiles,
			QueuedSize:  c.QueuedSize,
			TimeToStart: wait,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Writing status response failed")
	}
}

// traceHandler returns a runtime trace snapshot.
// The output is compatible with `go tool trace`.
func traceHandler(w http.ResponseWriter, r *tracing.Recorder) {
	if !r.Enabled() {
		http.Error(w, "tracing not enabled (set tracing.enabled in the config)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

	if err := r.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
