// Package api serves the station's REST API over HTTPS and, optionally,
// HTTP/3 on the same port.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/vigil/internal/camera"
	"github.com/zsiec/vigil/internal/certs"
	"github.com/zsiec/vigil/internal/sink"
	"github.com/zsiec/vigil/internal/station"
)

// Station is the device service behind the API. *station.Station
// implements it.
type Station interface {
	Cameras() []camera.Snapshot
	Camera(id string) (camera.Snapshot, error)
	ResetCamera(id string) error
	RetryCameraStatus(id string) error
	VitalsDevices() []station.VitalsView
	Vitals(device string) (station.VitalsView, error)
	WriteWaveformPNG(device string, w io.Writer) error
	Gateways() []station.GatewayView
	StartMonitor(id string) error
	StopMonitor(id string) error
}

// SinkStats reports telemetry sink counters.
type SinkStats func() sink.DispatcherStats

// ServerConfig holds the configuration for the API Server.
type ServerConfig struct {
	Addr    string
	Cert    *certs.CertInfo
	Station Station
	// HTTP3 also serves the API over QUIC on Addr.
	HTTP3     bool
	SinkStats SinkStats
	Version   string
	Log       *slog.Logger
}

// Server is the HTTPS + HTTP/3 API server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
}

// NewServer creates an API Server with the given configuration. It returns
// an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Station == nil {
		return nil, errors.New("api: Station is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "api")}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cameras", s.handleListCameras)
	mux.HandleFunc("GET /api/cameras/{id}", s.handleCamera)
	mux.HandleFunc("POST /api/cameras/{id}/reset", s.handleCameraReset)
	mux.HandleFunc("POST /api/cameras/{id}/status/retry", s.handleCameraStatusRetry)
	mux.HandleFunc("GET /api/vitals", s.handleListVitals)
	mux.HandleFunc("GET /api/vitals/{id}", s.handleVitals)
	mux.HandleFunc("GET /api/vitals/{id}/waveform.png", s.handleWaveform)
	mux.HandleFunc("GET /api/gateways", s.handleListGateways)
	mux.HandleFunc("POST /api/gateways/{id}/monitor", s.handleMonitorStart)
	mux.HandleFunc("DELETE /api/gateways/{id}/monitor", s.handleMonitorStop)
	mux.HandleFunc("GET /api/sinks", s.handleSinks)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/version", s.handleVersion)
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener to TCP clients.
func altSvcMiddleware(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h3.SetQUICHeaders(w.Header()); err != nil {
			slog.Debug("set alt-svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStationError maps station errors to status codes.
func writeStationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, station.ErrCameraNotFound),
		errors.Is(err, station.ErrVitalsNotFound),
		errors.Is(err, station.ErrGatewayNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, station.ErrNoStatusSource):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, station.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Start serves HTTPS, plus HTTP/3 when enabled, and blocks until the
// context is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := s.config.Cert.TLSConfig()
	handler := s.Handler()

	var h3 *http3.Server
	if s.config.HTTP3 {
		h3 = &http3.Server{
			Addr:      s.config.Addr,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
		handler = altSvcMiddleware(h3, handler)
	}

	httpsSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpsSrv.Shutdown(shutdownCtx)
		if h3 != nil {
			h3.Close()
		}
	})
	defer stop()

	errc := make(chan error, 2)
	go func() {
		s.log.Info("HTTPS API server listening", "addr", s.config.Addr)
		errc <- httpsSrv.ListenAndServeTLS("", "")
	}()
	if h3 != nil {
		go func() {
			s.log.Info("HTTP/3 API server listening", "addr", s.config.Addr)
			errc <- h3.ListenAndServe()
		}()
	}

	err := <-errc
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	httpsSrv.Close()
	if h3 != nil {
		h3.Close()
	}
	return fmt.Errorf("api: %w", err)
}

type certHashResponse struct {
	Hash     string    `json:"hash"`
	Addr     string    `json:"addr"`
	NotAfter time.Time `json:"not_after"`
}

func (s *Server) handleListCameras(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Station.Cameras())
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	snap, err := s.config.Station.Camera(r.PathValue("id"))
	if err != nil {
		writeStationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCameraReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Station.ResetCamera(id); err != nil {
		writeStationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resetting", "camera": id})
}

func (s *Server) handleCameraStatusRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Station.RetryCameraStatus(id); err != nil {
		writeStationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "camera": id})
}

func (s *Server) handleListVitals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Station.VitalsDevices())
}

func (s *Server) handleVitals(w http.ResponseWriter, r *http.Request) {
	v, err := s.config.Station.Vitals(r.PathValue("id"))
	if err != nil {
		writeStationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.config.Station.WriteWaveformPNG(r.PathValue("id"), &buf); err != nil {
		writeStationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Station.Gateways())
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Station.StartMonitor(id); err != nil {
		writeStationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "monitoring", "gateway": id})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Station.StopMonitor(id); err != nil {
		writeStationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "gateway": id})
}

func (s *Server) handleSinks(w http.ResponseWriter, _ *http.Request) {
	if s.config.SinkStats == nil {
		writeJSON(w, http.StatusOK, sink.DispatcherStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SinkStats())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:     s.config.Cert.FingerprintBase64(),
		Addr:     s.config.Addr,
		NotAfter: s.config.Cert.NotAfter.UTC(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.config.Version})
}
