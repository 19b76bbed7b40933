// Package gatewaysim simulates a bedside device gateway and the CARE camera
// action endpoints for local development and end-to-end tests. It streams a
// synthetic fMP4 camera feed over WebSocket with an HLS rendition, HL7
// vitals observations over WebSocket, and the gateway health status.
package gatewaysim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/vigil/internal/careapi"
	"github.com/zsiec/vigil/internal/fmp4"
	"github.com/zsiec/vigil/internal/mse"
	"github.com/zsiec/vigil/internal/playback"
)

const (
	DefaultCodec            = "avc1.42E01E"
	DefaultFragment         = time.Second
	DefaultNumericInterval  = time.Second
	DefaultWaveformInterval = 250 * time.Millisecond

	timescale     = 90000
	framesPerFrag = 30
	writeTimeout  = 5 * time.Second
	liveSegments  = 3
)

// Config tunes the simulator.
type Config struct {
	// RequireToken rejects camera streams whose token was not issued by the
	// stream_token endpoint. Tokens are not bound to a stream.
	RequireToken     bool
	Codec            string
	Fragment         time.Duration
	NumericInterval  time.Duration
	WaveformInterval time.Duration
	PatientID        string
	PatientName      string
	Log              *slog.Logger
}

// Stats are cumulative simulator counters.
type Stats struct {
	StreamConns      int64 `json:"stream_conns"`
	RejectedStreams  int64 `json:"rejected_streams"`
	ObservationConns int64 `json:"observation_conns"`
	TokensIssued     int64 `json:"tokens_issued"`
	HealthChecks     int64 `json:"health_checks"`
}

// Simulator serves every gateway endpoint from one handler.
type Simulator struct {
	log      *slog.Logger
	config   Config
	upgrader websocket.Upgrader
	start    time.Time

	mu       sync.Mutex
	tokens   map[string]bool // issued stream tokens
	statuses map[string]careapi.CameraStatus
	database bool

	streamConns      atomic.Int64
	rejectedStreams  atomic.Int64
	observationConns atomic.Int64
	tokensIssued     atomic.Int64
	healthChecks     atomic.Int64
}

// New creates a Simulator.
func New(config Config) *Simulator {
	if config.Codec == "" {
		config.Codec = DefaultCodec
	}
	if config.Fragment <= 0 {
		config.Fragment = DefaultFragment
	}
	if config.NumericInterval <= 0 {
		config.NumericInterval = DefaultNumericInterval
	}
	if config.WaveformInterval <= 0 {
		config.WaveformInterval = DefaultWaveformInterval
	}
	if config.PatientID == "" {
		config.PatientID = "SIM-0001"
	}
	if config.PatientName == "" {
		config.PatientName = "SIMULATED^PATIENT"
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		log:    log.With("component", "gatewaysim"),
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		start:    time.Now(),
		tokens:   make(map[string]bool),
		statuses: make(map[string]careapi.CameraStatus),
		database: true,
	}
}

// Handler returns the simulator's HTTP handler.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{id}/channel/0/mse", s.handleMSE)
	mux.HandleFunc("GET /stream/{id}/channel/0/hls/live/index.m3u8", s.handlePlaylist)
	mux.HandleFunc("GET /stream/{id}/channel/0/hls/live/{segment}", s.handleSegment)
	mux.HandleFunc("GET /observations/{device}", s.handleObservations)
	mux.HandleFunc("GET /health/status", s.handleHealth)
	mux.HandleFunc("GET /api/camera_device/actions/{id}/stream_token/", s.handleStreamToken)
	mux.HandleFunc("GET /api/camera_device/actions/{id}/get_status/", s.handleCameraStatus)
	return mux
}

// Stats returns the simulator counters.
func (s *Simulator) Stats() Stats {
	return Stats{
		StreamConns:      s.streamConns.Load(),
		RejectedStreams:  s.rejectedStreams.Load(),
		ObservationConns: s.observationConns.Load(),
		TokensIssued:     s.tokensIssued.Load(),
		HealthChecks:     s.healthChecks.Load(),
	}
}

// SetDatabase sets the database flag reported by the health endpoint.
func (s *Simulator) SetDatabase(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.database = ok
}

// SetCameraStatus overrides the status reported for a camera.
func (s *Simulator) SetCameraStatus(id string, st careapi.CameraStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func (s *Simulator) handleStreamToken(w http.ResponseWriter, _ *http.Request) {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()
	s.tokensIssued.Add(1)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Simulator) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	st, ok := s.statuses[id]
	s.mu.Unlock()
	if !ok {
		st = careapi.CameraStatus{MoveStatus: careapi.MoveStatus{PanTilt: careapi.MoveIdle, Zoom: careapi.MoveIdle}}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Simulator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.healthChecks.Add(1)
	s.mu.Lock()
	db := s.database
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"server": true, "database": db})
}

func (s *Simulator) tokenValid(token string) bool {
	if !s.config.RequireToken {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

// session wraps an upgraded socket with a reader that cancels ctx when the
// peer goes away. Only the caller's goroutine writes.
type session struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (s *Simulator) upgrade(w http.ResponseWriter, r *http.Request) (*session, context.CancelFunc, error) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return &session{conn: conn, ctx: ctx}, func() {
		cancel()
		conn.Close()
	}, nil
}

func (ss *session) write(kind int, data []byte) error {
	ss.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ss.conn.WriteMessage(kind, data)
}

func (s *Simulator) handleMSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.tokenValid(r.URL.Query().Get("token")) {
		s.rejectedStreams.Add(1)
		// The gateway accepts the socket and never sends media for a bad
		// token.
		ss, closeFn, err := s.upgrade(w, r)
		if err != nil {
			return
		}
		defer closeFn()
		s.log.Warn("stream token rejected", "stream", id)
		<-ss.ctx.Done()
		return
	}

	ss, closeFn, err := s.upgrade(w, r)
	if err != nil {
		s.log.Error("websocket upgrade failed", "stream", id, "error", err)
		return
	}
	defer closeFn()
	s.streamConns.Add(1)
	log := s.log.With("stream", id, "remote", r.RemoteAddr)
	log.Info("camera stream connected")

	handshake := append([]byte{mse.HandshakeMarker}, s.config.Codec...)
	if err := ss.write(websocket.BinaryMessage, handshake); err != nil {
		return
	}
	if err := ss.write(websocket.BinaryMessage, fmp4.InitSegment(timescale, 1280, 720)); err != nil {
		return
	}

	ticker := time.NewTicker(s.config.Fragment)
	defer ticker.Stop()
	for seq := uint32(1); ; seq++ {
		if err := ss.write(websocket.BinaryMessage, s.fragment(seq-1)); err != nil {
			log.Debug("camera stream write failed", "error", err)
			return
		}
		select {
		case <-ss.ctx.Done():
			log.Info("camera stream closed")
			return
		case <-ticker.C:
		}
	}
}

// fragment builds media fragment n (zero based) of the synthetic stream.
func (s *Simulator) fragment(n uint32) []byte {
	ticks := uint64(s.config.Fragment.Seconds() * timescale)
	frame := uint32(ticks / framesPerFrag)
	durations := make([]uint32, framesPerFrag)
	for i := range durations {
		durations[i] = frame
	}
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(int(n) + i)
	}
	return fmp4.Fragment(n+1, uint64(n)*uint64(frame)*framesPerFrag, durations, payload)
}

func (s *Simulator) liveSequence() int {
	return int(time.Since(s.start) / s.config.Fragment)
}

func (s *Simulator) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if !s.tokenValid(r.URL.Query().Get("token")) {
		s.log.Warn("playlist token rejected", "stream", r.PathValue("id"))
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	last := s.liveSequence()
	first := max(0, last-liveSegments+1)
	pl := playback.Playlist{
		Version:        7,
		TargetDuration: s.config.Fragment,
		MediaSequence:  first,
	}
	for n := first; n <= last; n++ {
		pl.Segments = append(pl.Segments, playback.Segment{
			URI:      fmt.Sprintf("seg-%d.m4s", n),
			Duration: s.config.Fragment,
			Sequence: n,
		})
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	if err := pl.Encode(w); err != nil {
		s.log.Debug("write playlist", "error", err)
	}
}

func (s *Simulator) handleSegment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("segment")
	w.Header().Set("Content-Type", "video/mp4")
	if name == "init.mp4" {
		w.Write(fmp4.InitSegment(timescale, 1280, 720))
		return
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "seg-"), ".m4s"))
	if err != nil || n < 0 || n > s.liveSequence() {
		http.NotFound(w, r)
		return
	}
	w.Write(s.fragment(uint32(n)))
}

func (s *Simulator) handleObservations(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	ss, closeFn, err := s.upgrade(w, r)
	if err != nil {
		s.log.Error("websocket upgrade failed", "device", device, "error", err)
		return
	}
	defer closeFn()
	s.observationConns.Add(1)
	log := s.log.With("device", device, "remote", r.RemoteAddr)
	log.Info("observation stream connected")

	numerics := time.NewTicker(s.config.NumericInterval)
	defer numerics.Stop()
	waveTicker := time.NewTicker(s.config.WaveformInterval)
	defer waveTicker.Stop()

	tick := 0
	sampleAt := make([]int, len(waves))
	send := func(v any) bool {
		b, err := json.Marshal(v)
		if err != nil {
			log.Error("encode observation", "error", err)
			return false
		}
		return ss.write(websocket.TextMessage, b) == nil
	}
	if !send(s.numerics(device, tick)) {
		return
	}
	for {
		select {
		case <-ss.ctx.Done():
			log.Info("observation stream closed")
			return
		case <-numerics.C:
			tick++
			if !send(s.numerics(device, tick)) {
				return
			}
		case <-waveTicker.C:
			if !send(s.waveforms(device, sampleAt)) {
				return
			}
		}
	}
}

func (s *Simulator) meta(device string) map[string]any {
	return map[string]any{
		"device_id":    device,
		"date-time":    time.Now().UTC().Format("20060102150405"),
		"patient-id":   s.config.PatientID,
		"patient-name": s.config.PatientName,
	}
}

func (s *Simulator) numeric(device, id string, value float64, unit string, low, high float64) map[string]any {
	m := s.meta(device)
	m["observation_id"] = id
	m["value"] = math.Round(value*10) / 10
	m["unit"] = unit
	m["low-limit"] = low
	m["high-limit"] = high
	if value < low || value > high {
		m["interpretation"] = "A"
	} else {
		m["interpretation"] = "N"
	}
	return m
}

// numerics is the once-per-interval batch of numeric observations.
func (s *Simulator) numerics(device string, tick int) []map[string]any {
	hr := 72 + 6*drift(tick, 40)
	batch := []map[string]any{
		s.numeric(device, "heart-rate", hr, "bpm", 50, 120),
		s.numeric(device, "pulse-rate", hr+1, "bpm", 50, 120),
		s.numeric(device, "SpO2", 97+1.5*drift(tick, 60), "%", 90, 100),
		s.numeric(device, "respiratory-rate", 16+2*drift(tick, 30), "breaths/min", 8, 30),
		s.numeric(device, "body-temperature1", 36.8+0.2*drift(tick, 120), "Cel", 35, 38),
		s.numeric(device, "body_temperature2", 36.4+0.2*drift(tick, 90), "Cel", 35, 38),
	}
	if tick%5 == 0 {
		sys := s.numeric(device, "", 118+4*drift(tick, 50), "mmHg", 90, 140)
		dia := s.numeric(device, "", 76+3*drift(tick, 50), "mmHg", 60, 90)
		mapv := s.numeric(device, "", 90+3*drift(tick, 50), "mmHg", 70, 105)
		for _, m := range []map[string]any{sys, dia, mapv} {
			delete(m, "observation_id")
		}
		batch = append(batch, map[string]any{
			"observation_id": "blood-pressure",
			"systolic":       sys,
			"diastolic":      dia,
			"map":            mapv,
		})
	}
	return batch
}

// waveforms returns the next chunk of every channel and advances the sample
// cursors.
func (s *Simulator) waveforms(device string, cursor []int) []map[string]any {
	out := make([]map[string]any, 0, len(waves))
	for i, wv := range waves {
		n := int(float64(wv.rate) * s.config.WaveformInterval.Seconds())
		if n < 1 {
			n = 1
		}
		m := s.meta(device)
		m["observation_id"] = "waveform"
		m["wave-name"] = wv.name
		m["resolution"] = "1uV"
		m["sampling rate"] = fmt.Sprintf("%d/sec", wv.rate)
		m["data-baseline"] = wv.baseline
		m["data-low-limit"] = wv.low
		m["data-high-limit"] = wv.high
		m["data"] = encodeSamples(wv.samples(cursor[i], n))
		cursor[i] += n
		out = append(out, m)
	}
	return out
}
