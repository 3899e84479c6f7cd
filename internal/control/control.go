// Package control serves the HTTP API for a running audioproc session.
//
// Routes:
//
//	GET  /v1/stats          latest snapshot
//	GET  /v1/stats/stream   WebSocket; one JSON snapshot per publish
//	GET  /v1/config         current sub-algorithm tuning
//	PUT  /v1/config         apply new tuning
//	GET  /v1/geometry       current stream shape
//	PUT  /v1/geometry       re-initialize with a new stream shape
//	PUT  /v1/delay          set the render-to-capture delay estimate
//	PUT  /v1/mute           tell the engine whether render output is muted
//	POST /v1/reset          reset to defaults keeping the shape; ?keep_geometry=false drops to 16 kHz mono
//
// Probe and metrics routes are added by [New] when their handlers are given.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/audioproc/internal/health"
	"github.com/MrWong99/audioproc/internal/observe"
	"github.com/MrWong99/audioproc/internal/pipeline"
	"github.com/MrWong99/audioproc/pkg/apm"
)

// maxBody caps request bodies.
const maxBody = 64 << 10

// streamBuffer is the per-client snapshot backlog of the stats stream.
const streamBuffer = 8

// Controller is the part of [pipeline.Pipeline] the API drives.
type Controller interface {
	Snapshot() pipeline.Snapshot
	Subscribe(buffer int) (<-chan pipeline.Snapshot, func())
	SetDelayMs(ms int)
	SetOutputMuted(muted bool)
	ApplyConfig(ctx context.Context, cfg apm.Config) (apm.StatusCode, error)
	Reconfigure(ctx context.Context, pc apm.ProcessingConfig) (apm.StatusCode, error)
	ResetToDefaults(ctx context.Context, keepGeometry bool) (apm.StatusCode, error)
}

// Server holds the API handlers.
type Server struct {
	ctl     Controller
	health  *health.Handler
	metrics http.Handler
	mw      func(http.Handler) http.Handler
	log     *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMiddleware wraps every route, typically with [observe.Middleware].
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.mw = mw }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server around ctl.
func New(ctl Controller, opts ...Option) *Server {
	s := &Server{ctl: ctl, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stats", s.getStats)
	mux.HandleFunc("GET /v1/stats/stream", s.streamStats)
	mux.HandleFunc("GET /v1/config", s.getConfig)
	mux.HandleFunc("PUT /v1/config", s.putConfig)
	mux.HandleFunc("GET /v1/geometry", s.getGeometry)
	mux.HandleFunc("PUT /v1/geometry", s.putGeometry)
	mux.HandleFunc("PUT /v1/delay", s.putDelay)
	mux.HandleFunc("PUT /v1/mute", s.putMute)
	mux.HandleFunc("POST /v1/reset", s.postReset)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.mw != nil {
		return s.mw(mux)
	}
	return mux
}

// ── request / response bodies ──

type delayRequest struct {
	DelayMs *int `json:"delay_ms"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type geometryRequest struct {
	CaptureChannels int `json:"capture_channels"`
	RenderChannels  int `json:"render_channels"`
	SampleRateHz    int `json:"sample_rate_hz"`
}

type geometryResponse struct {
	Capture apm.StreamGeometry `json:"capture"`
	Render  apm.StreamGeometry `json:"render"`
}

type statusResponse struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ── handlers ──

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) streamStats(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the error response.
		s.log.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context())
	ctx := conn.CloseRead(r.Context())
	snaps, cancel := s.ctl.Subscribe(streamBuffer)
	defer cancel()

	if err := writeSnapshot(ctx, conn, s.ctl.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap := <-snaps:
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				log.Debug("control: stats stream closed", "err", err)
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap pipeline.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot().Config)
}

// putConfig decodes the body over the current tuning, so fields absent from
// the body keep their value.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.ctl.Snapshot().Config
	if !decode(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.respondStatus(w, r, "apply_config")(s.ctl.ApplyConfig(r.Context(), cfg))
}

func (s *Server) getGeometry(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, geometryResponse{Capture: snap.Capture, Render: snap.Render})
}

func (s *Server) putGeometry(w http.ResponseWriter, r *http.Request) {
	req := geometryRequest{}
	if !decode(w, r, &req) {
		return
	}
	cur := s.ctl.Snapshot()
	if req.SampleRateHz == 0 {
		req.SampleRateHz = cur.SourceRateHz
	}
	if req.CaptureChannels == 0 {
		req.CaptureChannels = cur.Capture.Channels
	}
	if req.RenderChannels == 0 {
		req.RenderChannels = cur.Render.Channels
	}
	capture := apm.StreamGeometry{SampleRateHz: req.SampleRateHz, Channels: req.CaptureChannels}
	render := apm.StreamGeometry{SampleRateHz: req.SampleRateHz, Channels: req.RenderChannels}
	pc := apm.NewProcessingConfig(capture, render)
	if err := pc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SampleRateHz != cur.SourceRateHz {
		writeError(w, http.StatusConflict, pipeline.ErrRateChange)
		return
	}
	s.respondStatus(w, r, "reconfigure")(s.ctl.Reconfigure(r.Context(), pc))
}

func (s *Server) putDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DelayMs == nil {
		writeError(w, http.StatusBadRequest, errors.New("delay_ms is required"))
		return
	}
	s.ctl.SetDelayMs(*req.DelayMs)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Muted == nil {
		writeError(w, http.StatusBadRequest, errors.New("muted is required"))
		return
	}
	s.ctl.SetOutputMuted(*req.Muted)
	w.WriteHeader(http.StatusNoContent)
}

// postReset keeps the stream shape unless keep_geometry=false; the sources
// keep running at their rate either way.
func (s *Server) postReset(w http.ResponseWriter, r *http.Request) {
	keep := true
	if v := r.URL.Query().Get("keep_geometry"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("keep_geometry: %w", err))
			return
		}
		keep = b
	}
	s.respondStatus(w, r, "reset")(s.ctl.ResetToDefaults(r.Context(), keep))
}

// respondStatus maps the outcome of a queued session call to a response:
// 200 on success, 422 when the engine rejected it, 503 when no frame loop is
// running to execute it.
func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, kind string) func(apm.StatusCode, error) {
	return func(code apm.StatusCode, err error) {
		switch {
		case errors.Is(err, pipeline.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, err)
		case err != nil:
			writeError(w, http.StatusGatewayTimeout, err)
		case !apm.IsSuccess(code):
			observe.Logger(r.Context()).Warn("control: session rejected update", "kind", kind, "status", code)
			writeJSON(w, http.StatusUnprocessableEntity, statusResponse{Status: code.String(), Code: int(code)})
		default:
			writeJSON(w, http.StatusOK, statusResponse{Status: code.String(), Code: int(code)})
		}
	}
}

// ── helpers ──

// decode reads a JSON body into v, rejecting unknown fields. It writes a 400
// and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
