// Package server exposes the HTTP and WebSocket surface of the translation
// service: room management, the streaming audio endpoint, text translation,
// and operational endpoints (health, metrics, system info).
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlate/voxlate/internal/health"
	"github.com/voxlate/voxlate/internal/lang"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/pipeline"
	"github.com/voxlate/voxlate/internal/room"
	"github.com/voxlate/voxlate/internal/session"
	"github.com/voxlate/voxlate/pkg/audio"
	"github.com/voxlate/voxlate/pkg/provider/mt"
)

// Config tunes the server surface.
type Config struct {
	// Version is reported by the index and system-info endpoints.
	Version string

	// DefaultTargetLang is assumed when a client joins without one.
	// Defaults to lang.DefaultTarget.
	DefaultTargetLang string

	// TranslateTimeout bounds the synchronous text translation endpoint.
	// Default: 30s.
	TranslateTimeout time.Duration

	// Segmenter is applied to every inbound audio stream.
	Segmenter audio.SegmenterConfig

	// MaxInFlight, SendBuffer, and WriteTimeout are passed through to each
	// session; zero values use the session defaults.
	MaxInFlight  int
	SendBuffer   int
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTargetLang == "" {
		c.DefaultTargetLang = lang.DefaultTarget
	}
	if c.TranslateTimeout <= 0 {
		c.TranslateTimeout = 30 * time.Second
	}
}

// ProviderNames identifies the configured backends for the system-info
// endpoint.
type ProviderNames struct {
	STT string `json:"stt"`
	MT  string `json:"mt"`
	TTS string `json:"tts"`
}

// Server routes HTTP traffic to the registry, pipeline, and sessions.
type Server struct {
	cfg        Config
	rooms      *room.Registry
	pipe       *pipeline.Pipeline
	translator mt.Provider
	providers  ProviderNames
	metrics    *observe.Metrics
	health     *health.Handler
	started    time.Time

	// mirror flips every connection into echo-the-speaker mode at once.
	// Diagnostic switch for checking audio round-trips without providers.
	mirror atomic.Bool
}

// New assembles a Server. metrics may be nil, which disables the HTTP
// instrumentation middleware. healthHandler may be nil for a checker-less
// default.
func New(rooms *room.Registry, pipe *pipeline.Pipeline, translator mt.Provider, providers ProviderNames, metrics *observe.Metrics, healthHandler *health.Handler, cfg Config) *Server {
	cfg.applyDefaults()
	if healthHandler == nil {
		healthHandler = health.New()
	}
	return &Server{
		cfg:        cfg,
		rooms:      rooms,
		pipe:       pipe,
		translator: translator,
		providers:  providers,
		metrics:    metrics,
		health:     healthHandler,
		started:    time.Now(),
	}
}

// Handler builds the full route table. The WebSocket endpoint is mounted
// outside the instrumentation middleware because the upgrade needs the raw
// http.ResponseWriter underneath.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /{$}", s.handleIndex)
	api.HandleFunc("GET /create-room", s.handleCreateRoom)
	api.HandleFunc("GET /rooms/{room_id}/participants", s.handleParticipants)
	api.HandleFunc("GET /available-languages", s.handleLanguages)
	api.HandleFunc("POST /translate-text", s.handleTranslateText)
	api.HandleFunc("POST /toggle-mirror-mode", s.handleToggleMirror)
	api.HandleFunc("GET /system-info", s.handleSystemInfo)
	api.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(api)

	var apiHandler http.Handler = api
	if s.metrics != nil {
		apiHandler = observe.Middleware(s.metrics)(api)
	}

	root := http.NewServeMux()
	root.Handle("/", apiHandler)
	root.HandleFunc("GET /ws/{room_id}", s.handleWS)
	return allowAllCORS(root)
}

// allowAllCORS opens the REST surface to browser clients from any origin.
// There is no credentialed state to protect; rooms are capability URLs.
func allowAllCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- JSON plumbing ----

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// ---- REST handlers ----

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "voxlate translation server is running",
		"service": "voxlate",
		"version": s.cfg.Version,
		"endpoints": []string{
			"GET /create-room",
			"GET /rooms/{room_id}/participants",
			"GET /ws/{room_id}?target_lang=",
			"GET /available-languages",
			"POST /translate-text",
			"POST /toggle-mirror-mode",
			"GET /system-info",
			"GET /healthz",
			"GET /readyz",
			"GET /metrics",
		},
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, _ *http.Request) {
	id, err := s.rooms.CreateRoom()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create room: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room_id": id})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	members, err := s.rooms.Members(roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room %q not found", roomID)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"participants": len(members),
		"members":      members,
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   s.cfg.DefaultTargetLang,
		"languages": lang.All(),
	})
}

type translateTextRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// handleTranslateText is the synchronous text-only path: no audio, no rooms,
// just the translation provider.
func (s *Server) handleTranslateText(w http.ResponseWriter, r *http.Request) {
	var req translateTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.TargetLang == "" {
		req.TargetLang = s.cfg.DefaultTargetLang
	}
	if !lang.Supported(req.TargetLang) {
		writeError(w, http.StatusBadRequest, "unsupported target_lang %q", req.TargetLang)
		return
	}
	if req.SourceLang == "" {
		req.SourceLang = "en"
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TranslateTimeout)
	defer cancel()

	translated, err := s.translator.Translate(ctx, req.Text, req.SourceLang, req.TargetLang)
	if err != nil {
		observe.Logger(r.Context()).Warn("text translation failed", "error", err)
		writeError(w, http.StatusBadGateway, "translation failed: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"translated_text": translated,
		"source_lang":     req.SourceLang,
		"target_lang":     req.TargetLang,
	})
}

func (s *Server) handleToggleMirror(w http.ResponseWriter, r *http.Request) {
	var on bool
	switch r.URL.Query().Get("enabled") {
	case "":
		on = !s.mirror.Load()
	case "true", "1":
		on = true
	case "false", "0":
		on = false
	default:
		writeError(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}
	s.mirror.Store(on)
	observe.Logger(r.Context()).Info("mirror mode toggled", "enabled", on)
	writeJSON(w, http.StatusOK, map[string]bool{"mirror_mode": on})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "voxlate",
		"version":     s.cfg.Version,
		"uptime_sec":  int(time.Since(s.started).Seconds()),
		"rooms":       s.rooms.RoomCount(),
		"providers":   s.providers,
		"mirror_mode": s.mirror.Load(),
	})
}

// ---- WebSocket handler ----

// handleWS validates the join before upgrading so clients get proper HTTP
// status codes instead of an upgrade followed by an immediate close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if !s.rooms.Exists(roomID) {
		writeError(w, http.StatusNotFound, "room %q not found", roomID)
		return
	}

	q := r.URL.Query()
	targetLang := q.Get("target_lang")
	if targetLang == "" {
		targetLang = s.cfg.DefaultTargetLang
	}
	if !lang.Supported(targetLang) {
		writeError(w, http.StatusBadRequest, "unsupported target_lang %q", targetLang)
		return
	}

	sourceLang := q.Get("source_lang")
	if sourceLang != "" && !lang.Supported(sourceLang) {
		writeError(w, http.StatusBadRequest, "unsupported source_lang %q", sourceLang)
		return
	}

	codec := q.Get("codec")
	switch codec {
	case "", session.CodecPCM16, session.CodecOpus:
	default:
		writeError(w, http.StatusBadRequest, "unsupported codec %q", codec)
		return
	}

	participantID := q.Get("participant")
	if participantID == "" {
		var err error
		participantID, err = newParticipantID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // browser clients connect from arbitrary origins
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "room", roomID, "error", err)
		return
	}

	sess, err := session.New(conn, s.rooms, s.pipe, s.metrics, session.Config{
		RoomID:        roomID,
		ParticipantID: participantID,
		TargetLang:    targetLang,
		SourceLang:    sourceLang,
		Codec:         codec,
		MaxInFlight:   s.cfg.MaxInFlight,
		SendBuffer:    s.cfg.SendBuffer,
		WriteTimeout:  s.cfg.WriteTimeout,
		Mirror:        &s.mirror,
		Segmenter:     s.cfg.Segmenter,
	})
	if err != nil {
		observe.Logger(r.Context()).Error("session setup failed", "room", roomID, "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	if err := sess.Run(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("session terminated", "room", roomID, "participant", participantID, "error", err)
	}
}

// newParticipantID returns "p-" plus eight hex characters of randomness.
func newParticipantID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("server: generate participant id: %w", err)
	}
	return "p-" + hex.EncodeToString(b[:]), nil
}
