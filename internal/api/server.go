package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/CastKeeper/internal/bridge"
	"github.com/bryanchriswhite/CastKeeper/internal/config"
	"github.com/bryanchriswhite/CastKeeper/internal/logger"
)

const (
	eventBuffer  = 16
	writeTimeout = 5 * time.Second
)

// Capture is the set of capture operations the API exposes
type Capture interface {
	IsCaptureSupported() bool
	RequestCapturePermission(ctx context.Context) (bool, error)
	StartCapture() (bridge.StartResult, error)
	StopCapture()
	Status() bridge.Status
	Subscribe(buffer int) (<-chan bridge.Event, func())
}

// Stream is the live preview mounted at /stream
type Stream interface {
	GetHTTPHandler() http.HandlerFunc
	GetStatsHandler() http.HandlerFunc
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	capture   Capture
	configMgr *config.Manager
	stream    Stream
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// errorResponse is the body of every failed capture call
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer creates a new API server. configMgr and stream may be nil.
func NewServer(capture Capture, configMgr *config.Manager, stream Stream) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		capture:   capture,
		configMgr: configMgr,
		stream:    stream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // The API only listens for local tools
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes. They are registered on the root
// router: inside a PathPrefix subrouter mux reports a wrong method on any
// but the last route as 404 instead of 405.
func (s *Server) setupRoutes() {
	r := s.router

	// Capture lifecycle
	r.HandleFunc("/api/capture/supported", s.handleSupported).Methods("GET")
	r.HandleFunc("/api/capture/permission", s.handleRequestPermission).Methods("POST")
	r.HandleFunc("/api/capture/start", s.handleStart).Methods("POST")
	r.HandleFunc("/api/capture/stop", s.handleStop).Methods("POST")
	r.HandleFunc("/api/capture/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/capture/events", s.handleEvents).Methods("GET")

	// Configuration
	r.HandleFunc("/api/config", s.handleGetConfig).Methods("GET")

	// Health check
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	if s.stream != nil {
		r.HandleFunc("/api/stream/stats", s.stream.GetStatsHandler()).Methods("GET")
		r.HandleFunc("/stream", s.stream.GetHTTPHandler()).Methods("GET")
	}

	r.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().Str("addr", addr).Msgf("Starting server on http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"supported": s.capture.IsCaptureSupported()})
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	granted, err := s.capture.RequestCapturePermission(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.capture.StartCapture()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.capture.StopCapture()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capture.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.capture.Subscribe(eventBuffer)
	defer unsubscribe()

	// The client never sends anything; reading only notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

// statusFor maps a caller-facing code to its HTTP status
func statusFor(code string) int {
	switch code {
	case bridge.CodeNotSupported:
		return http.StatusNotImplemented
	case bridge.CodeNoActivity:
		return http.StatusServiceUnavailable
	case bridge.CodeAlreadyRequesting, bridge.CodeAlreadyCapturing:
		return http.StatusConflict
	case bridge.CodeNoPermission:
		return http.StatusForbidden
	case bridge.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := bridge.Code(err)
	writeJSON(w, statusFor(code), errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
