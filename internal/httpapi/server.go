package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/trunkline/internal/bridge"
	"github.com/antoniostano/trunkline/internal/cdr"
	"github.com/antoniostano/trunkline/internal/config"
	"github.com/antoniostano/trunkline/internal/observability"
	"github.com/antoniostano/trunkline/internal/protocol"
)

type Server struct {
	cfg      config.Config
	relay    *bridge.Bridge
	store    cdr.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, relay *bridge.Bridge, store cdr.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		relay:   relay,
		store:   store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// The telephony gateway is not a browser and omits Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/stream", s.handleStream)

	// Anything else just describes the running service.
	r.NotFound(s.handleStatus)
	r.MethodNotAllowed(s.handleStatus)

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"service": "trunkline",
		"connect": "/stream",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.relay.ActiveCalls(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

// handleStream upgrades the gateway connection and runs its read loop,
// routing decoded events to call sessions by stream id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusUpgradeRequired, "upgrade_required", "connect with a websocket upgrade")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sender := &wsSender{conn: conn}
	if err := sender.SendJSON(protocol.NewConnected()); err != nil {
		return
	}

	// Sessions started on this socket; all torn down when it dies.
	local := make(map[string]*bridge.Session)

	conn.SetReadLimit(2 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseGatewayMessage(data)
		if err != nil {
			log.Printf("gateway message dropped: %v", err)
			s.metrics.RelayErrors.WithLabelValues("parse").Inc()
			continue
		}

		switch m := parsed.(type) {
		case protocol.GatewayStart:
			sess, err := s.relay.StartSession(ctx, m.StreamSid, sender)
			if err != nil {
				if errors.Is(err, bridge.ErrDuplicateStream) {
					log.Printf("ignoring duplicate start for stream %s", m.StreamSid)
					continue
				}
				log.Printf("start failed for stream %s: %v", m.StreamSid, err)
				continue
			}
			local[m.StreamSid] = sess
		case protocol.GatewayMedia:
			if sess, ok := s.relay.Route(m.StreamSid); ok {
				sess.HandleMedia(m.Media.Payload)
			}
		case protocol.GatewayStop:
			if sess, ok := s.relay.Route(m.StreamSid); ok {
				sess.HandleStop()
			}
		}
	}

	// Socket gone: same cleanup path as an explicit stop.
	for _, sess := range local {
		sess.Shutdown("gateway_closed")
	}
}

// wsSender serializes writes to the gateway socket; gorilla/websocket allows
// only one concurrent writer.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
