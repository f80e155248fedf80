package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/script-gateway/pkg/json"
	"github.com/nmxmxh/script-gateway/pkg/metrics"
)

// Server accepts transport-level connections and spawns one state machine
// per accepted peer.
type Server struct {
	gate     Authenticator
	rooms    Rooms
	bus      Publisher
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer builds the gateway HTTP surface.
func NewServer(gate Authenticator, rooms Rooms, bus Publisher,
	interval, timeout time.Duration, allowedOrigins []string, log *zap.Logger,
) *Server {
	s := &Server{
		gate:           gate,
		rooms:          rooms,
		bus:            bus,
		interval:       interval,
		timeout:        timeout,
		log:            log.With(zap.String("module", "gateway")),
		allowedOrigins: allowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP mux: /ws/{scriptID} upgrade, health and metrics.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleWS upgrades the request and spawns the connection state machine.
// The path's script id is only a hint; the Auth Gate resolves the canonical
// resource id during authentication.
func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	scriptID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if scriptID == "" || strings.Contains(scriptID, "/") {
		http.Error(w, "missing script id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws, s.gate, s.rooms, s.bus, s.interval, s.timeout, s.log)
	s.log.Info("client connected",
		zap.String("conn_id", conn.ID),
		zap.String("script_id", scriptID),
		zap.String("remote", r.RemoteAddr))
	go conn.Run(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 || s.allowedOrigins[0] == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// busIngress is the envelope carried on the bus for room-bound messages.
type busIngress struct {
	ResourceID string          `json:"resourceId"`
	Payload    json.RawMessage `json:"payload"`
}

// HandleBusMessage routes an inbound bus message to its room's fanout. Used
// as the bridge consume handler; returning an error leaves the delivery
// unacknowledged.
func (s *Server) HandleBusMessage(_ context.Context, payload []byte) error {
	var msg busIngress
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Unparseable bus messages are acknowledged and dropped; redelivery
		// would not make them parseable.
		s.log.Warn("dropping malformed bus message", zap.Error(err))
		return nil
	}
	if msg.ResourceID == "" {
		s.log.Warn("dropping bus message without resource id")
		return nil
	}
	s.rooms.Broadcast(msg.ResourceID, msg.Payload, 0)
	return nil
}
