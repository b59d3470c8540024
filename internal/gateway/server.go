// Package gateway is the WebSocket edge: it authenticates sockets, hands
// them to the presence router, and exposes the admin surface for rate
// limits and rooms.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/config"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/presence"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/ratelimit"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/room"
)

// Server wires auth, rooms, presence, and rate limiting behind HTTP.
type Server struct {
	cfg     config.Config
	authn   *auth.Authenticator
	rooms   *room.Manager
	router  *presence.Router
	limiter *ratelimit.Limiter

	upgrader websocket.Upgrader

	connectCounter  metric.Int64Counter
	authFailCounter metric.Int64Counter
}

func NewServer(cfg config.Config, authn *auth.Authenticator, rooms *room.Manager,
	router *presence.Router, limiter *ratelimit.Limiter, meter metric.Meter) *Server {

	connects, _ := meter.Int64Counter("gateway_connections_total",
		metric.WithDescription("WebSocket connections accepted"))
	authFails, _ := meter.Int64Counter("gateway_auth_failures_total",
		metric.WithDescription("WebSocket connections refused at authentication"))

	return &Server{
		cfg:     cfg,
		authn:   authn,
		rooms:   rooms,
		router:  router,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser clients come from the platform's own origins;
			// token auth is the actual gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connectCounter:  connects,
		authFailCounter: authFails,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /admin/ratelimit/stats", s.requireAdmin(s.handleRateLimitStats))
	mux.HandleFunc("POST /admin/ratelimit/reset", s.requireAdmin(s.handleRateLimitReset))
	mux.HandleFunc("DELETE /admin/rooms/{id}", s.requireAdmin(s.handleRoomDelete))
	return mux
}

func (s *Server) eventLimit() ratelimit.Config {
	return ratelimit.Config{
		MaxRequests: s.cfg.EventLimit,
		Window:      s.cfg.EventWindow,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWS upgrades, authenticates, and hands the socket over. The token
// arrives as a bearer header, a token query parameter, or (for browser
// clients that cannot set headers on WebSocket) a first auth frame sent
// within the auth timeout.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	credential := bearerToken(r)
	if credential == "" {
		credential, err = readAuthFrame(sock, s.cfg.AuthTimeout)
		if err != nil {
			s.refuse(r, sock, "authentication required")
			return
		}
	}

	ctx := r.Context()
	p, err := s.authn.Authenticate(ctx, credential)
	if err != nil {
		slog.Info("Connection refused", "remote", r.RemoteAddr, "error", err)
		s.refuse(r, sock, "authentication failed")
		return
	}

	if s.limiter.IsBlocked(ctx, p.UserID) {
		s.refuse(r, sock, "rate limited")
		return
	}

	c := newClient(s, sock, p)
	s.router.Register(p, c)

	if err := s.rooms.JoinDefaultRooms(ctx, p); err != nil {
		slog.Warn("Partial default-room join", "user", p.UserID, "error", err)
	}

	c.Send("connected", map[string]any{
		"userId":    p.UserID,
		"role":      string(p.Role),
		"timestamp": time.Now().UnixMilli(),
	})
	s.connectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(p.Role))))
	slog.Info("Connection established", "user", p.UserID, "role", p.Role, "connId", c.id)

	// Blocks for the life of the socket. The request context dies with
	// the hijacked upgrade, so the socket gets its own.
	c.run(context.Background())
}

func (s *Server) refuse(r *http.Request, sock *websocket.Conn, reason string) {
	s.authFailCounter.Add(r.Context(), 1)
	deadline := time.Now().Add(writeWait)
	sock.SetWriteDeadline(deadline)
	sock.WriteJSON(wireEvent{Event: "error", Data: map[string]any{"message": reason}})
	sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	sock.Close()
}

// readAuthFrame waits for exactly one {"type":"auth","token":...} frame.
func readAuthFrame(sock *websocket.Conn, timeout time.Duration) (string, error) {
	sock.SetReadDeadline(time.Now().Add(timeout))
	defer sock.SetReadDeadline(time.Time{})

	var evt clientEvent
	if err := sock.ReadJSON(&evt); err != nil {
		return "", err
	}
	if evt.Type != "auth" || evt.Token == "" {
		return "", auth.ErrMissingCredential
	}
	return evt.Token, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireAdmin authenticates the bearer token and refuses non-admin
// principals before running the wrapped handler.
func (s *Server) requireAdmin(next func(http.ResponseWriter, *http.Request, auth.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		p, err := s.authn.Authenticate(r.Context(), credential)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if p.Role != auth.RoleAdmin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		next(w, r, p)
	}
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	stats, err := s.limiter.GetStats(r.Context())
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		http.Error(w, "identifier required", http.StatusBadRequest)
		return
	}
	if err := s.limiter.Reset(r.Context(), req.Identifier); err != nil {
		http.Error(w, "reset failed", http.StatusServiceUnavailable)
		return
	}
	slog.Info("Rate limit reset by admin", "identifier", req.Identifier, "admin", p.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoomDelete(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	roomID := r.PathValue("id")
	if !s.rooms.DeleteRoom(r.Context(), roomID) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	slog.Info("Room deleted by admin", "room", roomID, "admin", p.UserID)
	w.WriteHeader(http.StatusNoContent)
}
