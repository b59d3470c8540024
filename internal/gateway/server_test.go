package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/config"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/presence"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/ratelimit"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/room"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/store"
)

var testKey = []byte("gateway-test-key")

func signToken(t *testing.T, userID, role, tenant string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	if tenant != "" {
		claims["org"] = tenant
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return s
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	meter := otel.Meter("test")

	authn := auth.New(func(*jwt.Token) (any, error) { return testKey, nil }, "", auth.NewStoreDirectory(mem))
	limiter := ratelimit.New(mem, meter)
	router := presence.NewRouter(meter)
	rooms := room.NewManager(mem, NewRoomSink(router), meter)
	router.Bind(rooms)
	if err := rooms.EnsureDefaultRooms(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultRooms failed: %v", err)
	}

	cfg := config.Config{
		AuthTimeout: time.Second,
		EventLimit:  100,
		EventWindow: time.Minute,
		WriteBuffer: 16,
	}
	return NewServer(cfg, authn, rooms, router, limiter, meter), mem
}

func activate(t *testing.T, mem *store.Memory, userID string) {
	t.Helper()
	if err := mem.HSet(context.Background(), "account:"+userID, "status", "active"); err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}
}

func TestAdminEndpoints_RequireAdmin(t *testing.T) {
	srv, mem := newTestServer(t)
	activate(t, mem, "root")
	activate(t, mem, "u1")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"non-admin", signToken(t, "u1", "donor", "org1"), http.StatusForbidden},
		{"admin", signToken(t, "root", "admin", ""), http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/ratelimit/stats", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestAdminRateLimitReset(t *testing.T) {
	srv, mem := newTestServer(t)
	activate(t, mem, "root")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx := context.Background()
	cfg := ratelimit.Config{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Hour}
	srv.limiter.Check(ctx, "u1", cfg)
	srv.limiter.Check(ctx, "u1", cfg)
	if !srv.limiter.IsBlocked(ctx, "u1") {
		t.Fatal("Expected u1 to be blocked before reset")
	}

	body, _ := json.Marshal(map[string]string{"identifier": "u1"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/admin/ratelimit/reset", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "root", "admin", ""))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	if srv.limiter.IsBlocked(ctx, "u1") {
		t.Error("Expected block to be cleared")
	}
}

func TestWebSocket_ConnectAndJoinDefaults(t *testing.T) {
	srv, mem := newTestServer(t)
	activate(t, mem, "u1")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + signToken(t, "u1", "donor", "org1")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected wireEvent
	for {
		if err := sock.ReadJSON(&connected); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if connected.Event == "connected" {
			break
		}
	}
	if connected.Data["userId"] != "u1" || connected.Data["role"] != "donor" {
		t.Errorf("Unexpected connected payload: %v", connected.Data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rooms := srv.rooms.UserRooms("u1")
		if len(rooms) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Expected u1 in 3 default rooms, got %v", srv.rooms.UserRooms("u1"))
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=garbage"
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt wireEvent
	if err := sock.ReadJSON(&evt); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if evt.Event != "error" {
		t.Errorf("Expected an error event, got %q", evt.Event)
	}

	// The server closes right after
	if _, _, err := sock.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
}

func TestWebSocket_AuthFrame(t *testing.T) {
	srv, mem := newTestServer(t)
	activate(t, mem, "u2")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	frame := map[string]string{"type": "auth", "token": signToken(t, "u2", "applicant", "")}
	if err := sock.WriteJSON(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt wireEvent
	for {
		if err := sock.ReadJSON(&evt); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if evt.Event == "connected" {
			break
		}
	}
	if evt.Data["userId"] != "u2" {
		t.Errorf("Unexpected connected payload: %v", evt.Data)
	}
}
