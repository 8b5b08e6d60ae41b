package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"codehive/collab/internal/api"
	"codehive/collab/internal/metrics"
	"codehive/collab/internal/models"
	"codehive/collab/internal/routers"
	"codehive/collab/internal/session"
	"codehive/collab/internal/store"
	"codehive/collab/internal/utils"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	handlers     *api.Handlers
	hub          *session.Registry
	shuttingDown *atomic.Bool
}

func newTestServer(t *testing.T, origins []string) *testServer {
	t.Helper()
	logger := zap.NewNop()
	gw := store.NewGateway("", "", logger)
	hub := session.NewRegistry(gw, logger)
	met := metrics.New(prometheus.NewRegistry())
	hub.Metrics = met
	var shuttingDown atomic.Bool
	h := api.NewHandlers(logger, hub, gw, met, testSecret, origins, &shuttingDown)
	srv := httptest.NewServer(routers.New(h, origins, nil))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, handlers: h, hub: hub, shuttingDown: &shuttingDown}
}

func tokenFor(t *testing.T, user models.User) string {
	t.Helper()
	token, err := utils.IssueToken(user, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}
}

func TestLoginFirstUserBootstrapsAdmin(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"username": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed: %d", resp.StatusCode)
	}
	if body["token"] == "" {
		t.Fatalf("missing token")
	}
	user := body["user"].(map[string]any)
	if user["username"] != "alice" || user["role"] != "admin" {
		t.Fatalf("first user should be admin: %v", user)
	}

	_, body = doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"username": "bob"})
	if role := body["user"].(map[string]any)["role"]; role != "editor" {
		t.Fatalf("second user should default to editor, got %v", role)
	}

	// repeat logins keep the identity stable
	_, again := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"username": "alice"})
	if again["user"].(map[string]any)["userId"] != user["userId"] {
		t.Fatalf("login is not idempotent")
	}
}

func TestLoginRejectsEmptyUsername(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"username": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPermissionsRequireAdmin(t *testing.T) {
	srv := newTestServer(t, nil)
	editor := tokenFor(t, models.User{UserID: "u-editor", Username: "ed", Role: models.RoleEditor})
	admin := tokenFor(t, models.User{UserID: "u-admin", Username: "ad", Role: models.RoleAdmin})

	url := srv.URL + "/api/projects/approval-room/permissions"
	payload := map[string]string{"userId": "u-viewer", "role": "viewer"}

	resp, _ := doJSON(t, http.MethodPost, url, editor, payload)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("editor should get 403, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, url, admin, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin should get 200, got %d", resp.StatusCode)
	}
	if body["ok"] != true || body["userId"] != "u-viewer" || body["role"] != "viewer" {
		t.Fatalf("unexpected body %v", body)
	}

	// the override is visible to authorization immediately
	room, _ := srv.hub.Get("approval-room")
	viewer := models.User{UserID: "u-viewer", Role: models.RoleEditor}
	if got := room.EffectiveRole(viewer); got != models.RoleViewer {
		t.Fatalf("override not applied: %s", got)
	}
}

func TestPermissionsValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := tokenFor(t, models.User{UserID: "a", Username: "a", Role: models.RoleAdmin})
	url := srv.URL + "/api/projects/p1/permissions"

	resp, _ := doJSON(t, http.MethodPost, url, admin, map[string]string{"userId": "", "role": "viewer"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty userId: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, url, admin, map[string]string{"userId": "u", "role": "owner"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad role: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, url, "", map[string]string{"userId": "u", "role": "viewer"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/projects/bad.id/permissions", admin, map[string]string{"userId": "u", "role": "viewer"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad room id: expected 400, got %d", resp.StatusCode)
	}
}

func TestApproveSuggestion(t *testing.T) {
	srv := newTestServer(t, nil)
	editor := tokenFor(t, models.User{UserID: "u-editor", Username: "ed", Role: models.RoleEditor})
	admin := tokenFor(t, models.User{UserID: "u-admin", Username: "ad", Role: models.RoleAdmin})

	room, err := srv.hub.GetOrCreate(context.Background(), "approval-room")
	if err != nil {
		t.Fatal(err)
	}
	room.Doc.Transact(nil, func() {
		s := room.Doc.Map("editor:suggestions").SetMap("s1")
		s.Set("fileId", "f1")
		s.Set("text", "extract helper")
		s.Set("authorId", "u-editor")
	})

	base := srv.URL + "/api/projects/approval-room/suggestions/"

	resp, _ := doJSON(t, http.MethodPost, base+"s1/approve", editor, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("editor should get 403, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, base+"s1/approve", admin, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true || body["suggestionId"] != "s1" {
		t.Fatalf("unexpected approve response: %d %v", resp.StatusCode, body)
	}

	entry := room.Doc.Map("editor:suggestions").GetMap("s1")
	if entry.Get("approved") != true || entry.Get("approvedBy") != "u-admin" {
		t.Fatalf("approval not recorded: %v %v", entry.Get("approved"), entry.Get("approvedBy"))
	}
	if _, ok := entry.Get("approvedAt").(string); !ok {
		t.Fatalf("approvedAt missing")
	}
	if !room.Scheduler().Pending() {
		t.Fatalf("approval should schedule a persist")
	}

	resp, _ = doJSON(t, http.MethodPost, base+"missing/approve", admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing suggestion: expected 404, got %d", resp.StatusCode)
	}
}

func TestShutdownReturns503(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.shuttingDown.Store(true)
	admin := tokenFor(t, models.User{UserID: "a", Username: "a", Role: models.RoleAdmin})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{"username": "x"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("login during shutdown: expected 503, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/projects/p/permissions", admin, map[string]string{"userId": "u", "role": "viewer"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("permissions during shutdown: expected 503, got %d", resp.StatusCode)
	}

	// health stays up for probes
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health should not be gated, got %d", resp.StatusCode)
	}
}

func TestContributorsLeaderboard(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := tokenFor(t, models.User{UserID: "a", Username: "a", Role: models.RoleAdmin})

	room, err := srv.hub.GetOrCreate(context.Background(), "board")
	if err != nil {
		t.Fatal(err)
	}
	room.Doc.Transact(nil, func() {
		contrib := room.Doc.Map("editor:contrib:chars")
		contrib.Set("u1", int64(10))
		contrib.Set("u2", int64(25))
	})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/projects/board/contributors", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	list := body["contributors"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 contributors, got %v", list)
	}
	first := list[0].(map[string]any)
	if first["userId"] != "u2" || first["chars"] != float64(25) {
		t.Fatalf("leaderboard not sorted: %v", first)
	}
}
