package routers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"codehive/collab/internal/api"
	"codehive/collab/internal/metrics"
	"codehive/collab/internal/session"
	"codehive/collab/internal/store"
)

func TestNewRouterHealthEndpoint(t *testing.T) {
	logger := zap.NewNop()
	gw := store.NewGateway("", "", logger)
	hub := session.NewRegistry(gw, logger)
	met := metrics.New(prometheus.NewRegistry())
	h := api.NewHandlers(logger, hub, gw, met, "secret", nil, nil)

	server := httptest.NewServer(New(h, nil, nil))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/api/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
