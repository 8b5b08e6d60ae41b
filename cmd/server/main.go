package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codehive/collab/internal/api"
	"codehive/collab/internal/events"
	"codehive/collab/internal/metrics"
	"codehive/collab/internal/routers"
	"codehive/collab/internal/session"
	"codehive/collab/internal/store"
)

// parseOrigins splits the CORS_ORIGINS allow-list; an empty result means
// any origin is accepted (development mode).
func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func main() {
	production := os.Getenv("NODE_ENV") == "production"

	var logger *zap.Logger
	if production {
		logger, _ = zap.NewProduction()
	} else {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil || port <= 0 {
		log.Fatal("PORT must be a positive integer")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		if production {
			log.Fatal("JWT_SECRET is required in production")
		}
		secret = "dev"
	}

	origins := parseOrigins(os.Getenv("CORS_ORIGINS"))

	gateway := store.NewGateway(os.Getenv("MONGODB_URI"), os.Getenv("MONGODB_DB"), logger)
	publisher := events.NewPublisher(os.Getenv("REDIS_ADDR"), logger)
	defer publisher.Close()
	met := metrics.New(prometheus.DefaultRegisterer)

	hub := session.NewRegistry(gateway, logger)
	hub.Metrics = met
	hub.RoomOpened = func(id string) {
		met.RoomsActive.Inc()
		publisher.RoomOpened(id)
	}
	hub.RoomClosed = func(id string) {
		met.RoomsActive.Dec()
		publisher.RoomClosed(id)
	}

	var shuttingDown atomic.Bool
	handlers := api.NewHandlers(logger, hub, gateway, met, secret, origins, &shuttingDown)

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(port),
		Handler:     routers.New(handlers, origins, promhttp.Handler()),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("collab server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("collab server shutting down")
	shuttingDown.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// flush every live room, then close its sockets
	hub.Shutdown(ctx, 1012)

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("collab server exited")
}
