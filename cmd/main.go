package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ponte/app"
	credis "ponte/client/redis"
	"ponte/config"
	"ponte/handlers"
	"ponte/health"
	"ponte/logging"
	"ponte/metrics"
)

// main is the entry point of the application.
// It loads the configuration, initializes the logger and Redis client,
// and starts the HTTP server.
func main() {
	configFile := flag.String("f", "config.yaml", "path to the configuration file")
	flag.Parse()

	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		log.Fatalf("Configuration file not found: %s", *configFile)
	}

	// Any configuration error is fatal: the gateway never serves traffic
	// with a partially-loaded route table.
	config.LoadAndSetConfig(*configFile)
	cfg := config.GetCurrentConfig()
	logger := logging.InitializeLogger(cfg.Logging.Level)

	if cfg.Metrics.Enabled {
		metrics.InitMetrics()
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = credis.InitRedis(logger, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to initialize Redis client: ", err)
		}
	}

	ponte := app.NewPonte(redisClient, logger)

	if cfg.Health.Enabled && cfg.Health.ProbeBackends {
		ponte.Prober = health.NewProber(cfg.Health, func() []*config.RouteConfig {
			return ponte.Runtime().Routes.Routes()
		}, logger)
		ponte.Prober.Start()
	}

	onChange := func(newConfig *config.GatewayConfig) {
		config.UpdateConfig(newConfig)
		ponte.UpdateComponents(newConfig)
	}

	if cfg.HotReload {
		go config.WatchConfig(*configFile, onChange, logger)
	}

	StartServer(ponte)
}

// StartServer initializes and starts the HTTP server, handling graceful
// shutdown on OS interrupt signals.
func StartServer(ponte *app.Ponte) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handlers.DynamicGatewayHandler(ponte, w, r)
	})

	server := &http.Server{
		Addr:    ":" + ponte.Config().Port,
		Handler: mux,
	}

	idleConnsClosed := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		ponte.Logger.Info("Shutting down server gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			ponte.Logger.Error("Server forced to shutdown", "error", err)
		} else {
			ponte.Logger.Info("Server shut down gracefully.")
		}

		if ponte.Prober != nil {
			ponte.Prober.Stop()
		}

		close(idleConnsClosed)
	}()

	ponte.Logger.Info(fmt.Sprintf("👉 Ponte is ready on port: %s", ponte.Config().Port))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		ponte.Logger.Error("Server failed to start", "error", err)
		log.Fatal(err)
	}

	<-idleConnsClosed
	ponte.Logger.Info("All connections closed, exiting.")
}
