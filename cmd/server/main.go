package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"isca-tracker/internal/config"
	"isca-tracker/internal/feed"
	"isca-tracker/internal/logger"
	"isca-tracker/internal/routes"
	"isca-tracker/internal/server"
	"isca-tracker/internal/state"
	"isca-tracker/internal/storage"
	pkgmqtt "isca-tracker/pkg/mqtt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting isca tracker server",
		zap.String("environment", cfg.Server.Environment),
	)

	store := state.NewStore()

	// The backing store is optional at startup: without it the server
	// runs on local snapshots and catches up on the next restart.
	var blobs storage.BlobStore
	gormStore, err := storage.NewGormStore(&cfg.Database)
	if err != nil {
		logger.Warn("Backing store unavailable, running on snapshots only", zap.Error(err))
	} else {
		blobs = gormStore
		defer gormStore.Close()
	}

	snaps, err := storage.NewSnapshots(cfg.Snapshot.Dir)
	if err != nil {
		logger.Fatal("Failed to prepare snapshot directory", zap.Error(err))
	}

	var pub *feed.Publisher
	if cfg.MQTT.Broker != "" {
		mqttClient := pkgmqtt.NewClient(&pkgmqtt.Config{
			Broker:               cfg.MQTT.Broker,
			ClientID:             cfg.MQTT.ClientID,
			Username:             cfg.MQTT.Username,
			Password:             cfg.MQTT.Password,
			CleanSession:         true,
			KeepAlive:            30,
			ConnectTimeout:       10,
			AutoReconnect:        true,
			MaxReconnectInterval: time.Minute,
		}, logger.WithComponent("mqtt"))

		if err := mqttClient.Connect(); err != nil {
			logger.Warn("Change feed broker unavailable, feed disabled", zap.Error(err))
		} else {
			defer mqttClient.Disconnect()
			pub = feed.NewPublisher(mqttClient, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), logger.WithComponent("feed"))
			if gormStore != nil {
				gormStore.SetNotifier(pub)
			}
		}
	}

	world := server.NewWorld(store, blobs, snaps, pub, logger.WithComponent("world"))
	if err := world.Load(context.Background()); err != nil {
		logger.Fatal("Failed to restore state", zap.Error(err))
	}

	tokens := server.NewTokenManager(&cfg.JWT)
	srv := server.New(world, tokens, logger.WithComponent("server"))
	router := routes.SetupRouter(cfg, srv)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("Server listening", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
