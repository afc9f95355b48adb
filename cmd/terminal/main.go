// The terminal binary runs the branch-side sync machinery headless: it
// keeps a local state copy reconciled from the primary bus and the
// fallback change feed, and exposes the gateway to whatever front end
// drives it.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"isca-tracker/internal/bus"
	"isca-tracker/internal/config"
	"isca-tracker/internal/fanout"
	"isca-tracker/internal/feed"
	"isca-tracker/internal/gateway"
	"isca-tracker/internal/logger"
	"isca-tracker/internal/protocol"
	"isca-tracker/internal/reconciler"
	"isca-tracker/internal/state"
	"isca-tracker/internal/storage"
	pkgmqtt "isca-tracker/pkg/mqtt"
)

const busRedial = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting isca tracker terminal",
		zap.String("bus", cfg.Bus.URL),
		zap.Strings("units", cfg.Bus.Units),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := state.NewStore()
	rec := reconciler.New(store, logger.WithComponent("reconciler"))

	busClient := bus.NewClient(cfg.Bus.URL, logger.WithComponent("bus"))
	busClient.OnEvent(func(ev *protocol.Event) {
		_ = rec.Apply(ev)
	})

	// Direct-write fallback: only configured terminals carry backing
	// store credentials.
	var blobs storage.BlobStore
	if cfg.Database.Host != "" {
		gormStore, err := storage.NewGormStore(&cfg.Database)
		if err != nil {
			logger.Warn("Backing store unavailable, direct-write fallback disabled", zap.Error(err))
		} else {
			blobs = gormStore
			defer gormStore.Close()
		}
	}

	gw := gateway.New(busClient, blobs, rec, logger.WithComponent("gateway"))
	gw.SetLoginTimeout(cfg.Bus.LoginTimeout)
	gw.SetFanout(fanout.New(gw, store, logger.WithComponent("fanout")))

	sweeper := fanout.NewSweeper(store, logger.WithComponent("sweeper"))
	go sweeper.Run(ctx)

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

		feedClient := feed.NewClient(mqttClient, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), rec, logger.WithComponent("feed"))
		if err := feedClient.Start(); err != nil {
			logger.Warn("Change feed unavailable", zap.Error(err))
		} else {
			defer feedClient.Stop()
		}
	}

	go busClient.Run(ctx, busRedial)
	go sessionLoop(ctx, cfg, busClient, gw, rec)

	<-ctx.Done()
	logger.Info("Terminal stopped")
}

// sessionLoop re-establishes the session on every reconnect: login,
// join the branch topics, then pull the full initial state.
func sessionLoop(ctx context.Context, cfg *config.Config, busClient *bus.Client, gw *gateway.Gateway, rec *reconciler.Reconciler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	wasConnected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		connected := busClient.IsConnected()
		if connected && !wasConnected {
			establishSession(ctx, cfg, busClient, gw, rec)
		}
		wasConnected = connected
	}
}

func establishSession(ctx context.Context, cfg *config.Config, busClient *bus.Client, gw *gateway.Gateway, rec *reconciler.Reconciler) {
	token := ""
	if cfg.Bus.Username != "" {
		_, t, err := gw.Login(ctx, cfg.Bus.Username, cfg.Bus.Password)
		if err != nil {
			logger.Warn("Login failed", zap.Error(err))
			return
		}
		token = t
	}

	if err := busClient.Join(cfg.Bus.Units, token); err != nil {
		logger.Warn("Join failed", zap.Error(err))
		return
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	payload, err := busClient.FetchInitState(initCtx)
	if err != nil {
		logger.Warn("Initial state fetch failed", zap.Error(err))
		return
	}

	st := rec.Store()
	if payload.State != nil {
		rec.ApplyStateSnapshot(payload.State)
	}
	st.LoadUsers(payload.Users)
	st.LoadNotes(payload.Notes)
	st.LoadReviews(payload.Reviews)
	st.DropExpiredNotifications(time.Now())

	logger.Info("Session established", zap.Strings("units", cfg.Bus.Units))
}
