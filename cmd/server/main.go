package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/roomsync/internal/api"
	"github.com/manpreetbhatti/roomsync/internal/auth"
	"github.com/manpreetbhatti/roomsync/internal/cache"
	"github.com/manpreetbhatti/roomsync/internal/catalog"
	"github.com/manpreetbhatti/roomsync/internal/config"
	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/gateway"
	"github.com/manpreetbhatti/roomsync/internal/journal"
	"github.com/manpreetbhatti/roomsync/internal/presence"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/sweeper"
	"github.com/manpreetbhatti/roomsync/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		logrus.WithError(err).Fatal("Invalid log configuration")
	}

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("Server stopped with error")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	var mirror presence.Mirror
	var presenceReader api.PresenceReader
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		rp := cache.NewRedisPresence(rdb, cfg.Redis.TTL)
		mirror, presenceReader = rp, rp
		logrus.WithField("addr", cfg.Redis.Addr).Info("Presence mirror enabled")
	}

	var sink gateway.Journal
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := journal.NewProducer(cfg.Kafka.Brokers, "roomsync")
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := journal.NewDispatcher(producer, cfg.Kafka.Topic, journal.Options{Workers: cfg.Kafka.Workers})
		defer dispatcher.Close()
		sink = dispatcher
		logrus.WithField("topic", cfg.Kafka.Topic).Info("Operation journal enabled")
	}

	resolver := catalog.NewResolver(database)
	registry := room.NewRegistry(gateway.LoadFromStore(database), room.Options{
		HistoryLimit: cfg.Room.HistoryLimit,
		LockIdle:     cfg.Room.LockIdle,
	})
	tracker := presence.NewTracker(registry, ratelimit.NewThrottle(cfg.Room.PresenceInterval), mirror)
	gw := gateway.New(registry, gateway.Options{
		Store:     database,
		Catalog:   resolver,
		Journal:   sink,
		Presence:  tracker,
		RoomGrace: cfg.Room.GracePeriod,
		Autosave:  cfg.Room.Autosave,
	})

	hub := ws.NewHub()
	sockets := ws.NewServer(hub, gw, verifier, ws.Options{
		SendBuffer:     cfg.Websocket.SendBuffer,
		MaxFrameBytes:  cfg.Websocket.MaxFrameBytes,
		RateLimit:      cfg.Websocket.RateLimit,
		RateBurst:      cfg.Websocket.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	handler := api.New(database, gw, hub, resolver, sockets)
	if presenceReader != nil {
		handler.WithPresence(presenceReader)
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: handler.Router(cfg.Server.AllowedOrigins),
	}

	sweep := sweeper.New(gw, sweeper.Config{Interval: cfg.Room.SweepInterval})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	sweep.Start(gctx)

	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"database": cfg.Database.Path,
			"auth":     cfg.Auth.Mode,
		}).Info("RoomSync server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		sweep.Stop()
		err := srv.Shutdown(shutdownCtx)

		saved, flushErr := gw.Flush(shutdownCtx)
		if flushErr != nil {
			logrus.WithError(flushErr).Error("Failed to save some rooms")
		}
		logrus.WithField("rooms", saved).Info("Saved open rooms")
		return err
	})

	return g.Wait()
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	if cfg.Auth.Mode == "jwt" {
		return auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	}
	return auth.HeaderVerifier{AllowAnonymous: cfg.Auth.AllowAnonymous}, nil
}
