package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tetatet/internal/api"
	"tetatet/internal/auth"
	"tetatet/internal/chat"
	"tetatet/internal/commands"
	"tetatet/internal/config"
	"tetatet/internal/filestore"
	"tetatet/internal/http"
	"tetatet/internal/models"
	"tetatet/internal/notify"
	"tetatet/internal/presence"
	"tetatet/internal/storage"
	"tetatet/internal/ws"
)

func run(ctx context.Context, addUser string) error {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	store, err := storage.Open(cfg.DBFile, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.AvatarsPath)
	if err != nil {
		return err
	}
	avatars := filestore.NewAvatarStore(files)

	authService := auth.NewAuthService(ctx, logger, store, cfg.TokenExpiry)
	registry := presence.NewRegistry(logger)
	hub := ws.NewHub(logger)

	// Presence transitions fan out to every live client.
	registry.SetOnChange(func(userID string, online bool) {
		event := models.EventUserOffline
		if online {
			event = models.EventUserOnline
		}
		hub.Broadcast(event, models.PresenceUpdate{UserID: userID, Online: online})
	})

	pushCfg := notify.Config{
		Subscriber:      cfg.PushSubscriber,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
	}
	var notifier chat.Notifier
	if pushCfg.Enabled() {
		notifier = notify.NewWebPush(logger, store, pushCfg)
	} else {
		logger.Infow("web push disabled, no VAPID keys configured")
	}

	svc := chat.NewService(logger, store, registry, hub, notifier)
	wsServer := ws.NewServer(logger, authService, svc, store, hub, registry)
	handlers := api.New(logger, authService, svc, store, avatars, cfg.VAPIDPublicKey)
	adminHandler := api.NewAdminHandler(logger, authService, store, registry)

	apiServer := http.NewAPIServer(logger, handlers, wsServer, cfg.APIAddr)
	adminServer := http.NewAdminServer(logger, adminHandler, cfg.AdminAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)
	g.Go(adminServer.Start)

	g.Go(func() error {
		<-gCtx.Done()
		logger.Infow("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("api server shutdown error", "error", err)
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("admin server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with a random password and prints it)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
