package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"restorebot/internal/analytics"
	"restorebot/internal/assets"
	"restorebot/internal/audit"
	"restorebot/internal/bot"
	"restorebot/internal/catalog"
	"restorebot/internal/config"
	"restorebot/internal/confirm"
	"restorebot/internal/discord"
	"restorebot/internal/notify"
	"restorebot/internal/objectstore"
	"restorebot/internal/restore"
	"restorebot/internal/snapshot"
	"restorebot/internal/storage"
)

// ownerLogEvents are forwarded to the owner webhook.
var ownerLogEvents = []string{
	audit.EventBackupCreated,
	audit.EventBackupFailed,
	audit.EventRestoreConfirmed,
	audit.EventRestoreFinished,
	audit.EventRestoreFailed,
	audit.EventKeyRotateFailed,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	session, err := bot.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Fatal("session init failed", zap.Error(err))
	}
	guilds := discord.New(session)

	assetStore := assets.New(assets.Config{
		MaxBytes:     cfg.Assets.MaxBytes,
		Timeout:      cfg.Assets.Timeout,
		AllowedHosts: cfg.Assets.AllowedHosts,
	}, logger)
	backups := catalog.New(cfg.BackupsPath)
	mirror, err := objectstore.New(cfg.ObjectStorage, logger)
	if err != nil {
		logger.Fatal("object storage init failed", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.Restore.RequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Restore.RequestInterval), 1)
	}
	httpClient := &http.Client{Timeout: cfg.Restore.HTTPTimeout}
	structure := restore.NewStructureRestorer(guilds, assetStore, limiter, logger)
	members := restore.NewMemberRestorer(
		guilds,
		restore.NewOAuthRefresher(cfg.ClientID, cfg.ClientSecret, cfg.Restore.TokenURL, httpClient),
		restore.NewMemberClient(cfg.Restore.APIBase, cfg.DiscordToken, httpClient),
		func(ctx context.Context, oldToken, newToken string) error {
			_, err := storage.ReplaceRefreshToken(ctx, cfg.DBFolderPath, oldToken, newToken)
			return err
		},
		cfg.Restore.MemberPageSize,
		logger,
	)

	auditLogger := audit.NewLogger(store, logger)
	ownerLog, err := notify.NewOwnerLog(session, cfg.OwnerLogWebhook, cfg.EmbedColors, ownerLogEvents, logger)
	if err != nil {
		logger.Fatal("owner log init failed", zap.Error(err))
	}

	botSvc, err := bot.New(cfg, logger, session, bot.Deps{
		Store:     store,
		Audit:     auditLogger,
		Analytics: analytics.New(store),
		Builder:   snapshot.NewBuilder(guilds, assetStore, logger),
		Catalog:   backups,
		Mirror:    mirror,
		Restores:  restore.NewService(store, cfg.DBFolderPath, backups, structure, members, logger),
		Gate:      confirm.New(cfg.Restore.ConfirmTimeout),
		OwnerLog:  ownerLog,
	})
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}

	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	var server *http.Server
	if cfg.Health.Enabled {
		server = &http.Server{Addr: cfg.Health.Addr, Handler: healthRouter(store)}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(ctx)
	}
	botSvc.Close(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthRouter(db pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
