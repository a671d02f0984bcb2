package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/keystore"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/relay"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/store/pgstore"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, backend, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokenSecret, err := auth.EnsureTokenSecret(ctx, backend, auth.TokenSecretID)
	if err != nil {
		logger.Fatal("token secret unavailable", zap.Error(err))
	}

	directory := auth.NewMemoryDirectory()
	if cfg.UsersFile != "" {
		count, err := auth.LoadUsersFile(cfg.UsersFile, directory)
		if err != nil {
			logger.Fatal("load users file", zap.Error(err), zap.String("path", cfg.UsersFile))
		}
		logger.Info("users loaded", zap.Int("count", count), zap.String("path", cfg.UsersFile))
	} else {
		logger.Warn("no users file configured; every connection will be rejected")
	}

	provider, err := auth.NewTokenProvider(tokenSecret, directory, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("build token provider", zap.Error(err))
	}

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open message store", zap.Error(err))
	}
	defer cleanup()

	srv := relay.NewRelayServer(cfg, logger, st, provider)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg := pgstore.Open(cfg.Store.DSN)
		if err := pg.Ping(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := pg.CreateSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("create schema: %w", err)
		}
		log.Info("postgres store ready")
		return pg, func() { _ = pg.Close() }, nil
	default:
		log.Info("using in-memory store; history does not survive restarts")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func initOrUnlockKeystore(log *zap.Logger, backend keystore.KeyBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", getBackendPath(backend)))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}

// getBackendPath extracts the path if the backend is the FileBackend implementation.
func getBackendPath(backend keystore.KeyBackend) string {
	if fb, ok := backend.(*keystore.FileBackend); ok {
		return fb.Path()
	}
	return ""
}
