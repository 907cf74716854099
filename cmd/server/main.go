package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collabforge/collab-backend/internal/ai"
	"github.com/collabforge/collab-backend/internal/auth"
	"github.com/collabforge/collab-backend/internal/config"
	"github.com/collabforge/collab-backend/internal/log"
	"github.com/collabforge/collab-backend/internal/room"
	"github.com/collabforge/collab-backend/internal/router"
	"github.com/collabforge/collab-backend/internal/sandbox"
	"github.com/collabforge/collab-backend/internal/store"
	"github.com/collabforge/collab-backend/internal/tree"
	"github.com/collabforge/collab-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	log.SetLevel(cfg.LogLevel)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("opening store failed")
	}

	tokens := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	completer := ai.NewClient(ai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.AITimeout,
	})

	trees := tree.NewSynchronizer(st)
	registry := room.NewRegistry()
	msgRouter := router.New(completer, trees)

	gateway := ws.NewGateway(tokens, st, registry, msgRouter, trees, sandbox.Config{
		InstallCommand: cfg.SandboxInstallCommand,
		RunCommand:     cfg.SandboxRunCommand,
		PreviewPort:    cfg.SandboxPreviewPort,
		ReadyTimeout:   cfg.SandboxReadyTimeout,
	}, cfg.SandboxWorkspaceBase)

	server := NewServer(st, tokens, trees, gateway)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
