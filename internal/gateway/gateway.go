// ABOUTME: Gateway orchestrator that wires the store, assistant, and job runner
// ABOUTME: Manages the HTTP server, websocket bridge, and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/reklamaton/avatar-gateway/internal/artifact"
	"github.com/reklamaton/avatar-gateway/internal/assistant"
	"github.com/reklamaton/avatar-gateway/internal/config"
	"github.com/reklamaton/avatar-gateway/internal/conversation"
	"github.com/reklamaton/avatar-gateway/internal/generation"
	"github.com/reklamaton/avatar-gateway/internal/imagegen"
	"github.com/reklamaton/avatar-gateway/internal/store"
)

// Gateway orchestrates the avatar-gateway server components.
// It owns the HTTP server, the conversation service, and the image job runner.
type Gateway struct {
	config       *config.Config
	store        store.Store
	assistants   *assistant.Client
	conversation *conversation.Service
	generator    *generation.Orchestrator
	artifacts    *artifact.Store
	markdown     goldmark.Markdown
	httpServer   *http.Server
	logger       *slog.Logger
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AVATAR_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	assistantClient := assistant.NewClient(assistant.Config{
		APIKey:       cfg.Assistant.APIKey,
		BaseURL:      cfg.Assistant.BaseURL,
		Model:        cfg.Assistant.Model,
		AssistantID:  cfg.Assistant.AssistantID,
		PollInterval: cfg.Assistant.PollInterval,
		PollAttempts: cfg.Assistant.PollAttempts,
	}, logger.With("component", "assistant"))

	imageClient := imagegen.NewClient(imagegen.Config{
		BaseURL:   cfg.ImageGen.BaseURL,
		APIKey:    cfg.ImageGen.APIKey,
		SecretKey: cfg.ImageGen.SecretKey,
		Width:     cfg.ImageGen.Width,
		Height:    cfg.ImageGen.Height,
	}, logger.With("component", "imagegen"))

	assetsDir := cfg.Assets.Dir
	if assetsDir == "" {
		assetsDir = "./generated"
	}
	urlPrefix := cfg.Assets.URLPrefix
	if urlPrefix == "" {
		urlPrefix = "assets"
	}
	artifacts, err := artifact.NewStore(assetsDir, urlPrefix, logger.With("component", "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("initializing artifact store: %w", err)
	}

	generator := generation.New(s, imageClient, artifacts, generation.Options{
		PollInterval:  cfg.ImageGen.PollInterval,
		PollAttempts:  cfg.ImageGen.PollAttempts,
		MaxConcurrent: cfg.Generation.Workers,
	}, logger)

	convService := conversation.New(s, assistantClient, logger.With("component", "conversation"))

	gw := &Gateway{
		config:       cfg,
		store:        s,
		assistants:   assistantClient,
		conversation: convService,
		generator:    generator,
		artifacts:    artifacts,
		markdown:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:       logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoint
	mux.HandleFunc("/healthz", gw.handleHealth)

	// API endpoints
	mux.HandleFunc("/api/users", gw.handleUsers)
	mux.HandleFunc("/api/users/", gw.handleUserRoutes)
	mux.HandleFunc("/api/avatars/", gw.handleGetAvatar)
	mux.HandleFunc("/api/chats/", gw.handleChatRoutes)

	// Live chat bridge
	mux.HandleFunc("/ws/chats/", gw.handleChatSocket)

	// Generated images
	mux.Handle("/"+urlPrefix+"/", http.StripPrefix("/"+urlPrefix+"/",
		http.FileServer(http.Dir(artifacts.Dir()))))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// SeedAndStart prepares the gateway for serving: it seeds the built-in
// avatars and dispatches image jobs for any that are still pending.
func (g *Gateway) SeedAndStart(ctx context.Context) error {
	if err := g.seedSystemAvatars(ctx); err != nil {
		return fmt.Errorf("seeding system avatars: %w", err)
	}
	return nil
}

// setupListener creates the TCP listener for the HTTP server.
func (g *Gateway) setupListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.SeedAndStart(ctx); err != nil {
		return err
	}

	ln, err := g.setupListener()
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server, waits for running image jobs,
// and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.generator.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
