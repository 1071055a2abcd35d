package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/api"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/config"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/flush"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/inference"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/llm"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/matcher"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/occupation"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/profile"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/reasoner"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/session"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/state"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/storage"
)

const (
	flushPollInterval = 500 * time.Millisecond
	sweepInterval     = time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the flush worker and the session sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "joyjoin version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the inference engine.
	policy := reasoner.NewPolicy(cfg.HighStakes())
	eng := inference.NewEngine(newMatcher(cfg), newReasoner(ctx, cfg), state.NewManager(cfg.StaleAfter()),
		inference.Options{Policy: &policy, Sink: store})

	// Session lifecycle.
	sessStore, closeSessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	profiles := profile.NewManager(store)
	svc := session.NewService(sessStore, eng, store, profiles)
	go svc.RunSweeper(ctx, sweepInterval)

	// Start flush worker.
	worker := flush.NewWorker(store, profiles, flushPollInterval)
	go worker.Run(ctx)

	occupations := occupation.DefaultMatcher()
	companies := occupation.DefaultRecognizer()
	handler := api.NewHandler(api.AppDeps{
		Sessions:    svc,
		Occupations: occupations,
		Companies:   companies,
		Profiles:    profiles,
		Token:       apiToken,
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Sessions:    svc,
			Occupations: occupations,
			Companies:   companies,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "joyjoin listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)

	// Let insight detection finish writing before storage closes.
	eng.Wait()
	return err
}

func newMatcher(cfg config.Config) *matcher.Matcher {
	return matcher.NewDefault(matcher.Config{
		Threshold:     cfg.Inference.MatcherThreshold,
		ChainDiscount: cfg.Inference.ChainDiscount,
	})
}

// newReasoner returns the LLM reasoner, or nil when no backend is usable.
// The engine then answers from the matcher alone.
func newReasoner(ctx context.Context, cfg config.Config) inference.Reasoner {
	if cfg.LLM.Backend == llm.BackendOpenAI && cfg.LLM.APIKey == "" {
		printWarning("no LLM API key (set JOYJOIN_LLM_API_KEY); running matcher-only")
		return nil
	}
	backend, err := llm.New(llm.Options{
		Backend: cfg.LLM.Backend,
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLMTimeout(),
	})
	if err != nil {
		printWarning("LLM backend unavailable: %v; running matcher-only", err)
		return nil
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.LLMTimeout())
	defer cancel()
	if err := llm.EnsureReady(readyCtx, backend, cfg.LLM.Model); err != nil {
		printWarning("%v; turns will fall back to the matcher until it answers", err)
	}
	return reasoner.New(backend, cfg.LLM.Model, cfg.LLMTimeout())
}

// newSessionStore returns the configured live session store and a function
// that releases it.
func newSessionStore(ctx context.Context, cfg config.Config) (session.Store, func(), error) {
	if cfg.Session.Backend != "redis" {
		return session.NewMemoryStore(cfg.SessionTTL()), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Session.RedisAddr, err)
	}
	printStep("sessions stored in redis at %s", cfg.Session.RedisAddr)
	return session.NewRedisStore(client, session.DefaultRedisPrefix, cfg.SessionTTL()), func() { client.Close() }, nil
}
