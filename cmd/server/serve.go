package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/remote-agent-terminal/agentrelay/api/handlers"
	"github.com/remote-agent-terminal/agentrelay/internal/agent"
	"github.com/remote-agent-terminal/agentrelay/internal/approval"
	"github.com/remote-agent-terminal/agentrelay/internal/config"
	"github.com/remote-agent-terminal/agentrelay/internal/db"
	"github.com/remote-agent-terminal/agentrelay/internal/filetracker"
	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/repository"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
	"github.com/remote-agent-terminal/agentrelay/internal/ws"
)

// approvalAgent is the agent whose tool calls are routed through the
// approval endpoint.
const approvalAgent = "claude"

const shutdownTimeout = 15 * time.Second

func newServeCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntP("port", "p", 0, "HTTP port")
	cmd.Flags().String("log-dir", "", "directory for PTY session recordings")
	cmd.Flags().String("mcp-config", "", "MCP config passed to streaming agents for tool approvals")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("log_dir", cmd.Flags().Lookup("log-dir"))
	_ = v.BindPFlag("mcp_config", cmd.Flags().Lookup("mcp-config"))

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	// Ensure data directories exist
	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.LogDir, cfg.DiffDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	conn, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	hubs := ws.NewHubManager(log)
	tracker := filetracker.New(filetracker.Options{
		DiffDir:     cfg.DiffDir,
		Broadcaster: hubs,
		Logger:      log,
	})

	factory := agent.Factory{
		PTY:       cfg.PTYOptions(),
		Stream:    cfg.StreamOptions(),
		LogDir:    cfg.LogDir,
		MCPConfig: cfg.MCPConfig,
		Logger:    log,
	}

	catalog := cfg.Catalog()
	registry := session.NewRegistry(catalog, func(spec agent.Spec) session.Config {
		return session.Config{
			Agent:        spec,
			Store:        repository.NewSessionRepository(conn, spec.Name),
			Broadcaster:  hubs,
			Files:        tracker,
			NewTransport: factory.New,
			Queue:        cfg.QueueOptions(),
			Watchdog:     cfg.Watchdog(),
			HistoryLimit: cfg.Session.HistoryLimit,
			Logger:       log,
		}
	})

	notifier := &approval.SessionNotifier{
		Broadcaster: hubs,
		Room: func() string {
			if m, ok := registry.Get(approvalAgent); ok {
				return m.SessionID()
			}
			return ""
		},
	}
	if spec, err := catalog.Lookup(approvalAgent); err == nil {
		notifier.AgentName = spec.DisplayName
	}
	broker := approval.NewBroker(cfg.Approval.Timeout, notifier, log)

	wsHandler := ws.NewHandler(hubs, ws.NewRouter(registry, broker, hubs, log), log)

	if logger.ParseLevel(cfg.LogLevel) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := handlers.NewRouter(handlers.Routes{
		Sessions:  handlers.NewSessionHandler(registry, cfg.LogDir, log),
		Approvals: handlers.NewApprovalHandler(broker, log),
		Diffs:     handlers.NewDiffHandler(tracker),
		Socket:    handlers.NewWebSocketHandler(wsHandler),
	}, gin.Recovery(), handlers.RequestLogger(log))

	// Approval requests block for up to the approval timeout, so there is
	// no write timeout.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr, "agents", catalog.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if cerr := registry.Close(shutdownCtx); cerr != nil {
			log.Error("failed to end sessions", "error", cerr)
		}
		tracker.Close()
		hubs.Close()
		return err
	})

	return g.Wait()
}
