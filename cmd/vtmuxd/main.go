// Command vtmuxd is the remote-terminal multiplexing server: it spawns
// and owns PTY-backed sessions, durably logs their output, and serves
// them over a v3 binary multiplexed WebSocket endpoint plus a REST API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vtmux/internal/config"
	"vtmux/internal/engine"
	"vtmux/internal/externalingest"
	"vtmux/internal/httpapi"
	"vtmux/internal/session"
	"vtmux/internal/wsrouter"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "vtmuxd",
		Short: "Remote-terminal multiplexing server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newWrapCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var bindAddr string
	var port int
	var authMode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vtmuxd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := config.LoadFile(&cfg, configPath); err != nil {
				return fmt.Errorf("loading config file: %w", err)
			}
			config.ApplyEnv(&cfg)
			if cmd.Flags().Changed("bind-addr") {
				cfg.BindAddr = bindAddr
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("auth-mode") {
				cfg.AuthMode = authMode
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "bind-addr", "", "address to bind (overrides config/env)")
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides config/env)")
	cmd.Flags().StringVar(&authMode, "auth-mode", "", "auth mode: none|token (overrides config/env)")
	return cmd
}

func runServe(cfg config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting vtmuxd",
		"control_dir", cfg.ControlDir,
		"bind_addr", cfg.BindAddr,
		"port", cfg.Port,
		"auth_mode", cfg.AuthMode,
	)

	store, err := session.Open(cfg.ControlDir, session.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	eng := engine.New(store, engine.DefaultConfig(), logger)

	var ext *externalingest.Server
	if cfg.ExternalIngest {
		ext = externalingest.New(eng, logger)
	}

	wsCfg := wsrouter.DefaultConfig()
	wsCfg.AuthMode = wsrouter.AuthMode(cfg.AuthMode)
	wsCfg.TokenHash = cfg.TokenHash
	wsCfg.LocalBypassToken = cfg.LocalBypassToken
	router := wsrouter.New(eng, wsCfg, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", router)
	mux.Handle("/", httpapi.New(eng, ext, logger))

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		eng.Close(ctx)
		cancel()
		srv.Close()
	}()

	logger.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
