// Command watchdog-client is a sample agent for watchdogd.
//
// It registers with the daemon as a regular client, a mediator or the
// monitor, answers liveness probes and, as the monitor, writes a dump for
// every process the daemon is about to enforce.
//
//	┌─────────────┐  POST /v1/probe   ┌──────────────────┐
//	│  watchdogd  │ ────────────────▶ │ watchdog-client  │
//	│             │ ◀──────────────── │                  │
//	└─────────────┘  POST .../alive   └──────────────────┘
//
// Configuration comes from flags, with environment fallbacks:
//
//	WARDEN_DAEMON   daemon base URL (default http://127.0.0.1:8080)
//	CLIENT_ID       registration id (default a random UUID)
//	CLIENT_LISTEN   listen address (default :8090)
//	CLIENT_ADDR     address the daemon reaches us at (default http://127.0.0.1:8090)
//	CLIENT_TIER     critical, moderate or normal (default normal)
//	CLIENT_ROLE     client, mediator or monitor (default client)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dreamware/warden/internal/watchdog"
	"github.com/dreamware/warden/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	daemon  string
	id      string
	listen  string
	addr    string
	tier    string
	role    string
	dumpDir string
	watch   []int32
	debug   bool
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "watchdog-client",
		Short:        "Sample agent answering watchdogd probes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.agentConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, o, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.daemon, "daemon", getenv("WARDEN_DAEMON", "http://127.0.0.1:8080"), "daemon base URL")
	f.StringVar(&o.id, "id", getenv("CLIENT_ID", ""), "registration id, random when empty")
	f.StringVar(&o.listen, "listen", getenv("CLIENT_LISTEN", ":8090"), "listen address")
	f.StringVar(&o.addr, "addr", getenv("CLIENT_ADDR", "http://127.0.0.1:8090"), "address the daemon reaches this agent at")
	f.StringVar(&o.tier, "tier", getenv("CLIENT_TIER", "normal"), "heartbeat tier of a regular client")
	f.StringVar(&o.role, "role", getenv("CLIENT_ROLE", string(RoleClient)), "client, mediator or monitor")
	f.StringVar(&o.dumpDir, "dump-dir", "", "directory for monitor dumps, log only when empty")
	f.Int32SliceVar(&o.watch, "watch", nil, "pids a mediator reports on")
	f.BoolVar(&o.debug, "debug", false, "debug logging")
	return cmd
}

func (o options) agentConfig() (agentConfig, error) {
	role, err := parseRole(o.role)
	if err != nil {
		return agentConfig{}, err
	}
	if role == RoleClient {
		if _, err := watchdog.ParseTier(o.tier); err != nil {
			return agentConfig{}, err
		}
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	return agentConfig{
		ID:      id,
		Addr:    o.addr,
		Tier:    o.tier,
		Role:    role,
		PID:     int32(os.Getpid()),
		UID:     int32(os.Getuid()),
		Watch:   o.watch,
		DumpDir: o.dumpDir,
	}, nil
}

func run(ctx context.Context, o options, cfg agentConfig) error {
	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a := newAgent(cfg, wire.NewDaemonClient(o.daemon), logger)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              o.listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "listen", o.listen, "public", cfg.Addr, "id", cfg.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if err := a.register(ctx, 10, 400*time.Millisecond); err != nil {
		_ = srv.Close()
		return err
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := a.unregister(sctx); uerr != nil {
		logger.Warn("unregister failed", "error", uerr)
	}
	_ = srv.Shutdown(sctx)
	a.wait()
	logger.Info("agent stopped")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
