package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/attachments"
	"github.com/agent-gate/agentgate-go/internal/audit"
	"github.com/agent-gate/agentgate-go/internal/llmproxy"
	"github.com/agent-gate/agentgate-go/internal/logs"
	"github.com/agent-gate/agentgate-go/internal/proxy"
	"github.com/agent-gate/agentgate-go/internal/ratelimit"
	"github.com/agent-gate/agentgate-go/internal/session"
	"github.com/agent-gate/agentgate-go/internal/vault"
	"github.com/agent-gate/agentgate-go/internal/vaultrpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker: vault socket, credential proxy, and LLM proxy",
	RunE:  runServe,
}

// GetServeCommand returns the serve command.
func GetServeCommand() *cobra.Command {
	return serveCmd
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadBrokerConfig()
	if err != nil {
		return err
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Vault and its socket come up first; both proxies depend on them.
	passphrase, err := vault.ResolvePassphrase(cfg.Vault.Passphrase)
	if err != nil {
		return err
	}
	store, err := vault.NewStore(cfg.Vault.Path, passphrase, logger)
	if err != nil {
		return err
	}

	refresher := llmproxy.NewRefresher(store, cfg.LLMProxy.RefreshMargin, cfg.LLMProxy.RefreshTimeout, logger)

	rpc := vaultrpc.NewServer(store, refresher, cfg.Vault.SocketPath, logger)
	if err := rpc.Listen(); err != nil {
		return err
	}
	rpcErr := make(chan error, 1)
	go func() { rpcErr <- rpc.Serve(ctx) }()

	auditLog, err := audit.NewLog(cfg.Audit.Dir, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	sessions, err := session.NewManager(cfg.Session.SigningKey, cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("session manager: %w (set SESSION_SIGNING_KEY)", err)
	}

	limiter := ratelimit.NewLimiter()
	defer limiter.Stop()

	db, err := bbolt.Open(filepath.Join(cfg.DataDir, "agentgate.db"), 0o600,
		&bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer db.Close()

	attMgr, err := attachments.NewManager(attachments.Config{
		OutboxDir: cfg.Outbox.Dir,
		MaxBytes:  cfg.Outbox.MaxAttachmentBytes,
		TTL:       cfg.Outbox.TTL,
	}, db, auditLog, logger)
	if err != nil {
		return err
	}
	attMgr.StartSweeper(ctx)
	defer attMgr.StopSweeper()

	vaultClient := vaultrpc.NewClient(cfg.Vault.SocketPath)
	proxySrv := proxy.NewServer(cfg.Proxy, vaultClient, sessions, limiter, auditLog, logger)
	llmSrv := llmproxy.NewServer(cfg.LLMProxy, store, refresher, attMgr, limiter, auditLog, logger)

	r := chi.NewRouter()
	r.Mount(llmproxy.PathPrefix, llmSrv.Router())
	r.Mount("/", proxySrv.Router())

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("broker listening", zap.String("addr", cfg.Listen))
		httpErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("broker listener failed: %w", err)
		}
	case err := <-rpcErr:
		if err != nil {
			return fmt.Errorf("vault socket failed: %w", err)
		}
	}

	// Proxies drain first so in-flight requests can still reach the vault,
	// then the socket closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("broker shutdown incomplete", zap.Error(err))
	}
	if err := rpc.Close(); err != nil {
		logger.Warn("vault socket close failed", zap.Error(err))
	}
	logger.Info("broker stopped")
	return nil
}
