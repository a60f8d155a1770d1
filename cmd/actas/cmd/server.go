package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/actas/api"
	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/internal/util"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/session"
	"github.com/jmcleod/actas/transport"
	"github.com/jmcleod/actas/web"
)

var (
	serverListen      string
	serverTLSCert     string
	serverTLSKey      string
	serverAPIToken    string
	serverPostgresDSN string
	serverUpstream    string
	serverExempt      []string
	serverTimeout     time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the impersonation API server",
	Long: `Serves the impersonation API over TLS. Session slots are sealed in bbolt
(or postgres when ACTAS_POSTGRES_DSN is set) under a wrapping key derived
from ACTAS_PASSPHRASE or ACTAS_KEY_FILE.

With --upstream, requests to /api/v1/proxy/* are forwarded to that API using
the active credential, and writes wait for confirmation.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVar(&serverListen, "listen", "", "Address to listen on (ACTAS_LISTEN_ADDR)")
	f.StringVar(&serverTLSCert, "tls-cert", "", "Path to TLS certificate file (ACTAS_TLS_CERT)")
	f.StringVar(&serverTLSKey, "tls-key", "", "Path to TLS key file (ACTAS_TLS_KEY)")
	f.StringVar(&serverAPIToken, "api-token", "", "Bearer token required by the API (ACTAS_API_TOKEN)")
	f.StringVar(&serverPostgresDSN, "postgres-dsn", "", "Use postgres for storage (ACTAS_POSTGRES_DSN)")
	f.StringVar(&serverUpstream, "upstream", "", "Upstream API for /proxy (ACTAS_UPSTREAM_URL)")
	f.StringArrayVar(&serverExempt, "exempt", nil, `Skip confirmation for "METHOD /prefix" (repeatable, ACTAS_EXEMPT)`)
	f.DurationVar(&serverTimeout, "confirm-timeout", 0, "Expire unanswered confirmations after this long (ACTAS_CONFIRM_TIMEOUT)")
}

func applyServerFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = serverListen
	}
	if f.Changed("tls-cert") {
		cfg.TLSCertFile = serverTLSCert
	}
	if f.Changed("tls-key") {
		cfg.TLSKeyFile = serverTLSKey
	}
	if f.Changed("api-token") {
		cfg.APIToken = serverAPIToken
	}
	if f.Changed("postgres-dsn") {
		cfg.PostgresDSN = serverPostgresDSN
	}
	if f.Changed("upstream") {
		cfg.UpstreamURL = serverUpstream
	}
	if f.Changed("exempt") {
		cfg.Exempt = serverExempt
	}
	if f.Changed("confirm-timeout") {
		cfg.ConfirmTimeout = serverTimeout
	}
	return cfg.ValidateServer()
}

func runServer(cmd *cobra.Command, _ []string) error {
	if err := applyServerFlags(cmd); err != nil {
		return err
	}
	ctx := cmd.Context()

	repo, closeRepo, err := openRepository(ctx, cfg, cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer closeRepo()

	key, err := wrappingKey(cfg, repo)
	if err != nil {
		return fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	store, err := session.NewPersistentStore(repo, cfg.Namespace, key)
	util.WipeBytes(key)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	chain := audit.NewStore(repo, auditNamespace(cfg))
	auditLog, closeAudit := newAuditLogger(cfg, logger, chain)
	defer closeAudit()

	ctrl, err := session.NewController(store,
		session.WithAuditor(auditLog),
		session.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	broker := gate.NewBroker(
		gate.WithIdleTimeout(cfg.ConfirmTimeout),
		gate.WithAuditor(auditLog),
		gate.WithIdentity(func() string { return ctrl.State().ImpersonatorID }),
		gate.WithLogger(logger),
	)
	ctrl.OnReset("cancel-confirmations", func(context.Context, session.State) error {
		broker.CancelAll("session reset")
		return nil
	})

	modal := presenter.NewModal()
	detach := modal.Attach(ctx, broker)
	defer detach()

	apiOpts := []api.Option{api.WithLogger(logger), api.WithAuditStore(chain)}
	upstream, err := cfg.Upstream()
	if err != nil {
		return err
	}
	if upstream != nil {
		gatedOpts, err := exemptOptions(cfg)
		if err != nil {
			return err
		}
		gatedOpts = append(gatedOpts, transport.WithAuditor(auditLog), transport.WithLogger(logger))
		apiOpts = append(apiOpts, api.WithUpstream(upstream, transport.New(nil, ctrl, broker, gatedOpts...)))
	}

	a := api.New(ctrl, broker, modal, cfg.APIToken, apiOpts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())

	webHandler, err := web.Handler()
	if err != nil {
		return err
	}
	r.Handle("/*", webHandler)

	tlsConfig, err := serverTLSConfig()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout(cfg.ConfirmTimeout),
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	fmt.Printf("Starting server on %s (data: %s, namespace: %s)...\n", cfg.ListenAddr, cfg.DataDir, cfg.Namespace)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		broker.CancelAll("server shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// writeTimeout bounds responses. Gated proxy requests block until the operator
// answers, so with no confirmation timeout the write deadline is lifted too.
func writeTimeout(confirm time.Duration) time.Duration {
	if confirm <= 0 {
		return 0
	}
	return confirm + 30*time.Second
}

func serverTLSConfig() (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCertFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
