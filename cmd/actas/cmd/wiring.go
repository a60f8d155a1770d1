package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/config"
	"github.com/jmcleod/actas/internal/util"
	"github.com/jmcleod/actas/session"
	"github.com/jmcleod/actas/storage"
	bboltstorage "github.com/jmcleod/actas/storage/bbolt"
	"github.com/jmcleod/actas/storage/postgres"
	"github.com/jmcleod/actas/transport"
)

// openRepository opens postgres when a DSN is configured and the bbolt file
// at path otherwise.
func openRepository(ctx context.Context, c *config.Config, path string) (storage.Repository, func(), error) {
	if c.PostgresDSN != "" {
		repo, err := postgres.NewRepositoryFromDSN(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(path, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return repo, func() { repo.Close() }, nil
}

// wrappingKey derives the key that protects the persistent slot key. The
// caller wipes it once the store is built.
func wrappingKey(c *config.Config, repo storage.Repository) ([]byte, error) {
	if c.KeyFile != "" {
		secret, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		defer util.WipeBytes(secret)
		return session.WrappingKeyFromSecret(secret, c.Namespace)
	}
	return session.WrappingKeyFromPassphrase(repo, c.Namespace, c.Passphrase)
}

// newAuditLogger fans audit records out to chain, the optional webhook and
// the anomaly detector. The returned func flushes the webhook.
func newAuditLogger(c *config.Config, l *slog.Logger, chain *audit.Store) (*audit.Logger, func()) {
	metrics := audit.NewMetrics(func(evt audit.AlertEvent) {
		l.Warn("audit alert",
			"type", evt.Type,
			"message", evt.Message,
			"count", evt.Count,
			"threshold", evt.Threshold,
		)
	})
	opts := []audit.Option{audit.WithStore(chain), audit.WithMetrics(metrics)}
	closeFn := func() {}
	if c.AuditWebhookURL != "" {
		wh := audit.NewWebhook(c.AuditWebhookURL, os.Getenv("ACTAS_AUDIT_WEBHOOK_AUTH"))
		opts = append(opts, audit.WithWebhook(wh))
		closeFn = wh.Close
	}
	return audit.NewLogger(l, opts...), closeFn
}

func auditNamespace(c *config.Config) string {
	return "audit:" + c.Namespace
}

func exemptOptions(c *config.Config) ([]transport.Option, error) {
	var opts []transport.Option
	for _, e := range c.Exempt {
		method, prefix, err := config.ParseExempt(e)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithExempt(method, prefix))
	}
	return opts, nil
}
