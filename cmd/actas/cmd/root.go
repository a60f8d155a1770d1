package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/actas/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	cfg    *config.Config
	logger *slog.Logger

	flagDataDir   string
	flagNamespace string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "actas",
	Short: "actas lets an operator act as another user, with every write confirmed",
	Long: `Switch your session to another user's credential, work on their behalf,
and switch back. While impersonating, every mutating request must be
explicitly confirmed and is audited under your own identity.

Settings come from ACTAS_* environment variables; flags override them.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDataDir, "data-dir", "", "Directory for session, audit and database files (ACTAS_DATA_DIR)")
	pf.StringVar(&flagNamespace, "namespace", "", "Operator profile namespace (ACTAS_NAMESPACE)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (ACTAS_LOG_LEVEL)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: json or text (ACTAS_LOG_FORMAT)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		c.DataDir = flagDataDir
	}
	if flags.Changed("namespace") {
		c.Namespace = flagNamespace
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		c.LogFormat = flagLogFormat
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	logger = c.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return nil
}
