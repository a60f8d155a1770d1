package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/actas/audit"
	"github.com/jmcleod/actas/banner"
	"github.com/jmcleod/actas/session"
)

// cliSession is the controller the CLI commands share. Slots live in a plain
// session file; the audit chain lives in its own bbolt file so the CLI never
// contends with a running server for the database lock.
type cliSession struct {
	ctrl  *session.Controller
	chain *audit.Store
	audit *audit.Logger
	close func()
}

func openCLISession(cmd *cobra.Command) (*cliSession, error) {
	store, err := session.NewFileStore(cfg.SessionDir())
	if err != nil {
		return nil, err
	}
	repo, closeRepo, err := openRepository(cmd.Context(), cfg, cliAuditPath())
	if err != nil {
		return nil, err
	}
	chain := audit.NewStore(repo, auditNamespace(cfg))
	auditLog, closeAudit := newAuditLogger(cfg, logger, chain)

	out := cmd.ErrOrStderr()
	ctrl, err := session.NewController(store,
		session.WithAuditor(auditLog),
		session.WithLogger(logger),
		session.WithResetHook("reload", func(_ context.Context, st session.State) error {
			if st.Impersonating {
				fmt.Fprintln(out, "Session switched. Reload any open views; they still show the previous user.")
			} else {
				fmt.Fprintln(out, "Session restored. Reload any open views.")
			}
			return nil
		}),
	)
	if err != nil {
		closeAudit()
		closeRepo()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &cliSession{
		ctrl:  ctrl,
		chain: chain,
		audit: auditLog,
		close: func() {
			closeAudit()
			closeRepo()
		},
	}, nil
}

func cliAuditPath() string {
	return filepath.Join(cfg.DataDir, "audit-cli.db")
}

// readToken returns flagValue, or reads the token from stdin when flagValue
// is "-", or prompts without echo on a terminal.
func readToken(cmd *cobra.Command, flagValue, prompt string) (session.Credential, error) {
	switch flagValue {
	case "":
	case "-":
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return session.Credential(strings.TrimSpace(line)), nil
	default:
		return session.Credential(flagValue), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--token is required when stdin is not a terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return session.Credential(strings.TrimSpace(string(raw))), nil
}

var signinToken string

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Store your own API token as the active credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		token, err := readToken(cmd, signinToken, "Token: ")
		if err != nil {
			return err
		}
		s, err := openCLISession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.ctrl.SignIn(cmd.Context(), token); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", session.SubjectOrFingerprint(token))
		return nil
	},
}

var (
	startToken     string
	startMode      string
	startTargetID  string
	startFirstName string
	startLastName  string
	startEmail     string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start acting as another user",
	Long: `Stores your current credential so it can be restored, then makes the
target user's token the active credential. In full mode every write made
through "actas do" must be confirmed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		mode, err := session.ParseMode(startMode)
		if err != nil {
			return err
		}
		token, err := readToken(cmd, startToken, "Target token: ")
		if err != nil {
			return err
		}
		s, err := openCLISession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		target := session.Profile{
			ID:        startTargetID,
			FirstName: startFirstName,
			LastName:  startLastName,
			Email:     startEmail,
		}
		if err := s.ctrl.Start(cmd.Context(), token, target, mode); err != nil && !errors.Is(err, session.ErrResetHook) {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), banner.New(s.ctrl).Render())
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop impersonating and restore your own credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openCLISession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		if !s.ctrl.Impersonating() {
			fmt.Fprintln(cmd.OutOrStdout(), "Not impersonating.")
			return nil
		}
		if err := s.ctrl.Stop(cmd.Context()); err != nil && !errors.Is(err, session.ErrResetHook) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Impersonation stopped.")
		return nil
	},
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether you are impersonating someone",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openCLISession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		out := cmd.OutOrStdout()

		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(s.ctrl.State())
		}
		if b := banner.New(s.ctrl); b.Visible() {
			fmt.Fprint(out, b.Render())
			return nil
		}
		fmt.Fprintln(out, "Not impersonating.")
		if cred, err := s.ctrl.ActiveCredential(); err == nil {
			fmt.Fprintf(out, "Signed in as %s\n", session.SubjectOrFingerprint(cred))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signinCmd, startCmd, stopCmd, statusCmd)

	signinCmd.Flags().StringVar(&signinToken, "token", "", `Your API token ("-" reads stdin; prompts when omitted)`)

	f := startCmd.Flags()
	f.StringVar(&startToken, "token", "", `Target user's API token ("-" reads stdin; prompts when omitted)`)
	f.StringVar(&startMode, "mode", string(session.ModeReadOnly), "Impersonation mode: read-only or full")
	f.StringVar(&startTargetID, "id", "", "Target user ID")
	f.StringVar(&startFirstName, "first-name", "", "Target user's first name")
	f.StringVar(&startLastName, "last-name", "", "Target user's last name")
	f.StringVar(&startEmail, "email", "", "Target user's email")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the session state as JSON")
}
