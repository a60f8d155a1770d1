package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/actas/gate"
	"github.com/jmcleod/actas/presenter"
	"github.com/jmcleod/actas/transport"
)

var (
	doData     string
	doHeaders  []string
	doUpstream string
	doExempt   []string
)

var doCmd = &cobra.Command{
	Use:   "do METHOD URL",
	Short: "Send an API request with the active credential",
	Long: `Sends one HTTP request using the active credential. While impersonating,
POST, PUT, PATCH and DELETE requests are shown for confirmation first and
are only sent if you answer yes.

A relative URL is resolved against ACTAS_UPSTREAM_URL (or --upstream).
Use --data @file to send a file and --data - to read the body from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runDo,
}

func init() {
	rootCmd.AddCommand(doCmd)
	f := doCmd.Flags()
	f.StringVarP(&doData, "data", "d", "", "Request body (@file reads a file, - reads stdin)")
	f.StringArrayVarP(&doHeaders, "header", "H", nil, `Extra header as "Name: value" (repeatable)`)
	f.StringVar(&doUpstream, "upstream", "", "Base URL for relative paths (ACTAS_UPSTREAM_URL)")
	f.StringArrayVar(&doExempt, "exempt", nil, `Skip confirmation for "METHOD /prefix" (repeatable, ACTAS_EXEMPT)`)
}

func runDo(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("upstream") {
		cfg.UpstreamURL = doUpstream
	}
	if cmd.Flags().Changed("exempt") {
		cfg.Exempt = doExempt
	}
	method := strings.ToUpper(args[0])
	target, err := resolveTarget(args[1])
	if err != nil {
		return err
	}
	body, err := requestBody(cmd, doData)
	if err != nil {
		return err
	}

	s, err := openCLISession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	broker := gate.NewBroker(
		gate.WithIdleTimeout(cfg.ConfirmTimeout),
		gate.WithAuditor(s.audit),
		gate.WithIdentity(func() string { return s.ctrl.State().ImpersonatorID }),
		gate.WithLogger(logger),
	)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	detach := presenter.NewTerminal(cmd.InOrStdin(), cmd.ErrOrStderr()).Attach(ctx, broker)
	defer detach()

	opts, err := exemptOptions(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, transport.WithAuditor(s.audit), transport.WithLogger(logger))
	client := transport.New(nil, s.ctrl, broker, opts...).Client()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for _, h := range doHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("header %q must look like \"Name: value\"", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, transport.ErrConfirmationCancelled) {
			return fmt.Errorf("%s %s was not sent: %w", method, target, err)
		}
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintln(cmd.ErrOrStderr(), resp.Status)
	if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func resolveTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := cfg.Upstream()
	if err != nil {
		return "", err
	}
	if base == nil {
		return "", fmt.Errorf("%q is relative and no upstream is configured", raw)
	}
	return base.JoinPath(u.Path).String() + queryOf(u), nil
}

func queryOf(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

func requestBody(cmd *cobra.Command, data string) (io.Reader, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "-":
		return cmd.InOrStdin(), nil
	case strings.HasPrefix(data, "@"):
		f, err := os.Open(data[1:])
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		return f, nil
	default:
		return strings.NewReader(data), nil
	}
}
