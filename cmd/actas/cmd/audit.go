package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/actas/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log export and verification tools",
	Long:  `Commands for exporting and verifying the hash-chained impersonation audit log.`,
}

var (
	exportOut    string
	exportServer bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the audit chain as JSON",
	Long: `Exports the audit chain recorded by the CLI commands, or with --server the
chain in the server database (the server must not be running when bbolt
is used). The output can be checked with "actas audit verify".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := cliAuditPath()
		if exportServer {
			path = cfg.DatabasePath()
		}
		repo, closeRepo, err := openRepository(cmd.Context(), cfg, path)
		if err != nil {
			return err
		}
		defer closeRepo()

		export, err := audit.NewStore(repo, auditNamespace(cfg)).Export()
		if err != nil {
			return fmt.Errorf("failed to export audit chain: %w", err)
		}

		var out io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.OpenFile(exportOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(export); err != nil {
			return err
		}
		if out != cmd.OutOrStdout() {
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d entries to %s\n", len(export.Entries), exportOut)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportServer, "server", false, "Export the server's chain instead of the CLI's")
}
