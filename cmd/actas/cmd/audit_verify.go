package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/actas/audit"
)

type verifyResult struct {
	File       string        `json:"file"`
	Namespace  string        `json:"namespace"`
	EntryCount int           `json:"entry_count"`
	Valid      bool          `json:"valid"`
	Checks     []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

func verifyAuditChain(export audit.Export) verifyResult {
	result := verifyResult{
		Namespace:  export.Namespace,
		EntryCount: len(export.Entries),
		Valid:      true,
	}
	entries := export.Entries

	if len(entries) == 0 {
		result.pass("empty_chain", "no entries to verify")
		return result
	}

	// 1. Genesis anchor.
	if entries[0].PrevHash == audit.GenesisHash {
		result.pass("genesis_anchor", "")
	} else {
		result.fail("genesis_anchor",
			fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	// 2. Contiguous sequence numbers.
	seqDetail := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			seqDetail = fmt.Sprintf("entry %d (id=%s) has seq=%d, expected %d", i, e.ID, e.Seq, i+1)
			break
		}
	}
	if seqDetail == "" {
		result.pass("sequence", "")
	} else {
		result.fail("sequence", seqDetail)
	}

	// 3. Chain continuity.
	linkDetail := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			linkDetail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but entry %d hash is %s",
				i, entries[i].ID, entries[i].PrevHash, i-1, entries[i-1].Hash)
			break
		}
	}
	if linkDetail == "" {
		result.pass("chain_continuity", fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.fail("chain_continuity", linkDetail)
	}

	// 4. Entry hashes.
	hashDetail := ""
	for i, e := range entries {
		if got := audit.ChainHash(e); got != e.Hash {
			hashDetail = fmt.Sprintf("entry %d (id=%s) hash=%s, recomputed %s", i, e.ID, e.Hash, got)
			break
		}
	}
	if hashDetail == "" {
		result.pass("entry_hashes", "")
	} else {
		result.fail("entry_hashes", hashDetail)
	}

	// 5. No duplicate IDs.
	seen := make(map[string]int, len(entries))
	dupDetail := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dupDetail = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dupDetail == "" {
		result.pass("no_duplicate_ids", "")
	} else {
		result.fail("no_duplicate_ids", dupDetail)
	}

	// 6. Monotonic timestamps. Clock skew happens, so this only warns.
	tsDetail := ""
	allParsed := true
	var prevTime time.Time
	for i, e := range entries {
		t, err := parseTimestamp(e.CreatedAt)
		if err != nil {
			allParsed = false
			continue
		}
		if !prevTime.IsZero() && t.Before(prevTime) {
			tsDetail = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prevTime = t
	}
	switch {
	case tsDetail != "":
		result.warn("monotonic_timestamps", tsDetail)
	case !allParsed:
		result.warn("monotonic_timestamps", "some timestamps could not be parsed")
	default:
		result.pass("monotonic_timestamps", "")
	}

	// 7. Attribution. Actions taken before sign-in have no impersonator.
	unattributed := 0
	for _, e := range entries {
		if e.ImpersonatorID == "" {
			unattributed++
		}
	}
	if unattributed == 0 {
		result.pass("impersonator_attribution", "")
	} else {
		result.warn("impersonator_attribution", fmt.Sprintf("%d entries have no impersonator_id", unattributed))
	}

	return result
}

// parseTimestamp parses RFC3339Nano, falling back to RFC3339.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.File)
	fmt.Fprintf(w, "Namespace: %s\n", result.Namespace)
	fmt.Fprintf(w, "Entries:   %d\n\n", result.EntryCount)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of an exported audit chain",
	Long: `Reads an exported audit chain (from "actas audit export" or
GET /api/v1/audit/export) and checks the genesis anchor, sequence numbers,
hash links and entry hashes. Exits 1 when the chain is invalid and 2 when
the file cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}

	var export audit.Export
	if err := json.Unmarshal(data, &export); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid JSON: %v\n", err)
		os.Exit(2)
	}

	result := verifyAuditChain(export)
	result.File = filePath

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
