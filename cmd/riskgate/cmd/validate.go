package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskgate/audit"
	"github.com/rustyeddy/riskgate/engine"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/risk"
	"github.com/rustyeddy/riskgate/state"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Dry-run one trade proposal against a ledger snapshot file",
	Long: `Run the full check pipeline for a proposal against a snapshot file,
using the configured hard limits. State and the audit record stay in
memory and are discarded on exit.

Examples:
  riskgate validate --snapshot acct-1.json --proposal trade.json
  cat trade.json | riskgate validate --snapshot acct-1.json --proposal -`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var (
	validateSnapshot string
	validateProposal string
	validateJSON     bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateSnapshot, "snapshot", "s", "", "ledger snapshot JSON file (required)")
	validateCmd.Flags().StringVarP(&validateProposal, "proposal", "p", "-", "proposal JSON file, - for stdin")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the full result as JSON")
	validateCmd.MarkFlagRequired("snapshot")
}

func runValidate(cmd *cobra.Command, args []string) error {
	hl, err := cfg.HardLimits()
	if err != nil {
		return err
	}
	snap, err := ledger.ReadSnapshotFile(validateSnapshot)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	p, err := readProposal(cmd.InOrStdin(), validateProposal)
	if err != nil {
		return err
	}

	eng := engine.New(cfg.EngineConfig(), hl, ledger.NewStatic(snap), state.NewMemoryStore(), audit.NewMemoryWriter(),
		engine.WithLogger(logger))
	res, err := eng.Validate(cmd.Context(), snap.Account, p)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if validateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printChecks(out, res.Decision)
	if res.Approved {
		fmt.Fprintf(out, "APPROVED size=%.2f\n", res.PositionSize)
	} else {
		fmt.Fprintf(out, "REJECTED %s [%s] %s\n", res.Reason.Code, res.Severity, res.Reason.Text)
	}
	return nil
}

func readProposal(stdin io.Reader, path string) (risk.TradeProposal, error) {
	var p risk.TradeProposal
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return p, fmt.Errorf("open proposal: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return p, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}

func printChecks(w io.Writer, d risk.Decision) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Check", "Result", "Value", "Limit", "Severity", "Message"})
	for _, c := range d.Checks {
		result := text.FgGreen.Sprint("pass")
		if !c.Passed {
			result = text.FgRed.Sprint("FAIL")
		}
		t.AppendRow(table.Row{c.Name, result, fmt.Sprintf("%.4g", c.Value), fmt.Sprintf("%.4g", c.Limit), c.Severity, c.Message})
	}
	t.Render()
}
