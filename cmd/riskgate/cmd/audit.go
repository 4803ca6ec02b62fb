package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskgate/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, export and verify the audit log",
	Long: `Read the SQLite audit log. Records are never modified by these commands.

Subcommands:
  list    - List records in append order
  export  - Export records to CSV or XLSX
  verify  - Check the hash chain of the whole log

Examples:
  riskgate audit list --account acct-1 --since 2024-05-06
  riskgate audit export --format xlsx -o decisions.xlsx
  riskgate audit verify`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit records to CSV or XLSX",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of the audit log",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var (
	auditDBPath  string
	auditAccount string
	auditType    string
	auditSince   string
	auditUntil   string
	auditLimit   int
	auditFormat  string
	auditOutput  string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditCmd.PersistentFlags().StringVarP(&auditDBPath, "db", "d", "", "audit SQLite DB (default audit.db_path from the config)")
	for _, c := range []*cobra.Command{auditListCmd, auditExportCmd} {
		c.Flags().StringVarP(&auditAccount, "account", "a", "", "only this account")
		c.Flags().StringVarP(&auditType, "type", "t", "", "only this record type, e.g. TRADE_VALIDATION")
		c.Flags().StringVar(&auditSince, "since", "", "from this UTC day or RFC3339 time (inclusive)")
		c.Flags().StringVar(&auditUntil, "until", "", "to this UTC day or RFC3339 time (exclusive)")
		c.Flags().IntVarP(&auditLimit, "limit", "n", 0, "at most this many records")
	}
	auditExportCmd.Flags().StringVarP(&auditFormat, "format", "f", "csv", "csv or xlsx")
	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "output file (csv defaults to stdout; required for xlsx)")
}

func openAuditDB() (*audit.SQLiteWriter, error) {
	path := auditDBPath
	if path == "" {
		path = cfg.Audit.DBPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit db: %w", err)
	}
	w, err := audit.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return w, nil
}

func auditFilter() (audit.Filter, error) {
	f := audit.Filter{
		Account: auditAccount,
		Type:    audit.Type(strings.ToUpper(auditType)),
		Limit:   auditLimit,
	}
	var err error
	if f.Since, err = parseWhen(auditSince); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseWhen(auditUntil); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	return f, nil
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	w, err := openAuditDB()
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := auditFilter()
	if err != nil {
		return err
	}
	recs, err := w.List(cmd.Context(), f)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"At", "Type", "Account", "Subject", "Approved", "Code", "Severity", "Size", "Actor", "Reason"})
	for _, r := range recs {
		t.AppendRow(table.Row{
			r.At.UTC().Format("2006-01-02 15:04:05"),
			r.Type,
			r.Account,
			r.Subject,
			r.Approved,
			r.Code,
			r.Severity,
			fmt.Sprintf("%.2f", r.PositionSize),
			r.Actor,
			r.Reason,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "records", len(recs)})
	t.Render()
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	w, err := openAuditDB()
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := auditFilter()
	if err != nil {
		return err
	}
	recs, err := w.List(cmd.Context(), f)
	if err != nil {
		return err
	}

	switch strings.ToLower(auditFormat) {
	case "csv":
		if auditOutput == "" {
			return audit.ExportCSV(cmd.OutOrStdout(), recs)
		}
		out, err := os.Create(auditOutput)
		if err != nil {
			return err
		}
		if err := audit.ExportCSV(out, recs); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case "xlsx":
		if auditOutput == "" {
			return fmt.Errorf("--output is required for xlsx")
		}
		if err := audit.ExportXLSX(auditOutput, recs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported %d records to %s\n", len(recs), auditOutput)
		return nil
	default:
		return fmt.Errorf("unknown format %q (csv or xlsx)", auditFormat)
	}
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	w, err := openAuditDB()
	if err != nil {
		return err
	}
	defer w.Close()

	recs, err := w.List(cmd.Context(), audit.Filter{})
	if err != nil {
		return err
	}
	if err := audit.Verify(recs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Audit chain intact: %d records\n", len(recs))
	return nil
}
