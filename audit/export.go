package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

var exportHeader = []string{
	"id", "at", "type", "account", "subject", "actor", "approved",
	"code", "severity", "position_size", "shutdown_triggered", "checks", "reason", "hash",
}

func exportRow(r Record) []string {
	return []string{
		r.ID,
		r.At.UTC().Format(time.RFC3339Nano),
		string(r.Type),
		r.Account,
		r.Subject,
		r.Actor,
		strconv.FormatBool(r.Approved),
		string(r.Code),
		r.Severity.String(),
		f(r.PositionSize),
		strconv.FormatBool(r.ShutdownTriggered),
		strconv.Itoa(len(r.Checks)),
		r.Reason,
		r.Hash,
	}
}

// ExportCSV writes recs as CSV with a header row.
func ExportCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write(exportRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportXLSX writes recs to a workbook at path: one "Decisions" sheet with
// a row per record, and a "Checks" sheet with a row per check performed.
func ExportXLSX(path string, recs []Record) error {
	fx := excelize.NewFile()
	defer fx.Close()

	const decisions = "Decisions"
	const checks = "Checks"
	if err := fx.SetSheetName(fx.GetSheetName(0), decisions); err != nil {
		return err
	}
	if _, err := fx.NewSheet(checks); err != nil {
		return err
	}

	header, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	if err := writeSheetRow(fx, decisions, 1, toAny(exportHeader)); err != nil {
		return err
	}
	_ = fx.SetCellStyle(decisions, "A1", cellName(len(exportHeader), 1), header)

	checkHeader := []any{"record_id", "seq", "check", "passed", "value", "limit", "severity", "message"}
	if err := writeSheetRow(fx, checks, 1, checkHeader); err != nil {
		return err
	}
	_ = fx.SetCellStyle(checks, "A1", cellName(len(checkHeader), 1), header)

	line := 2
	for i, r := range recs {
		if err := writeSheetRow(fx, decisions, i+2, toAny(exportRow(r))); err != nil {
			return err
		}
		for j, c := range r.Checks {
			vals := []any{r.ID, j + 1, c.Name, c.Passed, c.Value, c.Limit, c.Severity.String(), c.Message}
			if err := writeSheetRow(fx, checks, line, vals); err != nil {
				return err
			}
			line++
		}
	}

	_ = fx.SetColWidth(decisions, "A", "B", 30)
	_ = fx.SetColWidth(decisions, "M", "M", 60)
	_ = fx.SetColWidth(checks, "A", "A", 30)
	_ = fx.SetColWidth(checks, "C", "C", 22)

	if err := fx.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func writeSheetRow(fx *excelize.File, sheet string, line int, vals []any) error {
	return fx.SetSheetRow(sheet, cellName(1, line), &vals)
}

func cellName(col, line int) string {
	name, _ := excelize.CoordinatesToCellName(col, line)
	return name
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
