package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/riskgate/risk"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteWriter stores records in an append-only sqlite table. Triggers in
// the schema abort any UPDATE or DELETE.
type SQLiteWriter struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	// One writer keeps sqlite from reporting "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteWriter{db: db, timeout: 5 * time.Second}, nil
}

type row struct {
	Seq               int64   `db:"seq"`
	ID                string  `db:"id"`
	Type              string  `db:"type"`
	Account           string  `db:"account"`
	Subject           string  `db:"subject"`
	Actor             string  `db:"actor"`
	Approved          bool    `db:"approved"`
	Code              string  `db:"code"`
	Reason            string  `db:"reason"`
	Severity          string  `db:"severity"`
	PositionSize      float64 `db:"position_size"`
	ShutdownTriggered bool    `db:"shutdown_triggered"`
	Metrics           string  `db:"metrics"`
	Checks            string  `db:"checks"`
	Proposal          string  `db:"proposal"`
	At                string  `db:"at"`
	PreviousHash      string  `db:"previous_hash"`
	Hash              string  `db:"hash"`
}

func toRow(rec Record) (row, error) {
	r := row{
		ID:                rec.ID,
		Type:              string(rec.Type),
		Account:           rec.Account,
		Subject:           rec.Subject,
		Actor:             rec.Actor,
		Approved:          rec.Approved,
		Code:              string(rec.Code),
		Reason:            rec.Reason,
		Severity:          rec.Severity.String(),
		PositionSize:      rec.PositionSize,
		ShutdownTriggered: rec.ShutdownTriggered,
		At:                rec.At.UTC().Format(timeLayout),
		PreviousHash:      rec.PreviousHash,
		Hash:              rec.Hash,
		Metrics:           "{}",
		Checks:            "[]",
	}
	if len(rec.Metrics) > 0 {
		b, err := json.Marshal(rec.Metrics)
		if err != nil {
			return row{}, err
		}
		r.Metrics = string(b)
	}
	if len(rec.Checks) > 0 {
		b, err := json.Marshal(rec.Checks)
		if err != nil {
			return row{}, err
		}
		r.Checks = string(b)
	}
	if rec.Proposal != nil {
		b, err := json.Marshal(rec.Proposal)
		if err != nil {
			return row{}, err
		}
		r.Proposal = string(b)
	}
	return r, nil
}

func (r row) record() (Record, error) {
	sev, err := risk.ParseSeverity(r.Severity)
	if err != nil {
		return Record{}, err
	}
	at, err := time.Parse(timeLayout, r.At)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:                r.ID,
		Type:              Type(r.Type),
		Account:           r.Account,
		Subject:           r.Subject,
		Actor:             r.Actor,
		Approved:          r.Approved,
		Code:              risk.Code(r.Code),
		Reason:            r.Reason,
		Severity:          sev,
		PositionSize:      r.PositionSize,
		ShutdownTriggered: r.ShutdownTriggered,
		At:                at.UTC(),
		PreviousHash:      r.PreviousHash,
		Hash:              r.Hash,
	}
	if r.Metrics != "" && r.Metrics != "{}" {
		if err := json.Unmarshal([]byte(r.Metrics), &rec.Metrics); err != nil {
			return Record{}, fmt.Errorf("record %s metrics: %w", r.ID, err)
		}
	}
	if r.Checks != "" && r.Checks != "[]" {
		if err := json.Unmarshal([]byte(r.Checks), &rec.Checks); err != nil {
			return Record{}, fmt.Errorf("record %s checks: %w", r.ID, err)
		}
	}
	if r.Proposal != "" {
		rec.Proposal = &risk.TradeProposal{}
		if err := json.Unmarshal([]byte(r.Proposal), rec.Proposal); err != nil {
			return Record{}, fmt.Errorf("record %s proposal: %w", r.ID, err)
		}
	}
	return rec, nil
}

func (w *SQLiteWriter) Append(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	r, err := toRow(rec)
	if err != nil {
		return fmt.Errorf("encode audit record %s: %w", rec.ID, err)
	}
	_, err = w.db.NamedExecContext(ctx, `
		INSERT INTO decisions
		(id, type, account, subject, actor, approved, code, reason, severity, position_size,
		 shutdown_triggered, metrics, checks, proposal, at, previous_hash, hash)
		VALUES
		(:id, :type, :account, :subject, :actor, :approved, :code, :reason, :severity, :position_size,
		 :shutdown_triggered, :metrics, :checks, :proposal, :at, :previous_hash, :hash)`, r)
	if err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	return nil
}

// Filter narrows List and Count. Zero fields match everything.
type Filter struct {
	Account string
	Type    Type
	Since   time.Time // inclusive
	Until   time.Time // exclusive
	Limit   int
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, f.Account)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "at < ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns matching records in append order.
func (w *SQLiteWriter) List(ctx context.Context, f Filter) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	where, args := f.where()
	q := "SELECT * FROM decisions" + where + " ORDER BY seq ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []row
	if err := w.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of matching records. Limit is ignored.
func (w *SQLiteWriter) Count(ctx context.Context, f Filter) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	where, args := f.where()
	var n int
	if err := w.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM decisions"+where, args...); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// LastHash returns the hash of the newest record, or "" for an empty log.
func (w *SQLiteWriter) LastHash(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var h string
	err := w.db.GetContext(ctx, &h, "SELECT hash FROM decisions ORDER BY seq DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last audit hash: %w", err)
	}
	return h, nil
}

func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
