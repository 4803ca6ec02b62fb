package audit

const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	account TEXT NOT NULL,
	subject TEXT NOT NULL,
	actor TEXT NOT NULL,
	approved INTEGER NOT NULL,
	code TEXT NOT NULL,
	reason TEXT NOT NULL,
	severity TEXT NOT NULL,
	position_size REAL NOT NULL,
	shutdown_triggered INTEGER NOT NULL,
	metrics TEXT NOT NULL,
	checks TEXT NOT NULL,
	proposal TEXT NOT NULL,
	at TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_account_at ON decisions(account, at);

CREATE TRIGGER IF NOT EXISTS decisions_no_update
BEFORE UPDATE ON decisions
BEGIN
	SELECT RAISE(ABORT, 'audit records are append-only');
END;

CREATE TRIGGER IF NOT EXISTS decisions_no_delete
BEFORE DELETE ON decisions
BEGIN
	SELECT RAISE(ABORT, 'audit records are append-only');
END;
`
