package meterproof

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const sqliteTimeout = 5 * time.Second

type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db, logger: slog.Default()}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS usage (
  tenant_id TEXT,
  subject   TEXT,
  action    TEXT,
  quantity  INTEGER,
  ts        TEXT,
  meta      TEXT,          -- canonical JSON, NULL when absent
  cid       TEXT,
  sur_sig   TEXT,
  kid       TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_ts ON usage(tenant_id, ts);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append inserts one row per record.
func (s *sqliteStore) Append(r SignedUsageRecord) error {
	var meta sql.NullString
	if r.Meta != nil {
		b, err := Canonicalize(r.Meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage(tenant_id, subject, action, quantity, ts, meta, cid, sur_sig, kid)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID, r.Subject, r.Action, r.Quantity, r.TS, meta, r.CID, r.Sig, r.KID)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Query selects the tenant's rows in timestamp order. Rows that cannot be
// rebuilt into a valid record are skipped.
func (s *sqliteStore) Query(tenantID string, r Range) ([]SignedUsageRecord, error) {
	q := `SELECT rowid, cid, tenant_id, subject, action, quantity, ts, meta, sur_sig, kid
	      FROM usage WHERE tenant_id = ?`
	args := []any{tenantID}
	if r.Since != "" {
		q += " AND ts >= ?"
		args = append(args, r.Since)
	}
	if r.Until != "" {
		q += " AND ts <= ?"
		args = append(args, r.Until)
	}
	q += " ORDER BY ts ASC, rowid ASC"

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []SignedUsageRecord
	for rows.Next() {
		var rowid int64
		var cid, tenant, subject, action, ts, meta, sig, kid sql.NullString
		var quantity sql.NullInt64
		if err := rows.Scan(&rowid, &cid, &tenant, &subject, &action, &quantity, &ts, &meta, &sig, &kid); err != nil {
			s.logger.Debug("skip unreadable row", "error", err)
			continue
		}
		rec, err := recordFromRow(cid, tenant, subject, action, quantity, ts, meta, sig, kid)
		if err != nil {
			s.logger.Debug("skip malformed row", "rowid", rowid, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func recordFromRow(cid, tenant, subject, action sql.NullString, quantity sql.NullInt64,
	ts, meta, sig, kid sql.NullString,
) (SignedUsageRecord, error) {
	m := map[string]any{}
	for key, col := range map[string]sql.NullString{
		"cid": cid, "tenant_id": tenant, "subject": subject, "action": action,
		"ts": ts, "sur_sig": sig, "kid": kid,
	} {
		if col.Valid {
			m[key] = col.String
		}
	}
	if quantity.Valid {
		m["quantity"] = quantity.Int64
	}
	if meta.Valid {
		value, err := decodeJSON([]byte(meta.String))
		if err != nil {
			return SignedUsageRecord{}, fmt.Errorf("meta: %w", err)
		}
		m["meta"] = value
	}
	return RecordFromMap(m)
}

// Close closes the database.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}
