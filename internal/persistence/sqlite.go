package persistence

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
    payment_id TEXT NOT NULL,
    field      TEXT NOT NULL,
    value      TEXT NOT NULL,
    PRIMARY KEY (payment_id, field)
);
`

// SQLite keeps snapshots in a local file, one row per field.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply sqlite schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	id := snap[FieldPaymentID]
	if id == "" {
		return errors.Wrap(ErrMalformed, "missing paymentId")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_snapshots WHERE payment_id = ?`, id); err != nil {
		return errors.Wrapf(err, "clear session %s", id)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_snapshots (payment_id, field, value) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()
	for field, value := range snap {
		if _, err := stmt.ExecContext(ctx, id, field, value); err != nil {
			return errors.Wrapf(err, "save session %s field %s", id, field)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Load(ctx context.Context, paymentID string) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM session_snapshots WHERE payment_id = ?`, paymentID)
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", paymentID)
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, errors.Wrap(err, "scan snapshot field")
		}
		snap[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snap) == 0 {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *SQLite) Delete(ctx context.Context, paymentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE payment_id = ?`, paymentID)
	return errors.Wrapf(err, "delete session %s", paymentID)
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT payment_id FROM session_snapshots ORDER BY payment_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
