package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"CanvasPay/internal/models"
)

var (
	ErrNotFound       = errors.New("transaction record not found")
	ErrTerminalRecord = errors.New("transaction record is already terminal")
	ErrInvalidStatus  = errors.New("invalid payment status")
	// ErrInvalidTransition is a write the status table does not allow, such
	// as moving a processing record back to initialized.
	ErrInvalidTransition = errors.New("invalid transaction record transition")
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const recordColumns = `
	id, payment_id, resource_id, sender_address, recipient_address,
	instrument, mint, amount, status, transfer_signature, retry_count,
	ledger_confirmed, failure_category, failure_code, superseded_by,
	created_at, updated_at`

func (s *Store) CreateTransactionRecord(ctx context.Context, rec *models.TransactionRecord) (int64, error) {
	if rec.Status == "" {
		rec.Status = models.RecordInitialized
	}
	var id int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO transaction_records (
			payment_id, resource_id, sender_address, recipient_address,
			instrument, mint, amount, status, transfer_signature, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`,
		rec.PaymentID,
		rec.ResourceID,
		rec.SenderAddress,
		rec.RecipientAddress,
		rec.Instrument,
		rec.Mint,
		rec.Amount,
		rec.Status,
		rec.TransferSignature,
		rec.RetryCount,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert transaction record")
	}
	rec.ID = id
	return id, nil
}

// UpdateTransactionStatus applies one transition under a row lock.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, u StatusUpdate) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM transaction_records WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if err := apply(rec, u); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE transaction_records
		SET status=$2, transfer_signature=$3, ledger_confirmed=$4, retry_count=$5,
			failure_category=$6, failure_code=$7, updated_at=now()
		WHERE id=$1
	`, id, rec.Status, rec.TransferSignature, rec.LedgerConfirmed, rec.RetryCount, rec.FailureCategory, rec.FailureCode)
	if err != nil {
		return errors.Wrapf(err, "update transaction record %d", id)
	}
	return tx.Commit(ctx)
}

// RecordLateSignature stores a signature that arrived after the record went
// terminal. The status is left alone and an existing signature wins.
func (s *Store) RecordLateSignature(ctx context.Context, id int64, signature string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE transaction_records
		SET transfer_signature=$2, updated_at=now()
		WHERE id=$1 AND transfer_signature IS NULL
	`, id, signature)
	return errors.Wrapf(err, "record late signature on %d", id)
}

func (s *Store) GetTransactionByID(ctx context.Context, id int64) (*models.TransactionRecord, error) {
	return scanRecord(s.Pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM transaction_records WHERE id=$1`, id))
}

// GetTransactionByResource returns the latest record for a resource that has
// not been superseded by a reset.
func (s *Store) GetTransactionByResource(ctx context.Context, resourceID string) (*models.TransactionRecord, error) {
	return scanRecord(s.Pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM transaction_records
		WHERE resource_id=$1 AND superseded_by IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, resourceID))
}

func (s *Store) GetTransactionByPayment(ctx context.Context, paymentID string) (*models.TransactionRecord, error) {
	return scanRecord(s.Pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM transaction_records
		WHERE payment_id=$1 AND superseded_by IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, paymentID))
}

func (s *Store) MarkSuperseded(ctx context.Context, oldID, newID int64) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE transaction_records
		SET superseded_by=$2, updated_at=now()
		WHERE id=$1 AND superseded_by IS NULL
	`, oldID, newID)
	if err != nil {
		return errors.Wrapf(err, "supersede record %d", oldID)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns live records in one of statuses whose last update is
// older than before, oldest first.
func (s *Store) ListStale(ctx context.Context, statuses []models.RecordStatus, before time.Time, limit int) ([]*models.TransactionRecord, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+recordColumns+` FROM transaction_records
		WHERE status = ANY($1) AND updated_at < $2 AND superseded_by IS NULL
		ORDER BY updated_at
		LIMIT $3
	`, names, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale records")
	}
	defer rows.Close()

	var out []*models.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkResourceStatus(ctx context.Context, resourceID string, status models.ResourceStatus) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO resource_status (resource_id, status)
		VALUES ($1, $2)
		ON CONFLICT (resource_id) DO UPDATE SET status=EXCLUDED.status, updated_at=now()
	`, resourceID, status)
	return errors.Wrapf(err, "mark resource %s %s", resourceID, status)
}

func (s *Store) GetResourceStatus(ctx context.Context, resourceID string) (models.ResourceStatus, error) {
	var status string
	err := s.Pool.QueryRow(ctx, `SELECT status FROM resource_status WHERE resource_id=$1`, resourceID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return models.ResourceStatus(status), nil
}

func scanRecord(row pgx.Row) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	var mint sql.NullString
	var signature sql.NullString
	var supersededBy sql.NullInt64
	var status string

	err := row.Scan(
		&rec.ID,
		&rec.PaymentID,
		&rec.ResourceID,
		&rec.SenderAddress,
		&rec.RecipientAddress,
		&rec.Instrument,
		&mint,
		&rec.Amount,
		&status,
		&signature,
		&rec.RetryCount,
		&rec.LedgerConfirmed,
		&rec.FailureCategory,
		&rec.FailureCode,
		&supersededBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scan transaction record")
	}

	rec.Status = models.RecordStatus(status)
	if mint.Valid {
		rec.Mint = &mint.String
	}
	if signature.Valid {
		rec.TransferSignature = &signature.String
	}
	if supersededBy.Valid {
		rec.SupersededBy = &supersededBy.Int64
	}
	return &rec, nil
}
