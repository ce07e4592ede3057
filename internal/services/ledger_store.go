package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/corebank/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerStore owns all durable state: user balances and the immutable
// transaction log. Compound mutations go through RunAtomic; a balance
// change and its ledger entry always commit together or not at all.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// TransactionFilter narrows history queries to a creation-time window.
// Nil bounds are open.
type TransactionFilter struct {
	Start *time.Time
	End   *time.Time
}

const userColumns = `id, username, email, password_hash, role, balance, created_at`

// RunAtomic executes fn inside a database transaction. Any error from fn
// rolls everything back; no partial state becomes visible to other
// operations.
func (s *LedgerStore) RunAtomic(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStoreError(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyStoreError(err)
	}
	return nil
}

func (s *LedgerStore) GetUser(ctx context.Context, id int) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1`, id)
	return scanUser(row)
}

// FindUser resolves a user by exact, case-sensitive username or email
// match, scoped to the given role.
func (s *LedgerStore) FindUser(ctx context.Context, usernameOrEmail, role string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = $1 AND (username = $2 OR email = $2)`, role, usernameOrEmail)
	return scanUser(row)
}

// LockUser reads a user row FOR UPDATE. Balance checks made against the
// returned snapshot hold until the surrounding transaction ends, which is
// what closes the check-then-act window on Withdraw and Transfer.
func (s *LedgerStore) LockUser(tx *sql.Tx, id int) (*models.User, error) {
	row := tx.QueryRow(`
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
		FOR UPDATE`, id)
	return scanUser(row)
}

// AdjustBalance adds delta (positive or negative) to a user's balance.
// The guard keeps a negative balance impossible even if a caller skips
// the locked re-check. Must run inside the same transaction as the
// matching RecordTransaction call.
func (s *LedgerStore) AdjustBalance(tx *sql.Tx, userID int, delta decimal.Decimal) error {
	result, err := tx.Exec(`
		UPDATE users
		SET balance = balance + $1
		WHERE id = $2 AND balance + $1 >= 0`, delta, userID)
	if err != nil {
		return classifyStoreError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classifyStoreError(err)
	}
	if rowsAffected == 0 {
		if delta.IsNegative() {
			return ErrInsufficientFunds
		}
		return ErrNotFound
	}
	return nil
}

// RecordTransaction appends one immutable ledger entry and returns its id.
// transferGroup links the two rows of a transfer; standalone deposits and
// withdrawals pass an invalid NullUUID.
func (s *LedgerStore) RecordTransaction(tx *sql.Tx, userID int, kind string, amount decimal.Decimal, transferGroup uuid.NullUUID, at time.Time) (int, error) {
	var id int
	err := tx.QueryRow(`
		INSERT INTO transactions (user_id, type, amount, transfer_group, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		userID, kind, amount, transferGroup, at).Scan(&id)
	if err != nil {
		return 0, classifyStoreError(err)
	}
	return id, nil
}

// CreateUser inserts a user row. Duplicate username or email, any role,
// surfaces as ErrConflict via the unique constraints.
func (s *LedgerStore) CreateUser(tx *sql.Tx, username, email, passwordHash, role string, balance decimal.Decimal) (int, error) {
	var id int
	err := tx.QueryRow(`
		INSERT INTO users (username, email, password_hash, role, balance)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		username, email, passwordHash, role, balance).Scan(&id)
	if err != nil {
		return 0, classifyStoreError(err)
	}
	return id, nil
}

// ListTransactions returns the total count of entries matching the filter
// plus one page, newest first. Ties on created_at break toward the later
// insert. limit <= 0 returns everything from offset on.
func (s *LedgerStore) ListTransactions(ctx context.Context, userID int, filter TransactionFilter, offset, limit int) (int, []models.Transaction, error) {
	conditions := []string{"user_id = $1"}
	args := []any{userID}
	argIndex := 2

	if filter.Start != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.Start)
		argIndex++
	}
	if filter.End != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIndex))
		args = append(args, *filter.End)
		argIndex++
	}

	whereClause := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions"+whereClause, args...).Scan(&total)
	if err != nil {
		return 0, nil, classifyStoreError(err)
	}

	query := `
		SELECT id, user_id, type, amount, transfer_group, created_at
		FROM transactions` + whereClause + `
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, classifyStoreError(err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.TransferGroup, &t.CreatedAt); err != nil {
			return 0, nil, classifyStoreError(err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, classifyStoreError(err)
	}

	return total, transactions, nil
}

// ListCustomersWithLastTransaction returns every customer with their
// newest ledger entry, for the banker dashboard.
func (s *LedgerStore) ListCustomersWithLastTransaction(ctx context.Context) ([]models.CustomerAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email, u.balance, t.type, t.amount, t.created_at
		FROM users u
		LEFT JOIN LATERAL (
			SELECT type, amount, created_at
			FROM transactions
			WHERE user_id = u.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) t ON true
		WHERE u.role = $1
		ORDER BY u.id`, models.RoleCustomer)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	defer rows.Close()

	customers := []models.CustomerAccount{}
	for rows.Next() {
		var c models.CustomerAccount
		var txType sql.NullString
		var txAmount decimal.NullDecimal
		var txCreatedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Username, &c.Email, &c.Balance, &txType, &txAmount, &txCreatedAt); err != nil {
			return nil, classifyStoreError(err)
		}
		if txType.Valid {
			c.LastTransaction = &models.LastTransaction{
				Type:      txType.String,
				Amount:    txAmount.Decimal,
				CreatedAt: txCreatedAt.Time,
			}
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreError(err)
	}

	return customers, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.Balance, &u.CreatedAt)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return &u, nil
}
