package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLedgerStore_RunAtomic(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("commits on success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users SET balance = balance \\+ \\$1 WHERE id = \\$2 AND balance \\+ \\$1 >= 0").
			WithArgs(decimal.NewFromInt(100), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.RunAtomic(context.Background(), func(tx *sql.Tx) error {
			return store.AdjustBalance(tx, 1, decimal.NewFromInt(100))
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the body fails", func(t *testing.T) {
		bodyErr := errors.New("validation blew up")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.RunAtomic(context.Background(), func(tx *sql.Tx) error {
			return bodyErr
		})
		assert.ErrorIs(t, err, bodyErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerStore_AdjustBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("negative delta past zero is insufficient funds", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE users SET balance = balance \\+ \\$1 WHERE id = \\$2 AND balance \\+ \\$1 >= 0").
			WithArgs(decimal.NewFromInt(-500), 1).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.AdjustBalance(tx, 1, decimal.NewFromInt(-500))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("positive delta with no row is not found", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE users SET balance = balance \\+ \\$1 WHERE id = \\$2 AND balance \\+ \\$1 >= 0").
			WithArgs(decimal.NewFromInt(500), 99).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.AdjustBalance(tx, 99, decimal.NewFromInt(500))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLedgerStore_RecordTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	mock.ExpectBegin()
	tx, _ := db.Begin()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO transactions \\(user_id, type, amount, transfer_group, created_at\\)").
		WithArgs(1, "deposit", decimal.NewFromInt(100), uuid.NullUUID{}, at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := store.RecordTransaction(tx, 1, "deposit", decimal.NewFromInt(100), uuid.NullUUID{}, at)
	assert.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_FindUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("matches username or email scoped to role", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, username, email, password_hash, role, balance, created_at FROM users WHERE role = \\$1 AND \\(username = \\$2 OR email = \\$2\\)").
			WithArgs("customer", "alice").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "role", "balance", "created_at"}).
				AddRow(3, "alice", "alice@bank.com", "hash", "customer", "120.50", time.Now()))

		user, err := store.FindUser(context.Background(), "alice", "customer")
		assert.NoError(t, err)
		assert.Equal(t, 3, user.ID)
		assert.True(t, user.Balance.Equal(decimal.RequireFromString("120.50")))
	})

	t.Run("missing user maps to ErrNotFound", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, username, email, password_hash, role, balance, created_at FROM users WHERE role = \\$1").
			WithArgs("customer", "ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := store.FindUser(context.Background(), "ghost", "customer")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLedgerStore_CreateUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("unique violation maps to ErrConflict", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("INSERT INTO users").
			WithArgs("alice", "alice@bank.com", "hash", "customer", decimal.Zero).
			WillReturnError(&pq.Error{Code: "23505"})

		_, err := store.CreateUser(tx, "alice", "alice@bank.com", "hash", "customer", decimal.Zero)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestLedgerStore_ListTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	t.Run("paginated with time filter", func(t *testing.T) {
		start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 5, 31, 23, 59, 59, 0, time.UTC)

		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM transactions WHERE user_id = \\$1 AND created_at >= \\$2 AND created_at <= \\$3").
			WithArgs(1, start, end).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))

		mock.ExpectQuery("SELECT id, user_id, type, amount, transfer_group, created_at FROM transactions WHERE user_id = \\$1 AND created_at >= \\$2 AND created_at <= \\$3 ORDER BY created_at DESC, id DESC LIMIT \\$4 OFFSET \\$5").
			WithArgs(1, start, end, 10, 0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "amount", "transfer_group", "created_at"}).
				AddRow(12, 1, "deposit", "100.00", nil, time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)).
				AddRow(11, 1, "withdrawal", "30.00", nil, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)))

		total, txs, err := store.ListTransactions(context.Background(), 1, TransactionFilter{Start: &start, End: &end}, 0, 10)
		assert.NoError(t, err)
		assert.Equal(t, 25, total)
		assert.Len(t, txs, 2)
		assert.Equal(t, "deposit", txs[0].Type)
		assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("100.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no limit returns full history", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM transactions WHERE user_id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		mock.ExpectQuery("SELECT id, user_id, type, amount, transfer_group, created_at FROM transactions WHERE user_id = \\$1 ORDER BY created_at DESC, id DESC").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "amount", "transfer_group", "created_at"}).
				AddRow(2, 1, "withdrawal", "30.00", nil, time.Now()).
				AddRow(1, 1, "deposit", "100.00", nil, time.Now()))

		total, txs, err := store.ListTransactions(context.Background(), 1, TransactionFilter{}, 0, 0)
		assert.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, txs, 2)
	})
}

func TestLedgerStore_ListCustomersWithLastTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewLedgerStore(db)

	mock.ExpectQuery("SELECT u.id, u.username, u.email, u.balance, t.type, t.amount, t.created_at FROM users u LEFT JOIN LATERAL").
		WithArgs("customer").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "balance", "type", "amount", "created_at"}).
			AddRow(1, "alice", "alice@bank.com", "120.50", "deposit", "100.00", time.Now()).
			AddRow(2, "bob", "bob@bank.com", "0.00", nil, nil, nil))

	customers, err := store.ListCustomersWithLastTransaction(context.Background())
	assert.NoError(t, err)
	assert.Len(t, customers, 2)
	assert.NotNil(t, customers[0].LastTransaction)
	assert.Equal(t, "deposit", customers[0].LastTransaction.Type)
	assert.Nil(t, customers[1].LastTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}
