package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry kinds. Every balance mutation writes exactly one entry of
// one of these types; a transfer writes a withdrawal for the sender and a
// deposit for the recipient inside the same database transaction.
const (
	TxDeposit    = "deposit"
	TxWithdrawal = "withdrawal"
)

// Transaction is an immutable ledger entry. Rows are never updated or
// deleted; CreatedAt doubles as ledger order and display date.
type Transaction struct {
	ID            int             `json:"id" db:"id"`
	UserID        int             `json:"-" db:"user_id"`
	Type          string          `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	TransferGroup uuid.NullUUID   `json:"-" db:"transfer_group"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}
