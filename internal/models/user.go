package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Roles a user can hold. Bankers administer accounts, customers transact.
const (
	RoleCustomer = "customer"
	RoleBanker   = "banker"
)

type User struct {
	ID           int             `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Email        string          `json:"email" db:"email"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Role         string          `json:"role" db:"role"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// CustomerAccount is one row of the banker dashboard: a customer plus
// their most recent ledger entry, if any.
type CustomerAccount struct {
	ID              int              `json:"id"`
	Username        string           `json:"username"`
	Email           string           `json:"email"`
	Balance         decimal.Decimal  `json:"balance"`
	LastTransaction *LastTransaction `json:"lastTransaction"`
}

type LastTransaction struct {
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}
