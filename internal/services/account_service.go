package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/corebank/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// AccountService implements the balance-mutating operations: deposit,
// withdraw, transfer, and banker-side customer provisioning. It holds no
// state of its own; everything durable lives in the LedgerStore and is
// touched only through RunAtomic.
type AccountService struct {
	store      *LedgerStore
	validator  *ValidationHelper
	bcryptCost int
	now        func() time.Time
}

func NewAccountService(store *LedgerStore) *AccountService {
	viper.SetDefault("bcrypt.cost", bcrypt.DefaultCost)
	return &AccountService{
		store:      store,
		validator:  NewValidationHelper(),
		bcryptCost: viper.GetInt("bcrypt.cost"),
		now:        time.Now,
	}
}

// TransferResult reports a completed transfer back to the sender.
type TransferResult struct {
	RecipientUsername string
	NewBalance        decimal.Decimal
}

// Deposit atomically increases the user's balance and appends a deposit
// entry. Returns the new balance.
func (s *AccountService) Deposit(ctx context.Context, userID int, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	var newBalance decimal.Decimal
	err := s.store.RunAtomic(ctx, func(tx *sql.Tx) error {
		user, err := s.store.LockUser(tx, userID)
		if err != nil {
			return err
		}
		if err := s.store.AdjustBalance(tx, user.ID, amount); err != nil {
			return err
		}
		if _, err := s.store.RecordTransaction(tx, user.ID, models.TxDeposit, amount, uuid.NullUUID{}, s.now()); err != nil {
			return err
		}
		newBalance = user.Balance.Add(amount)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Withdraw atomically decreases the user's balance and appends a
// withdrawal entry. Sufficiency is re-checked under the row lock inside
// the same transaction that performs the decrement, so concurrent
// withdrawals against one user serialize instead of overdrafting.
func (s *AccountService) Withdraw(ctx context.Context, userID int, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	var newBalance decimal.Decimal
	err := s.store.RunAtomic(ctx, func(tx *sql.Tx) error {
		user, err := s.store.LockUser(tx, userID)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		if err := s.store.AdjustBalance(tx, user.ID, amount.Neg()); err != nil {
			return err
		}
		if _, err := s.store.RecordTransaction(tx, user.ID, models.TxWithdrawal, amount, uuid.NullUUID{}, s.now()); err != nil {
			return err
		}
		newBalance = user.Balance.Sub(amount)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Transfer moves amount from the sender to another customer resolved by
// exact username or email. Both rows are locked in ascending-id order to
// avoid deadlocks, the sender's balance is re-validated under the lock,
// and the two ledger entries share one transfer-group id. The whole unit
// commits or rolls back together.
func (s *AccountService) Transfer(ctx context.Context, senderID int, recipientIdentifier string, amount decimal.Decimal) (*TransferResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	sender, err := s.store.GetUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if sender.Role != models.RoleCustomer {
		return nil, ErrForbidden
	}

	recipient, err := s.store.FindUser(ctx, recipientIdentifier, models.RoleCustomer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	if recipient.ID == sender.ID {
		return nil, ErrInvalidRecipient
	}

	group := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	var newBalance decimal.Decimal

	err = s.store.RunAtomic(ctx, func(tx *sql.Tx) error {
		// Lock both rows in ascending-id order regardless of direction.
		firstID, secondID := sender.ID, recipient.ID
		if firstID > secondID {
			firstID, secondID = secondID, firstID
		}

		first, err := s.store.LockUser(tx, firstID)
		if err != nil {
			return err
		}
		second, err := s.store.LockUser(tx, secondID)
		if err != nil {
			if errors.Is(err, ErrNotFound) && secondID == recipient.ID {
				return ErrRecipientNotFound
			}
			return err
		}

		lockedSender, lockedRecipient := first, second
		if first.ID != sender.ID {
			lockedSender, lockedRecipient = second, first
		}

		if lockedSender.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}

		at := s.now()
		if err := s.store.AdjustBalance(tx, lockedSender.ID, amount.Neg()); err != nil {
			return err
		}
		if err := s.store.AdjustBalance(tx, lockedRecipient.ID, amount); err != nil {
			return err
		}
		if _, err := s.store.RecordTransaction(tx, lockedSender.ID, models.TxWithdrawal, amount, group, at); err != nil {
			return err
		}
		if _, err := s.store.RecordTransaction(tx, lockedRecipient.ID, models.TxDeposit, amount, group, at); err != nil {
			return err
		}

		newBalance = lockedSender.Balance.Sub(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{RecipientUsername: recipient.Username, NewBalance: newBalance}, nil
}

// ProvisionCustomer creates a customer account on behalf of a banker. A
// username or email held by any existing user, either role, is a
// conflict. Negative initial balances clamp to zero.
func (s *AccountService) ProvisionCustomer(ctx context.Context, callerRole, username, email, password string, initialBalance decimal.Decimal) (*models.User, error) {
	if callerRole != models.RoleBanker {
		return nil, ErrForbidden
	}

	if initialBalance.IsNegative() {
		initialBalance = decimal.Zero
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	customer := &models.User{
		Username: username,
		Email:    email,
		Role:     models.RoleCustomer,
		Balance:  initialBalance,
	}
	err = s.store.RunAtomic(ctx, func(tx *sql.Tx) error {
		id, err := s.store.CreateUser(tx, username, email, string(hashed), models.RoleCustomer, initialBalance)
		if err != nil {
			return err
		}
		customer.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return customer, nil
}

// HTTP handlers

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	ToUsernameOrEmail string          `json:"toUsernameOrEmail" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
}

type createCustomerRequest struct {
	Username       string          `json:"username" validate:"required,min=3,max=64"`
	Email          string          `json:"email" validate:"required,email"`
	Password       string          `json:"password" validate:"required,min=6"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

// HandleDeposit handles POST /api/account/deposit
func (s *AccountService) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendServiceError(w, ErrUnauthenticated)
		return
	}

	var req amountRequest
	if !decodeJSONBody(w, r, &req) {
		SendServiceError(w, ErrInvalidAmount)
		return
	}

	newBalance, err := s.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		log.Printf("[ACCOUNT] Deposit failed for user %d: %v", userID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Deposit of %s for user %d", req.Amount.StringFixed(2), userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Deposit successful.",
		"newBalance": newBalance,
	})
}

// HandleWithdraw handles POST /api/account/withdraw
func (s *AccountService) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendServiceError(w, ErrUnauthenticated)
		return
	}

	var req amountRequest
	if !decodeJSONBody(w, r, &req) {
		SendServiceError(w, ErrInvalidAmount)
		return
	}

	newBalance, err := s.Withdraw(r.Context(), userID, req.Amount)
	if err != nil {
		log.Printf("[ACCOUNT] Withdrawal failed for user %d: %v", userID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Withdrawal of %s for user %d", req.Amount.StringFixed(2), userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Withdrawal successful.",
		"newBalance": newBalance,
	})
}

// HandleTransfer handles POST /api/account/transfer
func (s *AccountService) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendServiceError(w, ErrUnauthenticated)
		return
	}

	var req transferRequest
	if !decodeJSONBody(w, r, &req) {
		SendErrorResponse(w, "Provide valid recipient and amount.", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Provide valid recipient and amount.", http.StatusBadRequest, err)
		return
	}

	result, err := s.Transfer(r.Context(), userID, req.ToUsernameOrEmail, req.Amount)
	if err != nil {
		log.Printf("[TRANSFER] Transfer failed for user %d: %v", userID, err)
		if errors.Is(err, ErrForbidden) {
			SendErrorResponse(w, "Only customers can initiate transfers.", http.StatusForbidden, nil)
			return
		}
		SendServiceError(w, err)
		return
	}

	log.Printf("[TRANSFER] User %d transferred %s to %s", userID, req.Amount.StringFixed(2), result.RecipientUsername)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    fmt.Sprintf("Transferred %s to %s.", req.Amount.StringFixed(2), result.RecipientUsername),
		"newBalance": result.NewBalance,
	})
}

// HandleCreateCustomer handles POST /api/account/create-customer
func (s *AccountService) HandleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	role, _ := r.Context().Value("userRole").(string)

	var req createCustomerRequest
	if !decodeJSONBody(w, r, &req) {
		SendErrorResponse(w, "Provide username, email, and password.", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Provide username, email, and password.", http.StatusBadRequest, err)
		return
	}

	customer, err := s.ProvisionCustomer(r.Context(), role, req.Username, req.Email, req.Password, req.InitialBalance)
	if err != nil {
		log.Printf("[ACCOUNT] Customer provisioning failed for %s: %v", req.Username, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[ACCOUNT] Customer created - ID: %d, Username: %s", customer.ID, customer.Username)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Customer created.",
		"customer": map[string]any{
			"id":       customer.ID,
			"username": customer.Username,
			"email":    customer.Email,
			"balance":  customer.Balance,
		},
	})
}

// decodeJSONBody decodes a single strict JSON object, capped at 1 MB.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}
