package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/lib/pq"
)

// Classified failures exposed by the core. Every operation returns exactly
// one of these (possibly wrapped) or succeeds; nothing is swallowed.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrConflict          = errors.New("username or email already in use")
	ErrInvalidPagination = errors.New("invalid pagination")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrUnauthenticated   = errors.New("unauthenticated")
)

// classifyStoreError maps database/sql and lib/pq failures onto the error
// taxonomy. Unknown errors pass through and surface as a 500.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505": // unique_violation
			return ErrConflict
		case pqErr.Code.Class() == "08": // connection exceptions
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		case pqErr.Code == "57P01": // admin_shutdown
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// SendServiceError translates a classified error into a single JSON error
// response. One failure path, one status code, one body.
func SendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		SendErrorResponse(w, "Invalid amount.", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, "Insufficient Funds.", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvalidRecipient):
		SendErrorResponse(w, "Cannot transfer to yourself.", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvalidPagination):
		SendErrorResponse(w, "Invalid page or size parameter.", http.StatusBadRequest, nil)
	case errors.Is(err, ErrUnauthenticated):
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
	case errors.Is(err, ErrForbidden):
		SendErrorResponse(w, "Forbidden: bankers only.", http.StatusForbidden, nil)
	case errors.Is(err, ErrRecipientNotFound):
		SendErrorResponse(w, "Recipient customer not found.", http.StatusNotFound, nil)
	case errors.Is(err, ErrNotFound):
		SendErrorResponse(w, "User not found.", http.StatusNotFound, nil)
	case errors.Is(err, ErrConflict):
		SendErrorResponse(w, "Username or email already in use.", http.StatusConflict, nil)
	default:
		SendErrorResponse(w, "Server error.", http.StatusInternalServerError, nil)
	}
}
