package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/corebank/backend/internal/models"
	"github.com/shopspring/decimal"
)

// StatementService is the read side of the ledger: paginated statements,
// full history for export, and the banker dashboard. It never mutates
// anything; reads observe either the pre- or post-state of an atomic
// unit, never a partial one.
type StatementService struct {
	store *LedgerStore
}

func NewStatementService(store *LedgerStore) *StatementService {
	return &StatementService{store: store}
}

// Statement combines the balance at call time with one page of history.
type Statement struct {
	Balance      decimal.Decimal      `json:"balance"`
	TotalCount   int                  `json:"totalCount"`
	Transactions []models.Transaction `json:"transactions"`
}

// GetStatement returns the current balance plus a page of transactions,
// newest first. Page numbering is 1-based; page and size below 1 are
// rejected before the store is touched.
func (s *StatementService) GetStatement(ctx context.Context, userID int, filter TransactionFilter, page, size int) (*Statement, error) {
	if page < 1 || size < 1 {
		return nil, ErrInvalidPagination
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	total, transactions, err := s.store.ListTransactions(ctx, userID, filter, (page-1)*size, size)
	if err != nil {
		return nil, err
	}

	return &Statement{
		Balance:      user.Balance,
		TotalCount:   total,
		Transactions: transactions,
	}, nil
}

// GetFullHistory returns every transaction for the user, newest first.
// Backs the CSV export.
func (s *StatementService) GetFullHistory(ctx context.Context, userID int) ([]models.Transaction, error) {
	_, transactions, err := s.store.ListTransactions(ctx, userID, TransactionFilter{}, 0, 0)
	return transactions, err
}

// ListCustomersWithLastTransaction is banker-only.
func (s *StatementService) ListCustomersWithLastTransaction(ctx context.Context, callerRole string) ([]models.CustomerAccount, error) {
	if callerRole != models.RoleBanker {
		return nil, ErrForbidden
	}
	return s.store.ListCustomersWithLastTransaction(ctx)
}

// WriteCSV renders transactions as a statement export: a Type,Amount,Date
// header then one row per entry in the order given, amounts at two
// decimals and dates as ISO-8601.
func WriteCSV(w io.Writer, transactions []models.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Type", "Amount", "Date"}); err != nil {
		return err
	}
	for _, t := range transactions {
		record := []string{t.Type, t.Amount.StringFixed(2), t.CreatedAt.UTC().Format(time.RFC3339)}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// HTTP handlers

// HandleGetTransactions handles GET /api/account/transactions
// Query: start, end (YYYY-MM-DD), page (default 1), size (default 10).
func (s *StatementService) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendServiceError(w, ErrUnauthenticated)
		return
	}

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page = n
		}
	}
	size := 10
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}

	filter, err := parseDateFilter(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		SendErrorResponse(w, "Invalid date filter.", http.StatusBadRequest, nil)
		return
	}

	statement, err := s.GetStatement(r.Context(), userID, filter, page, size)
	if err != nil {
		log.Printf("[STATEMENT] Failed to fetch statement for user %d: %v", userID, err)
		SendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      statement.Balance,
		"totalCount":   statement.TotalCount,
		"transactions": statement.Transactions,
	})
}

// HandleExportCSV handles GET /api/account/transactions/csv
func (s *StatementService) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(int)
	if !ok {
		SendServiceError(w, ErrUnauthenticated)
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	transactions, err := s.GetFullHistory(r.Context(), userID)
	if err != nil {
		log.Printf("[STATEMENT] CSV export failed for user %d: %v", userID, err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.csv"`, user.Username))
	if err := WriteCSV(w, transactions); err != nil {
		log.Printf("[STATEMENT] CSV write failed for user %d: %v", userID, err)
	}
}

// HandleAllAccounts handles GET /api/account/all-accounts (banker only)
func (s *StatementService) HandleAllAccounts(w http.ResponseWriter, r *http.Request) {
	role, _ := r.Context().Value("userRole").(string)

	customers, err := s.ListCustomersWithLastTransaction(r.Context(), role)
	if err != nil {
		log.Printf("[STATEMENT] Dashboard fetch failed: %v", err)
		SendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

// parseDateFilter expands start/end dates to an inclusive UTC window
// covering the whole days named.
func parseDateFilter(start, end string) (TransactionFilter, error) {
	var filter TransactionFilter
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return filter, err
		}
		filter.Start = &t
	}
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return filter, err
		}
		endOfDay := t.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		filter.End = &endOfDay
	}
	return filter, nil
}
