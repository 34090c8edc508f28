package api

import (
	"net/http"
	"time"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/settlement"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metadata)
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.ledger.TotalSupply(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"total_supply": models.FormatAmount(supply)})
}

func accountParam(r *http.Request) (string, error) {
	accountId := r.URL.Query().Get("account_id")
	if accountId == "" {
		return "", apperrors.New(apperrors.CodeInvalidAccount, "account_id is a mandatory field")
	}
	return accountId, nil
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountId, err := accountParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.ledger.BalanceOf(r.Context(), accountId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AccountID string `json:"account_id"`
		Balance   string `json:"balance"`
	}{accountId, models.FormatAmount(balance)})
}

type storageBalanceResponse struct {
	Total     string `json:"total"`
	Available string `json:"available"`
}

func (s *Server) handleStorageBalance(w http.ResponseWriter, r *http.Request) {
	accountId, err := accountParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sb, ok, err := s.ledger.Registry().StorageBalanceOf(r.Context(), accountId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, storageBalanceResponse{
		Total:     models.FormatAmount(sb.Total),
		Available: models.FormatAmount(sb.Available),
	})
}

func (s *Server) handleStorageBounds(w http.ResponseWriter, r *http.Request) {
	b := s.ledger.Registry().StorageBalanceBounds()
	writeJSON(w, http.StatusOK, map[string]string{
		"min": models.FormatAmount(b.Min),
		"max": models.FormatAmount(b.Max),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Deposit   string `json:"deposit"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	deposit, err := models.ParseAmount(req.Deposit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.ledger.Registry().Register(r.Context(), req.AccountID, deposit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Registered {
		status = http.StatusCreated
	}
	writeJSON(w, status, struct {
		Registered     bool                   `json:"registered"`
		Refund         string                 `json:"refund"`
		StorageBalance storageBalanceResponse `json:"storage_balance"`
	}{
		Registered: res.Registered,
		Refund:     models.FormatAmount(res.Refund),
		StorageBalance: storageBalanceResponse{
			Total:     models.FormatAmount(res.StorageBalance.Total),
			Available: models.FormatAmount(res.StorageBalance.Available),
		},
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Force     bool   `json:"force"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.ledger.Registry().Unregister(r.Context(), req.AccountID, req.Force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Closed        bool   `json:"closed"`
		Burned        string `json:"burned"`
		StorageRefund string `json:"storage_refund"`
	}{res.Closed, models.FormatAmount(res.Burned), models.FormatAmount(res.StorageRefund)})
}

type transferBody struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo"`
	Msg        string `json:"msg"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := models.ParseAmount(body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.ledger.Transfer(r.Context(), ledger.TransferRequest{
		Sender:         body.SenderID,
		Receiver:       body.ReceiverID,
		Amount:         amount,
		Memo:           body.Memo,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "transferred"})
}

func (s *Server) handleTransferAndNotify(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := models.ParseAmount(body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.coordinator.TransferAndNotify(r.Context(), settlement.NotifyRequest{
		Sender:         body.SenderID,
		Receiver:       body.ReceiverID,
		Amount:         amount,
		Message:        body.Msg,
		Memo:           body.Memo,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, struct {
		SettlementID string `json:"settlement_id"`
		UnusedAmount string `json:"unused_amount"`
		UsedAmount   string `json:"used_amount"`
		Outcome      string `json:"outcome"`
	}{res.ID, models.FormatAmount(res.Unused), models.FormatAmount(res.Used), string(res.Outcome)})
}

type entryResponse struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	Memo          string    `json:"memo,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	var (
		entries []models.LedgerEntry
		err     error
	)
	if accountId := r.URL.Query().Get("account_id"); accountId != "" {
		entries, err = s.ledger.GetEntriesByAccount(r.Context(), accountId)
	} else {
		entries, err = s.ledger.GetLedgerEntries(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]entryResponse, len(entries))
	for i, e := range entries {
		out[i] = entryResponse{
			ID:            e.ID,
			TransactionID: e.TransactionID,
			AccountID:     e.AccountID,
			Kind:          string(e.Kind),
			Amount:        e.Amount.String(),
			Memo:          e.Memo,
			CreatedAt:     e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Accounts    int    `json:"accounts"`
		BalanceSum  string `json:"balance_sum"`
		TotalSupply string `json:"total_supply"`
		Balanced    bool   `json:"balanced"`
	}{report.Accounts, models.FormatAmount(report.BalanceSum), models.FormatAmount(report.TotalSupply), report.Balanced()})
}
