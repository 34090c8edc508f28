// Package api exposes the ledger over HTTP. Amounts cross the boundary as
// decimal strings in both directions.
package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/settlement"
	"go.uber.org/zap"
)

// Metadata describes the token.
type Metadata struct {
	Spec     string `json:"spec"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type Server struct {
	ledger      *ledger.Ledger
	coordinator *settlement.Coordinator
	metadata    Metadata
	logger      *zap.Logger
}

func NewServer(l *ledger.Ledger, c *settlement.Coordinator, metadata Metadata, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metadata.Spec == "" {
		metadata.Spec = "ft-1.0.0"
	}
	return &Server{ledger: l, coordinator: c, metadata: metadata, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metadata", s.get(s.handleMetadata))
	mux.HandleFunc("/total_supply", s.get(s.handleTotalSupply))
	mux.HandleFunc("/accounts/balance", s.get(s.handleBalance))
	mux.HandleFunc("/accounts/storage", s.get(s.handleStorageBalance))
	mux.HandleFunc("/storage/bounds", s.get(s.handleStorageBounds))
	mux.HandleFunc("/accounts/register", s.post(s.handleRegister))
	mux.HandleFunc("/accounts/unregister", s.post(s.handleUnregister))
	mux.HandleFunc("/transfers", s.post(s.handleTransfer))
	mux.HandleFunc("/transfers/notify", s.post(s.handleTransferAndNotify))
	mux.HandleFunc("/ledgerEntries", s.get(s.handleLedgerEntries))
	mux.HandleFunc("/audit", s.get(s.handleAudit))
	return mux
}

func (s *Server) get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

type errorResponse struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeError renders a domain error with its mapped status. Anything that is
// not a domain error is logged and reported as an internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	body := errorResponse{Code: code, Message: err.Error(), Metadata: apperrors.GetMetadata(err)}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body = errorResponse{Code: code, Message: "an unexpected error occurred"}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}
