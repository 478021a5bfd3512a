package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/reelcut/internal/credits"
	"github.com/jo-hoe/reelcut/internal/jobs"
)

// CreditsView reports a balance and its recent ledger entries.
type CreditsView struct {
	UserID  string          `json:"userId"`
	Balance int             `json:"balance"`
	History []credits.Entry `json:"history"`
}

type grantRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (svc *Service) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	balance, err := svc.Ledger.Balance(r.Context(), user)
	if err != nil {
		svc.Log.Error("read balance", "user_id", user, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	history, err := svc.Ledger.History(r.Context(), user, 20)
	if err != nil {
		svc.Log.Error("read credit history", "user_id", user, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if history == nil {
		history = []credits.Entry{}
	}
	writeJSON(w, http.StatusOK, CreditsView{UserID: user, Balance: balance, History: history})
}

func (svc *Service) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, (&jobs.ValidationError{Field: "amount", Reason: "must be > 0"}).Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "grant"
	}
	balance, err := svc.Ledger.Grant(r.Context(), user, req.Amount, reason)
	if err != nil {
		svc.Log.Error("grant credits", "user_id", user, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	svc.Log.Info("credits granted", "user_id", user, "amount", req.Amount, "balance", balance)
	writeJSON(w, http.StatusOK, CreditsView{UserID: user, Balance: balance, History: []credits.Entry{}})
}
