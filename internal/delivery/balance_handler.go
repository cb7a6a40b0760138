package delivery

import (
	"net/http"
	"time"

	"github.com/Vovarama1992/go-utils/logger"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BalanceHandler struct {
	ledger ledger.Service
	users  UserGetter
	log    *logger.ZapLogger
}

func NewBalanceHandler(l ledger.Service, users UserGetter, log *logger.ZapLogger) *BalanceHandler {
	return &BalanceHandler{ledger: l, users: users, log: log}
}

type txView struct {
	ID          uuid.UUID     `json:"id"`
	Kind        ledger.Kind   `json:"kind"`
	Amount      string        `json:"amount"`
	Status      ledger.Status `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	TaskID      *uuid.UUID    `json:"task_id,omitempty"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

func viewTx(tx ledger.Transaction) txView {
	return txView{
		ID:          tx.ID,
		Kind:        tx.Kind,
		Amount:      tx.Amount.StringFixed(2),
		Status:      tx.Status,
		Reason:      tx.Reason,
		TaskID:      tx.TaskID,
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt,
	}
}

type amountRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (h *BalanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	b, err := h.ledger.GetBalance(r.Context(), u.ID)
	if err != nil {
		fail(w, h.log, "load balance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": u.ID, "balance": b.StringFixed(2)})
}

func (h *BalanceHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	tx, err := h.ledger.TopUp(r.Context(), u.ID, req.Amount, req.Description)
	if err != nil {
		fail(w, h.log, "top up failed", err)
		return
	}
	h.respondWithBalance(w, r, tx)
}

func (h *BalanceHandler) History(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	list, err := h.ledger.History(r.Context(), u.ID, queryLimit(r))
	if err != nil {
		fail(w, h.log, "load history failed", err)
		return
	}
	out := make([]txView, 0, len(list))
	for _, tx := range list {
		out = append(out, viewTx(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

// AdminCredit — начисление на чужой счёт
func (h *BalanceHandler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserFrom(r.Context())
	target, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if _, err := h.users.Get(r.Context(), target); err != nil {
		fail(w, h.log, "load user failed", err)
		return
	}
	tx, err := h.ledger.AdminCredit(r.Context(), actor, target, req.Amount, req.Description)
	if err != nil {
		fail(w, h.log, "admin credit failed", err)
		return
	}
	h.respondWithBalance(w, r, tx)
}

func (h *BalanceHandler) respondWithBalance(w http.ResponseWriter, r *http.Request, tx ledger.Transaction) {
	b, err := h.ledger.GetBalance(r.Context(), tx.UserID)
	if err != nil {
		fail(w, h.log, "load balance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": viewTx(tx),
		"balance":     b.StringFixed(2),
	})
}
