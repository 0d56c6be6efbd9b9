package handlers

import (
	"errors"
	"net/http"

	"github.com/GiorgiUbiria/payments/internal/httputil"
	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/GiorgiUbiria/payments/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateAccountRequest struct {
	Name     string          `json:"name" validate:"required,max=512"`
	Balance  decimal.Decimal `json:"balance"`
	Currency models.Currency `json:"currency" validate:"required,oneof=USD UAH RUB"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if req.Balance.IsNegative() {
		httputil.WriteError(w, http.StatusBadRequest, "balance must not be negative")
		return
	}
	if err := checkMoney(req.Balance); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "balance "+err.Error())
		return
	}

	account := &models.Account{Name: req.Name, Balance: req.Balance, Currency: req.Currency}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httputil.WriteError(w, http.StatusBadRequest, "account with this name already exists")
			return
		}
		h.internalError(w, "failed to create account", err)
		return
	}

	h.log.Info("account created", zap.Int64("account_id", account.ID), zap.String("currency", string(account.Currency)))
	httputil.WriteJSON(w, http.StatusCreated, account)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	accounts, count, err := h.store.ListAccounts(r.Context(), page)
	if err != nil {
		h.internalError(w, "failed to fetch accounts", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.ListResponse[models.Account]{Count: count, Results: accounts})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "account not found")
		return
	}

	account, err := h.store.GetAccount(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.internalError(w, "failed to fetch account", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}
