package handlers

import (
	"errors"
	"net/http"

	"github.com/GiorgiUbiria/payments/internal/httputil"
	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/GiorgiUbiria/payments/internal/payments"
	"github.com/GiorgiUbiria/payments/internal/store"
	"github.com/shopspring/decimal"
)

type CreatePaymentRequest struct {
	AccountID   int64            `json:"account_id" validate:"required"`
	Direction   models.Direction `json:"direction" validate:"required,oneof=outgoing incoming"`
	Amount      decimal.Decimal  `json:"amount"`
	ToAccountID int64            `json:"to_account_id" validate:"required,nefield=AccountID"`
}

const msgInvalidAmount = "Error, the amount must be greater than 0!"

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		httputil.WriteErrorCode(w, http.StatusBadRequest, payments.KindInvalidInput, msgInvalidAmount)
		return
	}
	if err := checkMoney(req.Amount); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, payments.KindInvalidInput, "amount "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, payments.KindInvalidInput, validationMessage(err))
		return
	}

	payment, err := h.engine.Transaction(r.Context(), req.AccountID, req.Direction, req.Amount, req.ToAccountID)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, payment)
}

func (h *Handler) writePaymentError(w http.ResponseWriter, err error) {
	kind := payments.Kind(err)
	switch {
	case errors.Is(err, payments.ErrInsufficientBalance):
		httputil.WriteErrorCode(w, http.StatusBadRequest, kind, "Error, not enough balance!")
	case errors.Is(err, payments.ErrCurrencyMismatch):
		httputil.WriteErrorCode(w, http.StatusBadRequest, kind, "Error, accounts must be the same currency!")
	case errors.Is(err, payments.ErrTransactionConflict):
		httputil.WriteErrorCode(w, http.StatusConflict, kind, "Error, account payment transaction conflict!")
	case errors.Is(err, payments.ErrAccountNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, kind, "account not found")
	case kind == payments.KindInvalidInput:
		httputil.WriteErrorCode(w, http.StatusBadRequest, kind, err.Error())
	default:
		h.internalError(w, "failed to create payment", err)
	}
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, count, err := h.store.ListPayments(r.Context(), page)
	if err != nil {
		h.internalError(w, "failed to fetch payments", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.ListResponse[models.Payment]{Count: count, Results: list})
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "payment not found")
		return
	}

	payment, err := h.store.GetPayment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		h.internalError(w, "failed to fetch payment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, payment)
}
