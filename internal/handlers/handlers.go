package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/GiorgiUbiria/payments/internal/httputil"
	"github.com/GiorgiUbiria/payments/internal/models"
	"github.com/GiorgiUbiria/payments/internal/payments"
	"github.com/GiorgiUbiria/payments/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler serves the accounts and payments API. Accounts and payments can be
// created and read; nothing is ever updated or deleted through it.
type Handler struct {
	store    store.Store
	engine   *payments.Engine
	validate *validator.Validate
	log      *zap.Logger
}

func New(s store.Store, engine *payments.Engine, log *zap.Logger) *Handler {
	return &Handler{
		store:    s,
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("Works Fine!"))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func pageFromQuery(r *http.Request) (store.Page, error) {
	var page store.Page
	q := r.URL.Query()

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return page, errors.New("limit must be a positive integer")
		}
		page.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return page, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}

// Any comparison or rounding rescales a decimal, which costs a power of ten
// with |exponent| digits. Exponents outside this window never describe a
// numeric(7,2) value and are rejected before any arithmetic.
const (
	minMoneyExponent = -20
	maxMoneyExponent = 7
)

var (
	errMoneyScale = errors.New("must have at most 2 decimal places")
	errMoneyRange = errors.New("must be at most " + models.MaxBalance.StringFixed(models.BalanceScale))
)

// checkMoney reports whether d fits numeric(7,2) by magnitude and scale. It
// does not check the sign.
func checkMoney(d decimal.Decimal) error {
	switch exp := d.Exponent(); {
	case exp > maxMoneyExponent:
		return errMoneyRange
	case exp < minMoneyExponent:
		return errMoneyScale
	}

	if d.Abs().GreaterThan(models.MaxBalance) {
		return errMoneyRange
	}
	if !d.Equal(d.Round(models.BalanceScale)) {
		return errMoneyScale
	}
	return nil
}

// validationMessage turns the first failed rule into a client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "nefield":
		return "The account value must be different from the to_account value."
	}
	return fe.Field() + " is invalid"
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, zap.Error(err))
	httputil.WriteErrorCode(w, http.StatusInternalServerError, payments.KindInternal, msg)
}
