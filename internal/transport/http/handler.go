package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nhlam3011/alonha-sub002/internal/auth"
	"github.com/nhlam3011/alonha-sub002/internal/model"
	"github.com/nhlam3011/alonha-sub002/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	svc *service.WalletService
	log *zap.SugaredLogger
}

func NewHandler(svc *service.WalletService, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

// maxAmountLiteral bounds the raw JSON literal of an amount.
const maxAmountLiteral = 32

var errAmountLiteral = errors.New("amount must be a JSON number")

// amountLiteral keeps the JSON number literal so it reaches decimal without
// passing through float64. Quoted strings are refused.
type amountLiteral string

func (a *amountLiteral) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || len(b) > maxAmountLiteral || b[0] == '"' {
		return errAmountLiteral
	}
	if string(b) == "null" {
		*a = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errAmountLiteral
	}
	*a = amountLiteral(n)
	return nil
}

type depositReq struct {
	Amount amountLiteral `json:"amount" binding:"required"`
	Method string        `json:"method" binding:"required"`
}

type purchaseReq struct {
	PackageID string `json:"packageId" binding:"required"`
}

type txView struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Amount        json.Number `json:"amount"`
	BalanceAfter  json.Number `json:"balanceAfter"`
	Status        string      `json:"status"`
	ReferenceID   *string     `json:"referenceId"`
	Description   string      `json:"description"`
	PaymentMethod *string     `json:"paymentMethod"`
	CreatedAt     time.Time   `json:"createdAt"`
	CompletedAt   *time.Time  `json:"completedAt"`
}

func number(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func newTxView(t model.Transaction) txView {
	return txView{
		ID:            t.ID,
		Type:          string(t.Type),
		Amount:        number(t.Amount),
		BalanceAfter:  number(t.BalanceAfter),
		Status:        string(t.Status),
		ReferenceID:   t.ReferenceID,
		Description:   t.Description,
		PaymentMethod: t.PaymentMethod,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		h.writeError(c, service.ErrUnauthorized)
		return
	}
	b, err := h.svc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": number(b.Balance), "currency": b.Currency})
}

func (h *Handler) Deposit(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		h.writeError(c, service.ErrUnauthorized)
		return
	}
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount and method are required; amount must be a number"})
		return
	}
	amt, err := decimal.NewFromString(string(req.Amount))
	if err != nil {
		h.writeError(c, service.ErrInvalidAmount)
		return
	}
	res, err := h.svc.Deposit(c.Request.Context(), userID, amt, req.Method)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "balance": number(res.Balance), "transactionId": res.TransactionID})
}

func (h *Handler) Purchase(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		h.writeError(c, service.ErrUnauthorized)
		return
	}
	var req purchaseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, service.ErrInvalidPackage)
		return
	}
	res, err := h.svc.Purchase(c.Request.Context(), userID, req.PackageID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "balance": number(res.Balance), "transactionId": res.TransactionID})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		h.writeError(c, service.ErrUnauthorized)
		return
	}
	page, err := queryInt(c, "page")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be an integer"})
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	p, err := h.svc.ListTransactions(c.Request.Context(), userID, page, limit, c.Query("keyword"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	data := make([]txView, 0, len(p.Data))
	for _, t := range p.Data {
		data = append(data, newTxView(t))
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "total": p.Total, "page": p.Page, "limit": p.Limit})
}

func (h *Handler) Reconcile(c *gin.Context) {
	rep, err := h.svc.Reconcile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"walletId":   rep.WalletID,
		"userId":     rep.UserID,
		"balance":    number(rep.Balance),
		"replayed":   number(rep.Replayed),
		"entries":    rep.Entries,
		"consistent": rep.Consistent,
		"mismatchId": rep.MismatchID,
	})
}

// queryInt returns 0 for an absent parameter so the service applies its default.
func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// writeError is the single place where ledger errors become HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		insufficient *service.InsufficientFundsError
		storage      *service.PersistenceError
	)
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":        "insufficient balance",
			"balance":      number(insufficient.Balance),
			"packagePrice": number(insufficient.Price),
		})
	case service.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case service.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &storage):
		h.log.Errorw("storage failure", "path", c.FullPath(), "detail", storage.Detail())
		c.JSON(http.StatusInternalServerError, gin.H{"error": storage.Error()})
	default:
		h.log.Errorw("unexpected error", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
