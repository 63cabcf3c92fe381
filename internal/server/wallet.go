package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
)

const defaultCurrency = "INR"

func (s *Server) GetBalance(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	currency := normalizeCurrency(c.Query("currency"))

	balance, err := s.walletSvc.GetBalance(c.Request.Context(), caller, currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if balance == nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"account_id": caller.String(),
			"currency":   currency,
			"available":  0,
			"locked":     0,
		}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListTransactions(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	txns, err := s.walletSvc.ListTransactions(c.Request.Context(), caller, 100)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txns})
}

type topUpBody struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) TopUp(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body topUpBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txn, err := s.walletSvc.Credit(c.Request.Context(), walletdomain.CreditRequest{
		AccountID: caller,
		Amount:    body.Amount,
		Currency:  normalizeCurrency(body.Currency),
		Category:  walletdomain.CategoryTopup,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txn})
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return defaultCurrency
	}
	return currency
}
