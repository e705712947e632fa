package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	"github.com/smallbiznis/storefront/pkg/db/pagination"
)

type creditStoreRequest struct {
	Amount         int64  `json:"amount"`
	Kind           string `json:"kind"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) GetStoreCredits(c *gin.Context) {
	storeID, err := parseStoreIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.credits.GetBalance(c.Request.Context(), storeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"store_id": storeID.String(),
		"balance":  balance,
	}})
}

func (s *Server) CreditStore(c *gin.Context) {
	storeID, err := parseStoreIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req creditStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.credits.Credit(c.Request.Context(), creditdomain.CreditRequest{
		StoreID:        storeID,
		Amount:         req.Amount,
		Kind:           creditdomain.TransactionKind(strings.TrimSpace(req.Kind)),
		Reference:      strings.TrimSpace(req.Reference),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) ListCreditUsage(c *gin.Context) {
	storeID, err := parseStoreIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.credits.ListUsage(c.Request.Context(), creditdomain.ListRequest{
		StoreID:    storeID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Records, "page_info": resp.PageInfo})
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	storeID, err := parseStoreIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.credits.ListTransactions(c.Request.Context(), creditdomain.ListRequest{
		StoreID:    storeID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) ReconcileCredits(c *gin.Context) {
	storeID, err := parseStoreIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.credits.Reconcile(c.Request.Context(), storeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp, "consistent": resp.Consistent()})
}
