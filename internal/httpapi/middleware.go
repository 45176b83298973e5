package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/ledger"
)

// AccountHeader carries the billing account id. The platform gateway
// authenticates the caller before this service sees the request, so the
// header is trusted as already-verified identity.
const AccountHeader = "X-Cogni-Account"

// Context keys set by RequireAccount.
const (
	ctxAccountID    = "billing_account_id"
	ctxVirtualKeyID = "virtual_key_id"
)

// RequireAccount resolves the account header to the account's default
// virtual key and stashes both ids for the handlers downstream.
func RequireAccount(store AccountStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(AccountHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + AccountHeader + " header"})
			return
		}
		accountID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid " + AccountHeader + " header"})
			return
		}

		vk, err := store.DefaultVirtualKey(c.Request.Context(), accountID)
		switch {
		case errors.Is(err, ledger.ErrVirtualKeyNotFound), errors.Is(err, ledger.ErrAccountNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown billing account"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
			return
		}

		c.Set(ctxAccountID, accountID)
		c.Set(ctxVirtualKeyID, vk.ID)
		c.Next()
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
