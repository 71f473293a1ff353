package mw

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wallet-pass-backend/internal/model"
)

// AccountKey is the context key the authenticated account is stored under.
const AccountKey = "account"

// AccountResolver finds the account owning an API token.
type AccountResolver interface {
	GetAccountByToken(ctx context.Context, token string) (*model.Account, error)
}

// APIToken authenticates requests carrying "Authorization: Bearer <token>".
func APIToken(accounts AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		account, err := accounts.GetAccountByToken(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api token"})
			c.Abort()
			return
		}

		c.Set(AccountKey, account)
		c.Next()
	}
}

// Account returns the account set by APIToken.
func Account(c *gin.Context) *model.Account {
	v, ok := c.Get(AccountKey)
	if !ok {
		return nil
	}
	account, _ := v.(*model.Account)
	return account
}
