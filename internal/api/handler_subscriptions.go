package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/mw"
)

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutSubscription registers an operator browser for bulk update summaries.
// Re-subscribing an endpoint replaces its keys.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.store.UpsertSubscription(c.Request.Context(), &model.PushSubscription{
		AccountID: mw.Account(c).ID,
		Endpoint:  req.Endpoint,
		P256DH:    req.P256DH,
		Auth:      req.Auth,
	}); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

// DeleteSubscription removes an operator browser subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.store.DeleteSubscription(c.Request.Context(), mw.Account(c).ID, req.Endpoint); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam returns key's value as sent. Push endpoints are stored
// escaped, so they are matched without unescaping.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

// GetSubscription looks up one of the account's subscriptions by endpoint.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	subscription, err := h.store.GetSubscription(c.Request.Context(), mw.Account(c).ID, raw)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"endpoint":   subscription.Endpoint,
		"created_at": subscription.CreatedAt,
	})
}

// GetVAPIDPublicKey returns the application server key browsers subscribe
// with, along with the contact sent to push services.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	opts := h.webpush
	if opts == nil || opts.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator notifications are disabled"})
		return
	}
	resp := gin.H{"public_key": opts.VAPIDPublicKey}
	if opts.Subscriber != "" {
		resp["subscriber"] = opts.Subscriber
	}
	c.JSON(http.StatusOK, resp)
}
