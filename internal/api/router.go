package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"wallet-pass-backend/config"
	"wallet-pass-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(d)

	// Per-IP limits, one budget for operators and one for devices
	apiLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	walletLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(apiLimiter, mw.APIToken(d.Store))
	{
		api.POST("/passes/:id/fields", handler.UpdateFields)
		api.GET("/passes/:id/updates", handler.ListUpdates)
		api.POST("/passes/:id/artifacts", handler.GenerateArtifacts)

		api.GET("/templates/:id/fields", caching, handler.GetTemplateFields)
		api.POST("/templates/:id/bulk-updates", handler.StartBulkUpdate)
		api.GET("/bulk-updates/:id", handler.GetBulkUpdate)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	wallet := r.Group("/wallet/v1")
	wallet.Use(walletLimiter)
	{
		wallet.POST("/devices/:device/registrations/:passType/:serial", handler.RegisterDevice)
		wallet.DELETE("/devices/:device/registrations/:passType/:serial", handler.UnregisterDevice)
		wallet.GET("/devices/:device/registrations/:passType", handler.ListSerials)
		wallet.GET("/passes/:passType/:serial", handler.GetPass)
		wallet.POST("/log", handler.DeviceLog)
	}

	return r
}
