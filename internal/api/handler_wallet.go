package api

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passkit"
	"wallet-pass-backend/internal/storage"
	"wallet-pass-backend/internal/store"
)

// authorizedPass loads the pass named by the route and checks the
// "ApplePass <authenticationToken>" header against it. It writes the
// response itself when the request is rejected.
func (h *Handler) authorizedPass(c *gin.Context) (*model.Pass, bool) {
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "ApplePass ")
	if !found || token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil, false
	}

	pass, err := h.store.GetPassBySerial(c.Request.Context(), c.Param("passType"), c.Param("serial"))
	if errors.Is(err, store.ErrNotFound) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil, false
	}
	if err != nil {
		log.Printf("Failed to load pass %s for wallet request: %v", c.Param("serial"), err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(pass.AuthenticationToken)) != 1 {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil, false
	}
	return pass, true
}

type registerDeviceRequest struct {
	PushToken string `json:"pushToken" binding:"required"`
}

// RegisterDevice subscribes a device to updates of a pass.
func (h *Handler) RegisterDevice(c *gin.Context) {
	if _, ok := h.authorizedPass(c); !ok {
		return
	}
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg := &model.DeviceRegistration{
		DeviceLibraryID:    c.Param("device"),
		PassTypeIdentifier: c.Param("passType"),
		SerialNumber:       c.Param("serial"),
		PushToken:          req.PushToken,
	}
	created, err := h.store.RegisterDevice(c.Request.Context(), reg)
	if err != nil {
		log.Printf("Failed to register device %s: %v", reg.DeviceLibraryID, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if created {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusOK)
}

// UnregisterDevice removes a device's subscription to a pass.
func (h *Handler) UnregisterDevice(c *gin.Context) {
	if _, ok := h.authorizedPass(c); !ok {
		return
	}
	if _, err := h.store.UnregisterDevice(c.Request.Context(), c.Param("device"), c.Param("passType"), c.Param("serial")); err != nil {
		log.Printf("Failed to unregister device %s: %v", c.Param("device"), err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// ListSerials returns the serial numbers of the device's passes that changed
// after passesUpdatedSince.
func (h *Handler) ListSerials(c *gin.Context) {
	var since *time.Time
	if v := c.Query("passesUpdatedSince"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid passesUpdatedSince"})
			return
		}
		since = &t
	}

	serials, lastUpdated, err := h.store.SerialsForDevice(c.Request.Context(), c.Param("device"), c.Param("passType"), since)
	if err != nil {
		log.Printf("Failed to list serials for device %s: %v", c.Param("device"), err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if len(serials) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"serialNumbers": serials,
		"lastUpdated":   lastUpdated.UTC().Format(time.RFC3339Nano),
	})
}

// GetPass serves the latest signed archive of a pass. Last-Modified is the
// last generation time.
func (h *Handler) GetPass(c *gin.Context) {
	pass, ok := h.authorizedPass(c)
	if !ok {
		return
	}

	modified := pass.UpdatedAt
	if pass.LastGeneratedAt != nil {
		modified = *pass.LastGeneratedAt
	}
	modified = modified.UTC().Truncate(time.Second)
	if ims := c.GetHeader("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modified.After(t) {
			c.Status(http.StatusNotModified)
			return
		}
	}

	data, err := h.passArchive(c, pass)
	if err != nil {
		log.Printf("Failed to serve pass %s: %v", pass.SerialNumber, err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Last-Modified", modified.Format(http.TimeFormat))
	c.Data(http.StatusOK, passkit.ContentType, data)
}

// passArchive reads the stored archive, signing a new one when none exists.
func (h *Handler) passArchive(c *gin.Context, pass *model.Pass) ([]byte, error) {
	ctx := c.Request.Context()
	key := pass.AppleArtifactKey
	if key == "" {
		key = passkit.ArtifactKey(pass.AccountID, pass.SerialNumber)
	}
	data, err := h.artifacts.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	account, err := h.store.GetAccount(ctx, pass.AccountID)
	if err != nil {
		return nil, err
	}
	tmpl, err := h.store.GetTemplate(ctx, pass.AccountID, pass.TemplateID)
	if err != nil {
		return nil, err
	}
	artifact, err := h.signer.Sign(ctx, account, tmpl, pass)
	if err != nil {
		return nil, err
	}
	return artifact.Data, nil
}

type deviceLogRequest struct {
	Logs []string `json:"logs"`
}

// DeviceLog records diagnostic messages sent by devices.
func (h *Handler) DeviceLog(c *gin.Context) {
	var req deviceLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, line := range req.Logs {
		log.Printf("Wallet device log: %s", line)
	}
	c.Status(http.StatusOK)
}
