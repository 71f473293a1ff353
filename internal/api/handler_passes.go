package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/mw"
	"wallet-pass-backend/internal/passupdate"
	"wallet-pass-backend/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type updateFieldsRequest struct {
	Fields         map[string]string `json:"fields" binding:"required"`
	ChangeMessages map[string]string `json:"change_messages"`
	InitiatedBy    string            `json:"initiated_by"`
}

// UpdateFields applies field values to one pass and reports how many
// devices were told about it.
func (h *Handler) UpdateFields(c *gin.Context) {
	passID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req updateFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := mw.Account(c)
	update, err := h.updater.UpdateFields(c.Request.Context(), passupdate.UpdateRequest{
		AccountID:      account.ID,
		PassID:         passID,
		Fields:         req.Fields,
		ChangeMessages: req.ChangeMessages,
		InitiatedBy:    req.InitiatedBy,
		Source:         model.SourceAPI,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"update":           update,
		"devices_notified": update.DevicesNotified,
	}
	if update.DevicesNotified == 0 {
		resp["warning"] = "no devices were notified"
	}
	c.JSON(http.StatusOK, resp)
}

// ListUpdates returns the most recent update records of a pass.
func (h *Handler) ListUpdates(c *gin.Context) {
	passID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	account := mw.Account(c)
	if _, err := h.store.GetPass(ctx, account.ID, passID); err != nil {
		writeError(c, err)
		return
	}
	updates, err := h.store.ListPassUpdates(ctx, passID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates})
}

// GenerateArtifacts signs the Apple archive and creates the Google save link
// of a pass, for whichever platforms it targets. The save link talks to
// Google before the pass row is locked.
func (h *Handler) GenerateArtifacts(c *gin.Context) {
	passID, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	account := mw.Account(c)

	current, err := h.store.GetPass(ctx, account.ID, passID)
	if err != nil {
		writeError(c, err)
		return
	}
	if current.IsVoided() {
		writeError(c, passupdate.ErrPassVoided)
		return
	}
	tmpl, err := h.store.GetTemplate(ctx, account.ID, current.TemplateID)
	if err != nil {
		writeError(c, err)
		return
	}
	var objectID, saveURL string
	if current.Platform.TargetsGoogle() {
		objectID, saveURL, err = h.google.SaveLink(ctx, account, tmpl, current)
		if err != nil {
			writeError(c, err)
			return
		}
	}

	var pass *model.Pass
	err = h.store.Transaction(ctx, func(tx store.Store) error {
		locked, err := tx.LockPass(ctx, passID)
		if err != nil {
			return err
		}
		if locked.IsVoided() {
			return passupdate.ErrPassVoided
		}

		if locked.Platform.TargetsApple() {
			artifact, err := h.signer.Sign(ctx, account, tmpl, locked)
			if err != nil {
				return err
			}
			locked.AppleArtifactKey = artifact.Key
			generatedAt := artifact.GeneratedAt
			locked.LastGeneratedAt = &generatedAt
		}
		if objectID != "" {
			locked.GoogleObjectID = objectID
			locked.GoogleSaveURL = saveURL
		}
		if err := tx.SavePass(ctx, locked); err != nil {
			return err
		}
		pass = locked
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"pass_id": pass.ID, "serial_number": pass.SerialNumber}
	if pass.AppleArtifactKey != "" {
		resp["apple_artifact_key"] = pass.AppleArtifactKey
		if url := h.artifacts.URL(pass.AppleArtifactKey); url != "" {
			resp["apple_artifact_url"] = url
		}
	}
	if pass.GoogleSaveURL != "" {
		resp["google_object_id"] = pass.GoogleObjectID
		resp["google_save_url"] = pass.GoogleSaveURL
	}
	c.JSON(http.StatusOK, resp)
}
