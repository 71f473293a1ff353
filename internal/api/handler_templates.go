package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wallet-pass-backend/internal/bulk"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/mw"
)

type templateField struct {
	Key   string           `json:"key"`
	Label string           `json:"label"`
	Group model.FieldGroup `json:"group"`
}

// GetTemplateFields lists the field keys a template permits.
func (h *Handler) GetTemplateFields(c *gin.Context) {
	templateID, ok := idParam(c, "id")
	if !ok {
		return
	}
	tmpl, err := h.store.GetTemplate(c.Request.Context(), mw.Account(c).ID, templateID)
	if err != nil {
		writeError(c, err)
		return
	}

	fields := make([]templateField, 0)
	for _, group := range model.FieldGroups {
		for _, def := range tmpl.Fields[group] {
			fields = append(fields, templateField{Key: def.Key, Label: def.Label, Group: group})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"template_id": tmpl.ID,
		"style":       tmpl.Style,
		"fields":      fields,
	})
}

type bulkFilters struct {
	Status   model.PassStatus `json:"status"`
	Platform model.Platform   `json:"platform"`
}

type startBulkRequest struct {
	FieldKey    string      `json:"field_key" binding:"required"`
	FieldValue  string      `json:"field_value"`
	Filters     bulkFilters `json:"filters"`
	InitiatedBy string      `json:"initiated_by"`
}

// StartBulkUpdate sets one field on every pass of a template in the background.
func (h *Handler) StartBulkUpdate(c *gin.Context) {
	templateID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req startBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := h.bulk.Start(c.Request.Context(), bulk.StartRequest{
		AccountID:   mw.Account(c).ID,
		TemplateID:  templateID,
		FieldKey:    req.FieldKey,
		FieldValue:  req.FieldValue,
		Status:      req.Filters.Status,
		Platform:    req.Filters.Platform,
		InitiatedBy: req.InitiatedBy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, b)
}

// GetBulkUpdate reports the live progress of a bulk update.
func (h *Handler) GetBulkUpdate(c *gin.Context) {
	b, err := h.bulk.Get(c.Request.Context(), mw.Account(c).ID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
