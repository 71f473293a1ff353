package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"wallet-pass-backend/internal/bulk"
	"wallet-pass-backend/internal/credentials"
	"wallet-pass-backend/internal/googlewallet"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passcontent"
	"wallet-pass-backend/internal/passkit"
	"wallet-pass-backend/internal/passupdate"
	"wallet-pass-backend/internal/storage"
	"wallet-pass-backend/internal/store"
)

// FieldUpdater applies a field mutation to one pass.
type FieldUpdater interface {
	UpdateFields(ctx context.Context, req passupdate.UpdateRequest) (*model.PassUpdate, error)
}

// BulkRunner starts and reports template-wide bulk updates.
type BulkRunner interface {
	Start(ctx context.Context, req bulk.StartRequest) (*model.BulkUpdate, error)
	Get(ctx context.Context, accountID int64, id string) (*model.BulkUpdate, error)
}

// SaveLinker creates a pass's Google Wallet object link.
type SaveLinker interface {
	SaveLink(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) (string, string, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Store     store.Store
	Updater   FieldUpdater
	Bulk      BulkRunner
	Signer    passupdate.ArtifactSigner
	Google    SaveLinker
	Artifacts storage.Store
	WebPush   *webpush.Options
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	updater   FieldUpdater
	bulk      BulkRunner
	signer    passupdate.ArtifactSigner
	google    SaveLinker
	artifacts storage.Store
	webpush   *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:     d.Store,
		updater:   d.Updater,
		bulk:      d.Bulk,
		signer:    d.Signer,
		google:    d.Google,
		artifacts: d.Artifacts,
		webpush:   d.WebPush,
	}
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, passupdate.ErrPassVoided), errors.Is(err, store.ErrBulkInProgress):
		return http.StatusConflict
	case errors.Is(err, passcontent.ErrUnknownField),
		errors.Is(err, passcontent.ErrContentTooLarge),
		errors.Is(err, passupdate.ErrNoFields):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// misconfigured reports missing or invalid account credentials.
func misconfigured(err error) bool {
	return errors.Is(err, credentials.ErrMissingCertificate) ||
		errors.Is(err, credentials.ErrMissingServiceAccount) ||
		errors.Is(err, credentials.ErrUntrustedCertificate) ||
		errors.Is(err, googlewallet.ErrMissingIssuer) ||
		errors.Is(err, passkit.ErrMissingWWDR)
}

// writeError renders err as {"error": ...}. Server errors are logged and
// their detail withheld.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		if !misconfigured(err) {
			c.JSON(status, gin.H{"error": "internal server error"})
			return
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
