package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cenkalti/backoff/v5"

	"wallet-pass-backend/internal/apns"
	"wallet-pass-backend/internal/googlewallet"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/store"
)

// Pusher sends an update notice to one registered device.
type Pusher interface {
	Send(ctx context.Context, account *model.Account, reg *model.DeviceRegistration) (bool, error)
}

// Patcher pushes a pass's current state to its Google Wallet object.
type Patcher interface {
	Patch(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) error
}

// ApplePushTask notifies one device that a pass changed.
type ApplePushTask struct {
	Store        store.Store
	Pusher       Pusher
	UpdateID     string
	Account      *model.Account
	Registration model.DeviceRegistration
}

// Name implements Task.
func (t *ApplePushTask) Name() string { return "apple_push" }

// Run implements Task.
func (t *ApplePushTask) Run(ctx context.Context) error {
	delivered, err := t.Pusher.Send(ctx, t.Account, &t.Registration)
	if err != nil {
		return classify(err, apns.IsRetryable)
	}
	if !delivered {
		return t.Store.MarkAppleFailed(ctx, t.UpdateID,
			fmt.Sprintf("push token of device %s is no longer valid", t.Registration.DeviceLibraryID))
	}
	return t.Store.MarkAppleDelivered(ctx, t.UpdateID)
}

// Fail implements Task.
func (t *ApplePushTask) Fail(ctx context.Context, err error) {
	if markErr := t.Store.MarkAppleFailed(ctx, t.UpdateID, err.Error()); markErr != nil {
		logMarkError(t.UpdateID, markErr)
	}
}

// GooglePatchTask propagates a pass's current content to Google Wallet.
type GooglePatchTask struct {
	Store    store.Store
	Patcher  Patcher
	UpdateID string
	PassID   int64
}

// Name implements Task.
func (t *GooglePatchTask) Name() string { return "google_patch" }

// Run implements Task. The pass is reloaded so the latest content is sent.
// A pass, account or template that no longer exists fails the task at once.
func (t *GooglePatchTask) Run(ctx context.Context) error {
	pass, err := t.Store.GetPassByID(ctx, t.PassID)
	if err != nil {
		return permanentIfMissing(err)
	}
	if pass.GoogleObjectID == "" {
		return t.Store.MarkGoogle(ctx, t.UpdateID, model.DeliverySkipped, "")
	}

	account, err := t.Store.GetAccount(ctx, pass.AccountID)
	if err != nil {
		return permanentIfMissing(err)
	}
	tmpl, err := t.Store.GetTemplate(ctx, pass.AccountID, pass.TemplateID)
	if err != nil {
		return permanentIfMissing(err)
	}

	if err := t.Patcher.Patch(ctx, account, tmpl, pass); err != nil {
		return classify(err, googlewallet.IsRetryable)
	}
	return t.Store.MarkGoogle(ctx, t.UpdateID, model.DeliveryDelivered, "")
}

// Fail implements Task.
func (t *GooglePatchTask) Fail(ctx context.Context, err error) {
	if markErr := t.Store.MarkGoogle(ctx, t.UpdateID, model.DeliveryFailed, err.Error()); markErr != nil {
		logMarkError(t.UpdateID, markErr)
	}
}

func permanentIfMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

func logMarkError(updateID string, err error) {
	log.Printf("Failed to record delivery failure on update %s: %v", updateID, err)
}
