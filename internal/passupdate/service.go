// Package passupdate applies field mutations to passes and fans the change
// out to the wallet platforms.
package passupdate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"wallet-pass-backend/internal/delivery"
	"wallet-pass-backend/internal/events"
	"wallet-pass-backend/internal/metrics"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passcontent"
	"wallet-pass-backend/internal/passkit"
	"wallet-pass-backend/internal/store"
)

var (
	// ErrPassVoided is returned for any mutation of a voided pass.
	ErrPassVoided = errors.New("pass is voided")
	// ErrNoFields is returned when a request carries no field values.
	ErrNoFields = errors.New("no fields to update")
)

// ArtifactSigner regenerates a pass's Apple archive.
type ArtifactSigner interface {
	Sign(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) (*passkit.Artifact, error)
}

// Scheduler queues delivery tasks.
type Scheduler interface {
	Schedule(ctx context.Context, tasks ...delivery.Task) error
}

// UpdateRequest is one field mutation of one pass.
type UpdateRequest struct {
	AccountID      int64
	PassID         int64
	Fields         map[string]string
	ChangeMessages map[string]string
	InitiatedBy    string
	Source         model.UpdateSource
}

// Service is the field update orchestrator.
type Service struct {
	store     store.Store
	signer    ArtifactSigner
	scheduler Scheduler
	pusher    delivery.Pusher
	patcher   delivery.Patcher
	events    events.Publisher
	now       func() time.Time
}

// NewService wires the orchestrator.
func NewService(s store.Store, signer ArtifactSigner, scheduler Scheduler, pusher delivery.Pusher, patcher delivery.Patcher, publisher events.Publisher) *Service {
	return &Service{
		store:     s,
		signer:    signer,
		scheduler: scheduler,
		pusher:    pusher,
		patcher:   patcher,
		events:    publisher,
		now:       time.Now,
	}
}

// UpdateFields validates and applies a mutation, re-signs the Apple archive,
// records the update and, after commit, schedules delivery to every platform
// the pass targets. Identical values are applied and recorded again.
func (s *Service) UpdateFields(ctx context.Context, req UpdateRequest) (*model.PassUpdate, error) {
	if len(req.Fields) == 0 {
		return nil, ErrNoFields
	}
	if req.Source == "" {
		req.Source = model.SourceAPI
	}

	pass, err := s.store.GetPass(ctx, req.AccountID, req.PassID)
	if err != nil {
		return nil, err
	}
	if pass.IsVoided() {
		return nil, ErrPassVoided
	}
	account, err := s.store.GetAccount(ctx, pass.AccountID)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.store.GetTemplate(ctx, pass.AccountID, pass.TemplateID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(req.Fields))
	for k := range req.Fields {
		keys = append(keys, k)
	}
	if err := passcontent.Validate(tmpl.Fields, keys); err != nil {
		return nil, err
	}

	var (
		update *model.PassUpdate
		regs   []model.DeviceRegistration
	)
	err = s.store.Transaction(ctx, func(tx store.Store) error {
		locked, err := tx.LockPass(ctx, req.PassID)
		if err != nil {
			return err
		}
		if locked.IsVoided() {
			return ErrPassVoided
		}

		content, err := passcontent.Parse(locked.Content)
		if err != nil {
			return err
		}
		diff, err := passcontent.Apply(content, tmpl.Fields, req.Fields, req.ChangeMessages)
		if err != nil {
			return err
		}
		serialized, err := passcontent.Serialize(content)
		if err != nil {
			return err
		}
		locked.Content = serialized

		if locked.Platform.TargetsApple() {
			artifact, err := s.signer.Sign(ctx, account, tmpl, locked)
			if err != nil {
				return fmt.Errorf("failed to regenerate apple pass: %w", err)
			}
			locked.AppleArtifactKey = artifact.Key
			generatedAt := artifact.GeneratedAt
			locked.LastGeneratedAt = &generatedAt
		}
		if err := tx.SavePass(ctx, locked); err != nil {
			return err
		}

		update = &model.PassUpdate{
			PassID:        locked.ID,
			AccountID:     locked.AccountID,
			InitiatedBy:   req.InitiatedBy,
			Source:        req.Source,
			FieldsChanged: diff,
			AppleStatus:   model.DeliverySkipped,
			GoogleStatus:  model.DeliverySkipped,
		}
		if locked.Platform.TargetsApple() {
			regs, err = tx.ListActiveRegistrations(ctx, account.ApplePassTypeID, locked.SerialNumber)
			if err != nil {
				return err
			}
			if len(regs) > 0 {
				update.AppleStatus = model.DeliveryPending
				update.DevicesNotified = len(regs)
			}
		}
		if locked.Platform.TargetsGoogle() && locked.GoogleObjectID != "" {
			update.GoogleStatus = model.DeliveryPending
		}
		if err := tx.CreatePassUpdate(ctx, update); err != nil {
			return err
		}
		pass = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, account, pass, update, regs)

	metrics.UpdatesApplied.WithLabelValues(string(req.Source)).Inc()
	event := events.PassFieldsUpdated{
		UpdateID:   update.ID,
		PassID:     pass.ID,
		AccountID:  pass.AccountID,
		Source:     update.Source,
		Diff:       update.FieldsChanged,
		OccurredAt: s.now(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish update event for pass %d: %v", pass.ID, err)
	}
	return update, nil
}

// dispatch schedules the committed update's delivery tasks and marks them sent.
func (s *Service) dispatch(ctx context.Context, account *model.Account, pass *model.Pass, update *model.PassUpdate, regs []model.DeviceRegistration) {
	apple := update.AppleStatus == model.DeliveryPending
	google := update.GoogleStatus == model.DeliveryPending
	if !apple && !google {
		return
	}
	s.schedule(ctx, account, pass, update, regs, apple, google)
}

// schedule queues tasks for the requested platforms. If the pool refuses
// them, those platform statuses are failed with the reason.
func (s *Service) schedule(ctx context.Context, account *model.Account, pass *model.Pass, update *model.PassUpdate, regs []model.DeviceRegistration, apple, google bool) {
	var tasks []delivery.Task
	if apple {
		for _, reg := range regs {
			tasks = append(tasks, &delivery.ApplePushTask{
				Store:        s.store,
				Pusher:       s.pusher,
				UpdateID:     update.ID,
				Account:      account,
				Registration: reg,
			})
		}
	}
	if google {
		tasks = append(tasks, &delivery.GooglePatchTask{
			Store:    s.store,
			Patcher:  s.patcher,
			UpdateID: update.ID,
			PassID:   pass.ID,
		})
	}

	if err := s.scheduler.Schedule(ctx, tasks...); err != nil {
		log.Printf("Failed to schedule delivery for update %s: %v", update.ID, err)
		s.failOpen(ctx, update, apple, google, fmt.Sprintf("failed to schedule delivery: %v", err))
		return
	}

	if err := s.store.MarkSent(ctx, update.ID, apple, google); err != nil {
		log.Printf("Failed to mark update %s sent: %v", update.ID, err)
		return
	}
	if apple {
		update.AppleStatus = model.DeliverySent
	}
	if google {
		update.GoogleStatus = model.DeliverySent
	}
}

// failOpen marks the given platform statuses of an update failed.
func (s *Service) failOpen(ctx context.Context, update *model.PassUpdate, apple, google bool, reason string) {
	if apple {
		if err := s.store.MarkAppleFailed(ctx, update.ID, reason); err != nil {
			log.Printf("Failed to record delivery failure on %s: %v", update.ID, err)
		}
		update.AppleStatus = model.DeliveryFailed
	}
	if google {
		if err := s.store.MarkGoogle(ctx, update.ID, model.DeliveryFailed, reason); err != nil {
			log.Printf("Failed to record delivery failure on %s: %v", update.ID, err)
		}
		update.GoogleStatus = model.DeliveryFailed
	}
	update.ErrorMessage = reason
}

func isOpen(status model.DeliveryStatus) bool {
	return status == model.DeliveryPending || status == model.DeliverySent
}

// Recover re-schedules delivery of update records created before the cutoff
// and left pending or sent by a previous process, whose queued tasks and
// parked retries died with it.
// Tasks are rebuilt from the pass's current registrations and Google object,
// so a device may be notified twice. It returns the number of records
// re-scheduled.
func (s *Service) Recover(ctx context.Context, before time.Time) (int, error) {
	updates, err := s.store.ListUndeliveredUpdates(ctx, before)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range updates {
		update := &updates[i]
		apple := isOpen(update.AppleStatus)
		google := isOpen(update.GoogleStatus)

		pass, err := s.store.GetPassByID(ctx, update.PassID)
		if errors.Is(err, store.ErrNotFound) {
			s.failOpen(ctx, update, apple, google, "pass no longer exists")
			continue
		}
		if err != nil {
			return recovered, err
		}
		account, err := s.store.GetAccount(ctx, pass.AccountID)
		if err != nil {
			return recovered, err
		}

		var regs []model.DeviceRegistration
		if apple {
			regs, err = s.store.ListActiveRegistrations(ctx, account.ApplePassTypeID, pass.SerialNumber)
			if err != nil {
				return recovered, err
			}
			if len(regs) == 0 {
				s.failOpen(ctx, update, true, false, "no active device registrations remain")
				apple = false
			}
		}
		if google && pass.GoogleObjectID == "" {
			if err := s.store.MarkGoogle(ctx, update.ID, model.DeliverySkipped, ""); err != nil {
				log.Printf("Failed to skip google delivery on %s: %v", update.ID, err)
			}
			google = false
		}
		if !apple && !google {
			continue
		}

		s.schedule(ctx, account, pass, update, regs, apple, google)
		recovered++
	}
	if recovered > 0 {
		log.Printf("Re-scheduled delivery of %d update records", recovered)
	}
	return recovered, nil
}
