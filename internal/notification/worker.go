package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Message is the payload operator browsers receive.
type Message struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	BulkUpdateID string `json:"bulk_update_id"`
}

// summaryTTL is how long push services hold an undelivered summary.
const summaryTTL = 24 * 60 * 60

// WorkerPool sends bulk update summaries to operator browsers.
type WorkerPool struct {
	size    int
	jobs    chan model.BulkUpdate
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s store.Store, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan model.BulkUpdate, size*16), // Buffered channel
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Notification worker %d started", id)
	for {
		select {
		case b := <-wp.jobs:
			log.Printf("Notification worker %d processing bulk update %s", id, b.ID)
			wp.sendBulkSummary(ctx, b)
		case <-ctx.Done():
			log.Printf("Notification worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a completed bulk update. A full queue drops the summary.
func (wp *WorkerPool) Dispatch(b model.BulkUpdate) {
	select {
	case wp.jobs <- b:
	default:
		log.Printf("Notification queue full; dropping summary of bulk update %s", b.ID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.BulkUpdate {
	return wp.jobs
}

// Summary renders the notification for a completed bulk update.
func Summary(b model.BulkUpdate) Message {
	return Message{
		Title:        "Bulk update completed",
		Body:         fmt.Sprintf("%s = %s: %d updated, %d failed", b.FieldKey, b.FieldValue, b.ProcessedCount, b.FailedCount),
		BulkUpdateID: b.ID,
	}
}

// sendBulkSummary fetches the account's subscriptions and notifies each.
func (wp *WorkerPool) sendBulkSummary(ctx context.Context, b model.BulkUpdate) {
	subscriptions, err := wp.store.ListSubscriptions(ctx, b.AccountID)
	if err != nil {
		log.Printf("Error fetching subscriptions for account %d: %v", b.AccountID, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(Summary(b))
	if err != nil {
		log.Printf("Error encoding summary of bulk update %s: %v", b.ID, err)
		return
	}

	log.Printf("Sending %d notifications for bulk update %s", len(subscriptions), b.ID)
	opts := wp.optionsFor(b)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload, opts)
	}
}

// optionsFor scopes the push to one bulk update. The topic lets a push
// service collapse repeated summaries of the same run.
func (wp *WorkerPool) optionsFor(b model.BulkUpdate) *webpush.Options {
	opts := *wp.webpush
	opts.TTL = summaryTTL
	opts.Urgency = webpush.UrgencyNormal
	topic := strings.ReplaceAll(b.ID, "-", "")
	if len(topic) > 32 {
		topic = topic[:32]
	}
	opts.Topic = topic
	return &opts
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte, opts *webpush.Options) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, opts)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.store.DeleteSubscriptionByEndpoint(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	case resp.StatusCode >= 300:
		log.Printf("Push service rejected notification to %s: %s", sub.Endpoint, resp.Status)
	}
}
