// Package apns sends Apple Wallet update pushes.
package apns

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sideshow/apns2"

	"wallet-pass-backend/internal/credentials"
	"wallet-pass-backend/internal/metrics"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/ratelimit"
)

const budgetWindow = time.Second

var (
	// ErrPushRateLimited is returned when the pass type identifier has used its
	// budget for the current second. Retryable.
	ErrPushRateLimited = errors.New("apple push budget exhausted for this second")
	// ErrThrottled is returned when the gateway answers 429. Retryable.
	ErrThrottled = errors.New("apple push gateway throttled the request")
)

// GatewayError is a non-retryable gateway rejection.
type GatewayError struct {
	StatusCode int
	Reason     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("apple push rejected: status %d: %s", e.StatusCode, e.Reason)
}

// IsRetryable reports whether a Send error is transient.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPushRateLimited) || errors.Is(err, ErrThrottled) {
		return true
	}
	var transport *TransportError
	return errors.As(err, &transport)
}

// TransportError wraps a failure to reach the gateway.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "apple push transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Sender pushes one notification.
type Sender interface {
	Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error)
}

type clientSender struct {
	client *apns2.Client
}

func (s clientSender) Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
	return s.client.PushWithContext(ctx, n)
}

// IdentitySource resolves an account's certificate.
type IdentitySource interface {
	AppleIdentity(ctx context.Context, account *model.Account) (*credentials.Identity, error)
}

// TokenRetirer deactivates every registration using a push token.
type TokenRetirer interface {
	DeactivateToken(ctx context.Context, pushToken string) (int64, error)
}

// Dispatcher sends empty-payload pushes, one client per account certificate.
type Dispatcher struct {
	identities IdentitySource
	counter    ratelimit.Counter
	retirer    TokenRetirer
	perSecond  int64
	timeout    time.Duration
	newSender  func(cert tls.Certificate) Sender
	now        func() time.Time

	mu      sync.Mutex
	senders map[string]Sender
}

// Options configures a Dispatcher.
type Options struct {
	Production bool
	PerSecond  int64
	Timeout    time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(identities IdentitySource, counter ratelimit.Counter, retirer TokenRetirer, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		identities: identities,
		counter:    counter,
		retirer:    retirer,
		perSecond:  opts.PerSecond,
		timeout:    opts.Timeout,
		newSender: func(cert tls.Certificate) Sender {
			client := apns2.NewClient(cert)
			if opts.Production {
				client = client.Production()
			} else {
				client = client.Development()
			}
			return clientSender{client: client}
		},
		now:     time.Now,
		senders: make(map[string]Sender),
	}
}

func budgetKey(passTypeID string) string {
	return "apns:" + passTypeID
}

func (d *Dispatcher) sender(ctx context.Context, account *model.Account) (Sender, error) {
	key := strconv.FormatInt(account.ID, 10) + ":" + account.AppleCertificateKey + ":" + strconv.FormatInt(account.UpdatedAt.UnixNano(), 10)

	d.mu.Lock()
	s, ok := d.senders[key]
	d.mu.Unlock()
	if ok {
		return s, nil
	}

	id, err := d.identities.AppleIdentity(ctx, account)
	if err != nil {
		return nil, err
	}
	s = d.newSender(id.TLSCertificate())

	d.mu.Lock()
	d.senders[key] = s
	d.mu.Unlock()
	return s, nil
}

// Send pushes an update notice to one registration. It reports true when
// the gateway accepted the push. A 410 retires the token and reports false
// without error.
func (d *Dispatcher) Send(ctx context.Context, account *model.Account, reg *model.DeviceRegistration) (bool, error) {
	ok, err := d.counter.TryAcquire(ctx, budgetKey(reg.PassTypeIdentifier), budgetWindow, d.perSecond)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.Pushes.WithLabelValues(metrics.OutcomeThrottled).Inc()
		return false, ErrPushRateLimited
	}

	s, err := d.sender(ctx, account)
	if err != nil {
		return false, err
	}

	pushCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := s.Push(pushCtx, &apns2.Notification{
		DeviceToken: reg.PushToken,
		Topic:       reg.PassTypeIdentifier,
		Payload:     []byte("{}"),
	})
	if err != nil {
		metrics.Pushes.WithLabelValues(metrics.OutcomeRetry).Inc()
		return false, &TransportError{Err: err}
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		metrics.Pushes.WithLabelValues(metrics.OutcomeSuccess).Inc()
		return true, nil
	case res.StatusCode == http.StatusGone:
		metrics.Pushes.WithLabelValues(metrics.OutcomeGone).Inc()
		n, err := d.retirer.DeactivateToken(ctx, reg.PushToken)
		if err != nil {
			return false, fmt.Errorf("failed to deactivate push token: %w", err)
		}
		log.Printf("Push token for device %s is gone; deactivated %d registration(s)", reg.DeviceLibraryID, n)
		return false, nil
	case res.StatusCode == http.StatusTooManyRequests:
		metrics.Pushes.WithLabelValues(metrics.OutcomeThrottled).Inc()
		return false, fmt.Errorf("%w: %s", ErrThrottled, res.Reason)
	default:
		metrics.Pushes.WithLabelValues(metrics.OutcomeFailure).Inc()
		return false, &GatewayError{StatusCode: res.StatusCode, Reason: res.Reason}
	}
}

// WaitForBudget blocks until the pass type identifier's current window has
// room, sleeping until the next window instead of polling.
func (d *Dispatcher) WaitForBudget(ctx context.Context, passTypeID string) error {
	for {
		n, err := d.counter.Count(ctx, budgetKey(passTypeID), budgetWindow)
		if err != nil {
			return err
		}
		if n < d.perSecond {
			return nil
		}

		wait := ratelimit.WindowEnd(d.now(), budgetWindow).Sub(d.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
