package apns

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-pass-backend/internal/credentials"
	"wallet-pass-backend/internal/credentials/credentialstest"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/ratelimit"
)

type staticIdentity struct {
	id  *credentials.Identity
	err error
}

func (s staticIdentity) AppleIdentity(context.Context, *model.Account) (*credentials.Identity, error) {
	return s.id, s.err
}

// mockSender is a mock implementation of the Sender interface.
type mockSender struct {
	PushFunc func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error)
}

func (m *mockSender) Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
	return m.PushFunc(ctx, n)
}

type recordingRetirer struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recordingRetirer) DeactivateToken(_ context.Context, token string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
	return 1, nil
}

func testIdentity(t *testing.T) *credentials.Identity {
	ca := credentialstest.NewAuthority(t, "Test WWDR")
	leaf := ca.Issue(t, "pass.com.example.loyalty")
	return &credentials.Identity{Certificate: leaf.Certificate, PrivateKey: leaf.Key}
}

func newTestDispatcher(t *testing.T, sender Sender, perSecond int64) (*Dispatcher, *recordingRetirer) {
	retirer := &recordingRetirer{}
	d := NewDispatcher(staticIdentity{id: testIdentity(t)}, ratelimit.NewMemoryCounter(), retirer, Options{PerSecond: perSecond, Timeout: time.Second})
	d.newSender = func(tls.Certificate) Sender { return sender }
	return d, retirer
}

var (
	account = &model.Account{ID: 1, ApplePassTypeID: "pass.com.example.loyalty", AppleCertificateKey: "certs/1.p12"}
	reg     = &model.DeviceRegistration{
		DeviceLibraryID:    "device-1",
		PassTypeIdentifier: "pass.com.example.loyalty",
		SerialNumber:       "SER-1",
		PushToken:          "token-1",
		IsActive:           true,
	}
)

func TestDispatcher_Send(t *testing.T) {
	testCases := []struct {
		name            string
		response        *apns2.Response
		pushErr         error
		expectDelivered bool
		expectRetired   bool
		expectRetryable bool
		expectErr       bool
	}{
		{name: "Accepted", response: &apns2.Response{StatusCode: http.StatusOK}, expectDelivered: true},
		{name: "Gone retires token", response: &apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, expectRetired: true},
		{name: "Throttled is retryable", response: &apns2.Response{StatusCode: http.StatusTooManyRequests, Reason: apns2.ReasonTooManyRequests}, expectErr: true, expectRetryable: true},
		{name: "Bad token is fatal", response: &apns2.Response{StatusCode: http.StatusBadRequest, Reason: apns2.ReasonBadDeviceToken}, expectErr: true},
		{name: "Transport failure is retryable", pushErr: errors.New("connection reset"), expectErr: true, expectRetryable: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &mockSender{
				PushFunc: func(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
					assert.Equal(t, "token-1", n.DeviceToken)
					assert.Equal(t, "pass.com.example.loyalty", n.Topic)
					assert.Equal(t, "{}", string(n.Payload.([]byte)))
					return tc.response, tc.pushErr
				},
			}
			d, retirer := newTestDispatcher(t, sender, 100)

			delivered, err := d.Send(context.Background(), account, reg)
			assert.Equal(t, tc.expectDelivered, delivered)
			if tc.expectErr {
				require.Error(t, err)
				assert.Equal(t, tc.expectRetryable, IsRetryable(err))
			} else {
				assert.NoError(t, err)
			}
			if tc.expectRetired {
				assert.Equal(t, []string{"token-1"}, retirer.tokens)
			} else {
				assert.Empty(t, retirer.tokens)
			}
		})
	}
}

func TestDispatcher_GatewayReasonAttached(t *testing.T) {
	sender := &mockSender{
		PushFunc: func(context.Context, *apns2.Notification) (*apns2.Response, error) {
			return &apns2.Response{StatusCode: http.StatusForbidden, Reason: apns2.ReasonBadCertificate}, nil
		},
	}
	d, _ := newTestDispatcher(t, sender, 100)

	_, err := d.Send(context.Background(), account, reg)
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, apns2.ReasonBadCertificate, gwErr.Reason)
	assert.Contains(t, err.Error(), apns2.ReasonBadCertificate)
}

func TestDispatcher_PerSecondBudget(t *testing.T) {
	var pushes int
	sender := &mockSender{
		PushFunc: func(context.Context, *apns2.Notification) (*apns2.Response, error) {
			pushes++
			return &apns2.Response{StatusCode: http.StatusOK}, nil
		},
	}
	d, _ := newTestDispatcher(t, sender, 2)
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	d.counter.(*ratelimit.MemoryCounter).SetClock(func() time.Time { return clock })

	for i := 0; i < 2; i++ {
		ok, err := d.Send(context.Background(), account, reg)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err := d.Send(context.Background(), account, reg)
	assert.ErrorIs(t, err, ErrPushRateLimited)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, pushes, "no push leaves once the budget is spent")
}

func TestDispatcher_WaitForBudget(t *testing.T) {
	d, _ := newTestDispatcher(t, &mockSender{}, 1)
	counter := d.counter.(*ratelimit.MemoryCounter)

	ok, err := counter.TryAcquire(context.Background(), budgetKey("pass.com.example.loyalty"), time.Second, 1)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	require.NoError(t, d.WaitForBudget(context.Background(), "pass.com.example.loyalty"))
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = counter.TryAcquire(ctx, budgetKey("pass.com.example.loyalty"), time.Second, 1)
	cancel()
	err = d.WaitForBudget(ctx, "pass.com.example.loyalty")
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestDispatcher_RealClientAgainstGateway(t *testing.T) {
	var gotPath, gotTopic, gotBody string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTopic = r.Header.Get("apns-topic")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("apns-id", "abc")
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	d, _ := newTestDispatcher(t, nil, 100)
	d.newSender = func(cert tls.Certificate) Sender {
		client := apns2.NewClient(cert)
		client.Host = srv.URL
		client.HTTPClient = srv.Client()
		return clientSender{client: client}
	}

	delivered, err := d.Send(context.Background(), account, reg)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.True(t, strings.HasSuffix(gotPath, "/3/device/token-1"))
	assert.Equal(t, "pass.com.example.loyalty", gotTopic)
	assert.Equal(t, "{}", gotBody)
}
