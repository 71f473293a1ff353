package api

import (
	"net/http"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-pass-backend/internal/model"
)

func TestPutSubscription(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)

	w := h.api(http.MethodPut, "/api/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())

	w = h.api(http.MethodPut, "/api/subscriptions", `{"endpoint":"https://push.example.com/abc","p256dh":"key","auth":"secret"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var sub model.PushSubscription
	require.NoError(t, h.gdb.First(&sub, "endpoint = ?", "https://push.example.com/abc").Error)
	assert.Equal(t, h.fixture.Account.ID, sub.AccountID)

	// Re-subscribing replaces the keys.
	w = h.api(http.MethodPut, "/api/subscriptions", `{"endpoint":"https://push.example.com/abc","p256dh":"key2","auth":"secret2"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, h.gdb.First(&sub, "endpoint = ?", "https://push.example.com/abc").Error)
	assert.Equal(t, "key2", sub.P256DH)
}

func TestGetAndDeleteSubscription(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)
	w := h.api(http.MethodPut, "/api/subscriptions", `{"endpoint":"https://push.example.com/abc","p256dh":"key","auth":"secret"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.api(http.MethodGet, "/api/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.api(http.MethodGet, "/api/subscriptions?endpoint=https://push.example.com/abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"endpoint":"https://push.example.com/abc"`)

	w = h.api(http.MethodDelete, "/api/subscriptions", `{"endpoint":"https://push.example.com/abc"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.api(http.MethodGet, "/api/subscriptions?endpoint=https://push.example.com/abc", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h := newAPIHarness(t, model.PlatformApple, nil)
		w := h.api(http.MethodGet, "/api/vapid_public_key", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"error":"operator notifications are disabled"}`, w.Body.String())
	})

	t.Run("configured", func(t *testing.T) {
		h := newAPIHarness(t, model.PlatformApple, &webpush.Options{VAPIDPublicKey: "BPublicKey", Subscriber: "ops@example.com"})
		w := h.api(http.MethodGet, "/api/vapid_public_key", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"public_key":"BPublicKey","subscriber":"ops@example.com"}`, w.Body.String())
	})
}
