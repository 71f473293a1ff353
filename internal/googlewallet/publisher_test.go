package googlewallet

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/ratelimit"
)

type staticKeys struct {
	key []byte
}

func (s staticKeys) GoogleServiceAccount(context.Context, *model.Account) ([]byte, error) {
	return s.key, nil
}

type request struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// fakeWallet is a minimal Wallet API plus OAuth token endpoint.
type fakeWallet struct {
	mu          sync.Mutex
	requests    []request
	classStatus int
	patchStatus int
}

func (f *fakeWallet) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
			return
		}

		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, request{Method: r.Method, Path: r.URL.Path, Body: string(body), Auth: r.Header.Get("Authorization")})
		f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "Class/"):
			w.WriteHeader(f.classStatus)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusOK)
			w.Write(body)
		case r.Method == http.MethodPatch:
			w.WriteHeader(f.patchStatus)
			io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeWallet) calls(method string) []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []request
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func newServiceAccount(t *testing.T, tokenURL string) ([]byte, *rsa.PrivateKey) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	sa, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   "issuer@example.iam.gserviceaccount.com",
		"private_key_id": "k1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"token_uri":      tokenURL,
	})
	require.NoError(t, err)
	return sa, key
}

type fixture struct {
	wallet    *fakeWallet
	publisher *Publisher
	key       *rsa.PrivateKey
	account   *model.Account
	template  *model.PassTemplate
	pass      *model.Pass
}

func newFixture(t *testing.T) *fixture {
	wallet := &fakeWallet{classStatus: http.StatusOK, patchStatus: http.StatusOK}
	srv := httptest.NewServer(wallet.handler())
	t.Cleanup(srv.Close)

	sa, key := newServiceAccount(t, srv.URL+"/token")
	publisher := NewPublisher(staticKeys{key: sa}, ratelimit.NewMemoryCounter(), Options{
		BaseURL:         srv.URL,
		Timeout:         5 * time.Second,
		DailyPatchLimit: 3,
		ImageURL:        func(k string) string { return "https://cdn.example.com/" + k },
	})

	return &fixture{
		wallet:    wallet,
		publisher: publisher,
		key:       key,
		account:   &model.Account{ID: 1, Name: "Coffee Co", GoogleIssuerID: "3388000000012345", GoogleServiceAccountKey: "keys/1.json"},
		template:  &model.PassTemplate{ID: 42, Name: "Loyalty", Style: model.StyleGeneric},
		pass: &model.Pass{
			SerialNumber:   "SER-1",
			GoogleObjectID: "3388000000012345.SER-1",
			Content:        `{"primaryFields":[{"key":"primary1","label":"Balance","value":"75"}]}`,
			BarcodeFormat:  "PKBarcodeFormatPDF417",
			BarcodeMessage: "SER-1",
			Images:         model.ImageRefs{"strip": "images/strip.png"},
			Status:         model.PassActive,
		},
	}
}

func TestPatch_DailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.publisher.Patch(ctx, f.account, f.template, f.pass), "patch %d", i+1)
	}

	err := f.publisher.Patch(ctx, f.account, f.template, f.pass)
	assert.ErrorIs(t, err, ErrDailyPatchLimit)
	assert.False(t, IsRetryable(err))

	patches := f.wallet.calls(http.MethodPatch)
	require.Len(t, patches, 3, "the fourth patch must not reach Google")
	assert.Equal(t, "/genericObject/3388000000012345.SER-1", patches[0].Path)
	assert.Equal(t, "Bearer test-token", patches[0].Auth)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(patches[0].Body), &obj))
	assert.Equal(t, "PDF_417", obj["barcode"].(map[string]any)["type"])
	assert.Equal(t, "3388000000012345.generic_42", obj["classId"])
	assert.Equal(t, "https://cdn.example.com/images/strip.png", obj["heroImage"].(map[string]any)["sourceUri"].(map[string]any)["uri"])
	modules := obj["textModulesData"].([]any)
	assert.Equal(t, "75", modules[0].(map[string]any)["body"])
}

func TestPatch_FailedPatchesKeepBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.wallet.patchStatus = http.StatusServiceUnavailable
	for i := 0; i < 4; i++ {
		err := f.publisher.Patch(ctx, f.account, f.template, f.pass)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	}

	f.wallet.patchStatus = http.StatusOK
	for i := 0; i < 3; i++ {
		require.NoError(t, f.publisher.Patch(ctx, f.account, f.template, f.pass), "patch %d", i+1)
	}
	assert.ErrorIs(t, f.publisher.Patch(ctx, f.account, f.template, f.pass), ErrDailyPatchLimit)
	assert.Len(t, f.wallet.calls(http.MethodPatch), 7)
}

func TestPatch_Errors(t *testing.T) {
	testCases := []struct {
		name        string
		patchStatus int
		objectID    string
		expectErr   error
		retryable   bool
	}{
		{name: "No object", objectID: "", expectErr: ErrNoObject},
		{name: "Throttled by Google", patchStatus: http.StatusTooManyRequests, objectID: "3388000000012345.SER-1", retryable: true},
		{name: "Server error", patchStatus: http.StatusBadGateway, objectID: "3388000000012345.SER-1", retryable: true},
		{name: "Object missing", patchStatus: http.StatusNotFound, objectID: "3388000000012345.SER-1", retryable: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.wallet.patchStatus = tc.patchStatus
			f.pass.GoogleObjectID = tc.objectID

			err := f.publisher.Patch(context.Background(), f.account, f.template, f.pass)
			require.Error(t, err)
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				assert.Empty(t, f.wallet.calls(http.MethodPatch))
			} else {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tc.patchStatus, apiErr.StatusCode)
			}
			assert.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}

func TestEnsureClass(t *testing.T) {
	testCases := []struct {
		name        string
		classStatus int
		expectPost  bool
		expectErr   bool
	}{
		{name: "Existing class", classStatus: http.StatusOK},
		{name: "Missing class is created", classStatus: http.StatusNotFound, expectPost: true},
		{name: "Lookup failure is fatal", classStatus: http.StatusForbidden, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.wallet.classStatus = tc.classStatus

			classID, err := f.publisher.EnsureClass(context.Background(), f.account, f.template)
			if tc.expectErr {
				assert.Error(t, err)
				assert.Empty(t, f.wallet.calls(http.MethodPost))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "3388000000012345.generic_42", classID)

			posts := f.wallet.calls(http.MethodPost)
			if tc.expectPost {
				require.Len(t, posts, 1)
				assert.Equal(t, "/genericClass", posts[0].Path)
				assert.Contains(t, posts[0].Body, `"id":"3388000000012345.generic_42"`)
			} else {
				assert.Empty(t, posts)
			}
		})
	}
}

func TestSaveLink(t *testing.T) {
	f := newFixture(t)
	f.wallet.classStatus = http.StatusNotFound

	objectID, link, err := f.publisher.SaveLink(context.Background(), f.account, f.template, f.pass)
	require.NoError(t, err)
	assert.Equal(t, "3388000000012345.SER-1", objectID)
	require.True(t, strings.HasPrefix(link, "https://pay.google.com/gp/v/save/"))

	token, err := jwt.Parse(strings.TrimPrefix(link, "https://pay.google.com/gp/v/save/"), func(*jwt.Token) (any, error) {
		return &f.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "issuer@example.iam.gserviceaccount.com", claims["iss"])
	assert.Equal(t, "google", claims["aud"])
	assert.Equal(t, "savetowallet", claims["typ"])
	objects := claims["payload"].(map[string]any)["genericObjects"].([]any)
	assert.Equal(t, "3388000000012345.SER-1", objects[0].(map[string]any)["id"])

	assert.Len(t, f.wallet.calls(http.MethodPost), 1, "class created on first generation")
}

func TestBarcodeType(t *testing.T) {
	assert.Equal(t, "QR_CODE", BarcodeType("PKBarcodeFormatQR"))
	assert.Equal(t, "PDF_417", BarcodeType("PKBarcodeFormatPDF417"))
	assert.Equal(t, "AZTEC", BarcodeType("PKBarcodeFormatAztec"))
	assert.Equal(t, "CODE_128", BarcodeType("PKBarcodeFormatCode128"))
	assert.Equal(t, "QR_CODE", BarcodeType(""))
}
