package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wallet-pass-backend/config"
	"wallet-pass-backend/internal/bulk"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passcontent"
	"wallet-pass-backend/internal/passkit"
	"wallet-pass-backend/internal/passupdate"
	"wallet-pass-backend/internal/storage"
	"wallet-pass-backend/internal/store"
	"wallet-pass-backend/internal/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUpdater struct {
	req    passupdate.UpdateRequest
	result *model.PassUpdate
	err    error
}

func (f *fakeUpdater) UpdateFields(_ context.Context, req passupdate.UpdateRequest) (*model.PassUpdate, error) {
	f.req = req
	return f.result, f.err
}

type fakeBulk struct {
	req  bulk.StartRequest
	err  error
	runs map[string]*model.BulkUpdate
}

func (f *fakeBulk) Start(_ context.Context, req bulk.StartRequest) (*model.BulkUpdate, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.BulkUpdate{ID: "b-1", AccountID: req.AccountID, TemplateID: req.TemplateID, FieldKey: req.FieldKey, FieldValue: req.FieldValue, Status: model.BulkPending}, nil
}

func (f *fakeBulk) Get(_ context.Context, accountID int64, id string) (*model.BulkUpdate, error) {
	b, ok := f.runs[id]
	if !ok || b.AccountID != accountID {
		return nil, fmt.Errorf("%w: bulk update", store.ErrNotFound)
	}
	return b, nil
}

// fakeSigner writes a placeholder archive to storage like the real signer.
type fakeSigner struct {
	mu        sync.Mutex
	artifacts storage.Store
	calls     int
}

func (f *fakeSigner) Sign(ctx context.Context, account *model.Account, _ *model.PassTemplate, pass *model.Pass) (*passkit.Artifact, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	key := passkit.ArtifactKey(account.ID, pass.SerialNumber)
	data := []byte("pkpass:" + pass.SerialNumber)
	if err := f.artifacts.Put(ctx, key, data, passkit.ContentType); err != nil {
		return nil, err
	}
	return &passkit.Artifact{Key: key, Data: data, GeneratedAt: time.Now()}, nil
}

// fakeLinker reads the pass row from db when set; with one pooled
// connection that read times out if a transaction is still open.
type fakeLinker struct {
	calls   int
	db      *gorm.DB
	readErr error
}

func (f *fakeLinker) SaveLink(ctx context.Context, account *model.Account, _ *model.PassTemplate, pass *model.Pass) (string, string, error) {
	f.calls++
	if f.db != nil {
		readCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		f.readErr = f.db.WithContext(readCtx).First(&model.Pass{}, pass.ID).Error
	}
	id := account.GoogleIssuerID + "." + pass.SerialNumber
	return id, "https://pay.google.com/gp/v/save/" + id, nil
}

type apiHarness struct {
	gdb       *gorm.DB
	fixture   *storetest.Fixture
	updater   *fakeUpdater
	bulk      *fakeBulk
	signer    *fakeSigner
	google    *fakeLinker
	artifacts storage.Store
	router    *gin.Engine
}

func newAPIHarness(t *testing.T, platform model.Platform, webpushOptions *webpush.Options) *apiHarness {
	gdb := storetest.NewDB(t)
	artifacts := storage.NewLocalStore(t.TempDir(), "https://cdn.example.com")
	h := &apiHarness{
		gdb:       gdb,
		fixture:   storetest.Seed(t, gdb, 2, platform),
		updater:   &fakeUpdater{},
		bulk:      &fakeBulk{runs: map[string]*model.BulkUpdate{}},
		signer:    &fakeSigner{artifacts: artifacts},
		google:    &fakeLinker{},
		artifacts: artifacts,
	}
	h.router = NewRouter(Deps{
		Store:     store.NewGormStore(gdb),
		Updater:   h.updater,
		Bulk:      h.bulk,
		Signer:    h.signer,
		Google:    h.google,
		Artifacts: artifacts,
		WebPush:   webpushOptions,
	}, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 60})
	return h
}

// do sends a request; headers are given as name, value pairs.
func (h *apiHarness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// api sends an authenticated operator request.
func (h *apiHarness) api(method, path, body string) *httptest.ResponseRecorder {
	return h.do(method, path, body, "Authorization", "Bearer "+h.fixture.Account.APIToken)
}

func TestAPIToken(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)
	path := fmt.Sprintf("/api/templates/%d/fields", h.fixture.Template.ID)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", `{"error":"authorization header required"}`},
		{"wrong scheme", "Token " + h.fixture.Account.APIToken, `{"error":"invalid authorization header format"}`},
		{"unknown token", "Bearer nope", `{"error":"invalid api token"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			if tt.header == "" {
				w = h.do(http.MethodGet, path, "")
			} else {
				w = h.do(http.MethodGet, path, "", "Authorization", tt.header)
			}
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}

func TestUpdateFields(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		result     *model.PassUpdate
		err        error
		wantStatus int
		check      func(t *testing.T, body string)
	}{
		{
			name:       "devices notified",
			body:       `{"fields":{"primary1":"75"},"change_messages":{"primary1":"You now have %@ points"}}`,
			result:     &model.PassUpdate{ID: "u-1", DevicesNotified: 2, AppleStatus: model.DeliverySent, GoogleStatus: model.DeliverySkipped},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				assert.Contains(t, body, `"devices_notified":2`)
				assert.Contains(t, body, `"id":"u-1"`)
				assert.NotContains(t, body, "warning")
			},
		},
		{
			name:       "no devices warns",
			body:       `{"fields":{"tier":"Silver"}}`,
			result:     &model.PassUpdate{ID: "u-2", AppleStatus: model.DeliverySkipped, GoogleStatus: model.DeliverySkipped},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				assert.Contains(t, body, `"warning":"no devices were notified"`)
			},
		},
		{
			name:       "voided pass",
			body:       `{"fields":{"tier":"Silver"}}`,
			err:        passupdate.ErrPassVoided,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown field",
			body:       `{"fields":{"nickname":"Bob"}}`,
			err:        &passcontent.UnknownFieldError{Keys: []string{"nickname"}},
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body string) {
				assert.Contains(t, body, "nickname")
			},
		},
		{
			name:       "content too large",
			body:       `{"fields":{"tier":"x"}}`,
			err:        passcontent.ErrContentTooLarge,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "pass of another account",
			body:       `{"fields":{"tier":"Silver"}}`,
			err:        fmt.Errorf("%w: pass", store.ErrNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "infrastructure failure hides detail",
			body:       `{"fields":{"tier":"Silver"}}`,
			err:        errors.New("connection reset by peer"),
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, body string) {
				assert.JSONEq(t, `{"error":"internal server error"}`, body)
			},
		},
		{
			name:       "missing fields",
			body:       `{"change_messages":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid id",
			path:       "/api/passes/abc/fields",
			body:       `{"fields":{"tier":"Silver"}}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPIHarness(t, model.PlatformApple, nil)
			h.updater.result = tt.result
			h.updater.err = tt.err
			path := tt.path
			if path == "" {
				path = fmt.Sprintf("/api/passes/%d/fields", h.fixture.Passes[0].ID)
			}

			w := h.api(http.MethodPost, path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.check != nil {
				tt.check(t, w.Body.String())
			}
		})
	}
}

func TestUpdateFields_PassesRequestThrough(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)
	h.updater.result = &model.PassUpdate{ID: "u-1"}

	w := h.api(http.MethodPost, fmt.Sprintf("/api/passes/%d/fields", h.fixture.Passes[1].ID),
		`{"fields":{"primary1":"75"},"change_messages":{"primary1":"Points: %@"},"initiated_by":"cashier-4"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, h.fixture.Account.ID, h.updater.req.AccountID)
	assert.Equal(t, h.fixture.Passes[1].ID, h.updater.req.PassID)
	assert.Equal(t, map[string]string{"primary1": "75"}, h.updater.req.Fields)
	assert.Equal(t, map[string]string{"primary1": "Points: %@"}, h.updater.req.ChangeMessages)
	assert.Equal(t, "cashier-4", h.updater.req.InitiatedBy)
	assert.Equal(t, model.SourceAPI, h.updater.req.Source)
}

func TestListUpdates(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)
	pass := h.fixture.Passes[0]
	for i := 0; i < 3; i++ {
		require.NoError(t, h.gdb.Create(&model.PassUpdate{
			PassID:       pass.ID,
			AccountID:    h.fixture.Account.ID,
			Source:       model.SourceAPI,
			AppleStatus:  model.DeliverySkipped,
			GoogleStatus: model.DeliverySkipped,
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	w := h.api(http.MethodGet, fmt.Sprintf("/api/passes/%d/updates?limit=2", pass.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, strings.Count(w.Body.String(), `"pass_id"`))

	w = h.api(http.MethodGet, fmt.Sprintf("/api/passes/%d/updates?limit=zero", pass.ID), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.api(http.MethodGet, "/api/passes/9999/updates", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerateArtifacts(t *testing.T) {
	h := newAPIHarness(t, model.PlatformBoth, nil)
	h.google.db = h.gdb
	pass := h.fixture.Passes[0]

	w := h.api(http.MethodPost, fmt.Sprintf("/api/passes/%d/artifacts", pass.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, h.google.readErr, "save link must be built outside the pass transaction")
	assert.Contains(t, w.Body.String(), `"google_save_url":"https://pay.google.com/gp/v/save/3388000000012345678.SN-001"`)
	assert.Contains(t, w.Body.String(), `"apple_artifact_url":"https://cdn.example.com/passes/`)
	assert.Equal(t, 1, h.signer.calls)
	assert.Equal(t, 1, h.google.calls)

	var saved model.Pass
	require.NoError(t, h.gdb.First(&saved, pass.ID).Error)
	assert.Equal(t, "3388000000012345678.SN-001", saved.GoogleObjectID)
	assert.Equal(t, passkit.ArtifactKey(h.fixture.Account.ID, "SN-001"), saved.AppleArtifactKey)
	assert.NotNil(t, saved.LastGeneratedAt)

	require.NoError(t, h.gdb.Model(&model.Pass{}).Where("id = ?", pass.ID).Update("status", model.PassVoided).Error)
	w = h.api(http.MethodPost, fmt.Sprintf("/api/passes/%d/artifacts", pass.ID), "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, h.signer.calls)
	assert.Equal(t, 1, h.google.calls)
}

func TestGetTemplateFields(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)
	path := fmt.Sprintf("/api/templates/%d/fields", h.fixture.Template.ID)

	w := h.api(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	want := fmt.Sprintf(`{"template_id":%d,"style":"storeCard","fields":[
		{"key":"primary1","label":"Points","group":"primary"},
		{"key":"tier","label":"Tier","group":"secondary"},
		{"key":"balance","label":"Balance","group":"back"}]}`, h.fixture.Template.ID)
	assert.JSONEq(t, want, w.Body.String())

	// Served from cache until the entry expires.
	require.NoError(t, h.gdb.Model(h.fixture.Template).Update("style", model.StyleCoupon).Error)
	w = h.api(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, want, w.Body.String())

	w = h.api(http.MethodGet, "/api/templates/9999/fields", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkUpdateEndpoints(t *testing.T) {
	h := newAPIHarness(t, model.PlatformApple, nil)
	path := fmt.Sprintf("/api/templates/%d/bulk-updates", h.fixture.Template.ID)

	w := h.api(http.MethodPost, path, `{"field_key":"tier","field_value":"Platinum","filters":{"status":"active"},"initiated_by":"ops"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
	assert.Equal(t, bulk.StartRequest{
		AccountID:   h.fixture.Account.ID,
		TemplateID:  h.fixture.Template.ID,
		FieldKey:    "tier",
		FieldValue:  "Platinum",
		Status:      model.PassActive,
		InitiatedBy: "ops",
	}, h.bulk.req)

	w = h.api(http.MethodPost, path, `{"field_value":"Platinum"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.bulk.err = store.ErrBulkInProgress
	w = h.api(http.MethodPost, path, `{"field_key":"tier","field_value":"Gold"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	h.bulk.runs["b-9"] = &model.BulkUpdate{ID: "b-9", AccountID: h.fixture.Account.ID, TotalCount: 10, ProcessedCount: 4, Status: model.BulkProcessing}
	w = h.api(http.MethodGet, "/api/bulk-updates/b-9", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed_count":4`)

	w = h.api(http.MethodGet, "/api/bulk-updates/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrBulkInProgress, http.StatusConflict},
		{passupdate.ErrNoFields, http.StatusBadRequest},
		{passkit.ErrMissingWWDR, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
