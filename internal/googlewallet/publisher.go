// Package googlewallet publishes passes to the Google Wallet REST API.
package googlewallet

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/google"

	"wallet-pass-backend/internal/metrics"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/ratelimit"
)

const (
	walletScope   = "https://www.googleapis.com/auth/wallet_object.issuer"
	saveURLPrefix = "https://pay.google.com/gp/v/save/"
	patchWindow   = 24 * time.Hour
)

var (
	// ErrDailyPatchLimit is returned when an object has used its patches for the day.
	ErrDailyPatchLimit = errors.New("google object daily patch limit reached")
	// ErrNoObject is returned when a pass has never been published to Google.
	ErrNoObject = errors.New("pass has no google wallet object")
	// ErrMissingIssuer is returned when the account has no issuer id.
	ErrMissingIssuer = errors.New("google issuer id is not configured")
)

// APIError is a non-success response from the Wallet API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google wallet %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies a publisher error for delivery retries: throttling,
// server errors and transport failures are transient, everything else is not.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// KeySource resolves an account's service-account JSON key.
type KeySource interface {
	GoogleServiceAccount(ctx context.Context, account *model.Account) ([]byte, error)
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

type accountClient struct {
	rest       *resty.Client
	email      string
	signingKey *rsa.PrivateKey
}

// Publisher creates classes and objects and patches objects on update.
type Publisher struct {
	baseURL    string
	timeout    time.Duration
	dailyLimit int64
	origins    []string
	keys       KeySource
	counter    ratelimit.Counter
	imageURL   func(string) string

	mu      sync.Mutex
	clients map[string]*accountClient
}

// Options configures a Publisher.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	DailyPatchLimit int64
	SaveLinkOrigins []string
	// ImageURL resolves an image storage key to a public URL.
	ImageURL func(string) string
}

// NewPublisher creates a Publisher.
func NewPublisher(keys KeySource, counter ratelimit.Counter, opts Options) *Publisher {
	return &Publisher{
		baseURL:    opts.BaseURL,
		timeout:    opts.Timeout,
		dailyLimit: opts.DailyPatchLimit,
		origins:    opts.SaveLinkOrigins,
		keys:       keys,
		counter:    counter,
		imageURL:   opts.ImageURL,
		clients:    make(map[string]*accountClient),
	}
}

// client returns the cached API client of an account. The oauth2 token
// source behind it refreshes the bearer token on its own.
func (p *Publisher) client(ctx context.Context, account *model.Account) (*accountClient, error) {
	cacheKey := strconv.FormatInt(account.ID, 10) + ":" + account.GoogleServiceAccountKey + ":" + strconv.FormatInt(account.UpdatedAt.UnixNano(), 10)

	p.mu.Lock()
	c, ok := p.clients[cacheKey]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	key, err := p.keys.GoogleServiceAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	conf, err := google.JWTConfigFromJSON(key, walletScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	var sa serviceAccount
	if err := json.Unmarshal(key, &sa); err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}

	httpClient := conf.Client(context.Background())
	httpClient.Timeout = p.timeout
	c = &accountClient{
		rest:       resty.NewWithClient(httpClient).SetBaseURL(p.baseURL),
		email:      sa.ClientEmail,
		signingKey: signingKey,
	}

	p.mu.Lock()
	p.clients[cacheKey] = c
	p.mu.Unlock()
	return c, nil
}

// EnsureClass makes sure the template's class exists and returns its id.
// A missing class is created; any other failure is returned.
func (p *Publisher) EnsureClass(ctx context.Context, account *model.Account, tmpl *model.PassTemplate) (string, error) {
	if account.GoogleIssuerID == "" {
		return "", ErrMissingIssuer
	}
	c, err := p.client(ctx, account)
	if err != nil {
		return "", err
	}

	classID := ClassID(account.GoogleIssuerID, tmpl)
	path := "/" + vertical(tmpl.Style) + "Class"

	res, err := c.rest.R().SetContext(ctx).Get(path + "/" + url.PathEscape(classID))
	if err != nil {
		return "", fmt.Errorf("failed to look up class %s: %w", classID, err)
	}
	switch {
	case res.StatusCode() == http.StatusOK:
		return classID, nil
	case res.StatusCode() != http.StatusNotFound:
		return "", &APIError{Method: http.MethodGet, Path: path, StatusCode: res.StatusCode(), Body: res.String()}
	}

	res, err = c.rest.R().SetContext(ctx).SetBody(buildClass(account, tmpl)).Post(path)
	if err != nil {
		return "", fmt.Errorf("failed to create class %s: %w", classID, err)
	}
	if res.IsError() {
		return "", &APIError{Method: http.MethodPost, Path: path, StatusCode: res.StatusCode(), Body: res.String()}
	}
	log.Printf("Created Google Wallet class %s", classID)
	return classID, nil
}

// SaveLink ensures the class exists and returns the object id and an
// add-to-wallet link carrying the object.
func (p *Publisher) SaveLink(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) (string, string, error) {
	if _, err := p.EnsureClass(ctx, account, tmpl); err != nil {
		return "", "", err
	}
	c, err := p.client(ctx, account)
	if err != nil {
		return "", "", err
	}
	obj, err := BuildObject(account, tmpl, pass, p.imageURL)
	if err != nil {
		return "", "", err
	}

	claims := jwt.MapClaims{
		"iss": c.email,
		"aud": "google",
		"typ": "savetowallet",
		"iat": time.Now().Unix(),
		"payload": map[string]any{
			vertical(tmpl.Style) + "Objects": []*Object{obj},
		},
	}
	if len(p.origins) > 0 {
		claims["origins"] = p.origins
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign save link: %w", err)
	}
	return obj.ID, saveURLPrefix + signed, nil
}

// Patch pushes the pass's current state to its Google object. The daily
// per-object ceiling is checked before anything is sent, and only patches
// Google accepts are charged to it.
func (p *Publisher) Patch(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) error {
	err := p.patch(ctx, account, tmpl, pass)
	switch {
	case err == nil:
		metrics.GooglePatches.WithLabelValues(metrics.OutcomeSuccess).Inc()
	case errors.Is(err, ErrDailyPatchLimit):
		metrics.GooglePatches.WithLabelValues(metrics.OutcomeThrottled).Inc()
	default:
		metrics.GooglePatches.WithLabelValues(metrics.OutcomeFailure).Inc()
	}
	return err
}

func (p *Publisher) patch(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) error {
	if pass.GoogleObjectID == "" {
		return ErrNoObject
	}

	budgetKey := "gpatch:" + pass.GoogleObjectID
	ok, err := p.counter.TryAcquire(ctx, budgetKey, patchWindow, p.dailyLimit)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDailyPatchLimit, pass.GoogleObjectID)
	}

	err = p.sendPatch(ctx, account, tmpl, pass)
	if err != nil {
		if relErr := p.counter.Release(ctx, budgetKey, patchWindow); relErr != nil {
			log.Printf("Failed to return patch budget of %s: %v", pass.GoogleObjectID, relErr)
		}
	}
	return err
}

func (p *Publisher) sendPatch(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) error {
	c, err := p.client(ctx, account)
	if err != nil {
		return err
	}
	obj, err := BuildObject(account, tmpl, pass, p.imageURL)
	if err != nil {
		return err
	}
	obj.ID = pass.GoogleObjectID

	path := "/" + vertical(tmpl.Style) + "Object/" + url.PathEscape(pass.GoogleObjectID)
	res, err := c.rest.R().SetContext(ctx).SetBody(obj).Patch(path)
	if err != nil {
		return fmt.Errorf("failed to patch object %s: %w", pass.GoogleObjectID, err)
	}
	if res.IsError() {
		return &APIError{Method: http.MethodPatch, Path: path, StatusCode: res.StatusCode(), Body: res.String()}
	}
	return nil
}
