// Package gauth manages the long-lived google OAuth credential that gates every drive call.
package gauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stockexport-backend/internal/components/assert"
	"stockexport-backend/internal/components/chrono"
	"stockexport-backend/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("stockexport/gauth")
var meter = otel.Meter("stockexport/gauth")

const (
	report_manager_ensure_valid_token = "manager.ensure-valid-token"
	report_manager_exchange_code      = "manager.exchange-code"
)

var (
	// ErrCredentialExpired means the refresh token itself is invalid or revoked, a new one must be
	// provisioned with `stockexport auth`. It is terminal and never retried.
	ErrCredentialExpired = errors.New("refresh token is invalid or expired, a new one must be generated")
	// ErrTokenRefreshFailed is any other (transient) failure of the refresh exchange.
	ErrTokenRefreshFailed = errors.New("failed to refresh access token")
)

// DefaultFreshness is how long a refreshed access token is trusted without refreshing again,
// google access tokens live for an hour.
const DefaultFreshness = 50 * time.Minute

const (
	DefaultTokenUrl = "https://oauth2.googleapis.com/token"
	DefaultAuthUrl  = "https://accounts.google.com/o/oauth2/v2/auth"
	// DefaultScope only grants access to files created by this application.
	DefaultScope = "https://www.googleapis.com/auth/drive.file"
)

type Config struct {
	ClientId     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectUri  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	TokenUrl     string `json:"token_url"`
	AuthUrl      string `json:"auth_url"`
	Scope        string `json:"scope"`
}

func (c Config) withDefaults() Config {
	if c.TokenUrl == "" {
		c.TokenUrl = DefaultTokenUrl
	}
	if c.AuthUrl == "" {
		c.AuthUrl = DefaultAuthUrl
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.RedirectUri == "" {
		c.RedirectUri = "urn:ietf:wg:oauth:2.0:oob"
	}
	return c
}

// Credential is the process-wide google credential.
type Credential struct {
	ClientId     string
	ClientSecret string
	RedirectUri  string
	RefreshToken string

	AccessToken string
	TokenType   string
	// IssuedAt is when AccessToken was obtained, it is the zero value before the first refresh.
	IssuedAt time.Time
}

// Authorization returns the value of the Authorization header for the access token.
func (c Credential) Authorization() string {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return fmt.Sprintf("%s %s", tokenType, c.AccessToken)
}

// TokenResponse is the body google's token endpoint returns on success.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IdToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Manager is the TokenLifecycleManager, it is constructed once at startup and passed to everything
// that talks to google.
type Manager struct {
	http      *resty.Client
	config    Config
	time      chrono.TimeAPI
	tel       telemetry.API
	freshness time.Duration

	refreshCounter metric.Int64Counter

	// slot is held while the credential is checked and refreshed, a caller waiting on it
	// observes the credential the in-flight refresh produced instead of refreshing again. It is a
	// channel so waiting can be abandoned.
	slot chan struct{}
	// mutex guards credential and lastRefresh, writers also hold slot.
	mutex       sync.Mutex
	credential  Credential
	lastRefresh time.Time
}

type managerOptions struct {
	time      chrono.TimeAPI
	tel       telemetry.API
	freshness time.Duration
	http      *resty.Client
}

type ManagerOption func(opts *managerOptions)

func WithTime(time chrono.TimeAPI) ManagerOption {
	return func(opts *managerOptions) {
		opts.time = time
	}
}

func WithTelemetry(tel telemetry.API) ManagerOption {
	return func(opts *managerOptions) {
		opts.tel = tel
	}
}

func WithFreshness(freshness time.Duration) ManagerOption {
	return func(opts *managerOptions) {
		opts.freshness = freshness
	}
}

// WithHttpClient replaces the resty client used for the token endpoint.
func WithHttpClient(client *resty.Client) ManagerOption {
	return func(opts *managerOptions) {
		opts.http = client
	}
}

// NewManager creates the manager from configuration, it does not make any network calls.
func NewManager(config Config, options ...ManagerOption) (*Manager, error) {
	assert.NotEmptyStr(config.ClientId, "client id")

	opts := managerOptions{
		time:      chrono.NewStandardTime(),
		tel:       telemetry.SlogAPI{},
		freshness: DefaultFreshness,
	}
	for _, opt := range options {
		opt(&opts)
	}

	refreshCounter, err := meter.Int64Counter(
		"gauth_refresh_total",
		metric.WithDescription("The total amount of times the access token has been refreshed."),
	)
	if err != nil {
		return nil, err
	}

	config = config.withDefaults()
	tel := telemetry.NewScopedAPI("gauth", opts.tel)

	httpClient := opts.http
	if httpClient == nil {
		httpClient = resty.New()
		httpClient.SetTimeout(time.Second * 30)
	}
	telemetry.InstrumentResty(httpClient, "stockexport/gauth/http", tel)

	return &Manager{
		http:           httpClient,
		config:         config,
		time:           opts.time,
		tel:            tel,
		freshness:      opts.freshness,
		refreshCounter: refreshCounter,
		slot:           make(chan struct{}, 1),
		credential: Credential{
			ClientId:     config.ClientId,
			ClientSecret: config.ClientSecret,
			RedirectUri:  config.RedirectUri,
			RefreshToken: config.RefreshToken,
		},
	}, nil
}

// LastRefresh returns the time of the last successful refresh, it is the zero value if the token
// has never been refreshed.
func (m *Manager) LastRefresh() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastRefresh
}

func (m *Manager) fresh() bool {
	if m.lastRefresh.IsZero() || m.credential.AccessToken == "" {
		return false
	}
	return m.time.Now().Sub(m.lastRefresh) < m.freshness
}

// EnsureValidToken returns a credential with an access token that was refreshed less than the
// freshness window ago, refreshing it if necessary.
func (m *Manager) EnsureValidToken(ctx context.Context) (Credential, error) {
	ctx, span := tracer.Start(ctx, "manager:EnsureValidToken")
	defer span.End()

	release, err := m.acquire(ctx)
	if err != nil {
		span.RecordError(err)
		return Credential{}, err
	}
	defer release()

	m.mutex.Lock()
	fresh, credential := m.fresh(), m.credential
	m.mutex.Unlock()
	if fresh {
		span.SetAttributes(attribute.Bool("refreshed", false))
		return credential, nil
	}
	span.SetAttributes(attribute.Bool("refreshed", true))

	m.tel.ReportDebug("refreshing access token")

	token, err := m.refresh(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to refresh access token")
		m.tel.ReportBroken(report_manager_ensure_valid_token, err)
		return Credential{}, err
	}

	credential = m.store(token)
	m.refreshCounter.Add(ctx, 1)

	m.tel.ReportDebug("access token refreshed", token.ExpiresIn)

	return credential, nil
}

// acquire takes the refresh slot, giving up when ctx is done.
func (m *Manager) acquire(ctx context.Context) (release func(), err error) {
	select {
	case m.slot <- struct{}{}:
		return func() { <-m.slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for token refresh: %w", ctx.Err())
	}
}

// store applies a token response to the credential, the caller must hold the slot.
func (m *Manager) store(token TokenResponse) Credential {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.time.Now()
	m.credential.AccessToken = token.AccessToken
	m.credential.TokenType = token.TokenType
	m.credential.IssuedAt = now
	if token.RefreshToken != "" {
		m.credential.RefreshToken = token.RefreshToken
	}
	m.lastRefresh = now
	return m.credential
}

// refresh reads the credential without the mutex, the caller must hold the slot.
func (m *Manager) refresh(ctx context.Context) (TokenResponse, error) {
	if m.credential.RefreshToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: no refresh token configured", ErrCredentialExpired)
	}

	return m.tokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     m.credential.ClientId,
		"client_secret": m.credential.ClientSecret,
		"refresh_token": m.credential.RefreshToken,
	})
}

func (m *Manager) tokenRequest(ctx context.Context, form map[string]string) (TokenResponse, error) {
	res, err := m.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(m.config.TokenUrl)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: %w", ErrTokenRefreshFailed, err)
	}

	if res.IsError() {
		return TokenResponse{}, classifyTokenError(res.StatusCode(), res.Body())
	}

	var token TokenResponse
	err = json.Unmarshal(res.Body(), &token)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: unmarshal token response: %w", ErrTokenRefreshFailed, err)
	}
	if token.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: token response has no access token", ErrTokenRefreshFailed)
	}
	return token, nil
}

func classifyTokenError(status int, body []byte) error {
	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)

	if parsed.Error == "invalid_grant" || strings.Contains(string(body), "invalid_grant") {
		if parsed.ErrorDescription != "" {
			return fmt.Errorf("%w: %s", ErrCredentialExpired, parsed.ErrorDescription)
		}
		return ErrCredentialExpired
	}
	if parsed.Error != "" {
		return fmt.Errorf("%w: %d %s: %s", ErrTokenRefreshFailed, status, parsed.Error, parsed.ErrorDescription)
	}
	return fmt.Errorf("%w: unexpected status %d", ErrTokenRefreshFailed, status)
}
