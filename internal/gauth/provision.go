package gauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AuthCodeUrl returns the consent page a human opens to provision a new refresh token.
//
// access_type=offline and prompt=consent force google to hand out a refresh token even if the
// account already granted access before.
func (m *Manager) AuthCodeUrl(ctx context.Context) (string, error) {
	_, span := tracer.Start(ctx, "manager:AuthCodeUrl")
	defer span.End()

	endpoint, err := url.Parse(m.config.AuthUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse auth url")
		return "", err
	}

	nonce := make([]byte, 16)
	_, err = rand.Read(nonce)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to generate 16 random bytes")
		return "", err
	}
	state := hex.EncodeToString(nonce)

	values := endpoint.Query()
	values.Add("client_id", m.config.ClientId)
	values.Add("redirect_uri", m.config.RedirectUri)
	values.Add("scope", m.config.Scope)
	values.Add("access_type", "offline")
	values.Add("prompt", "consent")
	values.Add("response_type", "code")
	values.Add("state", state)
	endpoint.RawQuery = values.Encode()

	span.SetAttributes(
		attribute.String("client_id", m.config.ClientId),
		attribute.String("scope", m.config.Scope),
		attribute.String("redirect_uri", m.config.RedirectUri),
	)

	return endpoint.String(), nil
}

// ExchangeCode trades an authorization code for a token response, on success the manager starts
// using the new refresh token and access token immediately.
//
// Persisting the returned refresh token is left to the caller.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	ctx, span := tracer.Start(ctx, "manager:ExchangeCode")
	defer span.End()

	release, err := m.acquire(ctx)
	if err != nil {
		return TokenResponse{}, err
	}
	defer release()

	token, err := m.tokenRequest(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     m.config.ClientId,
		"client_secret": m.config.ClientSecret,
		"redirect_uri":  m.config.RedirectUri,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to exchange authorization code")
		m.tel.ReportBroken(report_manager_exchange_code, err)
		return TokenResponse{}, err
	}

	m.store(token)
	return token, nil
}
