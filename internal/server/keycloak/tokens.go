package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

// RefreshAccessToken runs the refresh_token grant.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.refreshGrant(ctx, "refresh", "token refresh failed", refreshToken)
}

// RequestOfflineToken runs the refresh_token grant against an offline token.
// The provider normally answers without a new refresh_token; callers treat a
// populated one as a contract violation.
func (c *Client) RequestOfflineToken(ctx context.Context, offlineToken string) (*TokenResponse, error) {
	return c.refreshGrant(ctx, "offline_refresh", "offline token request failed", offlineToken)
}

func (c *Client) refreshGrant(ctx context.Context, op, message, token string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	var out TokenResponse
	if err := c.postForm(ctx, op, message, c.tokenURL(), form, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, providerError(message, &ProviderError{Op: op, StatusCode: 200, Err: errors.New("response has no access_token")})
	}
	return &out, nil
}

// IntrospectToken asks the provider whether token is active.
func (c *Client) IntrospectToken(ctx context.Context, token string) (*Introspection, error) {
	form := url.Values{
		"token":         {token},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	var out Introspection
	if err := c.postForm(ctx, "introspect", "token introspection failed", c.tokenURL()+"/introspect", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeCodeForToken redeems an authorization code.
func (c *Client) ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	var opts []oauth2.AuthCodeOption
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	tok, err := c.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, transportError("code_exchange", "code exchange failed", err)
	}

	out := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(tok.ExpiresIn),
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	if v, ok := tok.Extra("session_state").(string); ok {
		out.SessionState = v
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		out.Scope = v
	}
	if v, ok := tok.Extra("refresh_expires_in").(float64); ok {
		out.RefreshExpiresIn = int(v)
	}
	return out, nil
}

// DecodeToken returns the claims of token. Without verifySignature the token
// is only parsed, which is acceptable for tokens just received from the
// provider in-process. With it, the signature and time claims are checked
// against the realm JWKS.
func (c *Client) DecodeToken(ctx context.Context, token string, verifySignature bool) (*TokenPayload, error) {
	if verifySignature {
		set, err := c.jwks.Get(ctx, c.certsURL())
		if err != nil {
			return nil, transportError("jwks", "fetching signing keys failed", err)
		}
		if _, err := jwxjwt.Parse([]byte(token), jwxjwt.WithKeySet(set), jwxjwt.WithValidate(true)); err != nil {
			return nil, common.ErrValidation.WithMessage("token signature verification failed").Wrap(err)
		}
	}

	payload := &TokenPayload{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, payload); err != nil {
		return nil, common.ErrValidation.WithMessage(fmt.Sprintf("malformed token: %v", err))
	}
	return payload, nil
}
