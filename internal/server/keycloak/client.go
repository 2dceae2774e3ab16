// Package keycloak is a typed client for the Keycloak token, introspection
// and admin endpoints used by the token broker.
package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dmitrijs2005/authmanager/internal/logging"
)

// ConsentScopes are requested when asking the user for offline access.
var ConsentScopes = []string{"openid", "profile", "email", "offline_access"}

// Config carries the realm and client settings.
type Config struct {
	Issuer       string
	Realm        string
	ClientID     string
	ClientSecret string
	// ClientUUID is the internal id of the client, needed for the
	// offline-sessions admin listing.
	ClientUUID          string
	RedirectURI         string
	Timeout             time.Duration
	JWKSRefreshInterval time.Duration
}

// Client talks to one Keycloak realm. It is built once at start and is safe
// for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	admin  *http.Client
	oauth  *oauth2.Config
	jwks   *jwk.Cache
	logger logging.Logger
}

// New constructs a Client with a pooled HTTP transport. The JWKS is
// registered with a refreshing cache and fetched on first verified decode.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JWKSRefreshInterval <= 0 {
		cfg.JWKSRefreshInterval = 15 * time.Minute
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")

	httpClient := &http.Client{Timeout: cfg.Timeout}

	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("module", "keycloak"),
	}

	c.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       ConsentScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.realmURL("protocol/openid-connect/auth"),
			TokenURL:  c.tokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     c.tokenURL(),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// the admin token source outlives any request, so it gets its own context
	adminCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	c.admin = oauth2.NewClient(adminCtx, oauth2.ReuseTokenSource(nil, cc.TokenSource(adminCtx)))
	c.admin.Timeout = cfg.Timeout

	c.jwks = jwk.NewCache(ctx)
	if err := c.jwks.Register(c.certsURL(),
		jwk.WithMinRefreshInterval(cfg.JWKSRefreshInterval),
		jwk.WithHTTPClient(httpClient),
	); err != nil {
		return nil, fmt.Errorf("register jwks: %w", err)
	}

	return c, nil
}

func (c *Client) realmURL(path string) string {
	return fmt.Sprintf("%s/realms/%s/%s", c.cfg.Issuer, url.PathEscape(c.cfg.Realm), path)
}

func (c *Client) adminURL(path string) string {
	return fmt.Sprintf("%s/admin/realms/%s/%s", c.cfg.Issuer, url.PathEscape(c.cfg.Realm), path)
}

func (c *Client) tokenURL() string { return c.realmURL("protocol/openid-connect/token") }

func (c *Client) certsURL() string { return c.realmURL("protocol/openid-connect/certs") }

// AuthCodeURL builds the consent URL for offline access.
func (c *Client) AuthCodeURL(state, nonce string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
}

// postForm sends a form to the token endpoints and decodes a 200 response
// into out.
func (c *Client) postForm(ctx context.Context, op, message, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return providerError(message, &ProviderError{Op: op, Err: err})
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.do(c.http, req, op, message, []int{http.StatusOK}, out)
}

// do executes req, accepting only the listed status codes. out may be nil.
func (c *Client) do(hc *http.Client, req *http.Request, op, message string, accept []int, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Warn(req.Context(), "keycloak call failed", "operation", op, "error", err)
		return transportError(op, message, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providerError(message, &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: err})
	}

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		c.logger.Warn(req.Context(), "keycloak rejected call", "operation", op, "status", resp.StatusCode)
		return providerError(message, &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: string(body)})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return providerError(message, &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("malformed response: %w", err)})
	}
	return nil
}
