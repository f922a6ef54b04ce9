// Package identity performs the OIDC authorization-code flow with PKCE
// against the configured identity provider and keeps the resulting token
// sealed in the vault.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zitadel/oidc/v3/pkg/client"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/hoki-poki/hokipoki/internal/vault"
)

var (
	// ErrReauthenticate means the stored session is gone or refresh failed.
	ErrReauthenticate = errors.New("session expired, run `hokipoki login`")
	// ErrEmailUnverified means the account exists but its email is unverified.
	ErrEmailUnverified = errors.New("email not verified, check your inbox and retry")
)

const (
	vaultKeyToken        = "keycloak_token"
	vaultKeyTunnelConfig = "tunnel_config"

	callbackAddr = "localhost:8085"
	callbackPath = "/callback"

	// Tokens are refreshed once fewer than 5 minutes remain.
	refreshWindow = 5 * time.Minute

	loginTimeout = 5 * time.Minute
)

// Token is the sealed identity session.
type Token struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	IDToken   string    `json:"idToken,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyProbe checks with the marketplace backend whether the account
// email is verified. Implemented by the CLI to avoid an import cycle.
type VerifyProbe func(ctx context.Context, accessToken, email string) (bool, error)

// Agent drives login, token refresh and logout.
type Agent struct {
	issuer   string
	clientID string
	vault    *vault.Vault
	http     *http.Client
	log      *zap.Logger

	// AuthURLSink receives the authorization URL once the loopback
	// listener is up. The CLI prints it; tests drive the flow with it.
	AuthURLSink func(url string)

	mu        sync.Mutex
	discovery *oidc.DiscoveryConfiguration
}

func NewAgent(issuer, clientID string, v *vault.Vault, log *zap.Logger) *Agent {
	return &Agent{
		issuer:   issuer,
		clientID: clientID,
		vault:    v,
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

func (a *Agent) discover(ctx context.Context) (*oidc.DiscoveryConfiguration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discovery != nil {
		return a.discovery, nil
	}
	disc, err := client.Discover(ctx, a.issuer, a.http)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", a.issuer, err)
	}
	a.discovery = disc
	return disc, nil
}

func (a *Agent) oauthConfig(disc *oidc.DiscoveryConfiguration) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    a.clientID,
		RedirectURL: "http://" + callbackAddr + callbackPath,
		Endpoint: oauth2.Endpoint{
			AuthURL:  disc.AuthorizationEndpoint,
			TokenURL: disc.TokenEndpoint,
		},
		Scopes: []string{"openid", "profile", "email", "offline_access"},
	}
}

// Login runs the browser PKCE flow and seals the resulting token. The
// probe may be nil to skip the email-verification gate.
func (a *Agent) Login(ctx context.Context, probe VerifyProbe) (*Token, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, loginTimeout)
		defer cancel()
	}

	disc, err := a.discover(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.oauthConfig(disc)

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	ln, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		return nil, fmt.Errorf("bind callback listener %s: %w", callbackAddr, err)
	}

	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			writeHTML(w, http.StatusBadRequest, errorPage)
			resultCh <- callbackResult{err: fmt.Errorf("authorization failed: %s", errCode)}
			return
		}
		if q.Get("state") != state {
			writeHTML(w, http.StatusBadRequest, errorPage)
			resultCh <- callbackResult{err: errors.New("state mismatch on callback")}
			return
		}
		writeHTML(w, http.StatusOK, successPage)
		resultCh <- callbackResult{code: q.Get("code")}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln) //nolint:errcheck
	defer srv.Close()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	if a.AuthURLSink != nil {
		a.AuthURLSink(authURL)
	}
	if err := openBrowser(authURL); err != nil {
		a.log.Debug("browser open failed, URL printed instead", zap.Error(err))
	}

	var code string
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		code = res.code
	case <-ctx.Done():
		return nil, fmt.Errorf("login: %w", ctx.Err())
	}

	ot, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	tok := tokenFromOAuth(ot)

	if probe != nil {
		if err := a.gateEmail(ctx, tok, probe); err != nil {
			return nil, err
		}
	}

	if err := a.vault.StoreJSON(vaultKeyToken, tok); err != nil {
		return nil, err
	}
	a.log.Info("login complete", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// gateEmail discards the fresh token when the backend reports the email
// unverified. Probe transport errors assume verified.
func (a *Agent) gateEmail(ctx context.Context, tok *Token, probe VerifyProbe) error {
	email := emailClaim(tok.IDToken)
	if email == "" {
		email = emailClaim(tok.Access)
	}
	if email == "" {
		return nil
	}
	verified, err := probe(ctx, tok.Access, email)
	if err != nil {
		a.log.Warn("email verification probe failed, assuming verified", zap.Error(err))
		return nil
	}
	if !verified {
		return ErrEmailUnverified
	}
	return nil
}

// GetToken returns a valid access token, refreshing when fewer than
// 5 minutes remain. Any failure maps to ErrReauthenticate.
func (a *Agent) GetToken(ctx context.Context) (string, error) {
	var tok Token
	if err := a.vault.LoadJSON(vaultKeyToken, &tok); err != nil {
		return "", ErrReauthenticate
	}
	if time.Until(tok.ExpiresAt) > refreshWindow {
		return tok.Access, nil
	}

	disc, err := a.discover(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReauthenticate, err)
	}
	ts := a.oauthConfig(disc).TokenSource(ctx, &oauth2.Token{
		AccessToken:  tok.Access,
		RefreshToken: tok.Refresh,
		Expiry:       tok.ExpiresAt,
	})
	fresh, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReauthenticate, err)
	}

	next := tokenFromOAuth(fresh)
	if next.IDToken == "" {
		next.IDToken = tok.IDToken
	}
	if next.Refresh == "" {
		next.Refresh = tok.Refresh
	}
	if err := a.vault.StoreJSON(vaultKeyToken, next); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReauthenticate, err)
	}
	a.log.Debug("access token refreshed", zap.Time("expires_at", next.ExpiresAt))
	return next.Access, nil
}

// Logout notifies the end-session endpoint (best-effort) and deletes the
// sealed session plus the cached tunnel config.
func (a *Agent) Logout(ctx context.Context) error {
	var tok Token
	loadErr := a.vault.LoadJSON(vaultKeyToken, &tok)

	if loadErr == nil && tok.IDToken != "" {
		if disc, err := a.discover(ctx); err == nil && disc.EndSessionEndpoint != "" {
			form := url.Values{
				"id_token_hint": {tok.IDToken},
				"client_id":     {a.clientID},
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, disc.EndSessionEndpoint,
				strings.NewReader(form.Encode()))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				if resp, err := a.http.Do(req); err == nil {
					resp.Body.Close()
				} else {
					a.log.Debug("end-session request failed", zap.Error(err))
				}
			}
		}
	}

	if err := a.vault.Delete(vaultKeyToken); err != nil {
		return err
	}
	return a.vault.Delete(vaultKeyTunnelConfig)
}

func tokenFromOAuth(ot *oauth2.Token) *Token {
	tok := &Token{
		Access:    ot.AccessToken,
		Refresh:   ot.RefreshToken,
		ExpiresAt: ot.Expiry,
	}
	if id, ok := ot.Extra("id_token").(string); ok {
		tok.IDToken = id
	}
	return tok
}

// emailClaim extracts the email claim without verifying the signature;
// the token was just issued over TLS by the provider we asked.
func emailClaim(raw string) string {
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body)) //nolint:errcheck
}

const successPage = `<!DOCTYPE html>
<html><head><title>HokiPoki</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4em">
<h2>Login complete</h2>
<p>You can close this tab and return to the terminal.</p>
</body></html>`

const errorPage = `<!DOCTYPE html>
<html><head><title>HokiPoki</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4em">
<h2>Login failed</h2>
<p>Return to the terminal and try again.</p>
</body></html>`
