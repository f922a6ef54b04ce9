// Package toolcred obtains credentials for the supported AI CLIs, either
// from their native credential stores (codex, gemini) or via an
// interactive setup subprocess (claude), and keeps them sealed in the
// vault for injection into the sandbox.
package toolcred

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/protocol"
	"github.com/hoki-poki/hokipoki/internal/vault"
)

// ErrReauthRequired means the tool has no usable credential. The caller
// prints Remedial(tool) and stops.
var ErrReauthRequired = errors.New("tool credential missing or expired")

const (
	vaultKeyTokens = "tokens"

	// A scraped claude token is considered fresh for 30 days.
	claudeTokenTTL = 30 * 24 * time.Hour
)

var claudeTokenRe = regexp.MustCompile(`sk-ant-oat01-[A-Za-z0-9_-]+`)

// Credential is one sealed tool credential. OpaqueBlob carries the native
// tool's credential document, double-encoded (see EncodeBlob) so it
// survives JSON framing and environment-variable transport unchanged.
type Credential struct {
	Tool       string    `json:"tool"`
	OpaqueBlob string    `json:"opaqueBlob"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// setupRunner executes the interactive `claude setup-token` subprocess
// and returns everything it printed. Swapped in tests.
type setupRunner func(ctx context.Context) ([]byte, error)

// Adapter resolves and caches tool credentials.
type Adapter struct {
	vault *vault.Vault
	home  string
	log   *zap.Logger

	runSetup setupRunner
	now      func() time.Time
}

func New(v *vault.Vault, home string, log *zap.Logger) *Adapter {
	return &Adapter{
		vault:    v,
		home:     home,
		log:      log,
		runSetup: runClaudeSetup,
		now:      time.Now,
	}
}

// Remedial returns the native command that restores credentials for tool.
func Remedial(tool string) string {
	switch tool {
	case protocol.ToolClaude:
		return "claude setup-token"
	case protocol.ToolCodex:
		return "codex login"
	case protocol.ToolGemini:
		return "gemini (complete the sign-in prompt)"
	}
	return ""
}

// Authenticate yields a fresh credential for tool, running the
// interactive setup flow where the tool requires one.
func (a *Adapter) Authenticate(ctx context.Context, tool string) (Credential, error) {
	switch tool {
	case protocol.ToolClaude:
		return a.authenticateClaude(ctx)
	case protocol.ToolCodex:
		return a.authenticateCodex()
	case protocol.ToolGemini:
		return a.authenticateGemini()
	}
	return Credential{}, fmt.Errorf("unsupported tool %q", tool)
}

// ListAuthenticated returns the tools whose credential source is present
// and unexpired, re-probing native files rather than trusting the vault.
func (a *Adapter) ListAuthenticated() []string {
	var tools []string
	if cred, err := a.cached(protocol.ToolClaude); err == nil && a.fresh(cred) {
		tools = append(tools, protocol.ToolClaude)
	}
	if _, err := a.authenticateCodex(); err == nil {
		tools = append(tools, protocol.ToolCodex)
	}
	if _, err := a.authenticateGemini(); err == nil {
		tools = append(tools, protocol.ToolGemini)
	}
	sort.Strings(tools)
	return tools
}

// Remove drops the sealed credential for tool, if any.
func (a *Adapter) Remove(tool string) error {
	creds, err := a.loadSet()
	if err != nil {
		return err
	}
	kept := creds[:0]
	for _, c := range creds {
		if c.Tool != tool {
			kept = append(kept, c)
		}
	}
	return a.saveSet(kept)
}

// ── claude ────────────────────────────────────────────────────────────────────

func (a *Adapter) authenticateClaude(ctx context.Context) (Credential, error) {
	if cred, err := a.cached(protocol.ToolClaude); err == nil && a.fresh(cred) {
		return cred, nil
	}

	out, err := a.runSetup(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: claude setup-token: %v", ErrReauthRequired, err)
	}
	token := claudeTokenRe.Find(out)
	if token == nil {
		return Credential{}, fmt.Errorf("%w: no token in claude setup-token output", ErrReauthRequired)
	}

	cred := Credential{
		Tool:       protocol.ToolClaude,
		OpaqueBlob: string(token),
		ExpiresAt:  a.now().Add(claudeTokenTTL),
	}
	if err := a.put(cred); err != nil {
		return Credential{}, err
	}
	a.log.Info("claude token captured", zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

func runClaudeSetup(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "claude", "setup-token")
	cmd.Stdin = os.Stdin
	cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	err := cmd.Run()
	return buf.Bytes(), err
}

// ── codex ─────────────────────────────────────────────────────────────────────

func (a *Adapter) authenticateCodex() (Credential, error) {
	path := filepath.Join(a.home, ".codex", "auth.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read %s: %v", ErrReauthRequired, path, err)
	}

	var doc struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Credential{}, fmt.Errorf("%w: parse %s: %v", ErrReauthRequired, path, err)
	}
	exp, err := jwtExpiry(doc.Tokens.AccessToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: codex access token: %v", ErrReauthRequired, err)
	}
	if exp.Before(a.now()) {
		return Credential{}, fmt.Errorf("%w: codex token expired %s", ErrReauthRequired, exp.Format(time.RFC3339))
	}

	blob, err := EncodeBlob(raw)
	if err != nil {
		return Credential{}, err
	}
	cred := Credential{Tool: protocol.ToolCodex, OpaqueBlob: blob, ExpiresAt: exp}
	if err := a.put(cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func jwtExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("no exp claim")
	}
	return exp.Time, nil
}

// ── gemini ────────────────────────────────────────────────────────────────────

func (a *Adapter) authenticateGemini() (Credential, error) {
	path := filepath.Join(a.home, ".gemini", "oauth_creds.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read %s: %v", ErrReauthRequired, path, err)
	}

	var doc struct {
		ExpiryDate int64 `json:"expiry_date"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Credential{}, fmt.Errorf("%w: parse %s: %v", ErrReauthRequired, path, err)
	}
	exp := time.UnixMilli(doc.ExpiryDate)
	if exp.Before(a.now()) {
		return Credential{}, fmt.Errorf("%w: gemini credentials expired %s", ErrReauthRequired, exp.Format(time.RFC3339))
	}

	blob, err := EncodeBlob(raw)
	if err != nil {
		return Credential{}, err
	}
	cred := Credential{Tool: protocol.ToolGemini, OpaqueBlob: blob, ExpiresAt: exp}
	if err := a.put(cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// ── blob transport ────────────────────────────────────────────────────────────

// EncodeBlob wraps a native credential document in one extra JSON string
// encoding. The result survives being embedded in a JSON frame and an
// environment variable; DecodeBlob recovers the document byte-exact.
func EncodeBlob(doc []byte) (string, error) {
	enc, err := json.Marshal(string(doc))
	if err != nil {
		return "", fmt.Errorf("encode credential blob: %w", err)
	}
	return string(enc), nil
}

// DecodeBlob reverses EncodeBlob. The sandbox runner uses it to
// materialize native credential files inside the container.
func DecodeBlob(blob string) ([]byte, error) {
	var doc string
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return nil, fmt.Errorf("decode credential blob: %w", err)
	}
	return []byte(doc), nil
}

// ── vault set ─────────────────────────────────────────────────────────────────

func (a *Adapter) loadSet() ([]Credential, error) {
	var creds []Credential
	err := a.vault.LoadJSON(vaultKeyTokens, &creds)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, nil
	}
	return creds, err
}

func (a *Adapter) saveSet(creds []Credential) error {
	return a.vault.StoreJSON(vaultKeyTokens, creds)
}

func (a *Adapter) put(cred Credential) error {
	creds, err := a.loadSet()
	if err != nil {
		return err
	}
	replaced := false
	for i, c := range creds {
		if c.Tool == cred.Tool {
			creds[i] = cred
			replaced = true
			break
		}
	}
	if !replaced {
		creds = append(creds, cred)
	}
	return a.saveSet(creds)
}

func (a *Adapter) cached(tool string) (Credential, error) {
	creds, err := a.loadSet()
	if err != nil {
		return Credential{}, err
	}
	for _, c := range creds {
		if c.Tool == tool {
			return c, nil
		}
	}
	return Credential{}, ErrReauthRequired
}

func (a *Adapter) fresh(cred Credential) bool {
	return cred.ExpiresAt.After(a.now())
}
