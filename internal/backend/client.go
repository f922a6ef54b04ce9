// Package backend talks to the HokiPoki marketplace REST API. All calls
// carry the caller's identity JWT; the token is resolved per request so a
// refresh between calls is picked up automatically.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrAuthRequired is returned on 401 responses. Callers surface the
// remedial command (`hokipoki login`) instead of retrying.
var ErrAuthRequired = errors.New("authentication required")

// TokenFunc supplies the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken wraps a literal token as a TokenFunc.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Profile is the authenticated user's account record.
type Profile struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Workspaces  []Workspace `json:"workspaces"`
}

type Workspace struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal,omitempty"`
}

// TunnelToken is the backend-issued tunnel configuration.
type TunnelToken struct {
	Token          string `json:"token"`
	ServerAddr     string `json:"serverAddr"`
	ServerPort     int    `json:"serverPort"`
	SubdomainHost  string `json:"subdomainHost"`
	PublicHTTPPort int    `json:"publicHttpPort"`
}

// TaskRecord mirrors the backend task row used for upserts and listings.
type TaskRecord struct {
	ID          string     `json:"id"`
	Tool        string     `json:"tool"`
	Model       string     `json:"model,omitempty"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Credits     float64    `json:"credits"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ProviderID  string     `json:"providerId,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}

// ActiveTasks is the response of GET /api/tasks/active.
type ActiveTasks struct {
	HasActiveTasks bool         `json:"hasActiveTasks"`
	ActiveTasks    []TaskRecord `json:"activeTasks"`
}

// Client is an authenticated marketplace REST client.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
}

func NewClient(baseURL string, token TokenFunc) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrAuthRequired
	}
	return resp, nil
}

// CheckVerified probes whether the account email has been verified.
func (c *Client) CheckVerified(ctx context.Context, email string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/auth/check-verified?email="+url.QueryEscape(email), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("backend CheckVerified: status %d", resp.StatusCode)
	}
	var out struct {
		Verified bool `json:"verified"`
	}
	return out.Verified, json.NewDecoder(resp.Body).Decode(&out)
}

// Profile fetches the caller's profile and workspace memberships.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/profile", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend Profile: status %d", resp.StatusCode)
	}
	var p Profile
	return &p, json.NewDecoder(resp.Body).Decode(&p)
}

// TunnelToken fetches a tunnel server configuration for this user.
func (c *Client) TunnelToken(ctx context.Context) (*TunnelToken, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tunnel/token", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend TunnelToken: status %d", resp.StatusCode)
	}
	var t TunnelToken
	return &t, json.NewDecoder(resp.Body).Decode(&t)
}

// ProviderTools lists the tools this user registered as a provider.
func (c *Client) ProviderTools(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/provider/tools", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend ProviderTools: status %d", resp.StatusCode)
	}
	var out struct {
		Tools []string `json:"tools"`
	}
	return out.Tools, json.NewDecoder(resp.Body).Decode(&out)
}

// RegisterProviderTools records the tools this user offers.
func (c *Client) RegisterProviderTools(ctx context.Context, tools []string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/provider/tools", map[string]any{"tools": tools})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend RegisterProviderTools: status %d", resp.StatusCode)
	}
	return nil
}

// ActiveTasks lists the caller's non-terminal tasks.
func (c *Client) ActiveTasks(ctx context.Context) (*ActiveTasks, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tasks/active", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend ActiveTasks: status %d", resp.StatusCode)
	}
	var out ActiveTasks
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// UpsertTask records a task state change.
func (c *Client) UpsertTask(ctx context.Context, rec TaskRecord) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/tasks", rec)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend UpsertTask %s: status %d", rec.ID, resp.StatusCode)
	}
	return nil
}

// BindProvider attaches the matched provider to a task record.
func (c *Client) BindProvider(ctx context.Context, taskID, providerID string) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/tasks/"+taskID+"/provider", map[string]string{"providerId": providerID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend BindProvider %s: status %d", taskID, resp.StatusCode)
	}
	return nil
}

// CancelTask marks a task cancelled.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend CancelTask %s: status %d", taskID, resp.StatusCode)
	}
	return nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }
