package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// ── Profile ───────────────────────────────────────────────────────────────────

func TestProfile_OK(t *testing.T) {
	want := Profile{
		ID:    "user-1",
		Email: "dev@example.com",
		Workspaces: []Workspace{
			{ID: "ws-personal", Name: "Personal", IsPersonal: true},
			{ID: "ws-team", Name: "Team"},
		},
	}
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want)
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	got, err := c.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("ID: got %q want %q", got.ID, want.ID)
	}
	if len(got.Workspaces) != 2 {
		t.Fatalf("workspaces: got %d want 2", len(got.Workspaces))
	}
	if !got.Workspaces[0].IsPersonal {
		t.Error("first workspace should be personal")
	}
}

func TestProfile_SetsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Profile{ID: "x"})
	})

	c := NewClient(srv.URL, StaticToken("fresh-jwt"))
	c.Profile(context.Background()) //nolint:errcheck

	if gotAuth != "Bearer fresh-jwt" {
		t.Errorf("Authorization: got %q want %q", gotAuth, "Bearer fresh-jwt")
	}
}

func TestProfile_Unauthorized(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := NewClient(srv.URL, StaticToken("stale"))
	_, err := c.Profile(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestTokenFuncError_Bubbles(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should never be sent when the token cannot be resolved")
	})

	c := NewClient(srv.URL, func(context.Context) (string, error) {
		return "", errors.New("vault sealed")
	})
	if _, err := c.Profile(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// ── CheckVerified ─────────────────────────────────────────────────────────────

func TestCheckVerified(t *testing.T) {
	var gotQuery string
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]bool{"verified": true})
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	ok, err := c.CheckVerified(context.Background(), "dev+test@example.com")
	if err != nil {
		t.Fatalf("CheckVerified: %v", err)
	}
	if !ok {
		t.Error("expected verified=true")
	}
	if gotQuery != "email=dev%2Btest%40example.com" {
		t.Errorf("query not escaped: %q", gotQuery)
	}
}

// ── ActiveTasks ───────────────────────────────────────────────────────────────

func TestActiveTasks(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks/active" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ActiveTasks{
			HasActiveTasks: true,
			ActiveTasks:    []TaskRecord{{ID: "t1", Status: "in_progress"}},
		})
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	got, err := c.ActiveTasks(context.Background())
	if err != nil {
		t.Fatalf("ActiveTasks: %v", err)
	}
	if !got.HasActiveTasks || len(got.ActiveTasks) != 1 {
		t.Errorf("unexpected response: %+v", got)
	}
}

// ── UpsertTask / BindProvider / CancelTask ────────────────────────────────────

func TestUpsertTask_PostsRecord(t *testing.T) {
	var gotMethod string
	var gotBody TaskRecord
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	err := c.UpsertTask(context.Background(), TaskRecord{ID: "t9", Tool: "claude", Status: "completed", Credits: 2.5})
	if err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method: got %q want POST", gotMethod)
	}
	if gotBody.ID != "t9" || gotBody.Credits != 2.5 {
		t.Errorf("body: got %+v", gotBody)
	}
}

func TestBindProvider_Path(t *testing.T) {
	var gotMethod, gotPath string
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	if err := c.BindProvider(context.Background(), "t3", "peer-7"); err != nil {
		t.Fatalf("BindProvider: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method: got %q want PUT", gotMethod)
	}
	if gotPath != "/api/tasks/t3/provider" {
		t.Errorf("path: got %q", gotPath)
	}
}

func TestCancelTask_Error(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	if err := c.CancelTask(context.Background(), "t4"); err == nil {
		t.Fatal("expected error for 409, got nil")
	}
}

// ── RegisterProviderTools ─────────────────────────────────────────────────────

func TestRegisterProviderTools(t *testing.T) {
	var gotBody struct {
		Tools []string `json:"tools"`
	}
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.WriteHeader(http.StatusCreated)
	})

	c := NewClient(srv.URL, StaticToken("jwt"))
	if err := c.RegisterProviderTools(context.Background(), []string{"claude", "gemini"}); err != nil {
		t.Fatalf("RegisterProviderTools: %v", err)
	}
	if len(gotBody.Tools) != 2 || gotBody.Tools[0] != "claude" {
		t.Errorf("tools body: got %v", gotBody.Tools)
	}
}
