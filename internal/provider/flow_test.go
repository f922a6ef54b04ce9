package provider

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/peer"
	"github.com/hoki-poki/hokipoki/internal/protocol"
	"github.com/hoki-poki/hokipoki/internal/relay"
	"github.com/hoki-poki/hokipoki/internal/sandbox"
	"github.com/hoki-poki/hokipoki/internal/toolcred"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if !strings.HasPrefix(token, "tok:") {
		return "", relay.ErrInvalidToken
	}
	return strings.TrimPrefix(token, "tok:"), nil
}

func startRelay(t *testing.T) string {
	t.Helper()
	metrics := relay.NewMetrics()
	hub := relay.NewHub(stubVerifier{}, relay.NewJournal(nil, zap.NewNop()), metrics, 5*time.Second, zap.NewNop())
	srv := httptest.NewServer(relay.NewServer(hub, metrics, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type stubCreds struct {
	failFor map[string]bool
}

func (s *stubCreds) Authenticate(_ context.Context, tool string) (toolcred.Credential, error) {
	if s.failFor[tool] {
		return toolcred.Credential{}, toolcred.ErrReauthRequired
	}
	return toolcred.Credential{Tool: tool, OpaqueBlob: "blob-" + tool}, nil
}

type stubSandbox struct {
	mu      sync.Mutex
	specs   []sandbox.RunSpec
	killed  []string
	summary string
	err     error
}

func (s *stubSandbox) Run(_ context.Context, spec sandbox.RunSpec) (string, error) {
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
	return s.summary, s.err
}

func (s *stubSandbox) KillByTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	s.killed = append(s.killed, taskID)
	s.mu.Unlock()
	return nil
}

func (s *stubSandbox) killedTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.killed...)
}

func (s *stubSandbox) runSpecs() []sandbox.RunSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sandbox.RunSpec(nil), s.specs...)
}

type stubCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (s *stubCanceller) CancelTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, taskID)
	return nil
}

func (s *stubCanceller) cancelledTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

type stubRegistrar struct {
	tools []string
	err   error
}

func (s *stubRegistrar) RegisterProviderTools(_ context.Context, tools []string) error {
	s.tools = tools
	return s.err
}

func newTestFlow(url string, sb *stubSandbox) *Flow {
	return &Flow{
		RelayURL:     url,
		Token:        "tok:prov",
		UserID:       "prov",
		WorkspaceIDs: []string{"ws1"},
		Tools:        []string{protocol.ToolClaude},
		AutoAccept:   true,
		Creds:        &stubCreds{},
		Sandbox:      sb,
		Backend:      &stubCanceller{},
		In:           strings.NewReader(""),
		Out:          &bytes.Buffer{},
		Log:          zap.NewNop(),
	}
}

// requesterSession registers and publishes one task, returning the
// connected client and task ID.
func requesterSession(t *testing.T, ctx context.Context, url string) (*peer.Client, string) {
	t.Helper()
	c, err := peer.Dial(ctx, url, "tok:req", zap.NewNop())
	if err != nil {
		t.Fatalf("requester dial: %v", err)
	}
	t.Cleanup(c.Close)

	reg, _ := protocol.WithPayload(protocol.TypeRegisterRequester, protocol.RegisterRequesterPayload{
		WorkspaceID: "ws1", UserID: "req",
	})
	if err := c.Send(reg); err != nil {
		t.Fatal(err)
	}
	pub, _ := protocol.WithPayload(protocol.TypePublishTask, protocol.PublishTaskPayload{
		Tool:        protocol.ToolClaude,
		Task:        "Fix typo",
		Description: "Fix typo",
		Credits:     2.5,
		WorkspaceID: "ws1",
	})
	if err := c.Send(pub); err != nil {
		t.Fatal(err)
	}
	published, err := c.Await(ctx, protocol.TypeTaskPublished)
	if err != nil {
		t.Fatalf("await task_published: %v", err)
	}
	return c, published.TaskID
}

func TestListenExecutesAcceptedTask(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sb := &stubSandbox{summary: "HokiPoki claude: done"}
	flow := newTestFlow(url, sb)
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go flow.Listen(listenCtx) //nolint:errcheck

	requester, taskID := requesterSession(t, ctx, url)
	matched, err := requester.Await(ctx, protocol.TypeTaskMatched)
	if err != nil {
		t.Fatalf("await task_matched: %v", err)
	}

	creds, _ := protocol.NewP2P(requester.PeerID, matched.ProviderID, protocol.P2PGitCredentials,
		protocol.GitCredentialsPayload{
			GitURL:          "http://task.tunnel.test/t.git",
			GitToken:        "bearer",
			Tool:            protocol.ToolClaude,
			TaskDescription: "Fix typo",
		})
	creds.TaskID = taskID
	if err := requester.Send(creds); err != nil {
		t.Fatal(err)
	}

	result, err := requester.Await(ctx, protocol.TypeP2PRelay)
	if err != nil {
		t.Fatalf("await execution result: %v", err)
	}
	var body protocol.P2PBody
	if err := result.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.Type != protocol.P2PExecutionComplete {
		t.Fatalf("p2p type = %q", body.Type)
	}

	specs := sb.runSpecs()
	if len(specs) != 1 {
		t.Fatalf("sandbox ran %d times", len(specs))
	}
	spec := specs[0]
	if spec.TaskID != taskID || spec.GitURL != "http://task.tunnel.test/t.git" ||
		spec.GitToken != "bearer" || spec.OAuthToken != "blob-claude" {
		t.Errorf("run spec mismatch: %+v", spec)
	}

	// Confirmation round-trip.
	conf, _ := protocol.NewP2P(requester.PeerID, matched.ProviderID, protocol.P2PConfirmation,
		protocol.ConfirmationPayload{Accepted: true, Credits: 2.5, TaskID: taskID})
	if err := requester.Send(conf); err != nil {
		t.Fatal(err)
	}
	ack, err := requester.Await(ctx, protocol.TypeP2PRelay)
	if err != nil {
		t.Fatalf("await confirmation ack: %v", err)
	}
	if err := ack.DecodePayload(&body); err != nil || body.Type != protocol.P2PConfirmationAck {
		t.Fatalf("ack type = %q, err %v", body.Type, err)
	}
}

func TestListenReportsSandboxFailure(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sb := &stubSandbox{err: sandbox.ErrExecutionFailed}
	flow := newTestFlow(url, sb)
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go flow.Listen(listenCtx) //nolint:errcheck

	requester, taskID := requesterSession(t, ctx, url)
	matched, err := requester.Await(ctx, protocol.TypeTaskMatched)
	if err != nil {
		t.Fatal(err)
	}
	creds, _ := protocol.NewP2P(requester.PeerID, matched.ProviderID, protocol.P2PGitCredentials,
		protocol.GitCredentialsPayload{GitURL: "http://t.test/t.git", GitToken: "b", Tool: protocol.ToolClaude})
	creds.TaskID = taskID
	if err := requester.Send(creds); err != nil {
		t.Fatal(err)
	}

	result, err := requester.Await(ctx, protocol.TypeP2PRelay)
	if err != nil {
		t.Fatal(err)
	}
	var body protocol.P2PBody
	if err := result.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.Type != protocol.P2PExecutionFailed {
		t.Fatalf("p2p type = %q", body.Type)
	}
}

func TestListenKillsSandboxOnCancel(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sb := &stubSandbox{summary: "x"}
	flow := newTestFlow(url, sb)
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go flow.Listen(listenCtx) //nolint:errcheck

	requester, taskID := requesterSession(t, ctx, url)
	if _, err := requester.Await(ctx, protocol.TypeTaskMatched); err != nil {
		t.Fatal(err)
	}

	if err := requester.Send(protocol.Frame{
		Type:   protocol.TypeCancelTask,
		TaskID: taskID,
		Reason: "user interrupt",
	}); err != nil {
		t.Fatal(err)
	}

	bc := flow.Backend.(*stubCanceller)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		killed := sb.killedTasks()
		cancelled := bc.cancelledTasks()
		if len(killed) == 1 && killed[0] == taskID &&
			len(cancelled) == 1 && cancelled[0] == taskID {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("cancellation incomplete: killed=%v backend=%v", sb.killedTasks(), bc.cancelledTasks())
}

func TestListenRequiresTools(t *testing.T) {
	flow := newTestFlow("ws://unused", &stubSandbox{})
	flow.Tools = nil
	if err := flow.Listen(context.Background()); !errors.Is(err, ErrNoTools) {
		t.Fatalf("err = %v, want ErrNoTools", err)
	}
}

func TestRegisterSkipsFailingTools(t *testing.T) {
	creds := &stubCreds{failFor: map[string]bool{protocol.ToolCodex: true}}
	registrar := &stubRegistrar{}
	var out bytes.Buffer

	got, err := Register(context.Background(),
		[]string{protocol.ToolClaude, protocol.ToolCodex}, creds, registrar, &out, zap.NewNop())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(got) != 1 || got[0] != protocol.ToolClaude {
		t.Errorf("registered = %v", got)
	}
	if len(registrar.tools) != 1 {
		t.Errorf("backend recorded %v", registrar.tools)
	}
	if !strings.Contains(out.String(), "codex login") {
		t.Errorf("remedial hint missing:\n%s", out.String())
	}
}

func TestRegisterAllToolsFail(t *testing.T) {
	creds := &stubCreds{failFor: map[string]bool{protocol.ToolClaude: true}}
	_, err := Register(context.Background(),
		[]string{protocol.ToolClaude}, creds, &stubRegistrar{}, &bytes.Buffer{}, zap.NewNop())
	if !errors.Is(err, ErrNoTools) {
		t.Fatalf("err = %v, want ErrNoTools", err)
	}
}

func TestRegisterRejectsUnknownTool(t *testing.T) {
	_, err := Register(context.Background(),
		[]string{"copilot"}, &stubCreds{}, &stubRegistrar{}, &bytes.Buffer{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
