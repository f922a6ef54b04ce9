package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/peer"
	"github.com/hoki-poki/hokipoki/internal/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubVerifier accepts any token of the form "tok:<user>".
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if !strings.HasPrefix(token, "tok:") {
		return "", ErrInvalidToken
	}
	return strings.TrimPrefix(token, "tok:"), nil
}

func startRelay(t *testing.T, offerTimeout time.Duration) (*Hub, string) {
	t.Helper()
	metrics := NewMetrics()
	hub := NewHub(stubVerifier{}, NewJournal(nil, zap.NewNop()), metrics, offerTimeout, zap.NewNop())
	srv := httptest.NewServer(NewServer(hub, metrics, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialPeer(t *testing.T, url, user string) *peer.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := peer.Dial(ctx, url, "tok:"+user, zap.NewNop())
	if err != nil {
		t.Fatalf("dial relay as %s: %v", user, err)
	}
	t.Cleanup(c.Close)
	return c
}

func registerProvider(t *testing.T, c *peer.Client, tools, workspaces []string) {
	t.Helper()
	f, err := protocol.WithPayload(protocol.TypeRegisterProvider, protocol.RegisterProviderPayload{
		Tools:        tools,
		WorkspaceIDs: workspaces,
		UserID:       "u-" + c.PeerID,
		Token:        "tok:u",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(f); err != nil {
		t.Fatal(err)
	}
}

func registerRequester(t *testing.T, c *peer.Client, workspace string) {
	t.Helper()
	f, err := protocol.WithPayload(protocol.TypeRegisterRequester, protocol.RegisterRequesterPayload{
		WorkspaceID: workspace,
		UserID:      "u-" + c.PeerID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(f); err != nil {
		t.Fatal(err)
	}
}

func publishTask(t *testing.T, c *peer.Client, tool, workspace string) string {
	t.Helper()
	f, err := protocol.WithPayload(protocol.TypePublishTask, protocol.PublishTaskPayload{
		Tool:        tool,
		Task:        "Fix typo",
		Description: "Fix typo",
		Credits:     2.5,
		WorkspaceID: workspace,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(f); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := c.Await(ctx, protocol.TypeTaskPublished)
	if err != nil {
		t.Fatalf("await task_published: %v", err)
	}
	return pub.TaskID
}

func TestHandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	_, url := startRelay(t, time.Second)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.TypePublishTask}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("expected disconnect, got frame %q", f.Type)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, url := startRelay(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := peer.Dial(ctx, url, "garbage", zap.NewNop()); err == nil {
		t.Fatal("expected handshake failure with invalid token")
	}
}

func TestMatchHappyPath(t *testing.T) {
	hub, url := startRelay(t, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider := dialPeer(t, url, "provider")
	registerProvider(t, provider, []string{protocol.ToolClaude}, []string{"ws1"})

	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	taskID := publishTask(t, requester, protocol.ToolClaude, "ws1")

	offer, err := provider.Await(ctx, protocol.TypeNewTask)
	if err != nil {
		t.Fatalf("await new_task: %v", err)
	}
	if offer.Task == nil || offer.Task.ID != taskID {
		t.Fatalf("offer carries wrong task: %+v", offer.Task)
	}

	if err := provider.Send(protocol.Frame{Type: protocol.TypeAcceptTask, TaskID: taskID}); err != nil {
		t.Fatal(err)
	}

	matched, err := requester.Await(ctx, protocol.TypeTaskMatched)
	if err != nil {
		t.Fatalf("await task_matched: %v", err)
	}
	accepted, err := provider.Await(ctx, protocol.TypeTaskAccepted)
	if err != nil {
		t.Fatalf("await task_accepted: %v", err)
	}
	if matched.ProviderID != provider.PeerID || accepted.RequesterID != requester.PeerID {
		t.Fatalf("pairing mismatch: matched=%+v accepted=%+v", matched, accepted)
	}

	// P2P both directions, payload forwarded verbatim.
	creds, err := protocol.NewP2P(requester.PeerID, provider.PeerID,
		protocol.P2PGitCredentials, protocol.GitCredentialsPayload{
			GitURL:   "http://brave-otter-7.tunnel.test/t.git",
			GitToken: "secret",
			Tool:     protocol.ToolClaude,
		})
	if err != nil {
		t.Fatal(err)
	}
	if err := requester.Send(creds); err != nil {
		t.Fatal(err)
	}
	got, err := provider.Await(ctx, protocol.TypeP2PRelay)
	if err != nil {
		t.Fatalf("await p2p: %v", err)
	}
	var body protocol.P2PBody
	if err := got.DecodePayload(&body); err != nil {
		t.Fatal(err)
	}
	if body.Type != protocol.P2PGitCredentials {
		t.Fatalf("p2p body type = %q", body.Type)
	}

	done, err := protocol.NewP2P(provider.PeerID, requester.PeerID,
		protocol.P2PExecutionComplete, protocol.ExecutionCompletePayload{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.Send(done); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.Await(ctx, protocol.TypeP2PRelay); err != nil {
		t.Fatalf("await p2p back: %v", err)
	}

	// Terminal outcome reported by the requester.
	if err := requester.Send(protocol.Frame{
		Type:    protocol.TypeCompleteTask,
		TaskID:  taskID,
		Status:  string(protocol.StatusCompleted),
		Summary: "HokiPoki claude: fixed the typo",
	}); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, hub, taskID, protocol.StatusCompleted)
	task, _ := hub.Task(taskID)
	if task.CommitSummary != "HokiPoki claude: fixed the typo" {
		t.Errorf("commit summary not recorded: %q", task.CommitSummary)
	}
}

func TestNoProvidersAvailable(t *testing.T) {
	hub, url := startRelay(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	taskID := publishTask(t, requester, protocol.ToolCodex, "ws1")

	f, err := requester.Await(ctx, protocol.TypeNoProvidersAvailable)
	if err != nil {
		t.Fatalf("await no_providers_available: %v", err)
	}
	if f.Tool != protocol.ToolCodex {
		t.Errorf("tool = %q", f.Tool)
	}
	waitForStatus(t, hub, taskID, protocol.StatusFailed)
}

func TestDeclineCascadeFailsTask(t *testing.T) {
	hub, url := startRelay(t, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	providers := make([]*peer.Client, 3)
	for i := range providers {
		providers[i] = dialPeer(t, url, "provider")
		registerProvider(t, providers[i], []string{protocol.ToolGemini}, []string{"ws1"})
	}

	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	taskID := publishTask(t, requester, protocol.ToolGemini, "ws1")

	// Offers arrive one at a time; each provider declines in turn.
	for range providers {
		declined := false
		for _, p := range providers {
			offCtx, offCancel := context.WithTimeout(ctx, 500*time.Millisecond)
			offer, err := p.Await(offCtx, protocol.TypeNewTask)
			offCancel()
			if err != nil {
				continue
			}
			if err := p.Send(protocol.Frame{Type: protocol.TypeDeclineTask, TaskID: offer.TaskID}); err != nil {
				t.Fatal(err)
			}
			declined = true
			break
		}
		if !declined {
			break
		}
	}

	if _, err := requester.Await(ctx, protocol.TypeNoProvidersAvailable); err != nil {
		t.Fatalf("await no_providers_available: %v", err)
	}
	waitForStatus(t, hub, taskID, protocol.StatusFailed)
}

func TestWorkspaceFilter(t *testing.T) {
	_, url := startRelay(t, 500*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outsider := dialPeer(t, url, "outsider")
	registerProvider(t, outsider, []string{protocol.ToolClaude}, []string{"other-workspace"})

	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	publishTask(t, requester, protocol.ToolClaude, "ws1")

	// The outsider must never see the offer.
	offCtx, offCancel := context.WithTimeout(ctx, time.Second)
	if f, err := outsider.Await(offCtx, protocol.TypeNewTask); err == nil {
		t.Fatalf("provider outside the workspace was offered task %s", f.TaskID)
	}
	offCancel()

	if _, err := requester.Await(ctx, protocol.TypeNoProvidersAvailable); err != nil {
		t.Fatalf("await no_providers_available: %v", err)
	}
}

func TestOfferTimeoutCountsAsDecline(t *testing.T) {
	hub, url := startRelay(t, 300*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	silent := dialPeer(t, url, "silent")
	registerProvider(t, silent, []string{protocol.ToolClaude}, []string{"ws1"})

	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	taskID := publishTask(t, requester, protocol.ToolClaude, "ws1")

	if _, err := requester.Await(ctx, protocol.TypeNoProvidersAvailable); err != nil {
		t.Fatalf("await no_providers_available: %v", err)
	}
	waitForStatus(t, hub, taskID, protocol.StatusFailed)
}

func TestCancelReachesCounterpart(t *testing.T) {
	hub, url := startRelay(t, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider := dialPeer(t, url, "provider")
	registerProvider(t, provider, []string{protocol.ToolClaude}, []string{"ws1"})
	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	taskID := publishTask(t, requester, protocol.ToolClaude, "ws1")

	offer, err := provider.Await(ctx, protocol.TypeNewTask)
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.Send(protocol.Frame{Type: protocol.TypeAcceptTask, TaskID: offer.TaskID}); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.Await(ctx, protocol.TypeTaskMatched); err != nil {
		t.Fatal(err)
	}
	if _, err := provider.Await(ctx, protocol.TypeTaskAccepted); err != nil {
		t.Fatal(err)
	}

	if err := requester.Send(protocol.Frame{
		Type:   protocol.TypeCancelTask,
		TaskID: taskID,
		Reason: "user interrupt",
	}); err != nil {
		t.Fatal(err)
	}

	cancelled, err := provider.Await(ctx, protocol.TypeTaskCancelled)
	if err != nil {
		t.Fatalf("await task_cancelled: %v", err)
	}
	if cancelled.Reason != "user interrupt" {
		t.Errorf("reason = %q", cancelled.Reason)
	}
	waitForStatus(t, hub, taskID, protocol.StatusCancelled)
}

func TestDisconnectCancelsActiveTask(t *testing.T) {
	hub, url := startRelay(t, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider := dialPeer(t, url, "provider")
	registerProvider(t, provider, []string{protocol.ToolClaude}, []string{"ws1"})
	requester := dialPeer(t, url, "requester")
	registerRequester(t, requester, "ws1")
	taskID := publishTask(t, requester, protocol.ToolClaude, "ws1")

	offer, err := provider.Await(ctx, protocol.TypeNewTask)
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.Send(protocol.Frame{Type: protocol.TypeAcceptTask, TaskID: offer.TaskID}); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.Await(ctx, protocol.TypeTaskMatched); err != nil {
		t.Fatal(err)
	}

	requester.Close()

	if _, err := provider.Await(ctx, protocol.TypeTaskCancelled); err != nil {
		t.Fatalf("await task_cancelled after disconnect: %v", err)
	}
	waitForStatus(t, hub, taskID, protocol.StatusCancelled)
}

func TestP2PRequiresActivePairing(t *testing.T) {
	_, url := startRelay(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dialPeer(t, url, "a")
	b := dialPeer(t, url, "b")

	f, err := protocol.NewP2P(a.PeerID, b.PeerID, protocol.P2PError, map[string]string{"x": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Send(f); err != nil {
		t.Fatal(err)
	}
	errFrame, err := a.Await(ctx, protocol.TypeError)
	if err != nil {
		t.Fatalf("await error: %v", err)
	}
	if errFrame.Reason == "" {
		t.Error("error frame carries no reason")
	}
}

func waitForStatus(t *testing.T, hub *Hub, taskID string, want protocol.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := hub.Task(taskID); ok && task.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := hub.Task(taskID)
	t.Fatalf("task %s status = %s, want %s", taskID, task.Status, want)
}
