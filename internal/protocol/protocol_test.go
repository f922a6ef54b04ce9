package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewP2P_PreservesPayloadVerbatim(t *testing.T) {
	creds := GitCredentialsPayload{
		GitURL:          "http://brave-otter-42.tunnel.hoki-poki.ai:8080/task.git",
		GitToken:        "deadbeef",
		Tool:            ToolClaude,
		TaskDescription: "fix the race in the worker pool",
	}
	frame, err := NewP2P("peer-a", "peer-b", P2PGitCredentials, creds)
	if err != nil {
		t.Fatalf("NewP2P: %v", err)
	}
	if frame.Type != TypeP2PRelay {
		t.Errorf("frame type: got %q want %q", frame.Type, TypeP2PRelay)
	}
	if frame.From != "peer-a" || frame.To != "peer-b" {
		t.Errorf("addressing: got from=%q to=%q", frame.From, frame.To)
	}

	// A relay forwards the frame untouched; the receiver must be able to
	// recover the inner payload after a wire round trip.
	wire, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	var received Frame
	if err := json.Unmarshal(wire, &received); err != nil {
		t.Fatal(err)
	}

	var body P2PBody
	if err := received.DecodePayload(&body); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if body.Type != P2PGitCredentials {
		t.Errorf("inner type: got %q want %q", body.Type, P2PGitCredentials)
	}
	if body.Timestamp == 0 {
		t.Error("timestamp not set")
	}

	var got GitCredentialsPayload
	if err := json.Unmarshal(body.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got != creds {
		t.Errorf("inner payload changed in transit: got %+v want %+v", got, creds)
	}
}

func TestWithPayload_DecodePayload(t *testing.T) {
	pub := PublishTaskPayload{
		Tool:        ToolCodex,
		Task:        "add retry logic to the uploader",
		Description: "uploader retries",
		Credits:     2.5,
		WorkspaceID: "ws-1",
	}
	frame, err := WithPayload(TypePublishTask, pub)
	if err != nil {
		t.Fatalf("WithPayload: %v", err)
	}

	var got PublishTaskPayload
	if err := frame.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got != pub {
		t.Errorf("got %+v want %+v", got, pub)
	}
}

func TestDecodePayload_Empty(t *testing.T) {
	f := Frame{Type: TypeAcceptTask, TaskID: "t1"}
	var out RegisterProviderPayload
	if err := f.DecodePayload(&out); err == nil {
		t.Fatal("expected error for frame without payload")
	}
}

func TestValidTool(t *testing.T) {
	for _, tool := range []string{ToolClaude, ToolCodex, ToolGemini} {
		if !ValidTool(tool) {
			t.Errorf("ValidTool(%q) = false", tool)
		}
	}
	for _, tool := range []string{"", "copilot", "Claude"} {
		if ValidTool(tool) {
			t.Errorf("ValidTool(%q) = true", tool)
		}
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []TaskStatus{StatusPending, StatusOffered, StatusAccepted, StatusInProgress}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewTaskID_UniqueAndOrdered(t *testing.T) {
	a := NewTaskID()
	time.Sleep(2 * time.Millisecond)
	b := NewTaskID()

	if a == b {
		t.Fatal("two task ids collided")
	}
	if !(a < b) {
		t.Errorf("ids not time-ordered: %s !< %s", a, b)
	}
}
