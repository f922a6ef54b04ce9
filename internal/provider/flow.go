// Package provider drives the execution side: register offered tools
// with the marketplace, listen on the relay for task offers and run
// accepted tasks in the sandbox.
package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/peer"
	"github.com/hoki-poki/hokipoki/internal/protocol"
	"github.com/hoki-poki/hokipoki/internal/sandbox"
	"github.com/hoki-poki/hokipoki/internal/toolcred"
)

// ErrNoTools means registration or listening was attempted with no
// authenticated tool available.
var ErrNoTools = errors.New("no authenticated AI tools, run the tool's login flow first")

// sandboxRunner is the slice of the sandbox executor the flow drives.
type sandboxRunner interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (string, error)
	KillByTask(ctx context.Context, taskID string) error
}

// credentialSource resolves sealed tool credentials.
type credentialSource interface {
	Authenticate(ctx context.Context, tool string) (toolcred.Credential, error)
}

// toolRegistrar is the slice of the backend client used by Register.
type toolRegistrar interface {
	RegisterProviderTools(ctx context.Context, tools []string) error
}

// taskCanceller records a cancelled task with the marketplace.
type taskCanceller interface {
	CancelTask(ctx context.Context, taskID string) error
}

// Register captures credentials for each requested tool and records the
// resulting set with the marketplace. Tools whose credential flow fails
// are skipped with a hint; at least one must succeed.
func Register(ctx context.Context, tools []string, creds credentialSource, be toolRegistrar, out io.Writer, log *zap.Logger) ([]string, error) {
	var registered []string
	for _, tool := range tools {
		if !protocol.ValidTool(tool) {
			return nil, fmt.Errorf("unsupported tool %q", tool)
		}
		if _, err := creds.Authenticate(ctx, tool); err != nil {
			fmt.Fprintf(out, "skipping %s: %v\n", tool, err)
			if remedial := toolcred.Remedial(tool); remedial != "" {
				fmt.Fprintf(out, "  run `%s` and retry\n", remedial)
			}
			continue
		}
		registered = append(registered, tool)
	}
	if len(registered) == 0 {
		return nil, ErrNoTools
	}
	if err := be.RegisterProviderTools(ctx, registered); err != nil {
		return nil, err
	}
	log.Info("provider tools registered", zap.Strings("tools", registered))
	return registered, nil
}

// Flow is a running provider session.
type Flow struct {
	RelayURL     string
	Token        string
	UserID       string
	WorkspaceIDs []string
	Tools        []string

	AutoAccept  bool
	Interactive bool

	Creds   credentialSource
	Sandbox sandboxRunner
	Backend taskCanceller

	In  io.Reader
	Out io.Writer
	Log *zap.Logger

	mu         sync.Mutex
	requesters map[string]string // taskID → requester peer
}

// Listen connects to the relay, registers as a provider and serves task
// offers until ctx is cancelled or the connection drops.
func (f *Flow) Listen(ctx context.Context) error {
	if len(f.Tools) == 0 {
		return ErrNoTools
	}
	f.requesters = map[string]string{}

	relay, err := peer.Dial(ctx, f.RelayURL, f.Token, f.Log)
	if err != nil {
		return err
	}
	defer relay.Close()

	reg, err := protocol.WithPayload(protocol.TypeRegisterProvider, protocol.RegisterProviderPayload{
		Tools:        f.Tools,
		WorkspaceIDs: f.WorkspaceIDs,
		UserID:       f.UserID,
		Token:        f.Token,
	})
	if err != nil {
		return err
	}
	if err := relay.Send(reg); err != nil {
		return err
	}
	fmt.Fprintf(f.Out, "Listening for tasks (tools: %s)\n", strings.Join(f.Tools, ", "))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-relay.Frames():
			if !ok {
				return peer.ErrClosed
			}
			f.dispatch(ctx, relay, frame)
		}
	}
}

func (f *Flow) dispatch(ctx context.Context, relay *peer.Client, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeNewTask:
		f.handleOffer(relay, frame)
	case protocol.TypeTaskAccepted:
		f.mu.Lock()
		f.requesters[frame.TaskID] = frame.RequesterID
		f.mu.Unlock()
		fmt.Fprintf(f.Out, "Task %s accepted, waiting for credentials\n", frame.TaskID)
	case protocol.TypeP2PRelay:
		f.handleP2P(ctx, relay, frame)
	case protocol.TypeTaskCancelled:
		fmt.Fprintf(f.Out, "Task %s cancelled: %s\n", frame.TaskID, frame.Reason)
		if err := f.Sandbox.KillByTask(ctx, frame.TaskID); err != nil {
			f.Log.Warn("kill sandbox", zap.Error(err))
		}
		if err := f.Backend.CancelTask(ctx, frame.TaskID); err != nil {
			f.Log.Warn("record cancellation", zap.Error(err))
		}
	case protocol.TypeError:
		f.Log.Warn("relay error", zap.String("reason", frame.Reason))
	default:
		f.Log.Debug("ignoring frame", zap.String("type", frame.Type))
	}
}

// handleOffer answers a new_task frame: auto-accept, or prompt on the
// terminal. Not answering lets the relay's offer timeout decline for us,
// so the prompt path answers synchronously.
func (f *Flow) handleOffer(relay *peer.Client, frame protocol.Frame) {
	task := frame.Task
	if task == nil {
		return
	}

	accept := f.AutoAccept
	if !accept && f.Interactive {
		fmt.Fprintf(f.Out, "\nIncoming task %s\n  tool: %s", task.ID, task.Tool)
		if task.Model != "" {
			fmt.Fprintf(f.Out, " (%s)", task.Model)
		}
		fmt.Fprintf(f.Out, "\n  description: %s\n  credits: %.1f\n", task.Description, task.Credits)
		accept = f.confirm("Accept? [y/N] ")
	}

	answer := protocol.TypeDeclineTask
	if accept {
		answer = protocol.TypeAcceptTask
	}
	if err := relay.Send(protocol.Frame{Type: answer, TaskID: task.ID}); err != nil {
		f.Log.Warn("answer offer", zap.Error(err))
	}
}

func (f *Flow) handleP2P(ctx context.Context, relay *peer.Client, frame protocol.Frame) {
	var body protocol.P2PBody
	if err := json.Unmarshal(frame.Payload, &body); err != nil {
		f.Log.Warn("undecodable p2p frame", zap.Error(err))
		return
	}

	switch body.Type {
	case protocol.P2PGitCredentials:
		var creds protocol.GitCredentialsPayload
		if err := json.Unmarshal(body.Payload, &creds); err != nil {
			f.Log.Warn("bad git credentials payload", zap.Error(err))
			return
		}
		f.mu.Lock()
		expected, known := f.requesters[frame.TaskID]
		f.mu.Unlock()
		if known && expected != frame.From {
			f.Log.Warn("git credentials from unexpected peer",
				zap.String("task", frame.TaskID), zap.String("from", frame.From))
			return
		}
		go f.execute(ctx, relay, frame.TaskID, frame.From, creds)

	case protocol.P2PConfirmation:
		var conf protocol.ConfirmationPayload
		if err := json.Unmarshal(body.Payload, &conf); err != nil {
			return
		}
		fmt.Fprintf(f.Out, "Task %s confirmed (accepted=%v, credits=%.1f)\n",
			conf.TaskID, conf.Accepted, conf.Credits)
		ack, err := protocol.NewP2P(relay.PeerID, frame.From, protocol.P2PConfirmationAck,
			protocol.ConfirmationAckPayload{TaskID: conf.TaskID})
		if err == nil {
			ack.TaskID = conf.TaskID
			if err := relay.Send(ack); err != nil {
				f.Log.Debug("send confirmation ack", zap.Error(err))
			}
		}

	default:
		f.Log.Debug("ignoring p2p frame", zap.String("type", body.Type))
	}
}

// execute runs one task in the sandbox and reports the outcome to the
// requester over the p2p channel.
func (f *Flow) execute(ctx context.Context, relay *peer.Client, taskID, requesterPeer string, creds protocol.GitCredentialsPayload) {
	cred, err := f.Creds.Authenticate(ctx, creds.Tool)
	if err != nil {
		f.report(relay, requesterPeer, taskID, "", fmt.Errorf("tool credential: %w", err))
		return
	}

	fmt.Fprintf(f.Out, "Executing task %s (%s)\n", taskID, creds.Tool)
	summary, err := f.Sandbox.Run(ctx, sandbox.RunSpec{
		TaskID:          taskID,
		GitURL:          creds.GitURL,
		GitToken:        creds.GitToken,
		Tool:            creds.Tool,
		Model:           creds.Model,
		TaskDescription: creds.TaskDescription,
		OAuthToken:      cred.OpaqueBlob,
	})
	f.report(relay, requesterPeer, taskID, summary, err)
}

// report sends execution_complete or execution_failed.
func (f *Flow) report(relay *peer.Client, requesterPeer, taskID, summary string, execErr error) {
	var frame protocol.Frame
	var err error
	if execErr != nil {
		f.Log.Error("task execution failed", zap.String("task", taskID), zap.Error(execErr))
		frame, err = protocol.NewP2P(relay.PeerID, requesterPeer, protocol.P2PExecutionFailed,
			protocol.ExecutionFailedPayload{TaskID: taskID, Reason: execErr.Error()})
	} else {
		fmt.Fprintf(f.Out, "Task %s complete: %s\n", taskID, summary)
		frame, err = protocol.NewP2P(relay.PeerID, requesterPeer, protocol.P2PExecutionComplete,
			protocol.ExecutionCompletePayload{TaskID: taskID, CommitSummary: summary})
	}
	if err != nil {
		f.Log.Error("build result frame", zap.Error(err))
		return
	}
	frame.TaskID = taskID
	if err := relay.Send(frame); err != nil {
		f.Log.Error("send result frame", zap.Error(err))
	}
}

func (f *Flow) confirm(prompt string) bool {
	fmt.Fprint(f.Out, prompt)
	sc := bufio.NewScanner(f.In)
	if !sc.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes"
}
