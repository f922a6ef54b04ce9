// Package requester drives the task-submission side: publish a task to
// the relay, stand up the ephemeral git server once matched, hand the
// provider its credentials and walk the user through reviewing and
// applying the result.
package requester

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/backend"
	"github.com/hoki-poki/hokipoki/internal/gitserver"
	"github.com/hoki-poki/hokipoki/internal/patch"
	"github.com/hoki-poki/hokipoki/internal/peer"
	"github.com/hoki-poki/hokipoki/internal/protocol"
)

var (
	// ErrActiveTaskExists blocks publishing while another task is live.
	ErrActiveTaskExists = errors.New("an active task already exists, wait for it to finish or cancel it")
	// ErrNoProviders means every matching provider declined or none exist.
	ErrNoProviders = errors.New("no providers available for this task")
	// ErrCancelled is returned after a user-initiated cancellation.
	ErrCancelled = errors.New("task cancelled")
	// ErrExecutionFailed is the provider-reported failure outcome.
	ErrExecutionFailed = errors.New("provider execution failed")
)

const (
	// taskCredits is the flat per-task price until metering exists.
	taskCredits = 2.5

	confirmationAckWait = 5 * time.Second
	cancelGrace         = 3 * time.Second

	resultStart = "[HOKIPOKI_RESULT]"
	resultEnd   = "[/HOKIPOKI_RESULT]"
	patchStart  = "[HOKIPOKI_PATCH]"
	patchEnd    = "[/HOKIPOKI_PATCH]"
)

// marketplace is the slice of the backend client this flow needs.
type marketplace interface {
	ActiveTasks(ctx context.Context) (*backend.ActiveTasks, error)
	UpsertTask(ctx context.Context, rec backend.TaskRecord) error
	BindProvider(ctx context.Context, taskID, providerID string) error
	CancelTask(ctx context.Context, taskID string) error
}

// GitService is the slice of the git server the flow drives.
type GitService interface {
	Initialize(files []string, taskText string) error
	Start(ctx context.Context) error
	Config() (url, bearer string, err error)
	Changes(ctx context.Context) (*gitserver.Changes, error)
	Stop()
}

// Options describes one task submission.
type Options struct {
	Tool        string
	Model       string
	Task        string
	Files       []string
	AutoApply   bool // apply the patch without prompting
	Interactive bool // stdin is a TTY; prompt instead of structured output
}

// Result is what the CLI reports after the flow finishes.
type Result struct {
	TaskID    string  `json:"taskId"`
	Status    string  `json:"status"`
	Summary   string  `json:"summary,omitempty"`
	PatchPath string  `json:"patchPath,omitempty"`
	Applied   bool    `json:"applied"`
	Credits   float64 `json:"credits"`
}

// Flow wires the relay session, git server factory and backend together
// for one task.
type Flow struct {
	RelayURL    string
	Token       string
	UserID      string
	WorkspaceID string

	Backend marketplace
	NewGit  func(taskID string) (GitService, error)

	In  io.Reader
	Out io.Writer
	Log *zap.Logger
}

// Run publishes one task and sees it through to a terminal state. A
// cancelled ctx (SIGINT) triggers the cancellation protocol before the
// function returns ErrCancelled.
func (f *Flow) Run(ctx context.Context, opts Options) (*Result, error) {
	if !protocol.ValidTool(opts.Tool) {
		return nil, fmt.Errorf("unsupported tool %q", opts.Tool)
	}

	active, err := f.Backend.ActiveTasks(ctx)
	if err != nil {
		f.Log.Warn("active-task pre-check failed, continuing", zap.Error(err))
	} else if active.HasActiveTasks {
		return nil, ErrActiveTaskExists
	}

	relay, err := peer.Dial(ctx, f.RelayURL, f.Token, f.Log)
	if err != nil {
		return nil, err
	}
	defer relay.Close()

	reg, err := protocol.WithPayload(protocol.TypeRegisterRequester, protocol.RegisterRequesterPayload{
		WorkspaceID: f.WorkspaceID,
		UserID:      f.UserID,
	})
	if err != nil {
		return nil, err
	}
	if err := relay.Send(reg); err != nil {
		return nil, err
	}

	pub, err := protocol.WithPayload(protocol.TypePublishTask, protocol.PublishTaskPayload{
		Tool:        opts.Tool,
		Model:       opts.Model,
		Task:        opts.Task,
		Description: firstLine(opts.Task),
		Credits:     taskCredits,
		WorkspaceID: f.WorkspaceID,
	})
	if err != nil {
		return nil, err
	}
	if err := relay.Send(pub); err != nil {
		return nil, err
	}

	published, err := relay.Await(ctx, protocol.TypeTaskPublished, protocol.TypeError)
	if err != nil {
		return nil, f.maybeCancel(ctx, relay, nil, "", err)
	}
	if published.Type == protocol.TypeError {
		return nil, fmt.Errorf("relay rejected task: %s", published.Reason)
	}
	taskID := published.TaskID
	f.Log.Info("task published, waiting for a provider", zap.String("task", taskID))
	f.upsert(ctx, backend.TaskRecord{
		ID:          taskID,
		Tool:        opts.Tool,
		Model:       opts.Model,
		Description: firstLine(opts.Task),
		Status:      string(protocol.StatusPending),
		Credits:     taskCredits,
		CreatedAt:   time.Now(),
	})

	matched, err := relay.Await(ctx,
		protocol.TypeTaskMatched, protocol.TypeNoProvidersAvailable)
	if err != nil {
		return nil, f.maybeCancel(ctx, relay, nil, taskID, err)
	}
	if matched.Type == protocol.TypeNoProvidersAvailable {
		return &Result{TaskID: taskID, Status: string(protocol.StatusFailed)}, ErrNoProviders
	}
	providerPeer := matched.ProviderID
	f.Log.Info("task matched", zap.String("task", taskID), zap.String("provider", providerPeer))
	if err := f.Backend.BindProvider(ctx, taskID, providerPeer); err != nil {
		f.Log.Warn("record provider binding", zap.Error(err))
	}

	git, err := f.NewGit(taskID)
	if err != nil {
		return nil, err
	}
	defer git.Stop()

	if err := git.Initialize(opts.Files, opts.Task); err != nil {
		return nil, err
	}
	if err := git.Start(ctx); err != nil {
		return nil, err
	}
	gitURL, bearer, err := git.Config()
	if err != nil {
		return nil, err
	}

	creds, err := protocol.NewP2P(relay.PeerID, providerPeer, protocol.P2PGitCredentials,
		protocol.GitCredentialsPayload{
			GitURL:          gitURL,
			GitToken:        bearer,
			Tool:            opts.Tool,
			Model:           opts.Model,
			TaskDescription: opts.Task,
		})
	if err != nil {
		return nil, err
	}
	creds.TaskID = taskID
	if err := relay.Send(creds); err != nil {
		return nil, err
	}
	f.Log.Info("credentials sent, provider is executing", zap.String("task", taskID))

	summary, execErr := f.awaitExecution(ctx, relay, taskID)
	if execErr != nil {
		if errors.Is(execErr, ErrCancelled) || errors.Is(execErr, context.Canceled) {
			return nil, f.maybeCancel(ctx, relay, git, taskID, execErr)
		}
		f.finish(ctx, relay, taskID, string(protocol.StatusFailed), "")
		return &Result{TaskID: taskID, Status: string(protocol.StatusFailed)}, execErr
	}

	result := &Result{
		TaskID:  taskID,
		Status:  string(protocol.StatusCompleted),
		Summary: summary,
		Credits: taskCredits,
	}
	if err := f.review(ctx, relay, git, providerPeer, result, opts); err != nil {
		f.Log.Warn("result review incomplete", zap.Error(err))
	}

	f.finish(ctx, relay, taskID, string(protocol.StatusCompleted), summary)
	return result, nil
}

// awaitExecution consumes p2p frames until the provider reports a
// terminal outcome or the relay cancels the task.
func (f *Flow) awaitExecution(ctx context.Context, relay *peer.Client, taskID string) (string, error) {
	for {
		frame, err := relay.Await(ctx, protocol.TypeP2PRelay, protocol.TypeTaskCancelled)
		if err != nil {
			return "", err
		}
		if frame.Type == protocol.TypeTaskCancelled {
			return "", fmt.Errorf("%w: %s", ErrCancelled, frame.Reason)
		}

		var body protocol.P2PBody
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			f.Log.Warn("undecodable p2p frame", zap.Error(err))
			continue
		}
		switch body.Type {
		case protocol.P2PExecutionComplete:
			var p protocol.ExecutionCompletePayload
			if err := json.Unmarshal(body.Payload, &p); err != nil {
				return "", fmt.Errorf("parse execution result: %w", err)
			}
			return p.CommitSummary, nil
		case protocol.P2PExecutionFailed:
			var p protocol.ExecutionFailedPayload
			_ = json.Unmarshal(body.Payload, &p)
			return "", fmt.Errorf("%w: %s", ErrExecutionFailed, p.Reason)
		default:
			f.Log.Debug("ignoring p2p frame",
				zap.String("task", taskID), zap.String("type", body.Type))
		}
	}
}

// review fetches the provider's changes, presents the AI's own report,
// saves the patch and applies it when the user (or --auto-apply) says so.
// The confirmation round-trip to the provider is best-effort.
func (f *Flow) review(ctx context.Context, relay *peer.Client, git GitService, providerPeer string, result *Result, opts Options) error {
	changes, err := git.Changes(ctx)
	if err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}

	if changes.AIReview != "" && opts.Interactive {
		fmt.Fprintln(f.Out, "\n── AI report ──────────────────────────────")
		fmt.Fprintln(f.Out, changes.AIReview)
	}

	if changes.CodeDiff == "" {
		fmt.Fprintln(f.Out, "Provider made no code changes.")
	} else {
		path, err := patch.Save(result.TaskID, changes.CodeDiff)
		if err != nil {
			return err
		}
		result.PatchPath = path

		if opts.Interactive {
			fmt.Fprintln(f.Out, "\n── Code changes ───────────────────────────")
			fmt.Fprintln(f.Out, changes.CodeDiff)
		}

		apply := opts.AutoApply
		if !apply && opts.Interactive {
			apply = f.confirm("Apply these changes to your working tree? [y/N] ")
		}
		if apply {
			switch err := patch.Apply(ctx, changes.CodeDiff, path, f.Log); {
			case errors.Is(err, patch.ErrConflict):
				// The provider delivered; a local conflict only means the
				// preserved patch gets applied by hand.
				fmt.Fprintf(f.Out, "Patch conflicts with your working tree; kept at %s\n", path)
			case err != nil:
				return err
			default:
				result.Applied = true
				result.PatchPath = ""
				fmt.Fprintln(f.Out, "Changes applied.")
			}
		} else if opts.Interactive {
			fmt.Fprintf(f.Out, "Patch saved to %s\n", path)
		}
	}

	if !opts.Interactive {
		f.emitStructured(result, changes.CodeDiff)
	}

	f.confirmToProvider(ctx, relay, providerPeer, result.TaskID, true)
	return nil
}

// confirmToProvider sends the confirmation and waits briefly for the
// ack; the task outcome does not depend on it arriving.
func (f *Flow) confirmToProvider(ctx context.Context, relay *peer.Client, providerPeer, taskID string, accepted bool) {
	frame, err := protocol.NewP2P(relay.PeerID, providerPeer, protocol.P2PConfirmation,
		protocol.ConfirmationPayload{Accepted: accepted, Credits: taskCredits, TaskID: taskID})
	if err != nil || relay.Send(frame) != nil {
		return
	}
	ackCtx, cancel := context.WithTimeout(ctx, confirmationAckWait)
	defer cancel()
	for {
		got, err := relay.Await(ackCtx, protocol.TypeP2PRelay)
		if err != nil {
			f.Log.Debug("confirmation ack not received", zap.Error(err))
			return
		}
		var body protocol.P2PBody
		if json.Unmarshal(got.Payload, &body) == nil && body.Type == protocol.P2PConfirmationAck {
			return
		}
	}
}

// finish reports the terminal state to the relay and the backend. The
// relay cannot see it inside the p2p traffic, so the requester tells it
// explicitly.
func (f *Flow) finish(ctx context.Context, relay *peer.Client, taskID, status, summary string) {
	err := relay.Send(protocol.Frame{
		Type:    protocol.TypeCompleteTask,
		TaskID:  taskID,
		Status:  status,
		Summary: summary,
	})
	if err != nil {
		f.Log.Warn("report terminal state", zap.Error(err))
	}
	now := time.Now()
	f.upsert(ctx, backend.TaskRecord{
		ID:          taskID,
		Status:      status,
		Summary:     summary,
		Credits:     taskCredits,
		CompletedAt: &now,
	})
}

// upsert records task state with the backend; the marketplace record is
// observability, so failures only warn.
func (f *Flow) upsert(ctx context.Context, rec backend.TaskRecord) {
	if err := f.Backend.UpsertTask(ctx, rec); err != nil {
		f.Log.Warn("record task state", zap.String("task", rec.ID), zap.Error(err))
	}
}

// maybeCancel runs the cancellation protocol when err stems from a
// cancelled ctx: backend cancel, relay cancel_task, git teardown. All
// under a fresh grace deadline since ctx itself is already dead.
func (f *Flow) maybeCancel(ctx context.Context, relay *peer.Client, git GitService, taskID string, err error) error {
	if ctx.Err() == nil && !errors.Is(err, ErrCancelled) {
		return err
	}
	grace, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if taskID != "" {
		if berr := f.Backend.CancelTask(grace, taskID); berr != nil {
			f.Log.Warn("backend cancel failed", zap.Error(berr))
		}
		serr := relay.Send(protocol.Frame{
			Type:   protocol.TypeCancelTask,
			TaskID: taskID,
			Reason: "requester interrupt",
		})
		if serr != nil {
			f.Log.Debug("relay cancel not sent", zap.Error(serr))
		}
	}
	if git != nil {
		git.Stop()
	}
	return ErrCancelled
}

// confirm prompts on the interactive terminal.
func (f *Flow) confirm(prompt string) bool {
	fmt.Fprint(f.Out, prompt)
	sc := bufio.NewScanner(f.In)
	if !sc.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes"
}

// emitStructured prints machine-readable result markers for callers
// that pipe the CLI (agents, scripts).
func (f *Flow) emitStructured(result *Result, diff string) {
	doc, err := json.Marshal(result)
	if err != nil {
		return
	}
	fmt.Fprintln(f.Out, resultStart)
	fmt.Fprintln(f.Out, string(doc))
	fmt.Fprintln(f.Out, resultEnd)
	if diff != "" && !result.Applied {
		fmt.Fprintln(f.Out, patchStart)
		fmt.Fprint(f.Out, diff)
		fmt.Fprintln(f.Out, patchEnd)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
