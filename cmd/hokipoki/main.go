package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/hoki-poki/hokipoki/internal/backend"
	"github.com/hoki-poki/hokipoki/internal/config"
	"github.com/hoki-poki/hokipoki/internal/gitserver"
	"github.com/hoki-poki/hokipoki/internal/hokihome"
	"github.com/hoki-poki/hokipoki/internal/identity"
	"github.com/hoki-poki/hokipoki/internal/protocol"
	"github.com/hoki-poki/hokipoki/internal/provider"
	"github.com/hoki-poki/hokipoki/internal/requester"
	"github.com/hoki-poki/hokipoki/internal/sandbox"
	"github.com/hoki-poki/hokipoki/internal/toolcred"
	"github.com/hoki-poki/hokipoki/internal/tunnel"
	"github.com/hoki-poki/hokipoki/internal/vault"
)

const exitInterrupted = 130

// app bundles the lazily constructed shared components.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	vault   *vault.Vault
	agent   *identity.Agent
	backend *backend.Client
	creds   *toolcred.Adapter
}

func newApp() (*app, error) {
	_ = godotenv.Load()

	log, err := zap.NewDevelopment(zap.IncreaseLevel(zap.InfoLevel))
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	home, err := hokihome.Dir()
	if err != nil {
		return nil, err
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v := vault.New(home)
	agent := identity.NewAgent(cfg.Identity.IssuerURL, cfg.Identity.ClientID, v, log)
	be := backend.NewClient(cfg.Backend.BaseURL, agent.GetToken)

	return &app{
		cfg:     cfg,
		log:     log,
		vault:   v,
		agent:   agent,
		backend: be,
		creds:   toolcred.New(v, userHome, log),
	}, nil
}

// identify resolves the access token and profile, mapping auth errors to
// the remedial login hint.
func (a *app) identify(ctx context.Context) (token string, profile *backend.Profile, err error) {
	token, err = a.agent.GetToken(ctx)
	if err != nil {
		return "", nil, err
	}
	profile, err = a.backend.Profile(ctx)
	if err != nil {
		return "", nil, err
	}
	return token, profile, nil
}

func (a *app) workspaceIDs(p *backend.Profile) []string {
	ids := make([]string, 0, len(p.Workspaces))
	for _, ws := range p.Workspaces {
		ids = append(ids, ws.ID)
	}
	if len(ids) == 0 && p.WorkspaceID != "" {
		ids = append(ids, p.WorkspaceID)
	}
	return ids
}

func main() {
	root := &cobra.Command{
		Use:           "hokipoki",
		Short:         "Peer-to-peer marketplace for AI coding tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		loginCmd(), logoutCmd(), statusCmd(),
		taskCmd(), registerCmd(), listenCmd(),
		sandboxExecCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, requester.ErrCancelled) || errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupted)
		}
		os.Exit(1)
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the marketplace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			a.agent.AuthURLSink = func(url string) {
				fmt.Printf("Open this URL to sign in:\n\n  %s\n\n", url)
			}
			probe := func(ctx context.Context, accessToken, email string) (bool, error) {
				c := backend.NewClient(a.cfg.Backend.BaseURL, backend.StaticToken(accessToken))
				return c.CheckVerified(ctx, email)
			}
			if _, err := a.agent.Login(cmd.Context(), probe); err != nil {
				return err
			}
			fmt.Println("Logged in.")
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.agent.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, authenticated tools and active tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			_, profile, err := a.identify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Signed in as %s\n", profile.Email)

			tools := a.creds.ListAuthenticated()
			if len(tools) == 0 {
				fmt.Println("Authenticated tools: none")
			} else {
				fmt.Printf("Authenticated tools: %s\n", strings.Join(tools, ", "))
			}

			active, err := a.backend.ActiveTasks(cmd.Context())
			if err != nil {
				return err
			}
			if !active.HasActiveTasks {
				fmt.Println("No active tasks.")
				return nil
			}
			fmt.Println("Active tasks:")
			for _, task := range active.ActiveTasks {
				fmt.Printf("  %s  %-11s %s (%s)\n", task.ID, task.Status, task.Description, task.Tool)
			}
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	var (
		tool        string
		model       string
		files       []string
		workspace   string
		noAutoApply bool
	)
	cmd := &cobra.Command{
		Use:   "task \"description\"",
		Short: "Submit a coding task to the marketplace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			token, profile, err := a.identify(cmd.Context())
			if err != nil {
				return err
			}
			if workspace == "" {
				workspace = profile.WorkspaceID
				if workspace == "" && len(profile.Workspaces) > 0 {
					workspace = profile.Workspaces[0].ID
				}
			}

			binDir, err := hokihome.BinDir()
			if err != nil {
				return err
			}
			tmpDir, err := hokihome.TmpDir()
			if err != nil {
				return err
			}
			tunnels := tunnel.NewClient(a.vault, a.backend, a.cfg.Tunnel, binDir, a.log)

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			flow := &requester.Flow{
				RelayURL:    a.cfg.Relay.URL,
				Token:       token,
				UserID:      profile.ID,
				WorkspaceID: workspace,
				Backend:     a.backend,
				NewGit: func(taskID string) (requester.GitService, error) {
					return gitserver.New(taskID, tmpDir, tunnels, a.log)
				},
				In:  os.Stdin,
				Out: os.Stdout,
				Log: a.log,
			}

			result, err := flow.Run(cmd.Context(), requester.Options{
				Tool:        tool,
				Model:       model,
				Task:        args[0],
				Files:       files,
				AutoApply:   !noAutoApply,
				Interactive: interactive,
			})
			if err != nil {
				return err
			}
			if interactive {
				fmt.Printf("Task %s %s.\n", result.TaskID, result.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tool, "tool", protocol.ToolClaude, "AI tool to run (claude|codex|gemini)")
	cmd.Flags().StringVar(&model, "model", "", "model override for the chosen tool")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file to include in the task repo (repeatable)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace to publish into (default: personal)")
	cmd.Flags().BoolVar(&noAutoApply, "no-auto-apply", false, "review the patch instead of applying it directly")
	return cmd
}

func registerCmd() *cobra.Command {
	var tools []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register as a provider for the given tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if _, _, err := a.identify(cmd.Context()); err != nil {
				return err
			}
			registered, err := provider.Register(cmd.Context(), tools, a.creds, a.backend, os.Stdout, a.log)
			if err != nil {
				return err
			}
			fmt.Printf("Registered tools: %s\n", strings.Join(registered, ", "))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "tools to offer (claude,codex,gemini)")
	_ = cmd.MarkFlagRequired("tools")
	return cmd
}

func listenCmd() *cobra.Command {
	var autoAccept bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve tasks for registered tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			token, profile, err := a.identify(cmd.Context())
			if err != nil {
				return err
			}

			tools, err := a.backend.ProviderTools(cmd.Context())
			if err != nil {
				return err
			}
			if len(tools) == 0 {
				tools = a.creds.ListAuthenticated()
			}

			executor, err := sandbox.NewExecutor(a.cfg.Sandbox.Image, a.cfg.Sandbox.DebugPause, a.log)
			if err != nil {
				return err
			}

			flow := &provider.Flow{
				RelayURL:     a.cfg.Relay.URL,
				Token:        token,
				UserID:       profile.ID,
				WorkspaceIDs: a.workspaceIDs(profile),
				Tools:        tools,
				AutoAccept:   autoAccept,
				Interactive:  term.IsTerminal(int(os.Stdin.Fd())),
				Creds:        a.creds,
				Sandbox:      executor,
				Backend:      a.backend,
				In:           os.Stdin,
				Out:          os.Stdout,
				Log:          a.log,
			}
			err = flow.Listen(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every offered task without prompting")
	return cmd
}

// sandboxExecCmd is the hidden container entrypoint; it never runs on a
// user's host directly.
func sandboxExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "sandbox-exec",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			runner, err := sandbox.NewRunnerFromEnv(log)
			if err != nil {
				return err
			}
			return runner.Run(cmd.Context())
		},
	}
}
