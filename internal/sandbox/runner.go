package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/toolcred"
)

const (
	workspaceDir = "/workspace"
	imageFile    = workspaceDir + "/ws.img"
	keyFile      = workspaceDir + "/ws.key"
	mapperName   = "workspace"
	mountPoint   = workspaceDir + "/code"
	credHelper   = workspaceDir + "/git-cred.sh"
	repoDir      = mountPoint + "/repo"

	imageSizeMiB  = 100
	luksKeyBytes  = 32
	cliWallClock  = 20 * time.Minute
	outputCap     = 10 << 20 // 10 MiB of captured AI output
	debugPauseDur = 10 * time.Minute
)

// Runner is the in-container side of the executor: it owns the
// LUKS-on-loop workspace and the AI CLI subprocess for exactly one task.
type Runner struct {
	log *zap.Logger

	taskID     string
	gitURL     string
	gitToken   string
	tool       string
	model      string
	task       string
	oauthToken string
	debugPause bool

	luksKey []byte
	keyPath string
}

// NewRunnerFromEnv reads the task contract the host injected.
func NewRunnerFromEnv(log *zap.Logger) (*Runner, error) {
	r := &Runner{
		log:        log,
		taskID:     os.Getenv("TASK_ID"),
		gitURL:     os.Getenv("GIT_URL"),
		gitToken:   os.Getenv("GIT_TOKEN"),
		tool:       os.Getenv("AI_TOOL"),
		model:      os.Getenv("AI_MODEL"),
		task:       os.Getenv("TASK_DESCRIPTION"),
		oauthToken: os.Getenv("OAUTH_TOKEN"),
		debugPause: os.Getenv("DEBUG_PAUSE") != "",
		keyPath:    keyFile,
	}
	for name, v := range map[string]string{
		"TASK_ID":     r.taskID,
		"GIT_URL":     r.gitURL,
		"GIT_TOKEN":   r.gitToken,
		"AI_TOOL":     r.tool,
		"OAUTH_TOKEN": r.oauthToken,
	} {
		if v == "" {
			return nil, fmt.Errorf("missing required environment %s", name)
		}
	}
	return r, nil
}

// Run executes the full in-container sequence. Any failure aborts into
// the emergency wipe; the nonzero exit tells the host the task failed.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.log.Error("sandbox step failed, wiping", zap.Error(err))
			r.emergencyWipe()
		}
	}()

	if err = r.prepareGit(ctx); err != nil {
		return err
	}
	if err = r.openEncryptedWorkspace(ctx); err != nil {
		return err
	}
	defer r.teardown()

	if err = r.cloneRepo(ctx); err != nil {
		return err
	}
	if err = r.injectCredentials(); err != nil {
		return err
	}

	output, err := r.runCLI(ctx)
	if err != nil {
		return err
	}
	if err = r.commitAndPush(ctx, output); err != nil {
		return err
	}

	if r.debugPause {
		r.log.Info("DEBUG_PAUSE set, holding container open")
		select {
		case <-time.After(debugPauseDur):
		case <-ctx.Done():
		}
	}
	return nil
}

// ── git & LUKS setup ──────────────────────────────────────────────────────────

func (r *Runner) prepareGit(ctx context.Context) error {
	for _, dir := range []string{mountPoint, "*"} {
		if err := r.run(ctx, "git", "config", "--global", "--add", "safe.directory", dir); err != nil {
			return err
		}
	}
	if err := r.run(ctx, "git", "config", "--global", "user.name", "HokiPoki Sandbox"); err != nil {
		return err
	}
	if err := r.run(ctx, "git", "config", "--global", "user.email", "sandbox@hoki-poki.ai"); err != nil {
		return err
	}

	helper := "#!/bin/sh\necho \"username=" + r.gitToken + "\"\necho \"password=x-oauth-basic\"\n"
	if err := os.WriteFile(credHelper, []byte(helper), 0o700); err != nil {
		return fmt.Errorf("write credential helper: %w", err)
	}
	return r.run(ctx, "git", "config", "--global", "credential.helper", credHelper)
}

// openEncryptedWorkspace builds the keyed in-RAM blob: a dd image on
// tmpfs, LUKS-formatted and opened with a fresh one-shot key, ext4 on
// top, mounted at /workspace/code.
func (r *Runner) openEncryptedWorkspace(ctx context.Context) error {
	// Pre-clean a stale mapping from a crashed predecessor.
	_ = exec.CommandContext(ctx, "cryptsetup", "close", mapperName).Run()

	if err := r.run(ctx, "dd", "if=/dev/urandom", "of="+imageFile,
		"bs=1M", fmt.Sprintf("count=%d", imageSizeMiB)); err != nil {
		return err
	}

	r.luksKey = make([]byte, luksKeyBytes)
	if _, err := rand.Read(r.luksKey); err != nil {
		return fmt.Errorf("generate luks key: %w", err)
	}

	err := r.withKeyFile(func() error {
		return r.run(ctx, "cryptsetup", "--batch-mode", "luksFormat", imageFile, r.keyPath)
	})
	if err != nil {
		return err
	}
	err = r.withKeyFile(func() error {
		return r.run(ctx, "cryptsetup", "luksOpen", "--disable-keyring",
			"--key-file", r.keyPath, imageFile, mapperName)
	})
	if err != nil {
		return err
	}
	// The key now lives only in this process and the device-mapper layer.

	if err := r.run(ctx, "mkfs.ext4", "-F", "/dev/mapper/"+mapperName); err != nil {
		return err
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return err
	}
	return r.run(ctx, "mount", "/dev/mapper/"+mapperName, mountPoint)
}

// withKeyFile materializes the LUKS key for exactly one cryptsetup
// invocation and shreds it again before returning.
func (r *Runner) withKeyFile(fn func() error) error {
	if err := os.WriteFile(r.keyPath, r.luksKey, 0o600); err != nil {
		return fmt.Errorf("write keyfile: %w", err)
	}
	defer shredFile(r.keyPath)
	return fn()
}

func (r *Runner) cloneRepo(ctx context.Context) error {
	return r.run(ctx, "git", "clone", r.gitURL, repoDir)
}

// ── credential injection ──────────────────────────────────────────────────────

// injectCredentials materializes the native credential files for the
// selected tool. codex and gemini blobs are double-encoded JSON (§ the
// toolcred transport convention); claude ships a bare OAuth token.
func (r *Runner) injectCredentials() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve container home: %w", err)
	}
	switch r.tool {
	case "claude":
		dir := filepath.Join(home, ".claude-config")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		doc, err := json.Marshal(map[string]any{"acceptEditsModeAccepted": true})
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, ".claude.json"), doc, 0o600)

	case "codex":
		raw, err := toolcred.DecodeBlob(r.oauthToken)
		if err != nil {
			return fmt.Errorf("decode codex blob: %w", err)
		}
		var doc struct {
			Tokens json.RawMessage `json:"tokens"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse codex credentials: %w", err)
		}
		auth, err := json.Marshal(map[string]any{
			"OPENAI_API_KEY": nil,
			"tokens":         doc.Tokens,
			"last_refresh":   time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		dir := filepath.Join(home, ".codex")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "auth.json"), auth, 0o600); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "config.toml"),
			[]byte("preferred_auth_method = \"chatgpt\"\n"), 0o600)

	case "gemini":
		raw, err := toolcred.DecodeBlob(r.oauthToken)
		if err != nil {
			return fmt.Errorf("decode gemini blob: %w", err)
		}
		dir := filepath.Join(home, ".gemini")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "oauth_creds.json"), raw, 0o600); err != nil {
			return err
		}
		settings, err := json.Marshal(map[string]string{"selectedAuthType": "oauth-personal"})
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "settings.json"), settings, 0o600)
	}
	return fmt.Errorf("unsupported tool %q", r.tool)
}

// ── AI CLI ────────────────────────────────────────────────────────────────────

// runCLI executes the AI tool with a hard wall clock and a capped
// output buffer. stdin is /dev/null: the tools must run unattended.
func (r *Runner) runCLI(ctx context.Context) (string, error) {
	task := EnhanceTask(r.task, repoDir)
	args := CLIArgs(r.tool, r.model, task)
	if args == nil {
		return "", fmt.Errorf("unsupported tool %q", r.tool)
	}

	cliCtx, cancel := context.WithTimeout(ctx, cliWallClock)
	defer cancel()

	cmd := exec.CommandContext(cliCtx, args[0], args[1:]...)
	cmd.Dir = repoDir
	cmd.Stdin = nil // /dev/null
	out := &cappedBuffer{cap: outputCap}
	cmd.Stdout = out
	cmd.Stderr = out
	if r.tool == "claude" {
		cmd.Env = append(os.Environ(), "CLAUDE_CODE_OAUTH_TOKEN="+r.oauthToken)
	}

	r.log.Info("running AI CLI", zap.String("tool", r.tool), zap.String("model", r.model))
	err := cmd.Run()
	if cliCtx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("AI CLI exceeded %s wall clock", cliWallClock)
	}
	if err != nil {
		return out.String(), fmt.Errorf("%s run: %w\n%s", r.tool, err, tail(out.String(), 2048))
	}
	return out.String(), nil
}

// ── result capture ────────────────────────────────────────────────────────────

// commitAndPush records the AI output, commits the tree when it
// changed, emits the sentinel-bracketed summary and pushes.
func (r *Runner) commitAndPush(ctx context.Context, output string) error {
	if err := os.WriteFile(filepath.Join(repoDir, "AI_OUTPUT.md"), []byte(output), 0o644); err != nil {
		return fmt.Errorf("write AI output: %w", err)
	}
	if err := r.runIn(ctx, repoDir, "git", "add", "-A"); err != nil {
		return err
	}

	status, err := r.capture(ctx, repoDir, "git", "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		r.log.Info("working tree clean, skipping commit and push")
		return nil
	}

	message := Summarize(r.tool, output)
	if err := r.runIn(ctx, repoDir, "git", "commit", "-m", message); err != nil {
		return err
	}
	// The host captures the summary from this line.
	fmt.Println(SentinelStart + message + SentinelEnd)

	branch, err := r.capture(ctx, repoDir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	return r.runIn(ctx, repoDir, "git", "push", "origin", strings.TrimSpace(branch))
}

// ── teardown & wipe ───────────────────────────────────────────────────────────

// teardown closes the encrypted workspace and destroys its backing
// image and key material. Runs on success and on failure alike.
func (r *Runner) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_ = exec.CommandContext(ctx, "umount", mountPoint).Run()
	_ = exec.CommandContext(ctx, "cryptsetup", "close", mapperName).Run()

	shredFile(imageFile)
	shredFile(credHelper)
	zero(r.luksKey)
	os.RemoveAll(mountPoint) //nolint:errcheck
}

// emergencyWipe overwrites everything a failed run may have left in
// the clear before the process exits nonzero.
func (r *Runner) emergencyWipe() {
	r.teardown()
	for _, dir := range []string{workspaceDir, "/tmp"} {
		filepath.Walk(dir, func(path string, info os.FileInfo, err error) error { //nolint:errcheck
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			shredFile(path)
			return nil
		})
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (r *Runner) run(ctx context.Context, name string, args ...string) error {
	return r.runIn(ctx, "", name, args...)
}

func (r *Runner) runIn(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, tail(string(out), 1024))
	}
	return nil
}

func (r *Runner) capture(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// shredFile overwrites a file with random bytes (1 MiB cap) and
// removes it. Missing files are fine.
func shredFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	size := info.Size()
	if size > 1<<20 {
		size = 1 << 20
	}
	if size > 0 {
		noise := make([]byte, size)
		rand.Read(noise) //nolint:errcheck
		if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
			f.WriteAt(noise, 0) //nolint:errcheck
			f.Close()
		}
	}
	os.Remove(path) //nolint:errcheck
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// tail returns the last n bytes of s, for error context.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// cappedBuffer keeps at most cap bytes, discarding the excess.
type cappedBuffer struct {
	cap int
	buf []byte
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.cap - len(b.buf)
	if remain > 0 {
		if len(p) < remain {
			remain = len(p)
		}
		b.buf = append(b.buf, p[:remain]...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }
