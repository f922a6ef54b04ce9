// Package gitserver runs the requester-side ephemeral git service: a
// transient bare repository served over authenticated smart HTTP and
// exposed through a reverse tunnel so the provider sandbox can clone
// and push from behind NAT.
package gitserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cgi"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/tunnel"
)

// ErrNotStarted means Config or Changes was called before Start.
var ErrNotStarted = errors.New("git server not started")

const (
	bearerBytes = 32
	shredLimit  = 1 << 20 // overwrite at most 1 MiB per file

	// AIOutputFile carries the captured AI CLI output; its diff section
	// is presented as the review, never applied as a code change.
	AIOutputFile = "AI_OUTPUT.md"

	commitAuthor  = "HokiPoki"
	commitEmail   = "noreply@hoki-poki.ai"
	initialCommit = "Initial task files"
)

// tunnelOpener is the slice of the tunnel client the server needs.
type tunnelOpener interface {
	Open(ctx context.Context, localPort int, subdomain string) (*tunnel.Handle, error)
}

// Changes is the provider's result, split into the applied code diff and
// the AI review captured in AI_OUTPUT.md.
type Changes struct {
	CodeDiff string
	AIReview string
}

// Server owns one task's bare repository, its HTTP listener and tunnel.
type Server struct {
	taskID  string
	root    string // parent of the bare repo (GIT_PROJECT_ROOT)
	tunnels tunnelOpener
	log     *zap.Logger

	repoPath string
	bearer   string

	listener  net.Listener
	httpSrv   *http.Server
	handle    *tunnel.Handle
	publicURL string
}

// New prepares a server for taskID rooted at tmpRoot (~/.hokipoki/tmp).
func New(taskID, tmpRoot string, tunnels tunnelOpener, log *zap.Logger) (*Server, error) {
	bearer := make([]byte, bearerBytes)
	if _, err := rand.Read(bearer); err != nil {
		return nil, fmt.Errorf("generate bearer: %w", err)
	}
	return &Server{
		taskID:   taskID,
		root:     tmpRoot,
		tunnels:  tunnels,
		log:      log,
		repoPath: filepath.Join(tmpRoot, taskID+".git"),
		bearer:   hex.EncodeToString(bearer),
	}, nil
}

// Initialize creates the bare repo, materializes a work tree on branch
// main with the given files, commits and pushes. Paths are taken relative
// to the current working directory; leading ".." components are dropped.
// With no files a placeholder TASK.md holding taskText is committed so
// the provider clone is never empty.
func (s *Server) Initialize(files []string, taskText string) error {
	bare, err := git.PlainInit(s.repoPath, true)
	if err != nil {
		return fmt.Errorf("init bare repo: %w", err)
	}
	cfg, err := bare.Config()
	if err != nil {
		return fmt.Errorf("read repo config: %w", err)
	}
	cfg.Raw.Section("http").SetOption("receivepack", "true")
	if err := bare.SetConfig(cfg); err != nil {
		return fmt.Errorf("enable receive-pack: %w", err)
	}
	// Clones resolve HEAD through this symref; the work tree pushes main.
	if err := bare.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.Main)); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}

	workDir, err := os.MkdirTemp("", "hokipoki-work-*")
	if err != nil {
		return fmt.Errorf("create work tree: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	work, err := git.PlainInitWithOptions(workDir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return fmt.Errorf("init work tree: %w", err)
	}
	wt, err := work.Worktree()
	if err != nil {
		return err
	}

	added, err := copyInputs(workDir, files)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		// An empty task still needs one tracked file.
		if err := writePlaceholder(workDir, taskText); err != nil {
			return fmt.Errorf("write placeholder: %w", err)
		}
		added = []string{"TASK.md"}
	}
	for _, rel := range added {
		if _, err := wt.Add(rel); err != nil {
			return fmt.Errorf("stage %s: %w", rel, err)
		}
	}

	sig := &object.Signature{Name: commitAuthor, Email: commitEmail, When: time.Now()}
	if _, err := wt.Commit(initialCommit, &git.CommitOptions{Author: sig}); err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}

	if _, err := work.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{s.repoPath},
	}); err != nil {
		return fmt.Errorf("add origin: %w", err)
	}
	if err := work.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"},
	}); err != nil {
		return fmt.Errorf("push initial commit: %w", err)
	}

	s.log.Info("ephemeral repo ready",
		zap.String("task", s.taskID),
		zap.Int("files", len(added)))
	return nil
}

// copyInputs copies each file into workDir under its path relative to
// the current working directory, sanitized against escaping the tree.
func copyInputs(workDir string, files []string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	var added []string
	for _, f := range files {
		rel := f
		if filepath.IsAbs(f) {
			if r, err := filepath.Rel(cwd, f); err == nil {
				rel = r
			} else {
				rel = filepath.Base(f)
			}
		}
		rel = sanitizeRel(rel)
		if rel == "" {
			continue
		}
		dest := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("copy %s: %w", f, err)
		}
		if err := copyFile(f, dest); err != nil {
			return nil, fmt.Errorf("copy %s: %w", f, err)
		}
		added = append(added, rel)
	}
	return added, nil
}

// sanitizeRel drops leading ".." components so inputs cannot land
// outside the work tree.
func sanitizeRel(rel string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")
	for len(parts) > 0 && (parts[0] == ".." || parts[0] == "." || parts[0] == "") {
		parts = parts[1:]
	}
	return filepath.Join(parts...)
}

// writePlaceholder materializes TASK.md holding the task description.
// Like everything in the ephemeral tree it is readable by the owner only.
func writePlaceholder(workDir, taskText string) error {
	return os.WriteFile(filepath.Join(workDir, "TASK.md"), []byte(taskText+"\n"), 0o600)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Start binds a free port, serves the repo over authenticated smart HTTP
// and attaches a tunnel so the public URL resolves from outside.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("bind git server: %w", err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	engine, err := s.buildEngine()
	if err != nil {
		ln.Close()
		return err
	}
	s.httpSrv = &http.Server{Handler: engine}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("git server error", zap.Error(err))
		}
	}()

	handle, err := s.tunnels.Open(ctx, port, "")
	if err != nil {
		s.shutdownHTTP()
		return fmt.Errorf("open tunnel: %w", err)
	}
	s.handle = handle
	s.publicURL = handle.PublicURL + "/" + s.taskID + ".git"

	s.log.Info("git server up",
		zap.String("task", s.taskID),
		zap.Int("port", port),
		zap.String("url", s.publicURL))
	return nil
}

// buildEngine wires the bearer middleware in front of the git
// smart-HTTP CGI backend.
func (s *Server) buildEngine() (*gin.Engine, error) {
	gitBin, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}
	backend := &cgi.Handler{
		Path: gitBin,
		Args: []string{"http-backend"},
		Env: []string{
			"GIT_PROJECT_ROOT=" + s.root,
			"GIT_HTTP_EXPORT_ALL=1",
		},
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), s.authMiddleware())
	engine.NoRoute(gin.WrapH(backend))
	return engine, nil
}

// authMiddleware enforces the one-time bearer on every request before
// the CGI backend is reached. Bearer, Basic (bearer:x-oauth-basic) and a
// ?token= fallback are all accepted.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.credentialOK(c.Request) {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", `Basic realm="Git"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) credentialOK(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		return bearerEqual(user, s.bearer) && pass == "x-oauth-basic"
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return bearerEqual(strings.TrimPrefix(auth, "Bearer "), s.bearer)
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return bearerEqual(tok, s.bearer)
	}
	return false
}

func bearerEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Config returns the public clone URL and the one-time bearer.
func (s *Server) Config() (url, bearer string, err error) {
	if s.publicURL == "" {
		return "", "", ErrNotStarted
	}
	return s.publicURL, s.bearer, nil
}

// Changes clones the bare repo into a throwaway tree and derives the
// provider's diff: root→HEAD for two or more commits, the sole commit
// otherwise. The AI_OUTPUT.md section is split off as the review.
func (s *Server) Changes(ctx context.Context) (*Changes, error) {
	if s.repoPath == "" {
		return nil, ErrNotStarted
	}
	dir, err := os.MkdirTemp("", "hokipoki-result-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: s.repoPath})
	if err != nil {
		return nil, fmt.Errorf("clone result: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}

	root, count, err := rootCommit(repo, headCommit)
	if err != nil {
		return nil, err
	}

	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, err
	}
	var fromTree *object.Tree
	if count >= 2 {
		if fromTree, err = root.Tree(); err != nil {
			return nil, err
		}
	}
	// A nil from-tree diffs the sole commit against the empty tree.
	diffChanges, err := object.DiffTreeWithOptions(ctx, fromTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	patch, err := diffChanges.PatchContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("render diff: %w", err)
	}

	code, review := SplitAIOutput(patch.String())
	return &Changes{CodeDiff: code, AIReview: review}, nil
}

// rootCommit walks first parents down to the root and reports the
// distance travelled.
func rootCommit(repo *git.Repository, head *object.Commit) (*object.Commit, int, error) {
	current := head
	count := 1
	for current.NumParents() > 0 {
		parent, err := current.Parent(0)
		if err != nil {
			return nil, 0, err
		}
		current = parent
		count++
	}
	_ = repo
	return current, count, nil
}

// SplitAIOutput separates the AI_OUTPUT.md section of a unified diff
// from the code sections, returning the code diff and the review text
// (added lines of AI_OUTPUT.md, with diff markers stripped).
func SplitAIOutput(diff string) (code, review string) {
	if diff == "" {
		return "", ""
	}
	var codeb, reviewb strings.Builder
	for _, section := range splitSections(diff) {
		if strings.Contains(firstLine(section), AIOutputFile) {
			for _, line := range strings.Split(section, "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					reviewb.WriteString(strings.TrimPrefix(line, "+"))
					reviewb.WriteString("\n")
				}
			}
			continue
		}
		codeb.WriteString(section)
	}
	return codeb.String(), strings.TrimRight(reviewb.String(), "\n")
}

// splitSections cuts a unified diff into per-file sections, each
// beginning with its "diff --git" header.
func splitSections(diff string) []string {
	const marker = "diff --git "
	var sections []string
	rest := diff
	for {
		idx := strings.Index(rest[1:], "\n"+marker)
		if idx < 0 {
			sections = append(sections, rest)
			return sections
		}
		cut := idx + 2 // past the leading offset and the newline
		sections = append(sections, rest[:cut])
		rest = rest[cut:]
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Stop tears everything down: tunnel, HTTP server, then the repo tree,
// each file overwritten with random bytes before removal. Best-effort;
// errors are logged, not returned.
func (s *Server) Stop() {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	s.shutdownHTTP()
	if s.repoPath != "" {
		if err := shredTree(s.repoPath); err != nil {
			s.log.Warn("shred repo", zap.Error(err))
		}
		if err := os.RemoveAll(s.repoPath); err != nil {
			s.log.Warn("remove repo", zap.Error(err))
		}
	}
	s.publicURL = ""
}

func (s *Server) shutdownHTTP() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Debug("git server shutdown", zap.Error(err))
	}
	s.httpSrv = nil
	s.listener = nil
}

// shredTree overwrites every regular file under root with random bytes,
// capped at 1 MiB each.
func shredTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		size := info.Size()
		if size > shredLimit {
			size = shredLimit
		}
		if size == 0 {
			return nil
		}
		noise := make([]byte, size)
		if _, err := rand.Read(noise); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return nil // locked or permission-stripped; removal still runs
		}
		defer f.Close()
		_, err = f.WriteAt(noise, 0)
		return err
	})
}
