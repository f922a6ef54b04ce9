package tunnel

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/backend"
	"github.com/hoki-poki/hokipoki/internal/config"
	"github.com/hoki-poki/hokipoki/internal/vault"
)

type fakeFetcher struct {
	calls int32
	tok   backend.TunnelToken
	err   error
}

func (f *fakeFetcher) TunnelToken(ctx context.Context) (*backend.TunnelToken, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	tok := f.tok
	return &tok, nil
}

func newTestClient(t *testing.T, f *fakeFetcher, env config.TunnelConfig) (*Client, *vault.Vault) {
	t.Helper()
	v := vault.New(t.TempDir())
	return NewClient(v, f, env, t.TempDir(), zap.NewNop()), v
}

// ── RandomSubdomain ───────────────────────────────────────────────────────────

func TestRandomSubdomain_Format(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{1,2}$`)
	for i := 0; i < 50; i++ {
		sub := RandomSubdomain()
		if !re.MatchString(sub) {
			t.Fatalf("bad subdomain %q", sub)
		}
	}
}

// ── renderConfig ──────────────────────────────────────────────────────────────

func TestRenderConfig(t *testing.T) {
	cfg := &Config{
		Token:      "shh",
		ServerAddr: "tunnel.hoki-poki.ai",
		ServerPort: 7000,
	}
	out := renderConfig(cfg, 9123, "brave-otter-42")

	for _, want := range []string{
		`serverAddr = "tunnel.hoki-poki.ai"`,
		`serverPort = 7000`,
		`auth.token = "shh"`,
		`[[proxies]]`,
		`name = "hokipoki-brave-otter-42"`,
		`type = "http"`,
		`localPort = 9123`,
		`subdomain = "brave-otter-42"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("config missing %q:\n%s", want, out)
		}
	}
}

// ── ResolveConfig ─────────────────────────────────────────────────────────────

func TestResolveConfig_EnvOverrideWins(t *testing.T) {
	f := &fakeFetcher{}
	c, _ := newTestClient(t, f, config.TunnelConfig{
		ServerAddr:   "self-hosted.example.com",
		ServerPort:   7100,
		AuthToken:    "local-secret",
		HTTPPort:     8088,
		TunnelDomain: "t.example.com",
	})

	got, err := c.ResolveConfig(context.Background())
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if got.ServerAddr != "self-hosted.example.com" || got.Token != "local-secret" {
		t.Errorf("env override not used: %+v", got)
	}
	if atomic.LoadInt32(&f.calls) != 0 {
		t.Error("backend must not be hit when env override is complete")
	}
}

func TestResolveConfig_FetchesAndCaches(t *testing.T) {
	f := &fakeFetcher{tok: backend.TunnelToken{
		Token:          "backend-secret",
		ServerAddr:     "frp.hoki-poki.ai",
		ServerPort:     7000,
		SubdomainHost:  "tunnel.hoki-poki.ai",
		PublicHTTPPort: 8080,
	}}
	c, v := newTestClient(t, f, config.TunnelConfig{})

	got, err := c.ResolveConfig(context.Background())
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if got.Token != "backend-secret" {
		t.Errorf("token: got %q", got.Token)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}

	// Second resolve must come from the sealed cache.
	if _, err := c.ResolveConfig(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&f.calls); n != 1 {
		t.Errorf("backend calls: got %d want 1", n)
	}

	var sealed Config
	if err := v.LoadJSON("tunnel_config", &sealed); err != nil {
		t.Fatalf("config not sealed: %v", err)
	}
	if sealed.ServerAddr != "frp.hoki-poki.ai" {
		t.Errorf("sealed addr: got %q", sealed.ServerAddr)
	}
}

func TestResolveConfig_StaleCacheRefetched(t *testing.T) {
	f := &fakeFetcher{tok: backend.TunnelToken{Token: "fresh", ServerAddr: "a", ServerPort: 1}}
	c, v := newTestClient(t, f, config.TunnelConfig{})

	if err := v.StoreJSON("tunnel_config", Config{
		Token:     "ancient",
		FetchedAt: time.Now().Add(-25 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := c.ResolveConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "fresh" {
		t.Errorf("stale cache served: got token %q", got.Token)
	}
}

// ── EnsureBinary ──────────────────────────────────────────────────────────────

func TestEnsureBinary_FindsInPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	dir := t.TempDir()
	fake := filepath.Join(dir, "frpc")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	c, _ := newTestClient(t, &fakeFetcher{}, config.TunnelConfig{})
	got, err := c.EnsureBinary(context.Background())
	if err != nil {
		t.Fatalf("EnsureBinary: %v", err)
	}
	if got != fake {
		t.Errorf("got %q want %q", got, fake)
	}
}

func TestEnsureBinary_UsesCachedDownload(t *testing.T) {
	t.Setenv("PATH", t.TempDir()) // nothing in PATH

	c, _ := newTestClient(t, &fakeFetcher{}, config.TunnelConfig{})
	cached := filepath.Join(c.binDir, "frpc")
	if err := os.WriteFile(cached, []byte("bin"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := c.EnsureBinary(context.Background())
	if err != nil {
		t.Fatalf("EnsureBinary: %v", err)
	}
	if got != cached {
		t.Errorf("got %q want %q", got, cached)
	}
}

// ── extractFrpc ───────────────────────────────────────────────────────────────

func TestExtractFrpc(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		"frp_0.61.1_linux_amd64/LICENSE": "license text",
		"frp_0.61.1_linux_amd64/frpc":    "ELF-pretend-binary",
		"frp_0.61.1_linux_amd64/frps":    "server binary",
	}
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()

	dest := filepath.Join(t.TempDir(), "frpc")
	if err := extractFrpc(&buf, dest); err != nil {
		t.Fatalf("extractFrpc: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ELF-pretend-binary" {
		t.Errorf("extracted wrong member: %q", got)
	}
	info, _ := os.Stat(dest) //nolint:errcheck
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("extracted binary not executable")
	}
}

func TestExtractFrpc_MissingMember(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "frp/README", Mode: 0o644, Size: 2, Typeflag: tar.TypeReg}) //nolint:errcheck
	tw.Write([]byte("hi"))                                                                       //nolint:errcheck
	tw.Close()
	gz.Close()

	if err := extractFrpc(&buf, filepath.Join(t.TempDir(), "frpc")); err == nil {
		t.Fatal("expected error for archive without frpc")
	}
}

// ── Open / Close ──────────────────────────────────────────────────────────────

func TestOpen_SpawnsAndCloses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	dir := t.TempDir()
	stub := filepath.Join(dir, "frpc")
	script := "#!/bin/sh\necho '2026/08/24 10:00:00 [I] [proxy] start proxy success'\nsleep 30\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	c, _ := newTestClient(t, &fakeFetcher{}, config.TunnelConfig{
		ServerAddr:   "srv",
		ServerPort:   7000,
		AuthToken:    "tok",
		HTTPPort:     8080,
		TunnelDomain: "tunnel.example.com",
	})
	c.frpcPath = stub

	h, err := c.Open(context.Background(), 9000, "calm-lynx-7")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.PublicURL != "http://calm-lynx-7.tunnel.example.com:8080" {
		t.Errorf("public url: got %q", h.PublicURL)
	}
	if _, err := os.Stat(h.cfgPath); err != nil {
		t.Errorf("config file missing while tunnel runs: %v", err)
	}

	h.Close()
	if _, err := os.Stat(h.cfgPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("config file not removed on close")
	}
	// Close is idempotent.
	h.Close()
}

func TestOpen_StartupError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	dir := t.TempDir()
	stub := filepath.Join(dir, "frpc")
	script := "#!/bin/sh\necho '[W] [service] login to server failed: token mismatch'\nsleep 30\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	c, _ := newTestClient(t, &fakeFetcher{}, config.TunnelConfig{
		ServerAddr: "srv", ServerPort: 7000, AuthToken: "bad", HTTPPort: 8080, TunnelDomain: "d",
	})
	c.frpcPath = stub

	if _, err := c.Open(context.Background(), 9000, "x-y-1"); err == nil {
		t.Fatal("expected startup error")
	}
}
