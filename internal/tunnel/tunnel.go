// Package tunnel manages the reverse-tunnel client (frp) that exposes the
// requester's ephemeral git server on a public subdomain.
package tunnel

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hoki-poki/hokipoki/internal/backend"
	"github.com/hoki-poki/hokipoki/internal/config"
	"github.com/hoki-poki/hokipoki/internal/vault"
)

const (
	// Pinned frp release downloaded when frpc is not already installed.
	frpVersion = "0.61.1"

	vaultKeyConfig = "tunnel_config"
	configMaxAge   = 24 * time.Hour

	startupDeadline = 10 * time.Second
)

// Config is the resolved tunnel server configuration.
type Config struct {
	Token          string    `json:"token"`
	ServerAddr     string    `json:"serverAddr"`
	ServerPort     int       `json:"serverPort"`
	SubdomainHost  string    `json:"subdomainHost"`
	PublicHTTPPort int       `json:"publicHttpPort"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// tokenFetcher is the slice of the backend client the tunnel needs.
type tokenFetcher interface {
	TunnelToken(ctx context.Context) (*backend.TunnelToken, error)
}

// Handle is a running tunnel.
type Handle struct {
	PublicURL string
	Subdomain string

	cmd     *exec.Cmd
	cfgPath string
	once    sync.Once
	log     *zap.Logger
}

// Close kills the tunnel process and removes its config file.
func (h *Handle) Close() {
	h.once.Do(func() {
		if h.cmd != nil && h.cmd.Process != nil {
			if err := h.cmd.Process.Kill(); err != nil {
				h.log.Debug("kill tunnel process", zap.Error(err))
			}
			h.cmd.Wait() //nolint:errcheck
		}
		if h.cfgPath != "" {
			os.Remove(h.cfgPath) //nolint:errcheck
		}
	})
}

// Client locates the tunnel binary and opens tunnels with it.
type Client struct {
	vault   *vault.Vault
	backend tokenFetcher
	env     config.TunnelConfig
	binDir  string
	log     *zap.Logger

	http *http.Client
	sf   singleflight.Group

	frpcPath string
}

func NewClient(v *vault.Vault, be tokenFetcher, env config.TunnelConfig, binDir string, log *zap.Logger) *Client {
	return &Client{
		vault:   v,
		backend: be,
		env:     env,
		binDir:  binDir,
		log:     log,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// ResolveConfig returns the tunnel server parameters: FRP_* environment
// overrides win, then a sealed cache younger than 24h, then a backend
// fetch (deduplicated across concurrent callers).
func (c *Client) ResolveConfig(ctx context.Context) (*Config, error) {
	if c.env.ServerAddr != "" && c.env.AuthToken != "" {
		return &Config{
			Token:          c.env.AuthToken,
			ServerAddr:     c.env.ServerAddr,
			ServerPort:     c.env.ServerPort,
			SubdomainHost:  c.env.TunnelDomain,
			PublicHTTPPort: c.env.HTTPPort,
			FetchedAt:      time.Now(),
		}, nil
	}

	var cached Config
	if err := c.vault.LoadJSON(vaultKeyConfig, &cached); err == nil {
		if time.Since(cached.FetchedAt) < configMaxAge {
			return &cached, nil
		}
	}

	res, err, _ := c.sf.Do(vaultKeyConfig, func() (any, error) {
		tok, err := c.backend.TunnelToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch tunnel config: %w", err)
		}
		cfg := &Config{
			Token:          tok.Token,
			ServerAddr:     tok.ServerAddr,
			ServerPort:     tok.ServerPort,
			SubdomainHost:  tok.SubdomainHost,
			PublicHTTPPort: tok.PublicHTTPPort,
			FetchedAt:      time.Now(),
		}
		if err := c.vault.StoreJSON(vaultKeyConfig, cfg); err != nil {
			c.log.Warn("cache tunnel config", zap.Error(err))
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Config), nil
}

// EnsureBinary locates frpc in PATH or downloads the pinned release into
// the bin directory. Returns the binary path.
func (c *Client) EnsureBinary(ctx context.Context) (string, error) {
	if c.frpcPath != "" {
		return c.frpcPath, nil
	}
	if path, err := exec.LookPath("frpc"); err == nil {
		c.frpcPath = path
		return path, nil
	}

	local := filepath.Join(c.binDir, "frpc")
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		c.frpcPath = local
		return local, nil
	}

	url := fmt.Sprintf("https://github.com/fatedier/frp/releases/download/v%s/frp_%s_%s_%s.tar.gz",
		frpVersion, frpVersion, runtime.GOOS, runtime.GOARCH)
	c.log.Info("downloading tunnel client", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download frp: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download frp: status %d", resp.StatusCode)
	}

	if err := extractFrpc(resp.Body, local); err != nil {
		return "", err
	}
	c.frpcPath = local
	return local, nil
}

// extractFrpc pulls the frpc member out of the release tarball.
func extractFrpc(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open frp archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return errors.New("frpc not found in release archive")
		}
		if err != nil {
			return fmt.Errorf("read frp archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != "frpc" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec
			out.Close()
			return fmt.Errorf("extract frpc: %w", err)
		}
		return out.Close()
	}
}

// renderConfig produces the per-tunnel frpc TOML.
func renderConfig(cfg *Config, localPort int, subdomain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "serverAddr = %q\n", cfg.ServerAddr)
	fmt.Fprintf(&b, "serverPort = %d\n", cfg.ServerPort)
	fmt.Fprintf(&b, "auth.token = %q\n", cfg.Token)
	b.WriteString("\n[[proxies]]\n")
	fmt.Fprintf(&b, "name = %q\n", "hokipoki-"+subdomain)
	b.WriteString("type = \"http\"\n")
	fmt.Fprintf(&b, "localPort = %d\n", localPort)
	fmt.Fprintf(&b, "subdomain = %q\n", subdomain)
	return b.String()
}

// Open spawns a tunnel from a public subdomain to localPort. An empty
// subdomain picks a random one.
func (c *Client) Open(ctx context.Context, localPort int, subdomain string) (*Handle, error) {
	cfg, err := c.ResolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	bin, err := c.EnsureBinary(ctx)
	if err != nil {
		return nil, err
	}
	if subdomain == "" {
		subdomain = RandomSubdomain()
	}

	cfgFile, err := os.CreateTemp("", "frpc-*.toml")
	if err != nil {
		return nil, fmt.Errorf("write tunnel config: %w", err)
	}
	if _, err := cfgFile.WriteString(renderConfig(cfg, localPort, subdomain)); err != nil {
		cfgFile.Close()
		os.Remove(cfgFile.Name()) //nolint:errcheck
		return nil, fmt.Errorf("write tunnel config: %w", err)
	}
	cfgFile.Close()

	cmd := exec.Command(bin, "-c", cfgFile.Name())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(cfgFile.Name()) //nolint:errcheck
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		os.Remove(cfgFile.Name()) //nolint:errcheck
		return nil, fmt.Errorf("start tunnel: %w", err)
	}

	h := &Handle{
		PublicURL: fmt.Sprintf("http://%s.%s:%d", subdomain, cfg.SubdomainHost, cfg.PublicHTTPPort),
		Subdomain: subdomain,
		cmd:       cmd,
		cfgPath:   cfgFile.Name(),
		log:       c.log,
	}

	if err := awaitStartup(stdout, c.log); err != nil {
		h.Close()
		return nil, err
	}
	c.log.Info("tunnel up",
		zap.String("subdomain", subdomain),
		zap.Int("local_port", localPort))
	return h, nil
}

// awaitStartup watches frpc output until the proxy reports ready, the
// process prints a start error, or the deadline passes with the process
// still alive (treated as ready; frpc retries internally).
func awaitStartup(stdout io.Reader, log *zap.Logger) error {
	lines := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			default:
			}
		}
	}()

	deadline := time.After(startupDeadline)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, "start proxy success") {
				return nil
			}
			if strings.Contains(line, "start error") || strings.Contains(line, "login to server failed") {
				return fmt.Errorf("tunnel startup failed: %s", line)
			}
		case <-done:
			return errors.New("tunnel process exited during startup")
		case <-deadline:
			log.Warn("tunnel startup not confirmed before deadline, continuing")
			return nil
		}
	}
}
