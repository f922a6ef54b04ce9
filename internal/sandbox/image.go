package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// dockerfile bakes the AI CLIs, the LUKS toolchain and this very binary
// (re-executed as the in-container runner) into the sandbox image.
const dockerfile = `FROM node:22-bookworm
RUN apt-get update && apt-get install -y --no-install-recommends \
        cryptsetup e2fsprogs git util-linux ca-certificates \
    && rm -rf /var/lib/apt/lists/*
RUN npm install -g @anthropic-ai/claude-code @openai/codex @google/gemini-cli
COPY hokipoki /usr/local/bin/hokipoki
ENTRYPOINT ["/usr/local/bin/hokipoki", "sandbox-exec"]
`

// EnsureImage builds the sandbox image when it is not already present.
func (e *Executor) EnsureImage(ctx context.Context) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, e.image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect sandbox image: %w", err)
	}

	e.log.Info("building sandbox image", zap.String("image", e.image))
	buildCtx, err := buildContext()
	if err != nil {
		return err
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{e.image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build sandbox image: %w", err)
	}
	defer resp.Body.Close()
	return drainBuildStream(resp.Body)
}

// buildContext tars the Dockerfile together with the running binary so
// the image carries the same executable as the host.
func buildContext() (io.Reader, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own binary: %w", err)
	}
	bin, err := os.ReadFile(self)
	if err != nil {
		return nil, fmt.Errorf("read own binary: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	entries := []struct {
		name string
		mode int64
		data []byte
	}{
		{"Dockerfile", 0o644, []byte(dockerfile)},
		{"hokipoki", 0o755, bin},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode, Size: int64(len(e.data)), ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// drainBuildStream consumes the build's JSON message stream and
// surfaces the first error it reports.
func drainBuildStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("sandbox image build: %s", msg.Error)
		}
	}
}
