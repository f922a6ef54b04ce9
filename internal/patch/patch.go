// Package patch takes the unified diff fetched from the ephemeral repo
// and lands it in the requester's working tree: save to ./patches,
// pre-create files the diff introduces, then git apply with a dry-run
// check first.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrConflict means git apply --check rejected the diff; the saved
// patch file is kept for a manual apply.
var ErrConflict = errors.New("patch does not apply cleanly")

const patchesDir = "patches"

// NewFile is a file the diff creates from scratch.
type NewFile struct {
	Path    string
	Content string
}

// Save writes the diff under ./patches/hokipoki-<taskID>-<ts>.patch and
// returns the path.
func Save(taskID, diff string) (string, error) {
	if err := os.MkdirAll(patchesDir, 0o755); err != nil {
		return "", fmt.Errorf("create patches dir: %w", err)
	}
	path := filepath.Join(patchesDir,
		fmt.Sprintf("hokipoki-%s-%d.patch", taskID, time.Now().Unix()))
	if err := os.WriteFile(path, []byte(diff), 0o644); err != nil {
		return "", fmt.Errorf("save patch: %w", err)
	}
	return path, nil
}

// DetectNewFiles scans the diff for "new file mode" sections and
// returns each new path with its accumulated added content.
func DetectNewFiles(diff string) []NewFile {
	var files []NewFile
	var current *NewFile
	var pending string // path from the last diff --git header

	flush := func() {
		if current != nil {
			files = append(files, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			pending = headerPath(line)
		case line == "new file mode 100644" || strings.HasPrefix(line, "new file mode "):
			if pending != "" {
				current = &NewFile{Path: pending}
			}
		case current != nil && strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			current.Content += strings.TrimPrefix(line, "+") + "\n"
		}
	}
	flush()
	return files
}

// headerPath pulls the b/ path out of a "diff --git a/X b/X" line.
func headerPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return ""
	}
	return strings.TrimPrefix(fields[3], "b/")
}

// StripNewFileSections returns the diff with new-file sections removed;
// those files are materialized directly, git apply handles the rest.
func StripNewFileSections(diff string) string {
	var b strings.Builder
	for _, section := range sections(diff) {
		if strings.Contains(section, "\nnew file mode ") {
			continue
		}
		b.WriteString(section)
	}
	return b.String()
}

// sections cuts a unified diff at each "diff --git" header.
func sections(diff string) []string {
	const marker = "\ndiff --git "
	var out []string
	rest := diff
	for {
		idx := strings.Index(rest[1:], marker)
		if idx < 0 {
			out = append(out, rest)
			return out
		}
		out = append(out, rest[:idx+2])
		rest = rest[idx+2:]
	}
}

// Apply lands the diff in the working tree: new files are created with
// their accumulated content, modifications go through git apply with a
// dry-run check first. On success the saved patch file is deleted; on a
// conflict it is preserved and ErrConflict returned so the user can
// apply manually.
func Apply(ctx context.Context, diff, patchPath string, log *zap.Logger) error {
	for _, nf := range DetectNewFiles(diff) {
		if nf.Path == "" {
			continue
		}
		if _, err := os.Stat(nf.Path); err == nil {
			return fmt.Errorf("%w: %s already exists", ErrConflict, nf.Path)
		}
		if dir := filepath.Dir(nf.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("prepare %s: %w", nf.Path, err)
			}
		}
		if err := os.WriteFile(nf.Path, []byte(nf.Content), 0o644); err != nil {
			return fmt.Errorf("create %s: %w", nf.Path, err)
		}
		log.Debug("created new file from diff", zap.String("path", nf.Path))
	}

	mods := StripNewFileSections(diff)
	if strings.TrimSpace(mods) == "" {
		if err := os.Remove(patchPath); err != nil {
			log.Warn("remove applied patch", zap.Error(err))
		}
		return nil
	}

	modsPath := patchPath + ".mods"
	if err := os.WriteFile(modsPath, []byte(mods), 0o644); err != nil {
		return fmt.Errorf("write modifications patch: %w", err)
	}
	defer os.Remove(modsPath) //nolint:errcheck

	check := exec.CommandContext(ctx, "git", "apply", "--check", modsPath)
	if out, err := check.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrConflict, strings.TrimSpace(string(out)))
	}
	apply := exec.CommandContext(ctx, "git", "apply", modsPath)
	if out, err := apply.CombinedOutput(); err != nil {
		return fmt.Errorf("git apply: %s: %w", strings.TrimSpace(string(out)), err)
	}

	if err := os.Remove(patchPath); err != nil {
		log.Warn("remove applied patch", zap.Error(err))
	}
	return nil
}
