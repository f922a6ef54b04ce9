package sandbox

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
)

// Sentinel pair bracketing the commit message on container stdout so
// the host can capture it from the log stream.
const (
	SentinelStart = "[HOKIPOKI_COMMIT_MESSAGE]"
	SentinelEnd   = "[/HOKIPOKI_COMMIT_MESSAGE]"
)

const maxSummaryLen = 200

var (
	urlRe   = regexp.MustCompile(`https?://[^\s]+`)
	tokenRe = regexp.MustCompile(`[A-Za-z0-9_-]{20,}`)
)

// CLIArgs composes the AI CLI invocation for a tool. The task text is
// always the final free-form argument except for gemini's -p flag.
func CLIArgs(tool, model, task string) []string {
	switch tool {
	case "claude":
		args := []string{"claude", "--permission-mode", "acceptEdits"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, task)
	case "codex":
		args := []string{"codex", "exec", "--full-auto", "--sandbox", "danger-full-access"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, task)
	case "gemini":
		args := []string{"gemini"}
		if model != "" {
			args = append(args, "-m", model)
		}
		return append(args, "-p", task, "--yolo")
	}
	return nil
}

// Summarize derives the commit message from the AI output: the first
// meaningful line, capped at 200 chars, with URLs and token-like runs
// redacted.
func Summarize(tool, output string) string {
	summary := "task completed"
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		summary = line
		break
	}
	summary = urlRe.ReplaceAllString(summary, "[URL]")
	summary = tokenRe.ReplaceAllString(summary, "[REDACTED]")
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return fmt.Sprintf("HokiPoki %s: %s", tool, summary)
}

// ExtractCommitMessage pulls the sentinel-bracketed commit message out
// of captured container output, if present.
func ExtractCommitMessage(output string) (string, bool) {
	start := strings.Index(output, SentinelStart)
	if start < 0 {
		return "", false
	}
	rest := output[start+len(SentinelStart):]
	end := strings.Index(rest, SentinelEnd)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// EnhanceTask appends a recursive file listing (excluding .git) to the
// task text so the AI CLI starts with an inventory of the tree.
func EnhanceTask(task, root string) string {
	var files []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			files = append(files, rel)
		}
		return nil
	})
	if len(files) == 0 {
		return task
	}
	return task + "\n\nFiles in this repository:\n" + strings.Join(files, "\n")
}
