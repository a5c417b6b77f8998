// Package sandbox manages the isolated git workspace an attempt executes in.
// Each attempt gets a throwaway clone under its own temp directory and a
// dedicated working branch; the directory is removed when the attempt ends.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dragonflyic/workbench/internal/domain"
)

const (
	botEmail = "workbench@example.com"
	botName  = "Workbench Bot"
)

// Sandbox is an isolated clone of the target repository on its own branch.
type Sandbox struct {
	// RepoPath is the checkout the agent works in.
	RepoPath   string
	RepoURL    string
	BaseBranch string
	BranchName string

	tempDir string
	token   string
}

// Options configures workspace creation.
type Options struct {
	RepoURL    string
	BaseBranch string
	// GitHubPAT is inlined into clone and push URLs. It is never written to
	// logs or error messages.
	GitHubPAT string
	BaseDir   string
}

// New clones the repository into a fresh temp directory and checks out a new
// working branch named claude/attempt-<8 hex>. The clone is shallow; when the
// requested base branch does not exist the repository default branch is used
// instead. Callers must Cleanup when done.
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = "/tmp/workbench-attempts"
	}
	baseBranch := opts.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("op=sandbox.mkdir: %w", err)
	}
	tempDir, err := os.MkdirTemp(baseDir, "attempt_")
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.mkdtemp: %w", err)
	}

	s := &Sandbox{
		RepoPath:   tempDir + "/repo",
		RepoURL:    opts.RepoURL,
		BaseBranch: baseBranch,
		tempDir:    tempDir,
		token:      opts.GitHubPAT,
	}

	cloneURL := authURL(opts.RepoURL, opts.GitHubPAT)
	out, err := runGit(ctx, "", "clone", "--depth", "1", "-b", baseBranch, cloneURL, s.RepoPath)
	if err != nil && strings.Contains(strings.ToLower(out), "not found") {
		// Base branch missing; retry against the repository default branch.
		out, err = runGit(ctx, "", "clone", "--depth", "1", cloneURL, s.RepoPath)
	}
	if err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("op=sandbox.clone: %s: %w", s.redact(out), err)
	}

	s.BranchName = "claude/attempt-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if out, err := runGit(ctx, s.RepoPath, "checkout", "-b", s.BranchName); err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("op=sandbox.branch: %s: %w", s.redact(out), err)
	}

	// Local commit identity; push failures otherwise surface as config errors.
	_, _ = runGit(ctx, s.RepoPath, "config", "user.email", botEmail)
	_, _ = runGit(ctx, s.RepoPath, "config", "user.name", botName)

	return s, nil
}

// DiffStats parses git diff --numstat against HEAD. Binary files report "-"
// counts and contribute zero lines but still count as touched files.
func (s *Sandbox) DiffStats(ctx context.Context) (domain.DiffStats, error) {
	out, err := runGit(ctx, s.RepoPath, "diff", "--numstat", "HEAD")
	if err != nil {
		return domain.DiffStats{}, fmt.Errorf("op=sandbox.diff_stats: %s: %w", s.redact(out), err)
	}
	return parseNumstat(out), nil
}

// Diff returns the full working tree diff against HEAD.
func (s *Sandbox) Diff(ctx context.Context) (string, error) {
	out, err := runGit(ctx, s.RepoPath, "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("op=sandbox.diff: %s: %w", s.redact(out), err)
	}
	return out, nil
}

// Commit stages everything and commits. Returns false when there was nothing
// to commit.
func (s *Sandbox) Commit(ctx context.Context, message string) (bool, error) {
	if out, err := runGit(ctx, s.RepoPath, "add", "-A"); err != nil {
		return false, fmt.Errorf("op=sandbox.add: %s: %w", s.redact(out), err)
	}
	if _, err := runGit(ctx, s.RepoPath, "commit", "-m", message); err != nil {
		return false, nil
	}
	return true, nil
}

// Push pushes the working branch to origin with the token inlined in the
// remote URL.
func (s *Sandbox) Push(ctx context.Context) error {
	if s.token != "" {
		if out, err := runGit(ctx, s.RepoPath, "remote", "set-url", "origin", authURL(s.RepoURL, s.token)); err != nil {
			return fmt.Errorf("op=sandbox.remote: %s: %w", s.redact(out), err)
		}
	}
	if out, err := runGit(ctx, s.RepoPath, "push", "-u", "origin", s.BranchName); err != nil {
		return fmt.Errorf("op=sandbox.push: %s: %w", s.redact(out), err)
	}
	return nil
}

// Cleanup removes the whole temp directory. Best effort; a leftover directory
// is logged, not fatal.
func (s *Sandbox) Cleanup() {
	if s.tempDir == "" {
		return
	}
	if err := os.RemoveAll(s.tempDir); err != nil {
		slog.Warn("sandbox cleanup failed", slog.String("dir", s.tempDir), slog.Any("error", err))
	}
}

// authURL converts https://github.com/owner/repo to the token-inlined form.
// Non-GitHub URLs pass through unchanged.
func authURL(url, token string) string {
	if token == "" {
		return url
	}
	const prefix = "https://github.com/"
	if strings.HasPrefix(url, prefix) {
		return "https://" + token + "@github.com/" + strings.TrimPrefix(url, prefix)
	}
	return url
}

// redact strips the token from git output before it reaches errors or logs.
func (s *Sandbox) redact(out string) string {
	if s.token == "" {
		return strings.TrimSpace(out)
	}
	return strings.TrimSpace(strings.ReplaceAll(out, s.token, "***"))
}

func parseNumstat(out string) domain.DiffStats {
	stats := domain.DiffStats{FilesTouched: []string{}}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		added, deleted := 0, 0
		if parts[0] != "-" {
			n, err := strconv.Atoi(parts[0])
			if err != nil {
				continue
			}
			added = n
		}
		if parts[1] != "-" {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				continue
			}
			deleted = n
		}
		stats.LinesAdded += added
		stats.LinesDeleted += deleted
		stats.FilesTouched = append(stats.FilesTouched, parts[2])
	}
	return stats
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}
