// Package gitops shells out to the git CLI for repository information,
// diffs, and worktree creation.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/paseodev/paseo/internal/common/logger"
)

// Info summarizes the repository containing a directory.
type Info struct {
	Root          string
	Branch        string
	RemoteURL     string
	Dirty         bool
	DefaultBranch string
}

// Helper wraps git CLI invocations.
type Helper struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Helper {
	if log == nil {
		log = logger.Default()
	}
	return &Helper{log: log}
}

func (h *Helper) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// RepoInfo inspects the repository that contains cwd.
func (h *Helper) RepoInfo(ctx context.Context, cwd string) (*Info, error) {
	root, err := h.git(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}

	info := &Info{Root: root}
	if branch, err := h.git(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		info.Branch = branch
	}
	if remote, err := h.git(ctx, cwd, "config", "--get", "remote.origin.url"); err == nil {
		info.RemoteURL = remote
	}
	if status, err := h.git(ctx, cwd, "status", "--porcelain"); err == nil {
		info.Dirty = status != ""
	}
	if ref, err := h.git(ctx, cwd, "symbolic-ref", "refs/remotes/origin/HEAD", "--short"); err == nil {
		info.DefaultBranch = strings.TrimPrefix(ref, "origin/")
	}
	return info, nil
}

// Diff returns the working tree diff against HEAD.
func (h *Helper) Diff(ctx context.Context, cwd string) (string, error) {
	return h.git(ctx, cwd, "diff", "HEAD")
}

// CreateWorktree materializes a new worktree for the repository at
// repoCwd and returns its path. The branch is paseo/<name>, created
// from baseBranch (HEAD when empty).
func (h *Helper) CreateWorktree(ctx context.Context, repoCwd, baseBranch, name string) (string, error) {
	root, err := h.git(ctx, repoCwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}

	path := filepath.Join(filepath.Dir(root), filepath.Base(root)+"-worktrees", name)
	branch := "paseo/" + name
	args := []string{"worktree", "add", "-b", branch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := h.git(ctx, root, args...); err != nil {
		return "", err
	}
	h.log.Info("created worktree",
		zap.String("path", path),
		zap.String("branch", branch))
	return path, nil
}

// RemoveWorktree drops a worktree created by CreateWorktree.
func (h *Helper) RemoveWorktree(ctx context.Context, repoCwd, path string) error {
	_, err := h.git(ctx, repoCwd, "worktree", "remove", "--force", path)
	return err
}

// RunSetup executes a user-supplied setup script inside the worktree.
func (h *Helper) RunSetup(ctx context.Context, cwd, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
