package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zhubert/plural-codex/logger"
)

// ErrNotRepository is returned when a directory is not inside a work tree.
var ErrNotRepository = errors.New("not a git repository")

// RepoInfo describes the work tree containing a directory.
type RepoInfo struct {
	Root   string
	Branch string // empty when HEAD is detached
	Dirty  bool
}

// Inspect reports the repository containing dir.
func (s *GitService) Inspect(ctx context.Context, dir string) (RepoInfo, error) {
	root, err := s.RepoRoot(ctx, dir)
	if err != nil {
		return RepoInfo{}, err
	}
	info := RepoInfo{Root: root}

	if branch, err := s.CurrentBranch(ctx, dir); err == nil {
		info.Branch = branch
	}

	dirty, err := s.HasChanges(ctx, dir)
	if err != nil {
		return info, err
	}
	info.Dirty = dirty
	return info, nil
}

// RepoRoot returns the top level of the work tree containing dir.
func (s *GitService) RepoRoot(ctx context.Context, dir string) (string, error) {
	output, err := s.executor.Output(ctx, dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		logger.WithComponent("git").Debug("rev-parse failed", "dir", dir, "error", err)
		return "", fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}
	root := strings.TrimSpace(string(output))
	if root == "" {
		return "", fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}
	return root, nil
}

// CurrentBranch returns the checked out branch.
// Returns an error if HEAD is detached or the command fails.
func (s *GitService) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := s.executor.Output(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}

	branch := strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", fmt.Errorf("HEAD is detached (not on a branch)")
	}
	return branch, nil
}

// HasChanges reports whether the work tree has uncommitted changes.
func (s *GitService) HasChanges(ctx context.Context, dir string) (bool, error) {
	output, err := s.executor.Output(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}
