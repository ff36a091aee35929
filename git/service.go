// Package git inspects the repository a codex turn runs in.
package git

import (
	pexec "github.com/zhubert/plural-codex/exec"
)

// GitService provides git operations with explicit dependency injection.
// Each GitService holds its own executor, so tests can swap in a mock.
type GitService struct {
	executor pexec.CommandExecutor
}

// NewGitService creates a new GitService with the default real executor.
func NewGitService() *GitService {
	return &GitService{executor: pexec.NewRealExecutor()}
}

// NewGitServiceWithExecutor creates a new GitService with a custom executor.
func NewGitServiceWithExecutor(exec pexec.CommandExecutor) *GitService {
	return &GitService{executor: exec}
}
