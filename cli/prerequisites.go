// Package cli finds the codex executable and checks the tools it relies on.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhubert/plural-codex/exec"
)

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // Display name (e.g., "codex", "git")
	Command     string // Executable to look up; defaults to Name
	Required    bool   // Whether the tool is required to run a session
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

func (p Prerequisite) command() string {
	if p.Command != "" {
		return p.Command
	}
	return p.Name
}

// DefaultPrerequisites returns the tools a session needs. codexBin is the
// resolved codex executable, or "" to look codex up on PATH.
func DefaultPrerequisites(codexBin string) []Prerequisite {
	return []Prerequisite{
		{
			Name:        "codex",
			Command:     codexBin,
			Required:    true,
			Description: "OpenAI Codex CLI",
			InstallURL:  "https://github.com/openai/codex",
		},
		{
			Name:        "git",
			Required:    false, // codex works outside repositories, with warnings
			Description: "Git version control (optional, for repository detection)",
			InstallURL:  "https://git-scm.com/downloads",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a CLI tool is available
func Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.GetDefaultExecutor().LookPath(prereq.command())
	if err != nil {
		result.Error = fmt.Errorf("%s not found: %w", prereq.command(), err)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = Version(ctx, path)
	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(ctx, prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(ctx context.Context, prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if result := Check(ctx, prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// Version returns the first line of the tool's version output, or "".
func Version(ctx context.Context, path string) string {
	for _, flag := range []string{"--version", "-V", "version"} {
		output, err := exec.GetDefaultExecutor().Output(ctx, "", path, flag)
		if err != nil {
			continue
		}
		if version := firstLine(output, 100); version != "" {
			return version
		}
	}
	return ""
}

// LoginStatus runs `codex login status` and returns its first line. A
// non-zero exit, which codex uses for "not logged in", is returned as an
// error alongside the output.
func LoginStatus(ctx context.Context, codexBin string) (string, error) {
	output, err := exec.GetDefaultExecutor().CombinedOutput(ctx, "", codexBin, "login", "status")
	return firstLine(output, 200), err
}

// firstLine returns the first non-blank line of output, trimmed and
// capped at limit bytes.
func firstLine(output []byte, limit int) string {
	for line := range strings.SplitSeq(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > limit {
			line = line[:limit] + "..."
		}
		return line
	}
	return ""
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
