package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-codex/cli"
	"github.com/zhubert/plural-codex/config"
	"github.com/zhubert/plural-codex/git"
)

var errDoctorFailed = errors.New("required checks failed")

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that codex is installed, logged in and configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			failed := false

			bin, err := a.resolveCodex()
			if err != nil {
				errorColor.Fprintf(a.out, "✗ %v\n", err)
				failed = true
			}

			results := cli.CheckAll(ctx, cli.DefaultPrerequisites(bin))
			fmt.Fprint(a.out, cli.FormatCheckResults(results))
			for _, r := range results {
				if r.Prerequisite.Required && !r.Found {
					failed = true
				}
			}

			if bin != "" {
				status, err := cli.LoginStatus(ctx, bin)
				if err != nil {
					errorColor.Fprintf(a.out, "✗ login: %s\n", orDefault(status))
					failed = true
				} else {
					okColor.Fprintf(a.out, "✓ login: %s\n", status)
				}
			}

			if policy, err := a.loadPolicy(); err != nil {
				errorColor.Fprintf(a.out, "✗ approval policy: %v\n", err)
				failed = true
			} else {
				okColor.Fprintf(a.out, "✓ approval policy: %d methods\n", len(policy.Methods()))
			}

			dir, err := a.turnDir()
			if err != nil {
				return err
			}
			reportRepo(ctx, a, dir)

			cc, err := config.LoadCodexConfig()
			if err != nil {
				warnColor.Fprintf(a.out, "○ codex config: %v\n", err)
			} else {
				reportTrust(a, cc, dir)
			}

			if failed {
				return errDoctorFailed
			}
			return nil
		},
	}
}

// turnDir is the directory turns run in when --cwd is not given.
func (a *app) turnDir() (string, error) {
	if a.settings.WorkingDir != "" {
		return a.settings.WorkingDir, nil
	}
	return os.Getwd()
}

// reportRepo says whether dir is inside a git work tree.
func reportRepo(ctx context.Context, a *app, dir string) {
	info, err := git.NewGitService().Inspect(ctx, dir)
	switch {
	case errors.Is(err, git.ErrNotRepository):
		warnColor.Fprintf(a.out, "○ %s is not in a git repository; codex will warn before editing\n", dir)
	case err != nil:
		warnColor.Fprintf(a.out, "○ git: %v\n", err)
	default:
		branch := info.Branch
		if branch == "" {
			branch = "detached HEAD"
		}
		state := "clean"
		if info.Dirty {
			state = "uncommitted changes"
		}
		okColor.Fprintf(a.out, "✓ repository %s (%s, %s)\n", info.Root, branch, state)
	}
}

// reportTrust says whether codex trusts dir.
func reportTrust(a *app, cc *config.CodexConfig, dir string) {
	if cc.Trusted(dir) {
		okColor.Fprintf(a.out, "✓ %s is trusted by codex\n", dir)
		return
	}
	warnColor.Fprintf(a.out, "○ %s is not a trusted codex project; codex may ask before running commands\n", dir)
}
