package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhubert/plural-codex/approval"
	"github.com/zhubert/plural-codex/cli"
	"github.com/zhubert/plural-codex/codex"
	"github.com/zhubert/plural-codex/config"
	"github.com/zhubert/plural-codex/logger"
	"github.com/zhubert/plural-codex/manager"
)

// app holds state shared by every subcommand once flags are parsed.
type app struct {
	settingsPath string
	codexBin     string
	logPath      string
	debug        bool
	noColor      bool

	settings *config.Settings
	out      io.Writer
	in       io.Reader
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout, in: os.Stdin}

	root := &cobra.Command{
		Use:           "codex-session",
		Short:         "Drive a codex app-server session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.settingsPath, "config", "", "settings file (default <config dir>/codex-session.yaml)")
	flags.StringVar(&a.codexBin, "codex", "", "codex executable (overrides codex_bin and $CODEX_BIN)")
	flags.StringVar(&a.logPath, "log", "", "log file (default <state dir>/logs/codex-session.log)")
	flags.BoolVar(&a.debug, "debug", false, "log wire traffic at debug level")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRunCmd(a),
		newThreadsCmd(a),
		newConfigCmd(a),
		newDoctorCmd(a),
		newLogsCmd(a),
	)
	return root
}

// setup loads settings and initializes logging.
func (a *app) setup() error {
	if a.noColor {
		color.NoColor = true
	}

	var err error
	if a.settingsPath != "" {
		a.settings, err = config.LoadFrom(a.settingsPath)
	} else {
		a.settings, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if a.logPath == "" {
		if a.logPath, err = logger.DefaultLogPath(); err != nil {
			return err
		}
	}
	if err := logger.Init(a.logPath); err != nil {
		return err
	}
	logger.SetDebug(a.debug || a.settings.Debug)
	return nil
}

// resolveCodex finds the executable, preferring the --codex flag.
func (a *app) resolveCodex() (string, error) {
	explicit := a.codexBin
	if explicit == "" {
		explicit = a.settings.CodexBin
	}
	return cli.FindCodex(explicit)
}

// loadPolicy loads the approval policy overlay, if any.
func (a *app) loadPolicy() (*approval.Policy, error) {
	path, err := a.settings.ResolvePolicyFile()
	if err != nil {
		return nil, err
	}
	return approval.LoadPolicy(path)
}

// newManager builds a session manager that spawns codex per the settings.
func (a *app) newManager() (*manager.SessionManager, error) {
	bin, err := a.resolveCodex()
	if err != nil {
		return nil, err
	}
	policy, err := a.loadPolicy()
	if err != nil {
		return nil, err
	}
	return manager.NewSessionManager(manager.ProcessFactory(manager.SessionOptions(a.settings, bin, policy))), nil
}

// withSession runs fn with a ready session, shutting it down afterwards.
func (a *app) withSession(ctx context.Context, fn func(*manager.SessionManager, *codex.Session) error) error {
	sm, err := a.newManager()
	if err != nil {
		return err
	}
	defer sm.Shutdown()

	return sm.Do(ctx, "cli", func(s *codex.Session) error {
		return fn(sm, s)
	})
}
