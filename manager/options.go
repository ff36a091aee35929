package manager

import (
	"context"

	"github.com/zhubert/plural-codex/approval"
	"github.com/zhubert/plural-codex/codex"
	"github.com/zhubert/plural-codex/config"
	"github.com/zhubert/plural-codex/logger"
	"github.com/zhubert/plural-codex/notify"
	"github.com/zhubert/plural-codex/transport"
)

// SessionOptions builds session options from settings. codexBin is the
// resolved executable and policy the loaded approval policy.
func SessionOptions(settings *config.Settings, codexBin string, policy *approval.Policy) codex.Options {
	opts := codex.Options{
		Process: transport.ProcessConfig{
			Binary:      codexBin,
			Args:        settings.Args,
			Dir:         settings.WorkingDir,
			Env:         settings.ProcessEnv(),
			GracePeriod: settings.GracePeriod,
		},
		Policy:          policy,
		RequestTimeout:  settings.RequestTimeout,
		ApprovalTimeout: settings.ApprovalTimeout,
		QueueLimit:      settings.QueueLimit,
	}
	if settings.Client.Name != "" {
		opts.ClientInfo = codex.ClientInfo{
			Name:    settings.Client.Name,
			Title:   settings.Client.Title,
			Version: settings.Client.Version,
		}
	}
	return opts
}

// ProcessFactory returns a SessionFactory that spawns base.Process for each
// key, tagging the session with the key and its log entries with it.
func ProcessFactory(base codex.Options) SessionFactory {
	return func(ctx context.Context, key string, bus *notify.Bus) (*codex.Session, error) {
		opts := base
		opts.SessionID = key
		opts.Bus = bus
		if opts.Logger == nil {
			opts.Logger = logger.Get()
		}
		return codex.Start(ctx, opts)
	}
}
