// Package config loads the client's own settings (YAML) and reads the codex
// CLI's config.toml.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-codex/paths"
)

// ClientSettings overrides the clientInfo sent with initialize.
type ClientSettings struct {
	Name    string `yaml:"name,omitempty"`
	Title   string `yaml:"title,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// Settings holds the client configuration
type Settings struct {
	CodexBin   string            `yaml:"codex_bin,omitempty"`   // Explicit codex executable; empty means discover
	Args       []string          `yaml:"args,omitempty"`        // Arguments; empty means "app-server"
	Env        map[string]string `yaml:"env,omitempty"`         // Extra environment for the child
	WorkingDir string            `yaml:"working_dir,omitempty"` // Child working directory and default turn cwd

	RequestTimeout  time.Duration `yaml:"request_timeout,omitempty"`  // Per-call bound; zero means none
	ApprovalTimeout time.Duration `yaml:"approval_timeout,omitempty"` // Pending human approval bound; negative waits forever
	GracePeriod     time.Duration `yaml:"grace_period,omitempty"`     // Wait after closing stdin before kill
	QueueLimit      int           `yaml:"queue_limit,omitempty"`      // Session-wide notification queue bound

	PolicyFile string         `yaml:"policy_file,omitempty"` // Approval policy overlay; empty means approvals.yaml if present
	Debug      bool           `yaml:"debug,omitempty"`
	Client     ClientSettings `yaml:"client,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the settings from the default location, or returns defaults if
// the file doesn't exist.
func Load() (*Settings, error) {
	path, err := paths.SettingsFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the settings from path. A missing file yields defaults
// bound to path so Save creates it.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{
		Env:      make(map[string]string),
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.ensureInitialized()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}

// ensureInitialized replaces nil maps after unmarshaling. Only called from
// LoadFrom before the Settings is shared.
func (s *Settings) ensureInitialized() {
	if s.Env == nil {
		s.Env = make(map[string]string)
	}
}

// Validate checks that the settings are internally consistent.
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	if s.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", s.RequestTimeout))
	}
	if s.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace_period must not be negative, got %s", s.GracePeriod))
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("invalid env name %q", k))
		}
	}
	if s.WorkingDir != "" && !filepath.IsAbs(s.WorkingDir) {
		errs = append(errs, fmt.Errorf("working_dir must be absolute, got %q", s.WorkingDir))
	}
	return errors.Join(errs...)
}

// ProcessEnv returns Env as sorted KEY=VALUE pairs.
func (s *Settings) ProcessEnv() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// ResolvePolicyFile returns the policy overlay to load: PolicyFile when set,
// else approvals.yaml in the config dir when it exists, else "".
func (s *Settings) ResolvePolicyFile() (string, error) {
	s.mu.RLock()
	explicit := s.PolicyFile
	s.mu.RUnlock()

	if explicit != "" {
		return explicit, nil
	}
	path, err := paths.PolicyFilePath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

// Save writes the settings to disk
func (s *Settings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0644)
}

// FilePath returns where Save writes.
func (s *Settings) FilePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filePath
}

// SetFilePath sets the settings file path (for testing).
func (s *Settings) SetFilePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filePath = path
}
