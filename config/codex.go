package config

import (
	"cmp"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/zhubert/plural-codex/paths"
)

// TrustTrusted is the trust_level codex writes for trusted projects.
const TrustTrusted = "trusted"

// ProjectConfig is one [projects."<path>"] table.
type ProjectConfig struct {
	TrustLevel string `toml:"trust_level"`
}

// ModelProvider is one [model_providers.<id>] table.
type ModelProvider struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	EnvKey  string `toml:"env_key"`
	WireAPI string `toml:"wire_api"`
}

// CodexConfig is the subset of codex's config.toml this client reads.
type CodexConfig struct {
	Model          string                   `toml:"model"`
	ModelProvider  string                   `toml:"model_provider"`
	ApprovalPolicy string                   `toml:"approval_policy"`
	SandboxMode    string                   `toml:"sandbox_mode"`
	Projects       map[string]ProjectConfig `toml:"projects"`
	ModelProviders map[string]ModelProvider `toml:"model_providers"`

	path string
}

// Project pairs a project path with its trust level.
type Project struct {
	Path       string
	TrustLevel string
}

// LoadCodexConfig reads config.toml from the codex home.
func LoadCodexConfig() (*CodexConfig, error) {
	path, err := paths.CodexConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadCodexConfigFrom(path)
}

// LoadCodexConfigFrom reads a codex config.toml. A missing file is an empty
// config, as codex itself treats it. Keys this client doesn't know are ignored.
func LoadCodexConfigFrom(path string) (*CodexConfig, error) {
	cfg := &CodexConfig{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.ensureInitialized()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ensureInitialized()
	return cfg, nil
}

func (c *CodexConfig) ensureInitialized() {
	if c.Projects == nil {
		c.Projects = make(map[string]ProjectConfig)
	}
	if c.ModelProviders == nil {
		c.ModelProviders = make(map[string]ModelProvider)
	}
}

// Path returns the file the config was read from.
func (c *CodexConfig) Path() string {
	return c.path
}

// ProjectList returns the configured projects sorted by path.
func (c *CodexConfig) ProjectList() []Project {
	out := make([]Project, 0, len(c.Projects))
	for path, pc := range c.Projects {
		out = append(out, Project{Path: path, TrustLevel: pc.TrustLevel})
	}
	slices.SortFunc(out, func(a, b Project) int { return cmp.Compare(a.Path, b.Path) })
	return out
}

// TrustLevel returns the trust level recorded for dir, matching project
// paths through symlinks and case-insensitive filesystems. ok is false when
// dir is not a configured project.
func (c *CodexConfig) TrustLevel(dir string) (level string, ok bool) {
	match, ok := resolveProjectPath(slices.Sorted(maps.Keys(c.Projects)), dir)
	if !ok {
		return "", false
	}
	return c.Projects[match].TrustLevel, true
}

// Trusted reports whether dir is a trusted project.
func (c *CodexConfig) Trusted(dir string) bool {
	level, ok := c.TrustLevel(dir)
	return ok && level == TrustTrusted
}

// ProviderIDs returns the configured model provider ids, sorted.
func (c *CodexConfig) ProviderIDs() []string {
	return slices.Sorted(maps.Keys(c.ModelProviders))
}
