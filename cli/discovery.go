package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/zhubert/plural-codex/exec"
)

// EnvCodexBin overrides the codex executable when no explicit path is set.
const EnvCodexBin = "CODEX_BIN"

// ErrCodexNotFound is returned by FindCodex when no executable resolves.
var ErrCodexNotFound = errors.New("codex executable not found")

// FindCodex resolves the codex executable. Sources are tried in order: the
// explicit path, $CODEX_BIN, then "codex" on PATH. A configured source that
// does not resolve is an error rather than a reason to keep looking.
func FindCodex(explicit string) (string, error) {
	e := exec.GetDefaultExecutor()

	sources := []struct {
		value, from string
	}{
		{explicit, "codex_bin setting"},
		{os.Getenv(EnvCodexBin), "$" + EnvCodexBin},
	}
	for _, src := range sources {
		if src.value == "" {
			continue
		}
		path, err := e.LookPath(src.value)
		if err != nil {
			return "", fmt.Errorf("%w: %s from %s: %v", ErrCodexNotFound, src.value, src.from, err)
		}
		return path, nil
	}

	path, err := e.LookPath("codex")
	if err != nil {
		return "", fmt.Errorf("%w on PATH; install it or set %s", ErrCodexNotFound, EnvCodexBin)
	}
	return path, nil
}
