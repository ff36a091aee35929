package git

import (
	"os"
	"testing"

	"github.com/zhubert/plural-codex/logger"
)

func TestMain(m *testing.M) {
	// Keep test git calls out of the real log file
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
