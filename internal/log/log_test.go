package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestNopByDefault(t *testing.T) {
	Disable()
	// Must not panic and must not write anywhere.
	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error", nil)
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})
	defer Disable()

	Info("hello")
	if !strings.Contains(buf.String(), `"message":"hello"`) {
		t.Errorf("output = %q; want JSON with message field", buf.String())
	}

	buf.Reset()
	Debug("below level")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered at info level, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer Disable()

	l := WithComponent("blockstore")
	l.Info().Msg("commit")
	if !strings.Contains(buf.String(), `"component":"blockstore"`) {
		t.Errorf("output = %q; want component field", buf.String())
	}
}
