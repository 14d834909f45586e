package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLogFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer SetLevel("info")

	SetLevel("WARNING")
	Info("dropped", Fields{})
	Warn("listener.bind", Fields{"port": 8080, "kind": "tcp"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "listener.bind" || rec["level"] != "WARN" {
		t.Errorf("unexpected record %v", rec)
	}
	if rec["kind"] != "tcp" || rec["port"] != float64(8080) {
		t.Errorf("fields lost: %v", rec)
	}

	buf.Reset()
	EnableDebug(true)
	Debug("visible", Fields{"a": 1})
	if !strings.Contains(buf.String(), `"msg":"visible"`) {
		t.Errorf("debug not emitted: %q", buf.String())
	}
}
