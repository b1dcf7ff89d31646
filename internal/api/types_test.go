package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"judge-sandbox/internal/sandbox"
)

func TestNewExecutionResponse(t *testing.T) {
	code := 0
	resp := NewExecutionResponse(sandbox.ExecutionResult{
		ID:         "abc",
		Language:   "python",
		Stdout:     "hello\n",
		ExitStatus: &code,
		Elapsed:    1234567 * time.Microsecond,
		CodeHash:   "deadbeef",
	})

	if resp.ElapsedSeconds != 1.235 {
		t.Errorf("ElapsedSeconds = %v, want 1.235", resp.ElapsedSeconds)
	}
	if resp.TimedOut {
		t.Error("TimedOut should be false")
	}

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{`"exit_status":0`, `"elapsed_seconds":1.235`, `"stdout":"hello\n"`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}
	if strings.Contains(s, "error_kind") {
		t.Errorf("clean result should omit error_kind: %s", s)
	}
}

func TestNewExecutionResponse_Timeout(t *testing.T) {
	resp := NewExecutionResponse(sandbox.ExecutionResult{
		ID:        "abc",
		Language:  "javascript",
		Elapsed:   2 * time.Second,
		ErrorKind: sandbox.KindTimeout,
		Error:     "execution timed out after 2s",
	})

	if !resp.TimedOut {
		t.Error("TimedOut should be true")
	}
	b, _ := json.Marshal(resp)
	if !strings.Contains(string(b), `"exit_status":null`) {
		t.Errorf("timed out result should carry a null exit status: %s", b)
	}
	if !strings.Contains(string(b), `"error_kind":"TimeoutExceeded"`) {
		t.Errorf("missing error kind: %s", b)
	}
}
