package session

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}
	return Config{
		Shell:       sh,
		WaitDelay:   time.Second,
		StderrGrace: 500 * time.Millisecond,
	}
}

func spawnTest(t *testing.T) *Session {
	t.Helper()
	s, err := Spawn(context.Background(), t.TempDir(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSessionRunSuccess(t *testing.T) {
	s := spawnTest(t)

	res := s.Run(context.Background(), "printf ok", 5*time.Second)
	if !res.Success || res.Stdout != "ok" || res.ExitCode != 0 || res.Err != nil {
		t.Errorf("Run(printf ok) = %+v", res)
	}
}

func TestSessionRunFailureCapturesStderr(t *testing.T) {
	s := spawnTest(t)

	res := s.Run(context.Background(), "echo partial; echo broken >&2; false", 5*time.Second)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
	if res.Stdout != "partial" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "partial")
	}
	if res.Stderr != "broken" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "broken")
	}
	var execErr *errors.CommandExecutionError
	if !errors.As(res.Err, &execErr) || execErr.ExitCode != 1 {
		t.Errorf("Err = %v, want CommandExecutionError with exit 1", res.Err)
	}
	if !s.Alive() {
		t.Error("a failing command must not kill the session")
	}
}

func TestSessionStdinReadersDoNotConsumeSentinel(t *testing.T) {
	s := spawnTest(t)

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"read", `read x; printf '[%s]' "$x"`, "[]"},
		{"cat", "cat; printf done", "done"},
		{"head", "head -c 5 >/dev/null; printf done", "done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Run(context.Background(), tt.command, 5*time.Second)
			if !res.Success || res.ExitCode != 0 || res.Err != nil {
				t.Fatalf("Run(%q) = %+v", tt.command, res)
			}
			if res.Stdout != tt.want {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.want)
			}
		})
	}
	if !s.Alive() {
		t.Error("stdin readers must not kill the session")
	}
}

func TestSessionBlankCommand(t *testing.T) {
	s := spawnTest(t)

	res := s.Run(context.Background(), "  ", 5*time.Second)
	if !res.Success || res.ExitCode != 0 {
		t.Errorf("Run(blank) = %+v", res)
	}
}

func TestCommandScript(t *testing.T) {
	got := commandScript("echo hi # trailing comment", "__FOREMAN_x__")
	if !strings.HasPrefix(got, "{ echo hi # trailing comment\n} </dev/null\n") {
		t.Errorf("commandScript = %q", got)
	}
	if strings.Contains(got, "__FOREMAN_x__:") {
		t.Error("token followed by ':' must not appear in the script text")
	}
}

func TestSessionKeepsShellState(t *testing.T) {
	s := spawnTest(t)

	s.Run(context.Background(), "FOREMAN_TEST_VAR=kept; mkdir sub && cd sub", 5*time.Second)
	res := s.Run(context.Background(), `echo "$FOREMAN_TEST_VAR $(basename "$PWD")"`, 5*time.Second)
	if res.Stdout != "kept sub" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "kept sub")
	}
}

func TestSessionExitBeforeSentinel(t *testing.T) {
	s := spawnTest(t)

	res := s.Run(context.Background(), "exit 7", 5*time.Second)
	if res.Success || res.ExitCode != 7 {
		t.Errorf("Run(exit 7) = {Success:%v ExitCode:%d}, want {false 7}", res.Success, res.ExitCode)
	}
	if s.Alive() {
		t.Error("session should be dead after exit")
	}
	if got := s.ExitCode(); got != 7 {
		t.Errorf("ExitCode() = %d, want 7", got)
	}

	res = s.Run(context.Background(), "true", time.Second)
	if !errors.Is(res.Err, errors.ErrSessionDead) {
		t.Errorf("Run on dead session: Err = %v, want ErrSessionDead", res.Err)
	}
}

func TestSessionTimeoutRecycles(t *testing.T) {
	s := spawnTest(t)

	start := time.Now()
	res := s.Run(context.Background(), "echo started; sleep 10", 300*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *errors.CommandTimeoutError
	if !errors.As(res.Err, &timeoutErr) {
		t.Fatalf("Err = %v, want CommandTimeoutError", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "sleep 10") {
		t.Errorf("timeout error should name the command: %v", res.Err)
	}
	if elapsed > 300*time.Millisecond+3*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if res.Stdout != "started" {
		t.Errorf("partial Stdout = %q, want %q", res.Stdout, "started")
	}
	if s.Alive() {
		t.Error("session should be recycled after a timeout")
	}
}

func TestSessionCancel(t *testing.T) {
	s := spawnTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res := s.Run(ctx, "sleep 10", time.Minute)
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want context.DeadlineExceeded", res.Err)
	}
	if s.Alive() {
		t.Error("session should be recycled after cancellation")
	}
}

func TestSessionExternalKill(t *testing.T) {
	s := spawnTest(t)

	if err := syscall.Kill(s.PID(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not notice its process died")
	}
	if s.Alive() {
		t.Error("Alive() = true after kill")
	}
}

func TestSpawnErrors(t *testing.T) {
	cfg := testConfig(t)

	_, err := Spawn(context.Background(), filepath.Join(t.TempDir(), "missing"), cfg, nil)
	var spawnErr *errors.SessionSpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("missing dir: err = %v, want SessionSpawnError", err)
	}

	cfg.Shell = "/nonexistent/shell"
	if _, err := Spawn(context.Background(), t.TempDir(), cfg, nil); !errors.As(err, &spawnErr) {
		t.Errorf("bad shell: err = %v, want SessionSpawnError", err)
	}
}

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := newToken()
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		if !strings.HasPrefix(tok, "__FOREMAN_") || strings.Contains(tok, "-") {
			t.Fatalf("unexpected token format %s", tok)
		}
		seen[tok] = true
	}
}
