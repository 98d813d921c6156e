package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/task"
)

func agentDef() Definition {
	no := false
	return Definition{
		Category:  task.CategoryPM,
		Kind:      KindAgent,
		Stage:     task.StageGeneratePRD,
		NextStage: task.StageDefineUXStandard,
		Agent:     "@bmad/pm.mdc",
		Prompt:    "{{.Agent}} write docs for {{str .Input.requirements}}",
		Artifacts: []string{"docs/**.md"},
		Commit:    &no,
	}
}

func TestAgentAdapterResumesSession(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{root: root}
	replies := []string{
		`{"type":"result","is_error":false,"result":"first","session_id":"sess-1"}`,
		`{"type":"result","is_error":false,"result":"second","session_id":"sess-1","num_turns":3}`,
	}
	var n int
	runner.handle = func(cmd string) session.Result {
		out := replies[n]
		n++
		return session.Result{Success: true, Stdout: out}
	}

	store := NewMemorySessionStore(0)
	a := NewAgentAdapter(agentDef(), runner, store, "claude", nil)
	pc := task.ProjectContext{
		ProjectID:   "p1",
		ProjectPath: "p1",
		StageInput:  map[string]any{"requirements": "it's a todo app"},
	}

	res, err := a.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if res.Output != "first" || !res.Success || res.NextStage != task.StageDefineUXStandard {
		t.Errorf("first result = %+v", res)
	}

	if _, err := a.Execute(context.Background(), pc); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	cmds := runner.commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %q", cmds)
	}
	if strings.Contains(cmds[0], "--resume") {
		t.Errorf("first command should not resume: %s", cmds[0])
	}
	if !strings.HasPrefix(cmds[0], "claude --dangerously-skip-permissions --output-format json -p ") {
		t.Errorf("unexpected command: %s", cmds[0])
	}
	if !strings.Contains(cmds[0], `it'\''s a todo app`) {
		t.Errorf("prompt not quoted: %s", cmds[0])
	}
	if !strings.Contains(cmds[1], "--resume 'sess-1'") {
		t.Errorf("second command should resume sess-1: %s", cmds[1])
	}

	id, _ := store.Get(context.Background(), SessionKey("p1", task.CategoryPM))
	if id != "sess-1" {
		t.Errorf("stored session = %q", id)
	}
}

func TestAgentAdapterFailures(t *testing.T) {
	tests := []struct {
		name   string
		result session.Result
		want   string
	}{
		{
			name:   "command failed",
			result: failed("claude", 1),
			want:   "agent command failed",
		},
		{
			name:   "agent error",
			result: session.Result{Success: true, Stdout: `{"is_error":true,"result":"rate limited"}`},
			want:   "rate limited",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{root: t.TempDir()}
			runner.handle = func(string) session.Result { return tt.result }
			a := NewAgentAdapter(agentDef(), runner, nil, "", nil)

			_, err := a.Execute(context.Background(), task.ProjectContext{ProjectPath: "p"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Execute() error = %v, want %q", err, tt.want)
			}
			var ae *errors.AdapterError
			if !errors.As(err, &ae) || ae.Category != "pm" || ae.Permanent {
				t.Errorf("want a retryable pm AdapterError, got %#v", err)
			}
		})
	}
}

func TestAgentAdapterPlainTextReplyAndArtifacts(t *testing.T) {
	root := t.TempDir()
	proj := filepath.Join(root, "p1")
	if err := os.MkdirAll(filepath.Join(proj, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(proj, "docs", "PRD.md"), []byte("# PRD"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{root: root}
	runner.handle = func(string) session.Result {
		return session.Result{Success: true, Stdout: "done, wrote the PRD"}
	}
	a := NewAgentAdapter(agentDef(), runner, nil, "", nil)

	res, err := a.Execute(context.Background(), task.ProjectContext{ProjectPath: "p1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Output != "done, wrote the PRD" {
		t.Errorf("Output = %q", res.Output)
	}
	paths := res.ArtifactPaths()
	if len(paths) != 1 || paths[0] != "docs/PRD.md" {
		t.Errorf("artifacts = %v", paths)
	}
}

func TestAgentAdapterAfterCommandsAndCommit(t *testing.T) {
	yes := true
	def := agentDef()
	def.Commit = &yes
	def.After = []string{"make fmt"}

	runner := &fakeRunner{root: t.TempDir()}
	runner.handle = func(cmd string) session.Result {
		switch {
		case strings.HasPrefix(cmd, "claude"):
			return session.Result{Success: true, Stdout: `{"result":"ok","session_id":"s"}`}
		case cmd == "git diff --cached --quiet":
			return failed(cmd, 1)
		}
		return session.Result{Success: true}
	}
	a := NewAgentAdapter(def, runner, nil, "", nil)

	if _, err := a.Execute(context.Background(), task.ProjectContext{ProjectPath: "p", ProjectName: "Todo"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	cmds := runner.commands()
	want := []string{"make fmt", "git rev-parse", "git add -A", "git diff --cached --quiet", "git commit -q -m 'foreman: pm generate_prd (Todo)"}
	if len(cmds) != len(want)+1 {
		t.Fatalf("commands = %q", cmds)
	}
	for i, prefix := range want {
		if !strings.HasPrefix(cmds[i+1], prefix) {
			t.Errorf("command %d = %q, want prefix %q", i+1, cmds[i+1], prefix)
		}
	}
}

func TestAgentAdapterSkipsCommitWhenClean(t *testing.T) {
	yes := true
	def := agentDef()
	def.Commit = &yes

	runner := &fakeRunner{root: t.TempDir()}
	a := NewAgentAdapter(def, runner, nil, "", nil)
	if _, err := a.Execute(context.Background(), task.ProjectContext{ProjectPath: "p"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, c := range runner.commands() {
		if strings.HasPrefix(c, "git commit") {
			t.Errorf("nothing changed but a commit was made: %q", c)
		}
	}
}

func TestAgentAdapterAfterCommandFailure(t *testing.T) {
	def := agentDef()
	def.After = []string{"make lint"}

	runner := &fakeRunner{root: t.TempDir()}
	runner.handle = func(cmd string) session.Result {
		if cmd == "make lint" {
			return failed(cmd, 2)
		}
		return session.Result{Success: true, Stdout: `{"result":"ok"}`}
	}
	a := NewAgentAdapter(def, runner, nil, "", nil)

	_, err := a.Execute(context.Background(), task.ProjectContext{ProjectPath: "p"})
	if err == nil || !strings.Contains(err.Error(), "make lint") {
		t.Errorf("Execute() error = %v, want after-command failure", err)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		result  string
		isError bool
		session string
	}{
		{"json", `{"result":"ok","session_id":"a"}`, "ok", false, "a"},
		{"error", `{"result":"bad","is_error":true}`, "bad", true, ""},
		{"plain text", "hello", "hello", false, ""},
		{"noise before json", "warming up\n{\"result\":\"ok\"}", "ok", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parseReply(tt.in)
			if r.Result != tt.result || r.IsError != tt.isError || r.SessionID != tt.session {
				t.Errorf("parseReply(%q) = %+v", tt.in, r)
			}
		})
	}
}
