package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
)

// DefaultCLITool is the agent executable used when none is configured.
const DefaultCLITool = "claude"

// agentReply is the subset of the agent CLI's JSON output we use.
type agentReply struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result"`
	SessionID  string  `json:"session_id"`
	DurationMs int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	CostUSD    float64 `json:"total_cost_usd"`
}

// parseReply decodes the agent's JSON output. Output that is not JSON is
// treated as a successful plain-text reply.
func parseReply(stdout string) agentReply {
	var reply agentReply
	trimmed := strings.TrimSpace(stdout)
	// Some CLI versions print progress lines before the JSON object.
	if i := strings.LastIndex(trimmed, "\n{"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		return agentReply{Result: stdout}
	}
	return reply
}

// AgentAdapter runs one stage through the agent CLI inside the project's
// shell session.
type AgentAdapter struct {
	def      Definition
	runner   Runner
	sessions SessionStore
	cliTool  string
	logger   *logging.Logger
}

// NewAgentAdapter creates an adapter for def.
func NewAgentAdapter(def Definition, runner Runner, sessions SessionStore, cliTool string, logger *logging.Logger) *AgentAdapter {
	if cliTool == "" {
		cliTool = DefaultCLITool
	}
	if sessions == nil {
		sessions = NewMemorySessionStore(DefaultSessionTTL)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &AgentAdapter{
		def:      def,
		runner:   runner,
		sessions: sessions,
		cliTool:  cliTool,
		logger:   logger.WithCategory(string(def.Category)),
	}
}

// Definition returns the adapter's stage definition.
func (a *AgentAdapter) Definition() Definition { return a.def }

// command builds the CLI invocation for prompt, resuming sessionID when set.
func (a *AgentAdapter) command(prompt, sessionID string) string {
	var b strings.Builder
	b.WriteString(a.cliTool)
	b.WriteString(" --dangerously-skip-permissions --output-format json")
	if sessionID != "" {
		b.WriteString(" --resume ")
		b.WriteString(shellQuote(sessionID))
	}
	b.WriteString(" -p ")
	b.WriteString(shellQuote(prompt))
	return b.String()
}

func (a *AgentAdapter) fail(message string, cause error) *errors.AdapterError {
	return errors.NewAdapterError(message, cause).
		WithCategory(string(a.def.Category)).
		WithStage(string(a.def.Stage))
}

// Execute renders the prompt, runs the agent, then runs the after commands,
// commits and collects artifacts.
func (a *AgentAdapter) Execute(ctx context.Context, pc task.ProjectContext) (*task.Result, error) {
	logger := a.logger.WithProject(pc.ProjectPath)

	prompt, err := renderPrompt(a.def, pc)
	if err != nil {
		return nil, a.fail("invalid prompt template", err).WithPermanent(true)
	}

	key := SessionKey(projectKey(pc), a.def.Category)
	sessionID, err := a.sessions.Get(ctx, key)
	if err != nil {
		logger.Warn("agent session lookup failed", "error", err.Error())
		sessionID = ""
	}

	res := a.runner.RunInSession(ctx, pc.ProjectPath, a.command(prompt, sessionID), a.def.Timeout)
	if !res.Success {
		return nil, a.fail("agent command failed", res.Err)
	}

	reply := parseReply(res.Stdout)
	if reply.IsError {
		return nil, a.fail("agent reported an error: "+errors.Truncate(reply.Result, 500), nil)
	}
	if reply.SessionID != "" && reply.SessionID != sessionID {
		if err := a.sessions.Set(ctx, key, reply.SessionID); err != nil {
			logger.Warn("saving agent session failed", "error", err.Error())
		}
	}
	logger.Info("agent finished",
		"session_id", reply.SessionID,
		"resumed", sessionID != "",
		"duration", res.Duration.String(),
	)

	for _, cmd := range a.def.After {
		after := a.runner.RunInSession(ctx, pc.ProjectPath, cmd, a.def.Timeout)
		if !after.Success {
			return nil, a.fail("after command failed: "+cmd, after.Err)
		}
	}

	if a.def.CommitEnabled() {
		msg := commitMessage(a.def, pc, reply.Result)
		if err := commitChanges(ctx, a.runner, pc.ProjectPath, msg, a.def.PushEnabled()); err != nil {
			return nil, a.fail("committing changes failed", err)
		}
	}

	artifacts, err := CollectArtifacts(a.runner.ResolvePath(pc.ProjectPath), a.def.Artifacts)
	if err != nil {
		logger.Warn("collecting artifacts failed", "error", err.Error())
	}

	meta := map[string]any{
		"resumed": sessionID != "",
	}
	if reply.SessionID != "" {
		meta["session_id"] = reply.SessionID
	}
	if reply.NumTurns > 0 {
		meta["num_turns"] = reply.NumTurns
	}
	if reply.CostUSD > 0 {
		meta["cost_usd"] = reply.CostUSD
	}

	return &task.Result{
		Success:   true,
		Artifacts: artifacts,
		NextStage: a.def.NextStage,
		Output:    reply.Result,
		Metadata:  meta,
	}, nil
}

func projectKey(pc task.ProjectContext) string {
	if pc.ProjectID != "" {
		return pc.ProjectID
	}
	return pc.ProjectPath
}

func commitMessage(def Definition, pc task.ProjectContext, summary string) string {
	subject := fmt.Sprintf("foreman: %s %s", def.Category, def.Stage)
	if pc.ProjectName != "" {
		subject += " (" + pc.ProjectName + ")"
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return subject
	}
	return subject + "\n\n" + errors.Truncate(summary, 2000)
}
