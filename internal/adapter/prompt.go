package adapter

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Iron-Ham/foreman/internal/task"
)

// promptData is the dot value of a prompt template.
type promptData struct {
	Agent    string
	Category task.Category
	Stage    task.Stage
	Project  task.ProjectContext
	Input    map[string]any
	Previous map[string]any
	Attempt  int
}

var promptFuncs = template.FuncMap{
	"str": toString,
	"default": func(def string, v any) string {
		if s := toString(v); s != "" {
			return s
		}
		return def
	},
	"join": func(sep string, v any) string {
		switch vs := v.(type) {
		case []string:
			return strings.Join(vs, sep)
		case []any:
			parts := make([]string, 0, len(vs))
			for _, p := range vs {
				parts = append(parts, toString(p))
			}
			return strings.Join(parts, sep)
		}
		return toString(v)
	},
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

// renderPrompt executes def's prompt template against pc.
func renderPrompt(def Definition, pc task.ProjectContext) (string, error) {
	tmpl, err := template.New(string(def.Category)).Funcs(promptFuncs).Parse(def.Prompt)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}

	input := pc.StageInput
	if input == nil {
		input = map[string]any{}
	}
	stage := pc.CurrentStage
	if stage == "" {
		stage = def.Stage
	}

	var b strings.Builder
	err = tmpl.Execute(&b, promptData{
		Agent:    def.Agent,
		Category: def.Category,
		Stage:    stage,
		Project:  pc,
		Input:    input,
		Previous: pc.PreviousStageOutput,
		Attempt:  pc.Attempt,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// shellQuote returns s as a single-quoted POSIX shell word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
