package adapter

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/foreman/internal/task"
)

//go:embed definitions.yaml
var builtinDefinitions []byte

// Adapter kinds.
const (
	KindAgent  = "agent"
	KindScript = "script"
)

// Definition describes how one category's stage is executed.
type Definition struct {
	Category  task.Category `yaml:"-"`
	Kind      string        `yaml:"kind,omitempty"`
	Stage     task.Stage    `yaml:"stage,omitempty"`
	NextStage task.Stage    `yaml:"next_stage,omitempty"`
	// Agent is the persona reference prefixed to the prompt.
	Agent   string        `yaml:"agent,omitempty"`
	Prompt  string        `yaml:"prompt,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Artifacts are glob patterns, relative to the project directory, that
	// name the files a successful run produced.
	Artifacts []string `yaml:"artifacts,omitempty"`
	// After are shell commands run in the project session once the agent
	// succeeds. A failing command fails the attempt.
	After []string `yaml:"after,omitempty"`
	// Commit stages and commits every change the run made.
	Commit *bool `yaml:"commit,omitempty"`
	// Push pushes the commit to the current branch's upstream.
	Push *bool `yaml:"push,omitempty"`
	// Script is the Lua file for script adapters, relative to the scripts
	// directory when not absolute.
	Script string `yaml:"script,omitempty"`
}

// CommitEnabled reports whether changes are committed after a run.
func (d Definition) CommitEnabled() bool { return d.Commit != nil && *d.Commit }

// PushEnabled reports whether commits are pushed.
func (d Definition) PushEnabled() bool { return d.Push != nil && *d.Push }

// fillFrom copies every field of base that d leaves unset.
func (d Definition) fillFrom(base Definition) Definition {
	if d.Kind == "" {
		d.Kind = base.Kind
	}
	if d.Stage == "" {
		d.Stage = base.Stage
	}
	if d.NextStage == "" {
		d.NextStage = base.NextStage
	}
	if d.Agent == "" {
		d.Agent = base.Agent
	}
	if d.Prompt == "" {
		d.Prompt = base.Prompt
	}
	if d.Timeout == 0 {
		d.Timeout = base.Timeout
	}
	if d.Artifacts == nil {
		d.Artifacts = slices.Clone(base.Artifacts)
	}
	if d.After == nil {
		d.After = slices.Clone(base.After)
	}
	if d.Commit == nil {
		d.Commit = base.Commit
	}
	if d.Push == nil {
		d.Push = base.Push
	}
	if d.Script == "" {
		d.Script = base.Script
	}
	return d
}

// Definitions is a parsed definitions file.
type Definitions struct {
	Defaults   Definition                   `yaml:"defaults"`
	Categories map[task.Category]Definition `yaml:"categories"`
}

// ParseDefinitions decodes a definitions document.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if defs.Categories == nil {
		defs.Categories = make(map[task.Category]Definition)
	}
	for cat, d := range defs.Categories {
		d.Category = cat
		defs.Categories[cat] = d
	}
	return &defs, nil
}

// BuiltinDefinitions returns the definitions compiled into the binary.
func BuiltinDefinitions() *Definitions {
	defs, err := ParseDefinitions(builtinDefinitions)
	if err != nil {
		panic(fmt.Sprintf("builtin definitions: %v", err))
	}
	return defs
}

// LoadDefinitions returns the builtin definitions overlaid with the file at
// path. Categories in the file replace builtin ones field by field; the
// file's defaults replace builtin defaults the same way. An empty path
// returns the builtins.
func LoadDefinitions(path string) (*Definitions, error) {
	defs := BuiltinDefinitions()
	if path == "" {
		return defs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	user, err := ParseDefinitions(data)
	if err != nil {
		return nil, err
	}

	defs.Defaults = user.Defaults.fillFrom(defs.Defaults)
	for cat, d := range user.Categories {
		if base, ok := defs.Categories[cat]; ok {
			d = d.fillFrom(base)
		}
		defs.Categories[cat] = d
	}
	return defs, nil
}

// Lookup returns the effective definition for category, with defaults
// applied.
func (d *Definitions) Lookup(category task.Category) (Definition, bool) {
	def, ok := d.Categories[category]
	if !ok {
		return Definition{}, false
	}
	def = def.fillFrom(d.Defaults)
	def.Category = category
	if def.Kind == "" {
		def.Kind = KindAgent
	}
	return def, true
}

// CategoryNames returns the defined categories in sorted order.
func (d *Definitions) CategoryNames() []task.Category {
	return slices.Sorted(maps.Keys(d.Categories))
}

// Validate checks every category definition.
func (d *Definitions) Validate() error {
	for _, cat := range d.CategoryNames() {
		def, _ := d.Lookup(cat)
		switch def.Kind {
		case KindAgent:
			if def.Prompt == "" {
				return fmt.Errorf("category %s: agent definitions need a prompt", cat)
			}
		case KindScript:
			if def.Script == "" {
				return fmt.Errorf("category %s: script definitions need a script", cat)
			}
		default:
			return fmt.Errorf("category %s: unknown kind %q", cat, def.Kind)
		}
		if def.Timeout < 0 {
			return fmt.Errorf("category %s: timeout must not be negative", cat)
		}
		for _, p := range def.Artifacts {
			if _, err := compilePattern(p); err != nil {
				return fmt.Errorf("category %s: artifact pattern %q: %w", cat, p, err)
			}
		}
	}
	return nil
}
