package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// LogEntry is one parsed JSON log line.
type LogEntry struct {
	Time        time.Time      `json:"time"`
	Level       string         `json:"level"`
	Message     string         `json:"msg"`
	ProjectPath string         `json:"project_path,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Category    string         `json:"category,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects entries. Zero-valued fields match everything.
type LogFilter struct {
	// Level is the minimum level (DEBUG < INFO < WARN < ERROR).
	Level    string
	Since    time.Time
	Until    time.Time
	Project  string
	TaskID   string
	Category string
	Contains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadLogFile parses path and up to maxBackups rotated files next to it
// (plain or gzipped), returning entries sorted by time. Lines that are not
// JSON objects are skipped.
func ReadLogFile(path string, maxBackups int) ([]LogEntry, error) {
	var entries []LogEntry

	candidates := []string{path}
	for i := 1; i <= maxBackups; i++ {
		candidates = append(candidates, BackupPath(path, i), BackupPath(path, i)+".gz")
	}

	found := false
	for _, p := range candidates {
		got, err := readOne(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		found = true
		entries = append(entries, got...)
	}
	if !found {
		return nil, fmt.Errorf("no log file at %s", path)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func readOne(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	var entries []LogEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if e, ok := ParseLine(sc.Bytes()); ok {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}

// ParseLine decodes one JSON log line. It reports false for lines that are
// not JSON objects.
func ParseLine(line []byte) (LogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}

	var e LogEntry
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "time":
			e.Time, _ = time.Parse(time.RFC3339Nano, s)
		case "level":
			e.Level = s
		case "msg":
			e.Message = s
		case "project_path":
			e.ProjectPath = s
		case "task_id":
			e.TaskID = s
		case "category":
			e.Category = s
		default:
			if e.Attrs == nil {
				e.Attrs = make(map[string]any)
			}
			e.Attrs[k] = v
		}
	}
	return e, true
}

// FilterLogs returns the entries matching every criterion in f.
func FilterLogs(entries []LogEntry, f LogFilter) []LogEntry {
	minLevel := -1
	if f.Level != "" {
		minLevel = levelOrder[ParseLevel(f.Level)]
	}

	var out []LogEntry
	for _, e := range entries {
		if minLevel >= 0 && levelOrder[strings.ToUpper(e.Level)] < minLevel {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Time.After(f.Until) {
			continue
		}
		if f.Project != "" && e.ProjectPath != f.Project {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// FormatEntry renders e as a single human-readable line.
func FormatEntry(e LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", e.Time.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)
	if e.Category != "" {
		fmt.Fprintf(&b, " category=%s", e.Category)
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", e.TaskID)
	}
	if e.ProjectPath != "" {
		fmt.Fprintf(&b, " project=%s", e.ProjectPath)
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}
	return b.String()
}
