package adapter

import (
	"io/fs"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/foreman/internal/task"
)

// skipDirs are never descended into when collecting artifacts.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

func compilePattern(pattern string) (glob.Glob, error) {
	return glob.Compile(filepath.ToSlash(pattern), '/')
}

// CollectArtifacts walks root and returns every regular file whose
// slash-separated path relative to root matches one of patterns. Results
// are sorted by path. Invalid patterns are skipped.
func CollectArtifacts(root string, patterns []string) ([]task.Artifact, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	var globs []glob.Glob
	for _, p := range patterns {
		g, err := compilePattern(p)
		if err != nil {
			continue
		}
		globs = append(globs, g)
	}
	if len(globs) == 0 {
		return nil, nil
	}

	var found []task.Artifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, g := range globs {
			if g.Match(rel) {
				found = append(found, task.Artifact{
					Name: path.Base(rel),
					Path: rel,
					Type: artifactType(rel),
				})
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(found, func(a, b task.Artifact) int { return strings.Compare(a.Path, b.Path) })
	return found, nil
}

func artifactType(p string) string {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	switch ext {
	case "md", "markdown":
		return "markdown"
	case "sql":
		return "sql"
	case "yaml", "yml", "json":
		return "spec"
	case "":
		return "file"
	}
	return ext
}

func baseName(p string) string {
	return path.Base(filepath.ToSlash(p))
}
