// Package strategydisc scans a directory tree of Go strategy plugins and
// extracts their declared metadata from package documentation. It performs
// no network or database I/O and is safe to call
// repeatedly; results reflect only what is on disk at call time.
package strategydisc

import (
	"fmt"
	"go/doc"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Plugin is the metadata extracted from one strategy package.
type Plugin struct {
	Name             string
	StrategyName     string
	Category         string
	Tags             []string
	ShortDescription string
	LongDescription  string
}

const (
	metaStrategyName = "strategy-name:"
	metaCategory     = "category:"
	metaTags         = "tags:"
	metaShortDesc    = "short-description:"
)

// Scan walks dir (recursing when recursive is true) parsing each Go
// package it finds and extracting one Plugin per package whose doc comment
// declares a strategy-name. Directories that fail to parse are skipped,
// not fatal; one malformed plugin must not block discovery of the rest.
func Scan(dir string, recursive bool) ([]Plugin, error) {
	dirs, err := collectDirs(dir, recursive)
	if err != nil {
		return nil, fmt.Errorf("walking strategy directory %s: %w", dir, err)
	}

	var out []Plugin
	for _, d := range dirs {
		plugin, ok := parseDir(d)
		if ok {
			out = append(out, plugin)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func collectDirs(root string, recursive bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	if !recursive {
		return []string{root}, nil
	}

	var dirs []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

func parseDir(dir string) (Plugin, bool) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, dir, nil, parser.ParseComments)
	if err != nil || len(pkgs) == 0 {
		return Plugin{}, false
	}

	for pkgName, pkg := range pkgs {
		docPkg := doc.New(pkg, dir, doc.AllDecls)
		meta, ok := parseDocComment(docPkg.Doc)
		if !ok {
			continue
		}
		meta.Name = pkgName
		if meta.StrategyName == "" {
			meta.StrategyName = pkgName
		}
		return meta, true
	}
	return Plugin{}, false
}

// parseDocComment reads package-doc lines of the form "key: value", one
// per line, accumulating the remaining free text as the long description.
func parseDocComment(text string) (Plugin, bool) {
	if strings.TrimSpace(text) == "" {
		return Plugin{}, false
	}

	var p Plugin
	var longLines []string
	found := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, metaStrategyName):
			p.StrategyName = strings.TrimSpace(trimmed[len(metaStrategyName):])
			found = true
		case strings.HasPrefix(lower, metaCategory):
			p.Category = strings.TrimSpace(trimmed[len(metaCategory):])
			found = true
		case strings.HasPrefix(lower, metaTags):
			tagStr := strings.TrimSpace(trimmed[len(metaTags):])
			for _, t := range strings.Split(tagStr, ",") {
				if t = strings.TrimSpace(t); t != "" {
					p.Tags = append(p.Tags, t)
				}
			}
			found = true
		case strings.HasPrefix(lower, metaShortDesc):
			p.ShortDescription = strings.TrimSpace(trimmed[len(metaShortDesc):])
			found = true
		default:
			if trimmed != "" {
				longLines = append(longLines, trimmed)
			}
		}
	}

	if !found {
		return Plugin{}, false
	}
	p.LongDescription = strings.Join(longLines, " ")
	return p, true
}
