package steps

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

// Glob expands a shell pattern (including ** for any number of directories)
// and returns the existing paths it matched in lexical order.
func Glob(pattern string) ([]string, error) {
	return expandGlob("", pattern)
}

// GlobIn expands pattern relative to dir. Only pattern is subject to
// expansion; metacharacters in dir match literally.
func GlobIn(dir, pattern string) ([]string, error) {
	if filepath.IsAbs(pattern) {
		return nil, eris.Errorf("pattern %s must be relative to %s", pattern, dir)
	}

	return expandGlob(dir, pattern)
}

func expandGlob(dir, pattern string) ([]string, error) {
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}
	if dir != "" {
		// Relative patterns are resolved against PWD.
		cfg.Env = expand.ListEnviron("PWD=" + dir)
	}

	// A single literal keeps spaces in the pattern from splitting it into fields.
	word := &syntax.Word{Parts: []syntax.WordPart{&syntax.Lit{Value: filepath.ToSlash(pattern)}}}
	fields, err := expand.Fields(&cfg, word)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to resolve pattern %s", pattern)
	}

	result := make([]string, 0, len(fields))
	for _, field := range fields {
		path := filepath.FromSlash(field)
		if dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}

		// Unmatched patterns come back verbatim.
		if _, err := os.Lstat(path); err != nil {
			continue
		}

		result = append(result, path)
	}

	return result, nil
}

// FindOne resolves pattern relative to root and returns the single file it
// matches. Directories are ignored.
func FindOne(root, pattern string) (string, error) {
	matches, err := GlobIn(root, pattern)
	if err != nil {
		return "", err
	}

	files := make([]string, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return "", eris.Wrapf(err, "Failed to check %s", match)
		}

		if !info.IsDir() {
			files = append(files, match)
		}
	}

	switch len(files) {
	case 0:
		return "", eris.Wrapf(ErrNoMatch, "%s under %s", pattern, root)
	case 1:
		return files[0], nil
	default:
		return "", eris.Wrapf(ErrAmbiguousMatch, "%s under %s: %s", pattern, root, strings.Join(files, ", "))
	}
}

// ResolvePatterns expands a list of patterns relative to base and
// concatenates the matches. Entries without wildcards are kept even if they
// don't exist, so callers can tell that an expected file is missing.
func ResolvePatterns(base string, patterns []string) ([]string, error) {
	result := []string{}
	for _, item := range patterns {
		if !hasMeta(item) {
			if !filepath.IsAbs(item) {
				item = filepath.Join(base, item)
			}
			result = append(result, filepath.Clean(item))
			continue
		}

		var matches []string
		var err error
		if filepath.IsAbs(item) {
			matches, err = Glob(item)
		} else {
			matches, err = GlobIn(base, item)
		}
		if err != nil {
			return nil, err
		}

		result = append(result, matches...)
	}

	return result, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
