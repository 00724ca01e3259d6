// Package compdb merges the compile_commands.json files CMake writes for the
// engine and its bundled libraries into a single database for editors.
package compdb

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/EndlessArch/haruhi/pkg/steps"
)

// FileName is the name CMake uses for its compilation database.
const FileName = "compile_commands.json"

// Entry is a single compilation database record. Unknown fields are dropped.
type Entry struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
}

func (e Entry) key() string {
	file := e.File
	if !filepath.IsAbs(file) {
		file = filepath.Join(e.Directory, file)
	}

	return filepath.Clean(file) + "\x00" + e.Output
}

// Read decodes the compilation database at path.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	var entries []Entry
	err = json.Unmarshal(data, &entries)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to decode %s", path)
	}

	return entries, nil
}

// Merge concatenates the databases at inputs. If a file is compiled more than
// once to the same output, the first entry wins.
func Merge(inputs []string) ([]Entry, error) {
	chunks := make([][]Entry, len(inputs))

	var group errgroup.Group
	group.SetLimit(4)
	for idx, fpath := range inputs {
		idx, fpath := idx, fpath
		group.Go(func() error {
			chunk, err := Read(fpath)
			chunks[idx] = chunk
			return err
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	output := make([]Entry, 0)
	seen := map[string]bool{}
	for _, chunk := range chunks {
		for _, entry := range chunk {
			key := entry.key()
			if seen[key] {
				continue
			}
			seen[key] = true
			output = append(output, entry)
		}
	}

	return output, nil
}

// Write stores entries at path.
func Write(path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode output")
	}

	return steps.WriteFileAtomic(path, data, 0o660)
}

// Existing returns the compilation databases found directly inside dirs.
func Existing(dirs []string) ([]string, error) {
	result := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		path := filepath.Join(dir, FileName)
		_, err := os.Stat(path)
		if err == nil {
			result = append(result, path)
		} else if !eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(err, "failed to check %s", path)
		}
	}

	return result, nil
}
