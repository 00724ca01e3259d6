package buildsys

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"reflect"

	"github.com/rotisserie/eris"

	"github.com/EndlessArch/haruhi/pkg/buildlog"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

// CacheName is the file parsed task lists are cached in, relative to the build directory.
const CacheName = "tasks.cache"

func init() {
	gob.Register(ScriptCommand{})
	gob.Register(TaskCommand{})
}

type cacheHeader struct {
	Options  map[string]string
	Sources  map[string]int64
	Queries  []cacheQuery
	Messages []cacheMessage
}

// WriteCache stores the parsed tasks together with everything needed to tell
// whether they're still valid. Scripts that ran external commands aren't
// cached and an older cache for them is removed.
func WriteCache(file string, options map[string]string, script *Script) error {
	if script.uncacheable {
		err := os.Remove(file)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "failed to remove %s", file)
		}
		return nil
	}

	buf := bytes.Buffer{}
	encoder := gob.NewEncoder(&buf)
	err := encoder.Encode(cacheHeader{
		Options:  options,
		Sources:  script.Sources,
		Queries:  script.queries,
		Messages: script.messages,
	})
	if err != nil {
		return eris.Wrap(err, "failed to encode cache header")
	}

	err = encoder.Encode(script.Tasks)
	if err != nil {
		return eris.Wrap(err, "failed to encode tasks")
	}

	return steps.WriteFileAtomic(file, buf.Bytes(), 0o644)
}

// readCache returns the cached tasks and script messages if they were
// generated with the same options, none of the files read by the script
// changed since and every lookup the script made still has the same result.
// Otherwise it returns nil.
func readCache(file string, options map[string]string) (TaskList, []cacheMessage, error) {
	handle, err := os.Open(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, eris.Wrapf(err, "failed to open %s", file)
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var header cacheHeader
	err = decoder.Decode(&header)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to decode %s", file)
	}

	if !sameOptions(header.Options, options) {
		return nil, nil, nil
	}

	for path, mtime := range header.Sources {
		current, err := fileModTime(path)
		if err != nil || current != mtime {
			return nil, nil, nil
		}
	}

	for _, query := range header.Queries {
		if !query.stillValid() {
			return nil, nil, nil
		}
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to decode %s", file)
	}

	return result, header.Messages, nil
}

func sameOptions(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}

	return reflect.DeepEqual(a, b)
}

// Parse returns the tasks declared by the script at filename. If cacheFile
// is set, a still valid cache is used instead of evaluating the script and a
// fresh evaluation is written back to it.
func Parse(ctx context.Context, filename, projectRoot, cacheFile string, options map[string]string) (TaskList, error) {
	if cacheFile != "" {
		tasks, messages, err := readCache(cacheFile, options)
		if err != nil {
			buildlog.Log(ctx).Warn().Err(err).Msg("ignoring broken task cache")
		} else if tasks != nil {
			buildlog.Log(ctx).Debug().Str("path", cacheFile).Msg("using cached tasks")
			// Repeat what the script printed while it was evaluated.
			for _, msg := range messages {
				if msg.Warn {
					buildlog.Log(ctx).Warn().Msg(msg.Text)
				} else {
					buildlog.Log(ctx).Info().Msg(msg.Text)
				}
			}
			return tasks, nil
		}
	}

	script, err := RunScript(ctx, filename, projectRoot, options, true)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		err = WriteCache(cacheFile, options, script)
		if err != nil {
			// The cache is only an optimization.
			buildlog.Log(ctx).Warn().Err(err).Msg("failed to write task cache")
		}
	}

	return script.Tasks, nil
}
