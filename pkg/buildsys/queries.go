package buildsys

import (
	"os"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/EndlessArch/haruhi/pkg/steps"
)

// Kinds of lookups a script can make while it's evaluated. Their results end
// up in the task list, so the cache records them and repeats them on load.
const (
	queryIsdir   = "isdir"
	queryIsfile  = "isfile"
	queryFindOne = "find_one"
	queryGetenv  = "getenv"
)

type cacheQuery struct {
	Kind    string
	Target  string
	Pattern string
	Result  string
}

type cacheMessage struct {
	Warn bool
	Text string
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// lookupOne is find_one without the error for "no match": an empty string.
func lookupOne(root, pattern string) (string, error) {
	match, err := steps.FindOne(root, pattern)
	if err != nil {
		if eris.Is(err, steps.ErrNoMatch) {
			return "", nil
		}
		return "", err
	}

	return match, nil
}

// current repeats the lookup. Failed lookups never equal a recorded result.
func (q cacheQuery) current() (string, bool) {
	switch q.Kind {
	case queryIsdir:
		present, err := steps.CheckDir(q.Target)
		if err != nil {
			return "", false
		}
		return strconv.FormatBool(present), true
	case queryIsfile:
		return strconv.FormatBool(isRegularFile(q.Target)), true
	case queryFindOne:
		match, err := lookupOne(q.Target, q.Pattern)
		if err != nil {
			return "", false
		}
		return match, true
	case queryGetenv:
		return os.Getenv(q.Target), true
	}

	return "", false
}

func (q cacheQuery) stillValid() bool {
	result, ok := q.current()
	return ok && result == q.Result
}

func (ctx *scriptCtx) recordQuery(kind, target, pattern, result string) {
	ctx.queries = append(ctx.queries, cacheQuery{Kind: kind, Target: target, Pattern: pattern, Result: result})
}
