package steps

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNoMatch is returned by FindOne if the pattern didn't match anything.
	ErrNoMatch = eris.New("pattern matched no files")
	// ErrAmbiguousMatch is returned by FindOne if the pattern matched more than one file.
	ErrAmbiguousMatch = eris.New("pattern matched more than one file")
)

// CommandError reports an external process that exited with a non-zero status.
type CommandError struct {
	Result Result
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Result.Invocation.String(), e.Result.ExitCode)

	stderr := strings.TrimSpace(e.Result.Stderr)
	if stderr != "" {
		lines := strings.Split(stderr, "\n")
		if len(lines) > 5 {
			lines = lines[len(lines)-5:]
		}
		msg += ":\n" + strings.Join(lines, "\n")
	}

	return msg
}
