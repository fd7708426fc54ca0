package taskexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/aristath/appstartup/internal/ctxlog"
	"github.com/aristath/appstartup/internal/scheduler"
)

// Prefix marks a srcEntry that runs a subprocess: "exec:./migrate up".
const Prefix = "exec:"

// Command returns a synchronous task body that runs argv. The trimmed stdout
// becomes the task result; a non-zero exit fails the task with *ExitError.
// Stderr lines are logged at debug level. The subprocess is killed when the
// task's context is cancelled, which happens when it times out.
func Command(pm *ProcessManager, argv []string) (scheduler.Func, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty command")
	}
	argv = append([]string(nil), argv...)

	return func(ctx context.Context, deps scheduler.Dependencies) (any, error) {
		cmd := newCommand(ctx, argv[0], argv[1:]...)
		stdout, stderr, err := executeCommand(pm, cmd)

		logger := ctxlog.FromContext(ctx)
		sc := bufio.NewScanner(bytes.NewReader(stderr))
		for sc.Scan() {
			logger.Debug("subprocess stderr", "line", sc.Text())
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", argv[0], ctx.Err())
			}
			return nil, err
		}
		return strings.TrimSpace(string(stdout)), nil
	}, nil
}

// ParseCommandLine splits a command line into arguments with POSIX shell
// quoting rules: whitespace separates arguments, single quotes preserve text
// literally, double quotes and backslashes escape, and an unquoted # starts a
// comment. No variable expansion or globbing is performed.
func ParseCommandLine(line string) ([]string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command line: %w", err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
