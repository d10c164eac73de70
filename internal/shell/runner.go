package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes an external command and returns its stdout. Implementations
// must block until the process exits; the build is fully sequential and every
// mutating call relies on the previous one having completed.
//
// In production this is satisfied by the exec-backed runner returned from
// NewRunner. In tests it is satisfied by fakes that record the exact argv.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct {
	log *logrus.Logger
}

// NewRunner returns a Runner backed by os/exec. Every invocation is logged
// at debug level with its full argument vector.
func NewRunner(log *logrus.Logger) Runner {
	return &execRunner{log: log}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.log.WithField("argv", append([]string{name}, args...)).Debug("exec")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return stdout.Bytes(), &ExitError{
				Cmd:    name,
				Code:   exit.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return stdout.Bytes(), err
	}

	return stdout.Bytes(), nil
}
