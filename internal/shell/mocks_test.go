package shell

import (
	"context"
	"sync"
)

// runnerCall records one invocation of the fake runner.
type runnerCall struct {
	name string
	args []string
}

// fakeRunner is a Runner that records every argv and answers from a
// configurable function.
type fakeRunner struct {
	mu sync.Mutex

	// Configurable behavior
	runFunc func(name string, args ...string) ([]byte, error)

	// Call tracking
	calls []runnerCall
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runnerCall{name: name, args: args})
	r.mu.Unlock()

	if r.runFunc != nil {
		return r.runFunc(name, args...)
	}
	return nil, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) call(i int) runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}
