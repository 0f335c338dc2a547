package simctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
)

// Runner runs a shell command line and returns its output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ShellRunner runs commands in one long-lived local shell.
type ShellRunner struct {
	m       sync.Mutex
	service *gosh.Service
	timeout time.Duration
}

func NewShellRunner(ctx context.Context, timeout time.Duration) (*ShellRunner, error) {
	service, err := gosh.New(ctx, local.New())
	if err != nil {
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	return &ShellRunner{service: service, timeout: timeout}, nil
}

func (r *ShellRunner) Run(ctx context.Context, command string) (string, error) {
	r.m.Lock()
	defer r.m.Unlock()
	out, status, err := r.service.Run(ctx, command, runner.WithTimeout(int(r.timeout.Milliseconds())))
	out = strings.TrimSpace(out)
	if err != nil {
		return out, fmt.Errorf("running %q: %w", command, err)
	}
	if status != 0 {
		return out, fmt.Errorf("%q exited with status %d: %s", command, status, out)
	}
	return out, nil
}

func (r *ShellRunner) Close() error {
	return r.service.Close()
}

// quote makes s a single shell word.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
