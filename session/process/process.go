package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const outputTailBytes = 8192

var (
	ErrAlreadyStarted = errors.New("process already started")
	ErrNotStarted     = errors.New("process not started")
)

// ExitEvent describes how a process ended.
type ExitEvent struct {
	PID      int
	ExitCode int
	// Err is set when waiting on the process failed for a reason other than a non-zero exit.
	Err error
	// Forced is true if the exit was caused by ForceStop.
	Forced   bool
	Duration time.Duration
	// Output is the tail of the combined stdout and stderr.
	Output string
}

// Listener observes process lifecycle events.
// Listeners are called from the goroutine that waits on the process, so they must not block on the Handle itself.
type Listener interface {
	ProcessExited(ev ExitEvent)
}

type ListenerFunc func(ev ExitEvent)

func (f ListenerFunc) ProcessExited(ev ExitEvent) { f(ev) }

// Handle wraps a single OS process.
// Configuration (working dir, env, listeners) must happen before Start.
type Handle struct {
	log     *zap.SugaredLogger
	command string
	args    []string

	m         sync.Mutex
	dir       string
	env       []string
	listeners []Listener
	output    *outputWriter
	cmd       *exec.Cmd
	started   bool
	forced    bool
	exited    chan struct{}
	event     ExitEvent
}

func New(log *zap.SugaredLogger, command string, args ...string) *Handle {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handle{
		log:     log.Named("process"),
		command: command,
		args:    args,
		output:  newOutputWriter(outputTailBytes),
		exited:  make(chan struct{}),
	}
}

func (h *Handle) Command() string { return h.command }

func (h *Handle) Args() []string { return append([]string(nil), h.args...) }

func (h *Handle) SetWorkingDirectory(dir string) error {
	h.m.Lock()
	defer h.m.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	h.dir = dir
	return nil
}

// SetEnv sets extra environment variables, appended to the current environment.
func (h *Handle) SetEnv(env []string) error {
	h.m.Lock()
	defer h.m.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	h.env = env
	return nil
}

// SetOutput adds a writer that receives the process's stdout and stderr.
func (h *Handle) SetOutput(w io.Writer) {
	h.output.Add(w)
}

// RegisterListener adds a listener. Registering after Start is an error, since early exits could be missed.
func (h *Handle) RegisterListener(l Listener) error {
	h.m.Lock()
	defer h.m.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	h.listeners = append(h.listeners, l)
	return nil
}

func (h *Handle) Start() error {
	h.m.Lock()
	defer h.m.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(h.command, h.args...)
	cmd.Dir = h.dir
	if len(h.env) > 0 {
		cmd.Env = append(os.Environ(), h.env...)
	}
	cmd.Stdout = h.output
	cmd.Stderr = h.output
	// orphaned grandchildren holding the output pipes must not wedge Wait
	cmd.WaitDelay = 2 * time.Second

	startTime := time.Now()
	err := cmd.Start()
	if err != nil {
		return fmt.Errorf("starting %s: %w", h.command, err)
	}
	h.cmd = cmd
	h.started = true
	h.log.Debugw("started process", "PID", cmd.Process.Pid, "Command", h.command, "Args", h.args, "WD", h.dir)

	listeners := append([]Listener(nil), h.listeners...)
	go h.wait(startTime, listeners)
	return nil
}

func (h *Handle) wait(startTime time.Time, listeners []Listener) {
	err := h.cmd.Wait()

	ev := ExitEvent{
		PID:      h.cmd.Process.Pid,
		ExitCode: -1,
		Duration: time.Since(startTime),
		Output:   h.output.Tail(),
	}
	if h.cmd.ProcessState != nil {
		ev.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			ev.Err = err
		}
	}

	h.m.Lock()
	ev.Forced = h.forced
	h.event = ev
	h.m.Unlock()

	h.log.Debugw("process exited", "PID", ev.PID, "ExitCode", ev.ExitCode, "Forced", ev.Forced, "Error", ev.Err)
	for _, l := range listeners {
		l.ProcessExited(ev)
	}
	close(h.exited)
}

// ForceStop kills the process and everything it spawned, then waits for the exit to be delivered to listeners.
// It is a no-op if the process was never started or has already exited.
func (h *Handle) ForceStop() error {
	h.m.Lock()
	if !h.started {
		h.m.Unlock()
		return nil
	}
	select {
	case <-h.exited:
		h.m.Unlock()
		return nil
	default:
	}
	h.forced = true
	proc := h.cmd.Process
	h.m.Unlock()

	h.log.Debugf("force stopping process %d", proc.Pid)
	killTree(h.log, proc.Pid)
	err := proc.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", proc.Pid, err)
	}
	<-h.exited
	return nil
}

// killTree kills the descendants of pid. The tool launches the application under test as its child,
// and that child must not outlive the session.
func killTree(log *zap.SugaredLogger, pid int) {
	p, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return
	}
	var descendants []*psprocess.Process
	var collect func(p *psprocess.Process)
	collect = func(p *psprocess.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			descendants = append(descendants, c)
			collect(c)
		}
	}
	collect(p)
	for _, d := range descendants {
		if err := d.Kill(); err != nil {
			log.Debugf("killing descendant %d of %d: %s", d.Pid, pid, err)
		}
	}
}

// Wait blocks until the process exits or the context is done.
func (h *Handle) Wait(ctx context.Context) (ExitEvent, error) {
	h.m.Lock()
	started := h.started
	h.m.Unlock()
	if !started {
		return ExitEvent{}, ErrNotStarted
	}
	select {
	case <-h.exited:
		h.m.Lock()
		defer h.m.Unlock()
		return h.event, nil
	case <-ctx.Done():
		return ExitEvent{}, ctx.Err()
	}
}

// Run starts the process and waits for it to exit. If the context is done first, the process is force stopped.
func (h *Handle) Run(ctx context.Context) (ExitEvent, error) {
	err := h.Start()
	if err != nil {
		return ExitEvent{}, err
	}
	ev, err := h.Wait(ctx)
	if err != nil {
		if stopErr := h.ForceStop(); stopErr != nil {
			h.log.Debugf("force stopping after wait error: %s", stopErr)
		}
		return ExitEvent{}, err
	}
	return ev, nil
}

// PID returns the OS process ID, or 0 if the process has not been started.
func (h *Handle) PID() int {
	h.m.Lock()
	defer h.m.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Output returns the tail of the process's combined output.
func (h *Handle) Output() string {
	return h.output.Tail()
}
