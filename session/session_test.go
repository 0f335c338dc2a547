package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/instruments/device"
	"github.com/guseggert/instruments/session/channel"
	"github.com/guseggert/instruments/session/process"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

const testTemplate = "/templates/Automation.tracetemplate"

type fakePreparer struct {
	m        sync.Mutex
	steps    []string
	cleanups int
	failStep string
}

func (f *fakePreparer) record(step string) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.steps = append(f.steps, step)
	if step == f.failStep {
		return fmt.Errorf("%s broke", step)
	}
	return nil
}

func (f *fakePreparer) SetVariation(ctx context.Context, t device.Type, v device.Variation) error {
	return f.record("variation")
}
func (f *fakePreparer) SetSDKVersion(ctx context.Context, version string) error {
	return f.record("sdk")
}
func (f *fakePreparer) ResetContentAndSettings(ctx context.Context) error {
	return f.record("reset")
}
func (f *fakePreparer) SetL10N(ctx context.Context, locale, language string) error {
	return f.record("l10n")
}
func (f *fakePreparer) SetKeyboardOptions(ctx context.Context, opts device.KeyboardOptions) error {
	return f.record("keyboard")
}
func (f *fakePreparer) SetLocationPreference(ctx context.Context, enabled bool) error {
	return f.record("location")
}
func (f *fakePreparer) SetBrowserOptions(ctx context.Context, opts device.BrowserOptions) error {
	return f.record("browser")
}
func (f *fakePreparer) Cleanup(ctx context.Context) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.cleanups++
	return nil
}

func (f *fakePreparer) Cleanups() int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.cleanups
}

type fakeApp struct{}

func (fakeApp) Path() string { return "/apps/Example.app" }
func (fakeApp) SetDefaultDevice(t device.Type) error { return nil }

type fakeResolver struct {
	bin string
}

func (f fakeResolver) Instruments(version string) (string, error) { return f.bin, nil }
func (f fakeResolver) Template(ctx context.Context, version string) (string, error) {
	return testTemplate, nil
}

// countingProcess counts starts and force stops of the real handle it wraps.
type countingProcess struct {
	*process.Handle
	counts *processCounts
}

type processCounts struct {
	starts atomic.Int32
	stops  atomic.Int32
	m      sync.Mutex
	last   *process.Handle
}

func (p *countingProcess) Start() error {
	p.counts.starts.Add(1)
	return p.Handle.Start()
}

func (p *countingProcess) ForceStop() error {
	p.counts.stops.Add(1)
	return p.Handle.ForceStop()
}

func (pc *processCounts) factory(log *zap.SugaredLogger, command string, args ...string) Process {
	h := process.New(log, command, args...)
	pc.m.Lock()
	pc.last = h
	pc.m.Unlock()
	return &countingProcess{Handle: h, counts: pc}
}

// writeTool writes a shell script standing in for the tool. It records its arguments next to itself.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments")
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %s\n%s\n", filepath.Join(dir, "args"), body)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// recordedArgs waits for the tool to have written its arguments.
func recordedArgs(t *testing.T, tool string) []string {
	t.Helper()
	var args []string
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(filepath.Dir(tool), "args"))
		if err != nil || !strings.HasSuffix(string(b), "\n") {
			return false
		}
		args = strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return args
}

type harness struct {
	c        *Controller
	preparer *fakePreparer
	counts   *processCounts
	tool     string
}

func newHarness(t *testing.T, toolBody string, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		preparer: &fakePreparer{},
		counts:   &processCounts{},
		tool:     writeTool(t, toolBody),
	}
	opts = append([]Option{
		WithLogger(log),
		WithSessionID("s1"),
		WithResolver(fakeResolver{bin: h.tool}),
		WithProcessFactory(h.counts.factory),
		WithPollWait(200 * time.Millisecond),
		WithHandshakeTimeout(30 * time.Second),
	}, opts...)
	h.c = New(fakeApp{}, h.preparer, device.Descriptor{Type: device.IPhone}, opts...)
	t.Cleanup(func() { _ = h.c.Stop(context.Background()) })
	return h
}

func echo(ctx context.Context, req channel.Request) channel.Response {
	b, _ := json.Marshal(req.Script)
	return channel.Response{Value: b}
}

// serveScript plays the bootstrap script: once the session is handshaking, it registers and serves commands with h.
func serveScript(t *testing.T, c *Controller, h channel.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c.ChannelURL() == "" || c.State() == Launching {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		cl := channel.NewClient(c.ChannelURL(),
			channel.WithClientLogger(log),
			channel.WithClientPollWait(200*time.Millisecond),
			channel.WithCustomizeRetryableClient(func(r *retryablehttp.Client) { r.RetryMax = 2 }),
		)
		_ = cl.Serve(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestStartAndExecute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exec sleep 60", WithEnvParams("-e", "EXTRA", "1"), WithUDID("ABCD"))
	serveScript(t, h.c, echo)

	start := time.Now()
	require.NoError(t, h.c.Start(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Running, h.c.State())
	assert.Equal(t, []string{"variation", "sdk", "reset", "l10n", "keyboard", "location", "browser"}, h.preparer.steps)

	resp, err := h.c.ExecuteCommand(ctx, channel.Request{Script: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Status)
	assert.JSONEq(t, `"ping"`, string(resp.Value))

	dir := h.c.OutputDir()
	assert.DirExists(t, dir)
	assert.Equal(t, []string{
		"-w", "ABCD",
		"-t", testTemplate,
		"/apps/Example.app",
		"-e", "UIASCRIPT", filepath.Join(dir, "bootstrap.js"),
		"-e", "UIARESULTSPATH", filepath.Join(dir, "results"),
		"-e", "EXTRA", "1",
	}, recordedArgs(t, h.tool))
	assert.FileExists(t, filepath.Join(dir, "bootstrap.js"))

	require.NoError(t, h.c.Stop(ctx))
	assert.Equal(t, Stopped, h.c.State())
	assert.EqualValues(t, 1, h.counts.stops.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())
	assert.NoDirExists(t, dir)
	assert.Equal(t, channel.Stopped, h.c.channel.State())

	_, crashed := h.c.Crashed()
	assert.False(t, crashed)
}

func TestHandshakeTimeout(t *testing.T) {
	ctx := context.Background()
	timeout := time.Second
	h := newHarness(t, "exec sleep 60", WithHandshakeTimeout(timeout))

	start := time.Now()
	err := h.c.Start(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.NotErrorIs(t, err, ErrProcessCrashed)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+5*time.Second)
	assert.Equal(t, Failed, h.c.State())
	assert.EqualValues(t, 1, h.counts.starts.Load())
	assert.EqualValues(t, 1, h.counts.stops.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "s1", startErr.SessionID)

	// a failed start does not leave its output dir behind
	require.NotEmpty(t, h.c.OutputDir())
	assert.NoDirExists(t, h.c.OutputDir())

	// stopping after a failed start releases nothing twice
	require.NoError(t, h.c.Stop(ctx))
	require.NoError(t, h.c.Stop(ctx))
	assert.EqualValues(t, 1, h.counts.stops.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())
	assert.Equal(t, Stopped, h.c.State())
}

func TestCrashDuringHandshake(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "echo 'app died' >&2\nexit 3")

	start := time.Now()
	err := h.c.Start(ctx)

	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrProcessCrashed)
	assert.NotErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Contains(t, startErr.Diagnostic, "app died")
	assert.Contains(t, startErr.Error(), "code 3")

	ev, crashed := h.c.Crashed()
	require.True(t, crashed)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Equal(t, Failed, h.c.State())
	assert.EqualValues(t, 1, h.counts.stops.Load())
}

// readyThenCrashProcess registers on the channel and then reports an unexpected exit, all within Start.
type readyThenCrashProcess struct {
	url       func() string
	listeners []process.Listener
}

func (p *readyThenCrashProcess) SetWorkingDirectory(dir string) error { return nil }
func (p *readyThenCrashProcess) RegisterListener(l process.Listener) error {
	p.listeners = append(p.listeners, l)
	return nil
}
func (p *readyThenCrashProcess) Start() error {
	resp, err := http.Post(p.url()+"/register", "application/json", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	for _, l := range p.listeners {
		l.ProcessExited(process.ExitEvent{PID: 42, ExitCode: 2, Output: "segfault"})
	}
	return nil
}
func (p *readyThenCrashProcess) ForceStop() error { return nil }
func (p *readyThenCrashProcess) Run(ctx context.Context) (process.ExitEvent, error) {
	return process.ExitEvent{}, nil
}
func (p *readyThenCrashProcess) PID() int { return 42 }
func (p *readyThenCrashProcess) Output() string { return "segfault" }

func TestCrashWinsOverReady(t *testing.T) {
	var h *harness
	h = newHarness(t, "exit 0", WithProcessFactory(func(log *zap.SugaredLogger, command string, args ...string) Process {
		return &readyThenCrashProcess{url: h.c.ChannelURL}
	}))

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrProcessCrashed)
	assert.Equal(t, channel.Stopped, h.c.channel.State())
	assert.Equal(t, Failed, h.c.State())

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "segfault", startErr.Diagnostic)
}

func TestHandshakeInterrupted(t *testing.T) {
	h := newHarness(t, "exec sleep 60")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(300*time.Millisecond, func() { cancel(errors.New("test driver shut down")) })

	err := h.c.Start(ctx)
	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrHandshakeInterrupted)
	assert.ErrorIs(t, err, channel.ErrInterrupted)
	assert.ErrorContains(t, err, "test driver shut down")
	assert.Equal(t, Failed, h.c.State())
	assert.EqualValues(t, 1, h.counts.stops.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())

	// the tool was actually killed
	h.counts.m.Lock()
	last := h.counts.last
	h.counts.m.Unlock()
	ev, err := last.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.Forced)
}

func TestPreparationFailureNeverLaunches(t *testing.T) {
	h := newHarness(t, "exec sleep 60")
	h.preparer.failStep = "reset"

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrStartup)

	var stepErr *device.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "reset-content-and-settings", stepErr.Step)

	assert.EqualValues(t, 0, h.counts.starts.Load())
	assert.EqualValues(t, 0, h.counts.stops.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())
	assert.Empty(t, h.c.OutputDir())
	assert.Equal(t, Failed, h.c.State())
}

func TestLaunchFailure(t *testing.T) {
	h := newHarness(t, "exit 0", WithResolver(fakeResolver{bin: filepath.Join(t.TempDir(), "missing")}))
	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.EqualValues(t, 1, h.counts.starts.Load())
	assert.EqualValues(t, 1, h.counts.stops.Load())
	assert.Equal(t, Failed, h.c.State())
}

func TestOutputDirCreationFailure(t *testing.T) {
	h := newHarness(t, "exec sleep 60")
	t.Setenv("TMPDIR", filepath.Join(t.TempDir(), "missing"))

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrResourceCreation)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.EqualValues(t, 0, h.counts.starts.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())
	assert.Empty(t, h.c.OutputDir())
	assert.Equal(t, Failed, h.c.State())
}

func TestStopWhileLaunchingNeverStartsTool(t *testing.T) {
	var h *harness
	h = newHarness(t, "exec sleep 60", WithProcessFactory(func(log *zap.SugaredLogger, command string, args ...string) Process {
		// Stop lands after the process is built but before it is started
		require.NoError(t, h.c.Stop(context.Background()))
		return h.counts.factory(log, command, args...)
	}))

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrFailedToStart)
	assert.ErrorIs(t, err, ErrHandshakeInterrupted)
	assert.EqualValues(t, 0, h.counts.starts.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())
	assert.Equal(t, Stopped, h.c.State())
}

func TestInvalidSessionID(t *testing.T) {
	for _, id := range []string{`a"b`, "a/b", "a b"} {
		t.Run(id, func(t *testing.T) {
			h := newHarness(t, "exec sleep 60", WithSessionID(id))
			err := h.c.Start(context.Background())
			assert.ErrorIs(t, err, ErrInvalidSessionID)
			assert.Empty(t, h.preparer.steps)
			assert.Equal(t, Created, h.c.State())
		})
	}
}

func TestStopNeverStarted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exec sleep 60")

	require.NoError(t, h.c.Stop(ctx))
	require.NoError(t, h.c.Stop(ctx))
	assert.Equal(t, Stopped, h.c.State())
	assert.EqualValues(t, 0, h.counts.stops.Load())
	assert.Equal(t, 1, h.preparer.Cleanups())

	err := h.c.Start(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecuteCommandNotRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exec sleep 60")

	start := time.Now()
	_, err := h.c.ExecuteCommand(ctx, channel.Request{Script: "ping"})
	assert.ErrorIs(t, err, ErrChannelNotReady)

	serveScript(t, h.c, echo)
	require.NoError(t, h.c.Start(ctx))
	require.NoError(t, h.c.Stop(ctx))

	_, err = h.c.ExecuteCommand(ctx, channel.Request{Script: "ping"})
	assert.ErrorIs(t, err, ErrChannelNotReady)
	// Stop itself is bounded too, so this covers both calls
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteCommandFailsWhenToolCrashes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exec sleep 60")
	received := make(chan struct{})
	serveScript(t, h.c, func(ctx context.Context, req channel.Request) channel.Response {
		close(received)
		<-ctx.Done()
		return channel.Response{}
	})
	require.NoError(t, h.c.Start(ctx))

	go func() {
		<-received
		_ = syscall.Kill(h.c.proc.PID(), syscall.SIGKILL)
	}()
	_, err := h.c.ExecuteCommand(ctx, channel.Request{Script: "hang"})
	assert.ErrorIs(t, err, ErrProcessCrashed)

	ev, crashed := h.c.Crashed()
	require.True(t, crashed)
	assert.False(t, ev.Forced)
}

func TestConcurrentCommandsMatchResponses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exec sleep 60")
	serveScript(t, h.c, echo)
	require.NoError(t, h.c.Start(ctx))

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		script := fmt.Sprintf("cmd-%d", i)
		g.Go(func() error {
			resp, err := h.c.ExecuteCommand(ctx, channel.Request{Script: script})
			if err != nil {
				return err
			}
			var got string
			if err := json.Unmarshal(resp.Value, &got); err != nil {
				return err
			}
			if got != script {
				return fmt.Errorf("sent %q, got %q", script, got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestStartTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exec sleep 60")
	serveScript(t, h.c, echo)
	require.NoError(t, h.c.Start(ctx))
	assert.ErrorIs(t, h.c.Start(ctx), ErrInvalidState)
	assert.EqualValues(t, 1, h.counts.starts.Load())
}

func TestWarmUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "exit 0")
	require.NoError(t, h.c.WarmUp(ctx))
	assert.Equal(t, Created, h.c.State())

	args := recordedArgs(t, h.tool)
	require.Len(t, args, 9)
	assert.True(t, strings.HasSuffix(args[5], "warmup.js"), args[5])

	failing := newHarness(t, "echo 'no simulator' >&2\nexit 1")
	err := failing.c.WarmUp(ctx)
	assert.ErrorContains(t, err, "no simulator")
	assert.Equal(t, Created, failing.c.State())
}

func TestStartSpans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, "exec sleep 60", WithTracerProvider(tp))
	serveScript(t, h.c, echo)

	require.NoError(t, h.c.Start(ctx))
	require.NoError(t, h.c.Stop(ctx))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "session.start", spans[0].Name())
	var events []string
	for _, e := range spans[0].Events() {
		events = append(events, e.Name)
	}
	assert.Equal(t, []string{"preparing", "launching", "handshaking", "ready", "running"}, events)
	assert.Equal(t, "session.stop", spans[1].Name())
}

func TestStartErrorSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, "exec sleep 60", WithTracerProvider(tp))
	h.preparer.failStep = "variation"

	require.Error(t, h.c.Start(context.Background()))
	spans := sr.Ended()
	require.Len(t, spans, 1)
	var events []string
	for _, e := range spans[0].Events() {
		events = append(events, e.Name)
	}
	// RecordError adds an "exception" event
	assert.Equal(t, []string{"preparing", "failed", "exception"}, events)
}
