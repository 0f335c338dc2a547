// Package session runs one instrumentation session: it prepares the device, launches the tool with the
// bootstrap script, waits for the script to register on the command channel, and then forwards commands
// to it until Stop.
//
// Every resource Start acquires is released by a single routine that runs at most once per session,
// whether Start fails or Stop is called.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/instruments/device"
	"github.com/guseggert/instruments/screenshot"
	"github.com/guseggert/instruments/script"
	"github.com/guseggert/instruments/session/channel"
	"github.com/guseggert/instruments/session/process"
	"github.com/guseggert/instruments/tool"
	"github.com/viant/afs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/guseggert/instruments/session"

// validSessionID keeps IDs usable as a single URL path segment and inside the generated script.
var validSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

type State int

const (
	Created State = iota
	Preparing
	Launching
	Handshaking
	Ready
	Running
	Stopping
	Stopped
	Failed
)

var stateNames = map[State]string{
	Created:     "created",
	Preparing:   "preparing",
	Launching:   "launching",
	Handshaking: "handshaking",
	Ready:       "ready",
	Running:     "running",
	Stopping:    "stopping",
	Stopped:     "stopped",
	Failed:      "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Application is the bundle under test.
type Application interface {
	Path() string
	device.AppBinder
}

type Controller struct {
	baseLog *zap.Logger
	log     *zap.SugaredLogger

	id               string
	udid             string
	app              Application
	preparer         device.Preparer
	desc             device.Descriptor
	handshakeTimeout time.Duration
	resolver         tool.Resolver
	version          string
	template         string
	extraArgs        []string
	scripts          *script.Writer
	newProcess       ProcessFactory
	port             int
	pollWait         time.Duration
	tracer           trace.Tracer
	fs               afs.Service

	channel     *channel.Channel
	crash       *process.CrashMonitor
	screenshots *screenshot.Service

	m         sync.Mutex
	state     State
	outputDir string
	proc      Process

	releaseOnce sync.Once
	releaseErr  error
}

// New builds a controller. Nothing is touched on disk or on the device until Start.
func New(app Application, preparer device.Preparer, desc device.Descriptor, opts ...Option) *Controller {
	c := &Controller{
		baseLog:          zap.NewNop(),
		app:              app,
		preparer:         preparer,
		desc:             desc,
		handshakeTimeout: 30 * time.Second,
		newProcess:       newHandle,
		pollWait:         10 * time.Second,
		tracer:           otel.GetTracerProvider().Tracer(tracerName),
		fs:               afs.New(),
		crash:            process.NewCrashMonitor(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.resolver == nil {
		c.resolver = tool.Default()
	}
	if c.scripts == nil {
		c.scripts = script.NewWriter(script.WithLogger(c.baseLog), script.WithFS(c.fs))
	}
	c.log = c.baseLog.Named("session").Sugar().With("SessionID", c.id)
	c.channel = channel.New(c.id,
		channel.WithLogger(c.baseLog),
		channel.WithPort(c.port),
		channel.WithPollWait(c.pollWait),
	)
	c.screenshots = screenshot.New(c, c.ResultsDir, screenshot.WithLogger(c.baseLog), screenshot.WithFS(c.fs))
	return c
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) State() State {
	c.m.Lock()
	defer c.m.Unlock()
	return c.state
}

// OutputDir is the session's working directory, or "" before Start creates it.
func (c *Controller) OutputDir() string {
	c.m.Lock()
	defer c.m.Unlock()
	return c.outputDir
}

// ResultsDir is where the tool writes its results, or "" before Start.
func (c *Controller) ResultsDir() string {
	dir := c.OutputDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "results")
}

// ChannelURL is the base URL the script registers on, or "" before the channel listens.
func (c *Controller) ChannelURL() string { return c.channel.URL() }

// Crashed reports the first unexpected exit of the tool, if any.
func (c *Controller) Crashed() (process.ExitEvent, bool) { return c.crash.Crashed() }

func (c *Controller) Screenshots() *screenshot.Service { return c.screenshots }

// enter moves to s unless a concurrent Stop got there first.
func (c *Controller) enter(span trace.Span, s State) bool {
	c.m.Lock()
	if c.state == Stopping || c.state == Stopped {
		c.m.Unlock()
		return false
	}
	c.state = s
	c.m.Unlock()
	c.log.Infow("session state changed", "State", s.String())
	span.AddEvent(s.String())
	return true
}

func (c *Controller) startError(kind, err error, diagnostic string) error {
	return &StartError{SessionID: c.id, Kind: kind, Err: err, Diagnostic: diagnostic}
}

// withCrash derives a context that is canceled with ErrProcessCrashed once the tool exits unexpectedly.
func (c *Controller) withCrash(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-c.crash.Done():
			cancel(ErrProcessCrashed)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// Start prepares the device, launches the tool and waits for its script to register.
// Once preparation begins, a failure releases every acquired resource and returns a *StartError.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.m.Lock()
	if c.state != Created {
		s := c.state
		c.m.Unlock()
		return fmt.Errorf("%w: cannot start a session in state %s", ErrInvalidState, s)
	}
	c.m.Unlock()
	if !validSessionID.MatchString(c.id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, c.id)
	}

	ctx, span := c.tracer.Start(ctx, "session.start", trace.WithAttributes(attribute.String("session.id", c.id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if err == nil {
			return
		}
		// the caller's context may be what failed us, cleanup still has to run
		cleanupCtx := context.WithoutCancel(ctx)
		if releaseErr := c.release(cleanupCtx); releaseErr != nil {
			c.log.Warnf("releasing after failed start: %s", releaseErr)
		}
		if dir := c.OutputDir(); dir != "" {
			if delErr := c.fs.Delete(cleanupCtx, dir); delErr != nil {
				c.log.Debugf("removing output dir %s: %s", dir, delErr)
			}
		}
		c.enter(span, Failed)
		c.log.Infow("session failed to start", "Error", err)
	}()

	c.enter(span, Preparing)
	err = device.Prepare(ctx, device.Steps(c.preparer, c.app, c.desc))
	if err != nil {
		return c.startError(ErrStartup, err, "")
	}

	if !c.enter(span, Launching) {
		return c.startError(ErrHandshakeInterrupted, errors.New("session stopped"), "")
	}
	proc, err := c.launch(ctx)
	if err != nil {
		return err
	}

	if !c.enter(span, Handshaking) {
		return c.startError(ErrHandshakeInterrupted, errors.New("session stopped"), proc.Output())
	}
	hctx, cancel := c.withCrash(ctx)
	defer cancel()
	ready, err := c.channel.WaitForReady(hctx, c.handshakeTimeout)

	// a crash wins over whatever the wait reported
	if ev, crashed := c.crash.Crashed(); crashed {
		return c.startError(ErrProcessCrashed, fmt.Errorf("process %d exited with code %d after %s", ev.PID, ev.ExitCode, ev.Duration.Round(time.Millisecond)), ev.Output)
	}
	if err != nil {
		return c.startError(ErrHandshakeInterrupted, err, proc.Output())
	}
	if !ready {
		return c.startError(ErrHandshakeTimeout, fmt.Errorf("script did not register within %s", c.handshakeTimeout), proc.Output())
	}

	if !c.enter(span, Ready) || !c.enter(span, Running) {
		return c.startError(ErrHandshakeInterrupted, errors.New("session stopped"), proc.Output())
	}
	return nil
}

// launch creates the session's resources and starts the tool.
func (c *Controller) launch(ctx context.Context) (Process, error) {
	dir, err := os.MkdirTemp("", "instruments-"+c.id+"-")
	if err != nil {
		return nil, c.startError(ErrResourceCreation, fmt.Errorf("creating output dir: %w", err), "")
	}
	c.m.Lock()
	c.outputDir = dir
	c.m.Unlock()
	resultsDir := c.ResultsDir()
	err = os.Mkdir(resultsDir, 0o755)
	if err != nil {
		return nil, c.startError(ErrResourceCreation, fmt.Errorf("creating results dir: %w", err), "")
	}

	err = c.channel.Start()
	if err != nil {
		return nil, c.startError(ErrResourceCreation, fmt.Errorf("starting command channel: %w", err), "")
	}

	bin, tmpl, err := c.resolveTool(ctx)
	if err != nil {
		return nil, c.startError(ErrLaunch, err, "")
	}
	scriptPath, err := c.scripts.WriteBootstrap(ctx, dir, script.Bootstrap{
		SessionID:  c.id,
		SessionURL: c.channel.URL(),
		PollWait:   c.pollWait,
	})
	if err != nil {
		return nil, c.startError(ErrLaunch, err, "")
	}

	proc := c.newProcess(c.log, bin, buildArgs(c.udid, tmpl, c.app.Path(), scriptPath, resultsDir, c.extraArgs)...)
	err = proc.SetWorkingDirectory(dir)
	if err != nil {
		return nil, c.startError(ErrLaunch, err, "")
	}
	// listeners go on before Start so an immediate exit is not missed
	for _, l := range []process.Listener{c.crash, process.ListenerFunc(c.logExit)} {
		err = proc.RegisterListener(l)
		if err != nil {
			return nil, c.startError(ErrLaunch, err, "")
		}
	}
	// a concurrent Stop either sees proc and kills it, or has already run and the tool never starts
	c.m.Lock()
	if c.state == Stopping || c.state == Stopped {
		c.m.Unlock()
		return nil, c.startError(ErrHandshakeInterrupted, errors.New("session stopped"), "")
	}
	c.proc = proc
	err = proc.Start()
	c.m.Unlock()
	if err != nil {
		return nil, c.startError(ErrLaunch, err, "")
	}
	c.log.Infow("launched tool", "PID", proc.PID(), "Dir", dir)
	return proc, nil
}

func (c *Controller) resolveTool(ctx context.Context) (string, string, error) {
	bin, err := c.resolver.Instruments(c.version)
	if err != nil {
		return "", "", fmt.Errorf("resolving instruments: %w", err)
	}
	tmpl := c.template
	if tmpl == "" {
		tmpl, err = c.resolver.Template(ctx, c.version)
		if err != nil {
			return "", "", fmt.Errorf("resolving template: %w", err)
		}
	}
	return bin, tmpl, nil
}

func (c *Controller) logExit(ev process.ExitEvent) {
	if ev.Forced {
		c.log.Debugw("tool stopped", "PID", ev.PID)
		return
	}
	c.log.Warnw("tool exited unexpectedly", "PID", ev.PID, "ExitCode", ev.ExitCode, "Error", ev.Err)
}

// release cleans up the device, kills the tool and stops the channel. It runs at most once.
func (c *Controller) release(ctx context.Context) error {
	c.releaseOnce.Do(func() {
		var errs []error
		err := c.preparer.Cleanup(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleaning up device: %w", err))
		}
		c.m.Lock()
		proc := c.proc
		c.m.Unlock()
		if proc != nil {
			err = proc.ForceStop()
			if err != nil {
				errs = append(errs, fmt.Errorf("stopping process: %w", err))
			}
		}
		err = c.channel.Stop()
		if err != nil {
			errs = append(errs, fmt.Errorf("stopping channel: %w", err))
		}
		c.releaseErr = errors.Join(errs...)
	})
	return c.releaseErr
}

// Stop releases everything the session holds. It is safe to call in any state and more than once.
func (c *Controller) Stop(ctx context.Context) error {
	c.m.Lock()
	if c.state == Stopping || c.state == Stopped {
		c.m.Unlock()
		return nil
	}
	c.state = Stopping
	dir := c.outputDir
	c.m.Unlock()

	ctx, span := c.tracer.Start(ctx, "session.stop", trace.WithAttributes(attribute.String("session.id", c.id)))
	defer span.End()
	c.log.Infow("session state changed", "State", Stopping.String())

	err := c.release(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if dir != "" {
		if delErr := c.fs.Delete(ctx, dir); delErr != nil {
			c.log.Debugf("removing output dir %s: %s", dir, delErr)
		}
	}

	c.m.Lock()
	c.state = Stopped
	c.m.Unlock()
	c.log.Infow("session state changed", "State", Stopped.String())
	return err
}

// ExecuteCommand forwards req to the script and returns its response unchanged.
// Outside of the running state it fails immediately with ErrChannelNotReady.
func (c *Controller) ExecuteCommand(ctx context.Context, req channel.Request) (channel.Response, error) {
	if s := c.State(); s != Running {
		return channel.Response{}, fmt.Errorf("%w (session state %s)", ErrChannelNotReady, s)
	}
	cctx, cancel := c.withCrash(ctx)
	defer cancel()
	resp, err := c.channel.ExecuteCommand(cctx, req)
	if err != nil {
		if ev, crashed := c.crash.Crashed(); crashed {
			return channel.Response{}, fmt.Errorf("%w: exit code %d: %w", ErrProcessCrashed, ev.ExitCode, err)
		}
		return channel.Response{}, err
	}
	return resp, nil
}

// WarmUp runs a script that only logs a message, to check the tool works before a real session.
// The run is not part of the session's lifecycle.
func (c *Controller) WarmUp(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "instruments-warmup-")
	if err != nil {
		return fmt.Errorf("creating warm-up dir: %w", err)
	}
	defer func() {
		if err := c.fs.Delete(context.WithoutCancel(ctx), dir); err != nil {
			c.log.Debugf("removing warm-up dir %s: %s", dir, err)
		}
	}()

	bin, tmpl, err := c.resolveTool(ctx)
	if err != nil {
		return fmt.Errorf("warming up: %w", err)
	}
	scriptPath, err := c.scripts.WriteWarmUp(ctx, dir)
	if err != nil {
		return fmt.Errorf("warming up: %w", err)
	}
	resultsDir := filepath.Join(dir, "results")
	err = os.Mkdir(resultsDir, 0o755)
	if err != nil {
		return fmt.Errorf("warming up: %w", err)
	}

	proc := c.newProcess(c.log, bin, buildArgs(c.udid, tmpl, c.app.Path(), scriptPath, resultsDir, c.extraArgs)...)
	err = proc.SetWorkingDirectory(dir)
	if err != nil {
		return fmt.Errorf("warming up: %w", err)
	}
	ev, err := proc.Run(ctx)
	if err != nil {
		return fmt.Errorf("warming up: %w", err)
	}
	if ev.ExitCode != 0 {
		return fmt.Errorf("warming up: tool exited with code %d: %s", ev.ExitCode, ev.Output)
	}
	c.log.Debugw("warm-up done", "Duration", ev.Duration)
	return nil
}
