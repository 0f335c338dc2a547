package session

import (
	"context"
	"time"

	"github.com/guseggert/instruments/script"
	"github.com/guseggert/instruments/session/process"
	"github.com/guseggert/instruments/tool"
	"github.com/viant/afs"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Process is the slice of *process.Handle the controller uses.
type Process interface {
	SetWorkingDirectory(dir string) error
	RegisterListener(l process.Listener) error
	Start() error
	ForceStop() error
	Run(ctx context.Context) (process.ExitEvent, error)
	PID() int
	Output() string
}

var _ Process = (*process.Handle)(nil)

// ProcessFactory builds the process for a command line.
type ProcessFactory func(log *zap.SugaredLogger, command string, args ...string) Process

func newHandle(log *zap.SugaredLogger, command string, args ...string) Process {
	return process.New(log, command, args...)
}

type Option func(c *Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.baseLog = l
	}
}

// WithSessionID sets the session ID. Defaults to a random UUID.
// Only letters, digits, '.', '_' and '-' are allowed; Start rejects anything else with ErrInvalidSessionID.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		c.id = id
	}
}

// WithUDID targets a specific device. Defaults to the tool's default device.
func WithUDID(udid string) Option {
	return func(c *Controller) {
		c.udid = udid
	}
}

// WithHandshakeTimeout bounds how long Start waits for the script to register. Defaults to 30s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.handshakeTimeout = d
	}
}

// WithResolver sets how the tool and its template are found. Defaults to tool.Default().
func WithResolver(r tool.Resolver) Option {
	return func(c *Controller) {
		c.resolver = r
	}
}

// WithVersion selects the tool version passed to the resolver.
func WithVersion(v string) Option {
	return func(c *Controller) {
		c.version = v
	}
}

// WithTemplate sets the trace template path instead of asking the resolver.
func WithTemplate(path string) Option {
	return func(c *Controller) {
		c.template = path
	}
}

// WithEnvParams appends extra arguments to the tool's command line, in order.
func WithEnvParams(params ...string) Option {
	return func(c *Controller) {
		c.extraArgs = append(c.extraArgs, params...)
	}
}

func WithScriptWriter(w *script.Writer) Option {
	return func(c *Controller) {
		c.scripts = w
	}
}

func WithProcessFactory(f ProcessFactory) Option {
	return func(c *Controller) {
		c.newProcess = f
	}
}

// WithPort sets the command channel's loopback port. Defaults to a free port.
func WithPort(port int) Option {
	return func(c *Controller) {
		c.port = port
	}
}

// WithPollWait sets how long the script's command polls are held open.
func WithPollWait(d time.Duration) Option {
	return func(c *Controller) {
		c.pollWait = d
	}
}

// WithTracerProvider sets where lifecycle spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// WithFS sets the storage service used to remove the session's output dir.
func WithFS(fs afs.Service) Option {
	return func(c *Controller) {
		c.fs = fs
	}
}
