// Package script produces the automation scripts the tool runs.
//
// The bootstrap script registers with a session's command channel over its HTTP transport and then
// evaluates every request it polls, posting the result back.
package script

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"path/filepath"
	"text/template"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"go.uber.org/zap"
)

const (
	BootstrapName = "bootstrap.js"
	WarmUpName    = "warmup.js"
)

//go:embed templates
var templates embed.FS

var bootstrapTemplate = template.Must(template.ParseFS(templates, "templates/bootstrap.js.tmpl"))

// Bootstrap parameterizes the bootstrap script.
type Bootstrap struct {
	SessionID  string
	SessionURL string
	// PollWait is how long each command poll may be held open by the channel.
	PollWait time.Duration
	// Curl is the curl binary the script shells out to. Defaults to /usr/bin/curl.
	Curl string
}

type bootstrapData struct {
	Bootstrap
	PollWaitMillis int64
	TimeoutSeconds int64
}

// Writer writes scripts into a directory.
type Writer struct {
	log *zap.SugaredLogger
	fs  afs.Service
}

type Option func(w *Writer)

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		w.log = l.Named("script").Sugar()
	}
}

// WithFS sets the storage service. Defaults to afs.New().
func WithFS(fs afs.Service) Option {
	return func(w *Writer) {
		w.fs = fs
	}
}

func NewWriter(opts ...Option) *Writer {
	w := &Writer{
		log: zap.NewNop().Sugar(),
		fs:  afs.New(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Render returns the bootstrap script for b.
func Render(b Bootstrap) ([]byte, error) {
	if b.SessionURL == "" {
		return nil, fmt.Errorf("bootstrap script needs a session URL")
	}
	if b.Curl == "" {
		b.Curl = "/usr/bin/curl"
	}
	if b.PollWait <= 0 {
		b.PollWait = 10 * time.Second
	}
	data := bootstrapData{
		Bootstrap:      b,
		PollWaitMillis: b.PollWait.Milliseconds(),
		// curl must outlive the long-poll
		TimeoutSeconds: int64(b.PollWait/time.Second) + 5,
	}
	var buf bytes.Buffer
	err := bootstrapTemplate.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("rendering bootstrap script: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteBootstrap writes the bootstrap script into dir and returns its path.
func (w *Writer) WriteBootstrap(ctx context.Context, dir string, b Bootstrap) (string, error) {
	data, err := Render(b)
	if err != nil {
		return "", err
	}
	return w.write(ctx, filepath.Join(dir, BootstrapName), data)
}

// WriteWarmUp writes a script that logs one message and exits.
func (w *Writer) WriteWarmUp(ctx context.Context, dir string) (string, error) {
	data, err := templates.ReadFile("templates/" + WarmUpName)
	if err != nil {
		return "", err
	}
	return w.write(ctx, filepath.Join(dir, WarmUpName), data)
}

func (w *Writer) write(ctx context.Context, path string, data []byte) (string, error) {
	err := w.fs.Upload(ctx, path, file.DefaultFileOsMode, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("writing script %s: %w", path, err)
	}
	w.log.Debugw("wrote script", "Path", path, "Bytes", len(data))
	return path, nil
}
