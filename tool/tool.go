// Package tool locates the instrumentation tool binary and its automation template.
//
// Lookups shell out and walk the filesystem, so results are memoized per tool version for the life of the
// process. Default is the process-wide Loader; tests reset it or inject their own Resolver.
package tool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/guseggert/instruments/internal/files"
	"github.com/guseggert/instruments/session/process"
	"go.uber.org/zap"
)

// EnvPath overrides the tool lookup when set.
const EnvPath = "INSTRUMENTS_PATH"

const defaultName = "instruments"

var ErrNotFound = errors.New("instruments binary not found")

// Resolver finds the tool binary for a version and the automation template it runs.
type Resolver interface {
	Instruments(version string) (string, error)
	Template(ctx context.Context, version string) (string, error)
}

// Loader is a memoizing Resolver.
type Loader struct {
	log *zap.SugaredLogger
	// searchDir is where version-specific builds are looked up from, walking up the tree
	searchDir string
	// path pins the binary for every version
	path string

	m         sync.Mutex
	binaries  map[string]string
	templates map[string]string
}

var _ Resolver = (*Loader)(nil)

type Option func(l *Loader)

func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) {
		l.log = log.Named("tool").Sugar()
	}
}

func WithSearchDir(dir string) Option {
	return func(l *Loader) {
		l.searchDir = dir
	}
}

// WithPath skips the lookup and always resolves to path.
func WithPath(path string) Option {
	return func(l *Loader) {
		l.path = path
	}
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		log:       zap.NewNop().Sugar(),
		binaries:  map[string]string{},
		templates: map[string]string{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

var (
	defaultOnce   sync.Once
	defaultLoader *Loader
)

// Default returns the process-wide Loader, creating it on first use.
func Default() *Loader {
	defaultOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			wd = ""
		}
		defaultLoader = NewLoader(WithSearchDir(wd))
	})
	return defaultLoader
}

// Reset forgets every memoized lookup.
func (l *Loader) Reset() {
	l.m.Lock()
	defer l.m.Unlock()
	l.binaries = map[string]string{}
	l.templates = map[string]string{}
}

// Instruments returns the path of the tool binary for version. An empty version means whichever is installed.
// Lookup order: the pinned path, $INSTRUMENTS_PATH, an "instruments-<version>" build found walking up from the search dir, then $PATH.
func (l *Loader) Instruments(version string) (string, error) {
	l.m.Lock()
	defer l.m.Unlock()
	if p, ok := l.binaries[version]; ok {
		return p, nil
	}
	p, err := l.lookup(version)
	if err != nil {
		return "", err
	}
	l.log.Debugw("resolved instruments", "Version", version, "Path", p)
	l.binaries[version] = p
	return p, nil
}

func (l *Loader) lookup(version string) (string, error) {
	if l.path != "" {
		if !files.IsExecutable(l.path) {
			return "", fmt.Errorf("%q is not executable: %w", l.path, ErrNotFound)
		}
		return l.path, nil
	}
	if p := os.Getenv(EnvPath); p != "" {
		if !files.IsExecutable(p) {
			return "", fmt.Errorf("%s=%q is not executable: %w", EnvPath, p, ErrNotFound)
		}
		return p, nil
	}
	if version != "" && l.searchDir != "" {
		p, err := files.FindUp(defaultName+"-"+version, l.searchDir)
		if err != nil {
			l.log.Debugf("searching for versioned instruments: %s", err)
		}
		if p != "" && files.IsExecutable(p) {
			return p, nil
		}
	}
	p, err := exec.LookPath(defaultName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return p, nil
}

// Template returns the path of the Automation trace template, as listed by the tool itself.
func (l *Loader) Template(ctx context.Context, version string) (string, error) {
	bin, err := l.Instruments(version)
	if err != nil {
		return "", err
	}

	l.m.Lock()
	defer l.m.Unlock()
	if t, ok := l.templates[version]; ok {
		return t, nil
	}

	var out bytes.Buffer
	h := process.New(l.log, bin, "-s", "templates")
	h.SetOutput(&out)
	ev, err := h.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("listing templates: %w", err)
	}
	if ev.ExitCode != 0 {
		return "", fmt.Errorf("listing templates: exit code %d: %s", ev.ExitCode, ev.Output)
	}
	t, err := findTemplate(out.String())
	if err != nil {
		return "", err
	}
	l.templates[version] = t
	return t, nil
}

func findTemplate(listing string) (string, error) {
	s := bufio.NewScanner(strings.NewReader(listing))
	for s.Scan() {
		line := strings.Trim(strings.TrimSpace(s.Text()), `"`)
		if strings.HasSuffix(line, "Automation.tracetemplate") {
			return line, nil
		}
	}
	return "", errors.New("no Automation template in the tool's template list")
}
