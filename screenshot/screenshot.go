// Package screenshot captures the device screen through a running session's automation script.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/guseggert/instruments/session/channel"
	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("screenshot not found in results")

// Commander sends a script to the session and returns its response.
type Commander interface {
	ExecuteCommand(ctx context.Context, req channel.Request) (channel.Response, error)
}

// Service asks the script to capture the screen, then reads the PNG the tool writes into its results dir.
type Service struct {
	log       *zap.SugaredLogger
	fs        afs.Service
	commander Commander
	// resultsDir is resolved on each call since the session creates it on Start
	resultsDir func() string
}

type Option func(s *Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l.Named("screenshot").Sugar()
	}
}

func WithFS(fs afs.Service) Option {
	return func(s *Service) {
		s.fs = fs
	}
}

func New(commander Commander, resultsDir func() string, opts ...Option) *Service {
	s := &Service{
		log:        zap.NewNop().Sugar(),
		fs:         afs.New(),
		commander:  commander,
		resultsDir: resultsDir,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CaptureScript returns the automation script that captures the screen under name.
func CaptureScript(name string) string {
	return fmt.Sprintf("UIATarget.localTarget().captureScreenWithName('%s');", name)
}

// Take captures the screen and returns the PNG bytes.
func (s *Service) Take(ctx context.Context) ([]byte, error) {
	dir := s.resultsDir()
	if dir == "" {
		return nil, fmt.Errorf("session has no results dir")
	}
	name := "screenshot-" + uuid.NewString()
	resp, err := s.commander.ExecuteCommand(ctx, channel.Request{Script: CaptureScript(name)})
	if err != nil {
		return nil, fmt.Errorf("capturing screen: %w", err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("capturing screen: status %d: %s", resp.Status, resp.Error)
	}

	// the tool nests captures under a per-run directory
	objects, err := s.fs.List(ctx, dir, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("listing results dir: %w", err)
	}
	want := name + ".png"
	for _, o := range objects {
		if o.IsDir() || o.Name() != want {
			continue
		}
		s.log.Debugw("found screenshot", "URL", o.URL())
		data, err := s.fs.Download(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("reading screenshot: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s under %s", ErrNotFound, want, strings.TrimSuffix(dir, "/"))
}
