package simctl

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/guseggert/instruments/device"
)

// App is an .app bundle built for the simulator.
type App struct {
	path   string
	runner Runner
}

func NewApp(path string, runner Runner) *App {
	return &App{path: path, runner: runner}
}

// Path returns the absolute path of the bundle.
func (a *App) Path() string {
	abs, err := filepath.Abs(a.path)
	if err != nil {
		return a.path
	}
	return abs
}

// SetDefaultDevice reorders UIDeviceFamily in the bundle's Info.plist so the simulator launches the app as t.
// Universal apps otherwise always come up as an iPhone.
func (a *App) SetDefaultDevice(t device.Type) error {
	var families string
	switch t {
	case device.IPhone:
		families = "[1,2]"
	case device.IPad:
		families = "[2,1]"
	default:
		return fmt.Errorf("unsupported device type %q", t)
	}
	plist := filepath.Join(a.Path(), "Info.plist")
	_, err := a.runner.Run(context.Background(), fmt.Sprintf("plutil -replace UIDeviceFamily -json %s %s", quote(families), quote(plist)))
	if err != nil {
		return fmt.Errorf("setting default device of %s: %w", a.Path(), err)
	}
	return nil
}
