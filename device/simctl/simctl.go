// Package simctl prepares iOS simulators for a session.
//
// A simulator can only serve one session at a time, so the Manager holds an exclusive file lock on the
// device from SetVariation until Cleanup.
package simctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/guseggert/instruments/device"
	"go.uber.org/zap"
)

var ErrDeviceBusy = errors.New("device is in use by another session")

// Manager is a device.Preparer for simulators.
type Manager struct {
	log      *zap.SugaredLogger
	runner   Runner
	udid     string
	bundleID string
	lockDir  string

	m       sync.Mutex
	lock    *flock.Flock
	touched bool
}

var _ device.Preparer = (*Manager)(nil)

type Option func(m *Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = l.Named("simctl").Sugar()
	}
}

// WithBundleID sets the bundle ID of the application under test, used to grant it permissions.
func WithBundleID(id string) Option {
	return func(m *Manager) {
		m.bundleID = id
	}
}

// WithLockDir sets where device lock files live. Defaults to the OS temp dir.
func WithLockDir(dir string) Option {
	return func(m *Manager) {
		m.lockDir = dir
	}
}

// New builds a Manager for the simulator with the given UDID. An empty UDID targets the default simulator.
func New(runner Runner, udid string, opts ...Option) *Manager {
	m := &Manager{
		log:     zap.NewNop().Sugar(),
		runner:  runner,
		udid:    udid,
		lockDir: os.TempDir(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// target is the simctl device argument.
func (m *Manager) target() string {
	if m.udid == "" {
		return "booted"
	}
	return m.udid
}

func (m *Manager) lockPath() string {
	key := m.udid
	if key == "" {
		key = "default"
	}
	return filepath.Join(m.lockDir, fmt.Sprintf("instruments-simulator-%s.lock", key))
}

func (m *Manager) run(ctx context.Context, command string) error {
	m.m.Lock()
	m.touched = true
	m.m.Unlock()
	m.log.Debugf("running %s", command)
	_, err := m.runner.Run(ctx, command)
	return err
}

func (m *Manager) spawnDefaults(ctx context.Context, domain, key, typ, value string) error {
	return m.run(ctx, fmt.Sprintf("xcrun simctl spawn %s defaults write %s %s %s %s", quote(m.target()), domain, key, typ, quote(value)))
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func (m *Manager) acquire() error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.lock != nil {
		return nil
	}
	lock := flock.New(m.lockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring device lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrDeviceBusy, lock.Path())
	}
	m.lock = lock
	return nil
}

func deviceName(t device.Type, v device.Variation) (string, error) {
	switch t {
	case device.IPhone:
		switch v {
		case "", device.Regular:
			return "iPhone", nil
		case device.Retina35:
			return "iPhone Retina (3.5-inch)", nil
		case device.Retina4, device.Retina:
			return "iPhone Retina (4-inch)", nil
		}
	case device.IPad:
		switch v {
		case "", device.Regular:
			return "iPad", nil
		case device.Retina:
			return "iPad Retina", nil
		}
	}
	return "", fmt.Errorf("unsupported device %q variation %q", t, v)
}

func (m *Manager) SetVariation(ctx context.Context, t device.Type, v device.Variation) error {
	name, err := deviceName(t, v)
	if err != nil {
		return err
	}
	err = m.acquire()
	if err != nil {
		return err
	}
	return m.run(ctx, fmt.Sprintf("defaults write com.apple.iphonesimulator SimulateDevice %s", quote(name)))
}

func (m *Manager) SetSDKVersion(ctx context.Context, version string) error {
	if version == "" {
		return nil
	}
	sdk := quote("iphonesimulator" + version)
	return m.run(ctx, fmt.Sprintf("defaults write com.apple.iphonesimulator currentSDKRoot \"$(xcrun --sdk %s --show-sdk-path)\"", sdk))
}

func (m *Manager) ResetContentAndSettings(ctx context.Context) error {
	target := m.udid
	if target == "" {
		target = "all"
	}
	// erase refuses to touch a booted device
	return m.run(ctx, fmt.Sprintf("xcrun simctl shutdown %s >/dev/null 2>&1; xcrun simctl erase %s", quote(target), quote(target)))
}

func (m *Manager) SetL10N(ctx context.Context, locale, language string) error {
	if locale != "" {
		err := m.spawnDefaults(ctx, "-g", "AppleLocale", "-string", locale)
		if err != nil {
			return fmt.Errorf("setting locale: %w", err)
		}
	}
	if language != "" {
		err := m.spawnDefaults(ctx, "-g", "AppleLanguages", "-array", language)
		if err != nil {
			return fmt.Errorf("setting language: %w", err)
		}
	}
	return nil
}

func (m *Manager) SetKeyboardOptions(ctx context.Context, opts device.KeyboardOptions) error {
	prefs := []struct {
		key   string
		value bool
	}{
		{"KeyboardAutocorrection", !opts.DisableAutocorrection},
		{"KeyboardAutocapitalization", !opts.DisableAutoCapitalization},
		{"DidShowContinuousPathIntroduction", opts.HideKeyboardIntro},
	}
	for _, p := range prefs {
		err := m.spawnDefaults(ctx, "com.apple.Preferences", p.key, "-bool", yesNo(p.value))
		if err != nil {
			return fmt.Errorf("setting %s: %w", p.key, err)
		}
	}
	return nil
}

func (m *Manager) SetLocationPreference(ctx context.Context, enabled bool) error {
	err := m.spawnDefaults(ctx, "com.apple.locationd", "LocationServicesEnabled", "-bool", yesNo(enabled))
	if err != nil {
		return err
	}
	if !enabled || m.bundleID == "" {
		return nil
	}
	return m.run(ctx, fmt.Sprintf("xcrun simctl privacy %s grant location-always %s", quote(m.target()), quote(m.bundleID)))
}

func (m *Manager) SetBrowserOptions(ctx context.Context, opts device.BrowserOptions) error {
	prefs := []struct {
		key   string
		value bool
	}{
		{"WebKitJavaScriptCanOpenWindowsAutomatically", opts.AllowPopups},
		{"OpenLinksInBackground", opts.OpenLinksInBackground},
		{"WarnAboutFraudulentWebsites", !opts.DisableFraudWarning},
	}
	for _, p := range prefs {
		err := m.spawnDefaults(ctx, "com.apple.mobilesafari", p.key, "-bool", yesNo(p.value))
		if err != nil {
			return fmt.Errorf("setting %s: %w", p.key, err)
		}
	}
	return nil
}

// Cleanup shuts the simulator down and releases the device lock.
// It does nothing if no preparation step ran since the last Cleanup.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.m.Lock()
	lock := m.lock
	touched := m.touched
	m.lock = nil
	m.touched = false
	m.m.Unlock()

	if !touched && lock == nil {
		return nil
	}

	var errs []error
	_, err := m.runner.Run(ctx, fmt.Sprintf("xcrun simctl shutdown %s", quote(m.target())))
	if err != nil && !strings.Contains(err.Error(), "current state: Shutdown") {
		m.log.Debugf("shutting down simulator: %s", err)
		errs = append(errs, fmt.Errorf("shutting down simulator: %w", err))
	}
	if lock != nil {
		err := lock.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("releasing device lock: %w", err))
		}
	}
	return errors.Join(errs...)
}
