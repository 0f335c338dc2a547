// Package device describes the target device of a session and the ordered sequence that prepares it.
package device

import (
	"context"
	"fmt"
	"strings"
)

type Type string

const (
	IPhone Type = "iphone"
	IPad   Type = "ipad"
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case IPhone, IPad:
		return t, nil
	default:
		return "", fmt.Errorf("unknown device type %q", s)
	}
}

// Variation is the screen size/density of a device type.
type Variation string

const (
	Regular  Variation = "regular"
	Retina35 Variation = "retina35"
	Retina4  Variation = "retina4"
	Retina   Variation = "retina"
)

type KeyboardOptions struct {
	DisableAutocorrection     bool `yaml:"disable_autocorrection"`
	DisableAutoCapitalization bool `yaml:"disable_auto_capitalization"`
	HideKeyboardIntro         bool `yaml:"hide_keyboard_intro"`
}

type BrowserOptions struct {
	AllowPopups           bool `yaml:"allow_popups"`
	OpenLinksInBackground bool `yaml:"open_links_in_background"`
	DisableFraudWarning   bool `yaml:"disable_fraud_warning"`
}

// Descriptor is the immutable description of the device a session runs against.
type Descriptor struct {
	Type       Type            `yaml:"type"`
	Variation  Variation       `yaml:"variation"`
	SDKVersion string          `yaml:"sdk_version"`
	Locale     string          `yaml:"locale"`
	Language   string          `yaml:"language"`
	Keyboard   KeyboardOptions `yaml:"keyboard"`
	Browser    BrowserOptions  `yaml:"browser"`
}

// Preparer configures a device before the tool is launched against it.
// Every step must be idempotent. Cleanup releases whatever the steps acquired and is idempotent as well.
type Preparer interface {
	SetVariation(ctx context.Context, t Type, v Variation) error
	SetSDKVersion(ctx context.Context, version string) error
	ResetContentAndSettings(ctx context.Context) error
	SetL10N(ctx context.Context, locale, language string) error
	SetKeyboardOptions(ctx context.Context, opts KeyboardOptions) error
	SetLocationPreference(ctx context.Context, enabled bool) error
	SetBrowserOptions(ctx context.Context, opts BrowserOptions) error
	Cleanup(ctx context.Context) error
}

// AppBinder makes the application under test launch as the given device type.
type AppBinder interface {
	SetDefaultDevice(t Type) error
}

type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepError is returned by Prepare when a step fails.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("device preparation step %q: %s", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Steps returns the preparation sequence for desc, in the order it must run.
func Steps(p Preparer, app AppBinder, desc Descriptor) []Step {
	return []Step{
		{Name: "set-variation", Run: func(ctx context.Context) error { return p.SetVariation(ctx, desc.Type, desc.Variation) }},
		{Name: "bind-application", Run: func(ctx context.Context) error { return app.SetDefaultDevice(desc.Type) }},
		{Name: "set-sdk-version", Run: func(ctx context.Context) error { return p.SetSDKVersion(ctx, desc.SDKVersion) }},
		{Name: "reset-content-and-settings", Run: p.ResetContentAndSettings},
		{Name: "set-l10n", Run: func(ctx context.Context) error { return p.SetL10N(ctx, desc.Locale, desc.Language) }},
		{Name: "set-keyboard-options", Run: func(ctx context.Context) error { return p.SetKeyboardOptions(ctx, desc.Keyboard) }},
		{Name: "enable-location-services", Run: func(ctx context.Context) error { return p.SetLocationPreference(ctx, true) }},
		{Name: "set-browser-options", Run: func(ctx context.Context) error { return p.SetBrowserOptions(ctx, desc.Browser) }},
	}
}

// Prepare runs steps in order and stops at the first failure.
func Prepare(ctx context.Context, steps []Step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.Name, Err: err}
		}
		if err := s.Run(ctx); err != nil {
			return &StepError{Step: s.Name, Err: err}
		}
	}
	return nil
}
