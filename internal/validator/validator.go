// Package validator implements the Validator Set (spec §4.7): a Build
// Validator grounded on the teacher's sequential test-command runner
// (internal/executor/test_runner.go), plus Browser/API/DB validators new to
// this spec but following the same evidence-collection contract.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akfldk1028/taskdaemon/internal/models"
)

// Capabilities describes the project's detected stack, used to select
// which validators run (§4.3 step 1).
type Capabilities struct {
	WebFrontend bool
	Flutter     bool
	Electron    bool
	Tauri       bool
	HasDatabase bool
	HasAPI      bool
}

// CommandRunner executes a shell command in the worktree.
type CommandRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// Validator is the capability every validator implements (§4.7).
type Validator interface {
	Name() string
	Selectable(caps Capabilities) bool
	Run(ctx context.Context) (models.ValidatorResult, error)
}

// ErrCommandFailed marks a non-zero exit from an authoritative command.
var ErrCommandFailed = errors.New("validator: command failed")

// BuildValidator runs the project's authoritative lint/build/test commands
// in sequence, stopping at the first failure (grounded on
// internal/executor/test_runner.go's RunTestCommands).
type BuildValidator struct {
	Runner   CommandRunner
	Commands []string // sourced from the project-index file; never invented
}

func (BuildValidator) Name() string                        { return "build" }
func (BuildValidator) Selectable(_ Capabilities) bool       { return true }

func (v BuildValidator) Run(ctx context.Context) (models.ValidatorResult, error) {
	start := time.Now()
	if len(v.Commands) == 0 {
		return models.ValidatorResult{Name: v.Name(), Passed: true, Skipped: true, SkipReason: "no authoritative commands configured"}, nil
	}

	var evidence []string
	for _, cmd := range v.Commands {
		if ctx.Err() != nil {
			return models.ValidatorResult{}, ctx.Err()
		}
		output, err := v.Runner.Run(ctx, cmd)
		if err != nil {
			return models.ValidatorResult{
				Name:       v.Name(),
				Passed:     false,
				Summary:    fmt.Sprintf("%q failed: %v", cmd, err),
				Evidence:   map[string]interface{}{"command": cmd, "output": output},
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		evidence = append(evidence, fmt.Sprintf("%s: ok", cmd))
	}

	return models.ValidatorResult{
		Name:       v.Name(),
		Passed:     true,
		Summary:    "all build commands passed",
		Evidence:   map[string]interface{}{"commands": evidence},
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// BrowserDriver abstracts a headless browser for the Browser Validator; no
// concrete production implementation ships with this package (§4.7, analogous
// to spec §1's "LLM transport is external" carve-out for browser automation).
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, path string) error
	AccessibilitySnapshot(ctx context.Context) (string, error)
	ConsoleMessages(ctx context.Context) ([]string, error)
	Close() error
}

// PortPoller abstracts dev-server readiness polling, grounded on
// internal/executor/preflight.go's port-polling idiom generalized here.
type PortPoller interface {
	WaitForPort(ctx context.Context, port int, cap time.Duration) error
}

// DevServerStarter starts and stops the project's dev server as a process
// group, so it can be killed tree-wide on every exit path (§4.7).
type DevServerStarter interface {
	Start(ctx context.Context, command string) error
	KillTree() error
}

// BrowserValidator starts a dev server, polls its port, drives a headless
// browser to the root, and captures a screenshot/accessibility snapshot/
// console log. passed=false only on total navigation failure.
type BrowserValidator struct {
	DevServerCommand string
	SpecDir          string
	Server           DevServerStarter
	Poller           PortPoller
	Driver           BrowserDriver
	Port             int
}

func (BrowserValidator) Name() string { return "browser" }

func (v BrowserValidator) Selectable(caps Capabilities) bool {
	return caps.WebFrontend || caps.Electron || caps.Tauri
}

func (v BrowserValidator) Run(ctx context.Context) (models.ValidatorResult, error) {
	start := time.Now()
	defer func() {
		if v.Server != nil {
			_ = v.Server.KillTree()
		}
	}()

	if v.Server == nil || v.Poller == nil || v.Driver == nil {
		return models.ValidatorResult{Name: v.Name(), Skipped: true, Passed: true, SkipReason: "no browser driver configured"}, nil
	}

	if err := v.Server.Start(ctx, v.DevServerCommand); err != nil {
		return models.ValidatorResult{Name: v.Name(), Skipped: true, Passed: true, SkipReason: fmt.Sprintf("dev server failed to start: %v", err)}, nil
	}

	if err := v.Poller.WaitForPort(ctx, v.Port, 120*time.Second); err != nil {
		return models.ValidatorResult{Name: v.Name(), Skipped: true, Passed: true, SkipReason: fmt.Sprintf("dev server port never opened: %v", err)}, nil
	}

	if err := v.Driver.Navigate(ctx, fmt.Sprintf("http://127.0.0.1:%d/", v.Port)); err != nil {
		return models.ValidatorResult{
			Name: v.Name(), Passed: false,
			Summary:    fmt.Sprintf("navigation failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	screenshotPath := v.SpecDir + "/screenshots/01-initial-load.png"
	_ = v.Driver.Screenshot(ctx, screenshotPath)
	a11y, _ := v.Driver.AccessibilitySnapshot(ctx)
	console, _ := v.Driver.ConsoleMessages(ctx)

	return models.ValidatorResult{
		Name:    v.Name(),
		Passed:  true,
		Summary: "navigation succeeded",
		Evidence: map[string]interface{}{
			"screenshot":   screenshotPath,
			"accessibility": a11y,
			"console":      strings.Join(console, "\n"),
		},
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// HTTPProbe abstracts an API health/resource probe request.
type HTTPProbe interface {
	Get(ctx context.Context, url string) (statusCode int, err error)
}

// APIValidator probes a health endpoint and one representative GET per
// resource from an OpenAPI (or equivalent) manifest.
type APIValidator struct {
	Manifest  map[string]string // resource name -> path
	BaseURL   string
	Probe     HTTPProbe
}

func (APIValidator) Name() string { return "api" }

func (v APIValidator) Selectable(caps Capabilities) bool { return caps.HasAPI && len(v.Manifest) > 0 }

func (v APIValidator) Run(ctx context.Context) (models.ValidatorResult, error) {
	start := time.Now()
	if v.Probe == nil {
		return models.ValidatorResult{Name: v.Name(), Skipped: true, Passed: true, SkipReason: "no manifest or probe configured"}, nil
	}

	var failures []string
	for resource, path := range v.Manifest {
		code, err := v.Probe.Get(ctx, v.BaseURL+path)
		if err != nil || code >= 300 {
			failures = append(failures, fmt.Sprintf("%s (%s): status=%d err=%v", resource, path, code, err))
		}
	}

	if len(failures) > 0 {
		return models.ValidatorResult{
			Name: v.Name(), Passed: false,
			Summary:    fmt.Sprintf("%d of %d probes failed", len(failures), len(v.Manifest)),
			Evidence:   map[string]interface{}{"failures": failures},
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return models.ValidatorResult{Name: v.Name(), Passed: true, Summary: "all probes 2xx", DurationMs: time.Since(start).Milliseconds()}, nil
}

// MigrationRunner applies migrations against a throwaway schema.
type MigrationRunner interface {
	Apply(ctx context.Context) (firstFailure string, err error)
}

// DBValidator checks that migrations apply cleanly on a throwaway schema.
type DBValidator struct {
	Runner MigrationRunner
}

func (DBValidator) Name() string { return "db" }

func (v DBValidator) Selectable(caps Capabilities) bool { return caps.HasDatabase }

func (v DBValidator) Run(ctx context.Context) (models.ValidatorResult, error) {
	start := time.Now()
	if v.Runner == nil {
		return models.ValidatorResult{Name: v.Name(), Skipped: true, Passed: true, SkipReason: "no migration runner configured"}, nil
	}

	firstFailure, err := v.Runner.Apply(ctx)
	if err != nil {
		return models.ValidatorResult{
			Name: v.Name(), Passed: false,
			Summary:    fmt.Sprintf("migration failed: %s", firstFailure),
			Evidence:   map[string]interface{}{"firstFailure": firstFailure},
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return models.ValidatorResult{Name: v.Name(), Passed: true, Summary: "migrations applied cleanly", DurationMs: time.Since(start).Milliseconds()}, nil
}

// Select returns every validator from the set whose Selectable predicate
// matches caps (§4.3 step 1).
func Select(caps Capabilities, validators []Validator) []Validator {
	var selected []Validator
	for _, v := range validators {
		if v.Selectable(caps) {
			selected = append(selected, v)
		}
	}
	return selected
}
