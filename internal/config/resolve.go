// Settings & policy resolution (spec §4.13): CLI flag > environment
// variable > project YAML config > built-in defaults. Grounded on
// config.go's raw-map re-parse technique (load once as a typed struct, a
// second time as map[string]any, and only fall back to a default where the
// raw map lacks the key) for telling "absent" apart from "explicitly
// zero/false".
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DaemonSettings is the resolved configuration the Task Daemon runs with
// (§6.5's CLI surface plus §6.6's env vars).
type DaemonSettings struct {
	ProjectDir        string
	MaxConcurrent     int
	UseWorktrees      bool
	StatusFilePath    string
	StuckTimeout      int
	RescanInterval    int
	MaxRecovery       int
	MaxChildDepth     int
	MaxVerifyAttempts int
	HeadlessBrowser    bool
	MarionetteDisabled bool
}

// Defaults are the built-in values (§6.5's "default" column), lowest
// precedence layer.
func Defaults() DaemonSettings {
	return DaemonSettings{
		MaxConcurrent:     1,
		UseWorktrees:      false,
		StuckTimeout:      600,
		RescanInterval:    60,
		MaxRecovery:       3,
		MaxChildDepth:     2,
		MaxVerifyAttempts: 3,
	}
}

// CLIFlags holds only the flags the operator actually passed; a nil
// pointer means "not passed", distinguishing absence from an explicit
// zero/false value the same way config.go's raw-map technique does for
// YAML.
type CLIFlags struct {
	ProjectDir        *string
	MaxConcurrent     *int
	UseWorktrees      *bool
	StatusFilePath    *string
	StuckTimeout      *int
	RescanInterval    *int
	MaxRecovery       *int
	MaxChildDepth     *int
	MaxVerifyAttempts *int
}

// yamlOverrides mirrors the subset of DaemonSettings a project YAML config
// may override; fields are pointers for the same absence-vs-zero reason.
type yamlOverrides struct {
	MaxConcurrent     *int  `yaml:"max_concurrent"`
	UseWorktrees      *bool `yaml:"use_worktrees"`
	StuckTimeout      *int  `yaml:"stuck_timeout"`
	RescanInterval    *int  `yaml:"rescan_interval"`
	MaxRecovery       *int  `yaml:"max_recovery"`
	MaxChildDepth     *int  `yaml:"max_child_depth"`
	MaxVerifyAttempts *int  `yaml:"max_verify_attempts"`
}

// loadYAMLOverrides reads a project config file (if present) twice, once as
// the pointer-fielded yamlOverrides struct, to recover exactly which keys
// were present (a raw second pass as in config.go is unnecessary here
// because every field is already a pointer — nil means absent).
func loadYAMLOverrides(path string) (yamlOverrides, error) {
	var out yamlOverrides
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Resolve layers CLI flags over environment variables over the project
// YAML config over built-in defaults (§4.13, highest precedence first).
func Resolve(flags CLIFlags, yamlPath string) (DaemonSettings, error) {
	settings := Defaults()

	yamlCfg, err := loadYAMLOverrides(yamlPath)
	if err != nil {
		return DaemonSettings{}, err
	}
	applyYAML(&settings, yamlCfg)

	applyEnv(&settings)

	applyFlags(&settings, flags)

	return settings, nil
}

func applyYAML(s *DaemonSettings, y yamlOverrides) {
	if y.MaxConcurrent != nil {
		s.MaxConcurrent = *y.MaxConcurrent
	}
	if y.UseWorktrees != nil {
		s.UseWorktrees = *y.UseWorktrees
	}
	if y.StuckTimeout != nil {
		s.StuckTimeout = *y.StuckTimeout
	}
	if y.RescanInterval != nil {
		s.RescanInterval = *y.RescanInterval
	}
	if y.MaxRecovery != nil {
		s.MaxRecovery = *y.MaxRecovery
	}
	if y.MaxChildDepth != nil {
		s.MaxChildDepth = *y.MaxChildDepth
	}
	if y.MaxVerifyAttempts != nil {
		s.MaxVerifyAttempts = *y.MaxVerifyAttempts
	}
}

// applyEnv overrides with the core environment variables named in §6.6,
// generalized from the teacher's CONDUCTOR_CONSOLE_*-style override idiom
// (internal/claude/env.go).
func applyEnv(s *DaemonSettings) {
	if v := os.Getenv("MAX_CHILD_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxChildDepth = n
		}
	}
	if v := os.Getenv("HEADLESS_BROWSER"); v != "" {
		s.HeadlessBrowser = v == "true"
	}
	if v := os.Getenv("MARIONETTE_DISABLED"); v != "" {
		s.MarionetteDisabled = v == "true"
	}
}

func applyFlags(s *DaemonSettings, f CLIFlags) {
	if f.ProjectDir != nil {
		s.ProjectDir = *f.ProjectDir
	}
	if f.MaxConcurrent != nil {
		s.MaxConcurrent = *f.MaxConcurrent
	}
	if f.UseWorktrees != nil {
		s.UseWorktrees = *f.UseWorktrees
	}
	if f.StatusFilePath != nil {
		s.StatusFilePath = *f.StatusFilePath
	}
	if f.StuckTimeout != nil {
		s.StuckTimeout = *f.StuckTimeout
	}
	if f.RescanInterval != nil {
		s.RescanInterval = *f.RescanInterval
	}
	if f.MaxRecovery != nil {
		s.MaxRecovery = *f.MaxRecovery
	}
	if f.MaxChildDepth != nil {
		s.MaxChildDepth = *f.MaxChildDepth
	}
	if f.MaxVerifyAttempts != nil {
		s.MaxVerifyAttempts = *f.MaxVerifyAttempts
	}
}
