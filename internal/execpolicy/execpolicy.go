// Package execpolicy evaluates whether an agent session may dispatch a bash
// command, and whether a worktree mutation is permitted, per spec §4.5/§4.4.
// Grounded on the teacher's hook pattern (internal/executor/branch_guard_hook.go,
// package_guard.go): each layer exposes a single Check method and a reject
// short-circuits the chain with a structured, attributable reason.
package execpolicy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/akfldk1028/taskdaemon/internal/agent"
)

// Decision is the outcome of one layer's evaluation.
type Decision struct {
	Allowed bool
	Layer   string
	Reason  string
}

// Rejection is returned by Evaluate when any layer denies the command.
type Rejection struct {
	Decision Decision
	Command  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("execpolicy: %s rejected %q: %s", r.Decision.Layer, r.Command, r.Decision.Reason)
}

// Hook is one layer of the ordered evaluation chain (§4.5): exec-policy
// hook, project allowlist hook, session-layer permissions, OS sandbox.
type Hook interface {
	Name() string
	Check(ctx context.Context, def agent.AgentDefinition, command string) Decision
}

// readonlyCommands is the built-in allowlist for SecurityReadonly.
var readonlyCommands = map[string]bool{
	"cat": true, "ls": true, "grep": true, "jq": true, "head": true,
	"tail": true, "wc": true, "find": true, "pwd": true,
}

// gitReadSubcommands is the git-read portion of the readonly set.
var gitReadSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
}

// SecurityHook enforces layer 1: the agent kind's SecurityLevel.
type SecurityHook struct{}

func (SecurityHook) Name() string { return "exec-policy" }

func (SecurityHook) Check(_ context.Context, def agent.AgentDefinition, command string) Decision {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Decision{Allowed: true, Layer: "exec-policy"}
	}
	bin := fields[0]

	switch def.SecurityLevel {
	case agent.SecurityDeny:
		return Decision{Layer: "exec-policy", Reason: fmt.Sprintf("agent %q has securityLevel=deny, no bash access", def.Kind)}
	case agent.SecurityReadonly:
		if bin == "git" && len(fields) > 1 && gitReadSubcommands[fields[1]] {
			return Decision{Allowed: true, Layer: "exec-policy"}
		}
		if readonlyCommands[bin] {
			return Decision{Allowed: true, Layer: "exec-policy"}
		}
		return Decision{Layer: "exec-policy", Reason: fmt.Sprintf("%q not in readonly command set", bin)}
	case agent.SecurityAllowlist:
		for _, deny := range def.ExtraDeny {
			if bin == deny {
				return Decision{Layer: "exec-policy", Reason: fmt.Sprintf("%q is in extraDeny", bin)}
			}
		}
		if detectedStackAllowlist[bin] {
			return Decision{Allowed: true, Layer: "exec-policy"}
		}
		for _, allow := range def.ExtraAllow {
			if bin == allow {
				return Decision{Allowed: true, Layer: "exec-policy"}
			}
		}
		return Decision{Layer: "exec-policy", Reason: fmt.Sprintf("%q not in detected-stack allowlist or extraAllow", bin)}
	case agent.SecurityFull:
		return Decision{Allowed: true, Layer: "exec-policy"}
	default:
		return Decision{Layer: "exec-policy", Reason: fmt.Sprintf("unknown securityLevel %q", def.SecurityLevel)}
	}
}

// detectedStackAllowlist is the built-in allowlist seed; a real deployment
// would replace/extend this per-project via a capability-detection pass
// (out of scope here, same as the Build Validator's project-index input).
var detectedStackAllowlist = map[string]bool{
	"npm": true, "npx": true, "cargo": true, "go": true, "python": true,
	"python3": true, "pip": true, "git": true, "make": true, "node": true,
}

// worktreeMutationDenylist is the pattern set from §4.4: these must be
// rejected regardless of security level, since only the merge stage is
// permitted to mutate the main branch.
var worktreeMutationDenylist = []*regexp.Regexp{
	regexp.MustCompile(`^git\s+merge\b`),
	regexp.MustCompile(`^git\s+push\b`),
	regexp.MustCompile(`^git\s+rebase\b`),
	regexp.MustCompile(`^git\s+checkout\s+(main|master)\b`),
	regexp.MustCompile(`^git\s+reset\s+--hard\b`),
}

// WorktreeMutationHook enforces §4.4's mutation policy inside a task
// worktree: merge/push/rebase/checkout-main/reset-hard are never permitted
// from within a worktree, independent of the agent's security level.
type WorktreeMutationHook struct {
	MainBranch string
}

func (WorktreeMutationHook) Name() string { return "worktree-mutation-policy" }

func (h WorktreeMutationHook) Check(_ context.Context, _ agent.AgentDefinition, command string) Decision {
	trimmed := strings.TrimSpace(command)
	for _, pattern := range worktreeMutationDenylist {
		if pattern.MatchString(trimmed) {
			return Decision{Layer: "worktree-mutation-policy", Reason: fmt.Sprintf("command matches denylist pattern %q", pattern.String())}
		}
	}
	return Decision{Allowed: true, Layer: "worktree-mutation-policy"}
}

// ProjectAllowlistHook is layer 2: a project-wide allowlist independent of
// agent kind (e.g. operator-configured extra restrictions).
type ProjectAllowlistHook struct {
	Denied []string
}

func (ProjectAllowlistHook) Name() string { return "project-allowlist" }

func (h ProjectAllowlistHook) Check(_ context.Context, _ agent.AgentDefinition, command string) Decision {
	for _, d := range h.Denied {
		if strings.Contains(command, d) {
			return Decision{Layer: "project-allowlist", Reason: fmt.Sprintf("command contains project-denied substring %q", d)}
		}
	}
	return Decision{Allowed: true, Layer: "project-allowlist"}
}

// SessionLayerHook is layer 3: a no-op placeholder hook point where the
// Agent Session's own permission model (out of this package's scope, §4.6)
// may veto a command; composed here so Evaluate's ordering is exhaustive.
type SessionLayerHook struct{}

func (SessionLayerHook) Name() string { return "session-layer" }

func (SessionLayerHook) Check(_ context.Context, _ agent.AgentDefinition, _ string) Decision {
	return Decision{Allowed: true, Layer: "session-layer"}
}

// Chain evaluates command against an ordered list of hooks, short-circuiting
// on the first rejection (§4.5: "A reject at any layer aborts the tool call").
type Chain struct {
	Hooks []Hook
}

// DefaultChain builds the chain named in §4.5: exec-policy hook, worktree
// mutation policy, project allowlist hook, session-layer permissions. The OS
// sandbox layer is the process boundary itself and is not modeled as a Go
// hook; it is the caller's responsibility to run the dispatched command
// under whatever OS sandbox the deployment provides.
func DefaultChain(deniedSubstrings []string) *Chain {
	return &Chain{Hooks: []Hook{
		SecurityHook{},
		WorktreeMutationHook{},
		ProjectAllowlistHook{Denied: deniedSubstrings},
		SessionLayerHook{},
	}}
}

// Evaluate runs every hook in order, returning a *Rejection on the first
// layer that denies the command.
func (c *Chain) Evaluate(ctx context.Context, def agent.AgentDefinition, command string) error {
	for _, h := range c.Hooks {
		d := h.Check(ctx, def, command)
		if !d.Allowed {
			return &Rejection{Decision: d, Command: command}
		}
	}
	return nil
}
