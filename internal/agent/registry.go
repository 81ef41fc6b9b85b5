package agent

import "fmt"

// SecurityLevel bounds what bash commands an agent kind may run (§4.5
// defense layer 1).
type SecurityLevel string

const (
	SecurityDeny      SecurityLevel = "deny"
	SecurityReadonly  SecurityLevel = "readonly"
	SecurityAllowlist SecurityLevel = "allowlist"
	SecurityFull      SecurityLevel = "full"
)

// ToolProfile names a frequently-combined toolset bundle.
type ToolProfile string

const (
	ProfileMinimal  ToolProfile = "MINIMAL"
	ProfileReadonly ToolProfile = "READONLY"
	ProfileCoding   ToolProfile = "CODING"
	ProfileQA       ToolProfile = "QA"
	ProfileFull     ToolProfile = "FULL"
)

// AgentDefinition describes one agent kind's capability envelope (§4.5).
type AgentDefinition struct {
	Kind            string        `json:"kind" yaml:"name"`
	Tools           []string      `json:"tools" yaml:"tools"`
	MCPServers      []string      `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
	ExtraTools      []string      `json:"extraTools,omitempty" yaml:"extraTools,omitempty"`
	ThinkingDefault string        `json:"thinkingDefault,omitempty" yaml:"thinkingDefault,omitempty"`
	SecurityLevel   SecurityLevel `json:"securityLevel" yaml:"securityLevel"`
	ExtraAllow      []string      `json:"extraAllow,omitempty" yaml:"extraAllow,omitempty"`
	ExtraDeny       []string      `json:"extraDeny,omitempty" yaml:"extraDeny,omitempty"`
	SystemPrompt    string        `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	PromptTemplate  string        `json:"promptTemplate,omitempty" yaml:"promptTemplate,omitempty"`
	ExecutionMode   string        `json:"executionMode,omitempty" yaml:"executionMode,omitempty"`
	ToolProfile     ToolProfile   `json:"toolProfile,omitempty" yaml:"toolProfile,omitempty"`
}

// builtins are the agent kinds the daemon ships without any project
// configuration. These mirror the roles named in spec §4 (coder, reviewer,
// fixer, merge_resolver, verify, error_check, design).
var builtins = map[string]AgentDefinition{
	"coder": {
		Kind: "coder", SecurityLevel: SecurityAllowlist, ToolProfile: ProfileCoding,
		Tools: []string{"Read", "Write", "Edit", "Bash", "Grep", "Glob"},
	},
	"qa_reviewer": {
		Kind: "qa_reviewer", SecurityLevel: SecurityReadonly, ToolProfile: ProfileQA,
		Tools: []string{"Read", "Grep", "Glob"},
	},
	"qa_fixer": {
		Kind: "qa_fixer", SecurityLevel: SecurityAllowlist, ToolProfile: ProfileCoding,
		Tools: []string{"Read", "Write", "Edit", "Bash"},
	},
	"merge_resolver": {
		Kind: "merge_resolver", SecurityLevel: SecurityAllowlist, ToolProfile: ProfileCoding,
		Tools: []string{"Read", "Write", "Edit", "Bash"},
	},
	"verify": {
		Kind: "verify", SecurityLevel: SecurityAllowlist, ToolProfile: ProfileQA,
		Tools: []string{"Read", "Bash", "Grep"},
	},
	"error_check": {
		Kind: "error_check", SecurityLevel: SecurityReadonly, ToolProfile: ProfileReadonly,
		Tools: []string{"Read", "Grep", "Glob"},
	},
	"design": {
		Kind: "design", SecurityLevel: SecurityDeny, ToolProfile: ProfileMinimal,
		Tools: []string{"Read", "Grep", "Glob"},
	},
}

// KindRegistry is the in-process map from agentKind to AgentDefinition
// (§4.5). Custom agents loaded from a project-local config are merged in at
// startup; a duplicate name against a built-in is rejected.
type KindRegistry struct {
	definitions map[string]AgentDefinition
}

// NewKindRegistry seeds the registry with the built-in agent kinds.
func NewKindRegistry() *KindRegistry {
	defs := make(map[string]AgentDefinition, len(builtins))
	for k, v := range builtins {
		defs[k] = v
	}
	return &KindRegistry{definitions: defs}
}

// MergeCustom adds project-local agent definitions discovered via Discover,
// translating each Agent frontmatter record into an AgentDefinition.
// Duplicate kinds against an existing (built-in or previously merged)
// definition are rejected rather than silently overridden.
func (r *KindRegistry) MergeCustom(discovered map[string]*Agent) error {
	for name, a := range discovered {
		if _, exists := r.definitions[name]; exists {
			return fmt.Errorf("agent registry: custom agent %q collides with an existing kind", name)
		}
		r.definitions[name] = AgentDefinition{
			Kind:          name,
			Tools:         []string(a.Tools),
			SecurityLevel: SecurityAllowlist,
			ToolProfile:   ProfileCoding,
			SystemPrompt:  a.Description,
		}
	}
	return nil
}

// Lookup returns the definition for a kind, if any.
func (r *KindRegistry) Lookup(kind string) (AgentDefinition, bool) {
	def, ok := r.definitions[kind]
	return def, ok
}

// Kinds lists every registered agent kind.
func (r *KindRegistry) Kinds() []string {
	kinds := make([]string, 0, len(r.definitions))
	for k := range r.definitions {
		kinds = append(kinds, k)
	}
	return kinds
}
