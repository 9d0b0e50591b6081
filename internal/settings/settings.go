// Package settings parses the per-project settings JSON stored in the
// settings table. The store keeps the values as opaque bytes; this package
// is the typed boundary the runtime reads them through.
package settings

import (
	"encoding/json"
	"fmt"
)

// Recognised settings keys.
const (
	KeyAI        = "ai"
	KeyExecution = "execution"
	KeyPrompts   = "prompts"
)

// Role names with per-role provider/model overrides.
const (
	RolePlanner        = "planner"
	RoleCoder          = "coder"
	RoleReviewer       = "reviewer"
	RoleThinker        = "thinker"
	RoleGuard          = "guard"
	RoleTroubleshooter = "troubleshooter"
)

// ProviderConfig holds the API key and model for one provider.
type ProviderConfig struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

// RoleOverride selects a provider and/or model for a single role.
type RoleOverride struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// AI is the "ai" settings object.
type AI struct {
	Provider  string                  `json:"provider"`
	OpenAI    ProviderConfig          `json:"openai"`
	Anthropic ProviderConfig          `json:"anthropic"`
	Google    ProviderConfig          `json:"google"`
	Groq      ProviderConfig          `json:"groq"`
	Roles     map[string]RoleOverride `json:"roles,omitempty"`
}

// Docker configures the sandbox container.
type Docker struct {
	Image       string  `json:"image,omitempty"`
	CPULimit    float64 `json:"cpuLimit,omitempty"`
	MemLimitMb  int     `json:"memLimitMb,omitempty"`
	PidsLimit   int     `json:"pidsLimit,omitempty"`
	NetworkMode string  `json:"networkMode,omitempty"`
}

// CommandGuard configures the pre-execution command filter. All block flags
// default to true; absence in the JSON keeps the default.
type CommandGuard struct {
	Enabled             bool     `json:"enabled"`
	BlockDestructive    bool     `json:"blockDestructive"`
	BlockHanging        bool     `json:"blockHanging"`
	BlockNetworkExfil   bool     `json:"blockNetworkExfil"`
	BlockPrivilegeEsc   bool     `json:"blockPrivilegeEsc"`
	BlockShellInjection bool     `json:"blockShellInjection"`
	CustomDenyPatterns  []string `json:"customDenyPatterns,omitempty"`
	CustomAllowPatterns []string `json:"customAllowPatterns,omitempty"`
	AIReview            bool     `json:"aiReview"`
}

// Execution is the "execution" settings object.
type Execution struct {
	SandboxRoot    string       `json:"sandboxRoot,omitempty"`
	PersistSandbox bool         `json:"persistSandbox"`
	Docker         Docker       `json:"docker"`
	CommandGuard   CommandGuard `json:"commandGuard"`
}

// Prompts is the "prompts" settings object.
type Prompts struct {
	Planner struct {
		Content string `json:"content,omitempty"`
	} `json:"planner"`
}

// Settings is the aggregated typed view for one project.
type Settings struct {
	AI        AI
	Execution Execution
	Prompts   Prompts
}

// DefaultCommandGuard returns the guard configuration with every category
// enabled and AI review off.
func DefaultCommandGuard() CommandGuard {
	return CommandGuard{
		Enabled:             true,
		BlockDestructive:    true,
		BlockHanging:        true,
		BlockNetworkExfil:   true,
		BlockPrivilegeEsc:   true,
		BlockShellInjection: true,
		AIReview:            false,
	}
}

// Default returns the settings applied when a project has no stored values.
func Default() Settings {
	return Settings{
		Execution: Execution{
			CommandGuard: DefaultCommandGuard(),
		},
	}
}

// FromRaw builds Settings from the raw per-key JSON the store returns.
// Missing keys keep defaults; present keys override only the fields they
// carry (unmarshalling into the defaulted struct).
func FromRaw(raw map[string]json.RawMessage) (Settings, error) {
	s := Default()
	if v, ok := raw[KeyAI]; ok {
		if err := json.Unmarshal(v, &s.AI); err != nil {
			return s, fmt.Errorf("parsing ai settings: %w", err)
		}
	}
	if v, ok := raw[KeyExecution]; ok {
		if err := json.Unmarshal(v, &s.Execution); err != nil {
			return s, fmt.Errorf("parsing execution settings: %w", err)
		}
	}
	if v, ok := raw[KeyPrompts]; ok {
		if err := json.Unmarshal(v, &s.Prompts); err != nil {
			return s, fmt.Errorf("parsing prompts settings: %w", err)
		}
	}
	return s, nil
}
