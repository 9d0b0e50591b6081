package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/settings"
)

// PlanStep is one planned unit of work.
type PlanStep struct {
	Description  string `json:"description"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Background   bool   `json:"background,omitempty"`
	ReadyPattern string `json:"readyPattern,omitempty"`
}

// Plan is the planner artefact.
type Plan struct {
	Reasoning string     `json:"reasoning"`
	Steps     []PlanStep `json:"steps"`
}

// StepCommand is the coder artefact.
type StepCommand struct {
	Command      string `json:"command"`
	Reasoning    string `json:"reasoning"`
	Background   bool   `json:"background,omitempty"`
	ReadyPattern string `json:"readyPattern,omitempty"`
}

// Gateway resolves a provider client per role and derives the typed
// artefacts. Resolution order: per-role override, then the global provider,
// then the static fallback for roles that have one.
type Gateway struct {
	ai        settings.AI
	log       zerolog.Logger
	overrides map[string]Client
}

// NewGateway creates a Gateway from the project's AI settings.
func NewGateway(ai settings.AI, log zerolog.Logger) *Gateway {
	return &Gateway{
		ai:        ai,
		log:       log.With().Str("component", "llm").Logger(),
		overrides: map[string]Client{},
	}
}

// WithClient overrides the client used for one provider name, used by tests.
func (g *Gateway) WithClient(provider string, c Client) *Gateway {
	g.overrides[provider] = c
	return g
}

// ClientFor resolves the client for a role. A nil client means no usable
// provider is configured and the caller must fall back.
func (g *Gateway) ClientFor(role string) Client {
	provider := g.ai.Provider
	roleModel := ""
	if ov, ok := g.ai.Roles[role]; ok {
		if ov.Provider != "" {
			provider = ov.Provider
		}
		roleModel = ov.Model
	}
	if c, ok := g.overrides[provider]; ok {
		return c
	}
	switch provider {
	case "openai":
		if g.ai.OpenAI.APIKey == "" {
			return nil
		}
		return NewOpenAIClient(g.ai.OpenAI.APIKey, firstNonEmpty(roleModel, g.ai.OpenAI.Model))
	case "anthropic":
		if g.ai.Anthropic.APIKey == "" {
			return nil
		}
		return NewAnthropicClient(g.ai.Anthropic.APIKey, firstNonEmpty(roleModel, g.ai.Anthropic.Model))
	case "google":
		if g.ai.Google.APIKey == "" {
			return nil
		}
		return NewGoogleClient(g.ai.Google.APIKey, firstNonEmpty(roleModel, g.ai.Google.Model))
	case "groq":
		if g.ai.Groq.APIKey == "" {
			return nil
		}
		return NewGroqClient(g.ai.Groq.APIKey, firstNonEmpty(roleModel, g.ai.Groq.Model))
	}
	return nil
}

// GeneratePlan asks the planner role for a mission plan. systemOverride,
// when non-empty, replaces the default planner prompt. Without a provider
// it falls back to the static heuristic plan.
func (g *Gateway) GeneratePlan(ctx context.Context, pc PlanContext, systemOverride string) (Plan, Response, error) {
	client := g.ClientFor(settings.RolePlanner)
	if client == nil {
		g.log.Info().Msg("no AI provider configured, using static plan")
		return StaticPlan(pc), Response{Provider: "static"}, nil
	}

	system := DefaultPlannerPrompt
	if systemOverride != "" {
		system = systemOverride
	}
	resp, err := client.Chat(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: buildPlanUserMessage(pc)},
	}, ChatOptions{JSONMode: true})
	if err != nil {
		return Plan{}, resp, fmt.Errorf("planner: %w", err)
	}

	var plan Plan
	if err := decodeJSON(resp.Content, &plan); err != nil {
		return Plan{}, resp, fmt.Errorf("planner: %w", err)
	}
	if len(plan.Steps) == 0 {
		return Plan{}, resp, fmt.Errorf("planner returned an empty plan")
	}
	return plan, resp, nil
}

// GenerateStepCommand asks the coder role for the shell command of the
// current step.
func (g *Gateway) GenerateStepCommand(ctx context.Context, cc CommandContext) (StepCommand, Response, error) {
	client := g.ClientFor(settings.RoleCoder)
	if client == nil {
		return StepCommand{}, Response{}, fmt.Errorf("no AI provider configured for coder")
	}

	resp, err := client.Chat(ctx, []Message{
		{Role: "system", Content: DefaultCoderPrompt},
		{Role: "user", Content: buildCommandUserMessage(cc)},
	}, ChatOptions{JSONMode: true})
	if err != nil {
		return StepCommand{}, resp, fmt.Errorf("coder: %w", err)
	}

	var cmd StepCommand
	if err := decodeJSON(resp.Content, &cmd); err != nil {
		return StepCommand{}, resp, fmt.Errorf("coder: %w", err)
	}
	if strings.TrimSpace(cmd.Command) == "" {
		return StepCommand{}, resp, fmt.Errorf("coder returned an empty command")
	}
	return cmd, resp, nil
}

// AnalyzeError asks the troubleshooter role for a short recovery strategy.
func (g *Gateway) AnalyzeError(ctx context.Context, ec ErrorContext) (string, Response, error) {
	client := g.ClientFor(settings.RoleTroubleshooter)
	if client == nil {
		return "", Response{}, fmt.Errorf("no AI provider configured for troubleshooter")
	}

	resp, err := client.Chat(ctx, []Message{
		{Role: "system", Content: DefaultTroubleshooterPrompt},
		{Role: "user", Content: buildErrorUserMessage(ec)},
	}, ChatOptions{MaxTokens: 512})
	if err != nil {
		return "", resp, fmt.Errorf("troubleshooter: %w", err)
	}
	return strings.TrimSpace(resp.Content), resp, nil
}

// ReviewCommand is the guard's second opinion, shaped to plug into
// guard.ReviewFunc. A provider-level failure is returned as an error; an
// answer that cannot be decoded is reported with Parsed=false.
func (g *Gateway) ReviewCommand(ctx context.Context, command string, isBackground bool) (guard.ReviewResult, error) {
	client := g.ClientFor(settings.RoleGuard)
	if client == nil {
		return guard.ReviewResult{}, fmt.Errorf("no AI provider configured for guard review")
	}

	resp, err := client.Chat(ctx, []Message{
		{Role: "system", Content: DefaultGuardPrompt},
		{Role: "user", Content: buildReviewUserMessage(command, isBackground)},
	}, ChatOptions{MaxTokens: 256, JSONMode: true})
	if err != nil {
		return guard.ReviewResult{}, err
	}

	var verdict struct {
		Safe   bool   `json:"safe"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(resp.Content, &verdict); err != nil {
		return guard.ReviewResult{Parsed: false}, nil
	}
	return guard.ReviewResult{Parsed: true, Safe: verdict.Safe, Reason: verdict.Reason}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
