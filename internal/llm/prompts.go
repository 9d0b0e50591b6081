package llm

import (
	"fmt"
	"strings"

	"github.com/openjules/openjules/model"
)

// DefaultPlannerPrompt is the default system prompt for the planner role.
// Projects can override it via the "prompts" settings key.
const DefaultPlannerPrompt = `You are a senior software engineer planning an autonomous coding mission.

Given a goal and optional repository context, produce an ordered plan of
3 to 8 steps that an execution agent will carry out inside a Linux sandbox.

Rules:
- Each step is ONE unit of work described in plain language. Do NOT include
  shell commands; the coding agent derives those itself.
- If no repository is present, the first steps must create the project from
  scratch. Never ask clarifying questions about a missing repo.
- Mark a step "background": true only when it starts a long-running process
  (a dev server, a watcher) and provide a "readyPattern" regex that matches
  its startup output.
- Mark a step "retryable": true when a transient failure is plausible
  (network installs, flaky test runs).
- Give each step a "timeoutMs" budget; omit it to accept the default.

Return ONLY a JSON object (no other text) in this exact format:

{
  "reasoning": "why the plan is shaped this way",
  "steps": [
    {"description": "...", "timeoutMs": 60000, "retryable": true, "background": false, "readyPattern": ""}
  ]
}`

// DefaultCoderPrompt is the system prompt for the coder role.
const DefaultCoderPrompt = `You are a coding agent executing one step of a mission inside a Linux sandbox.

Produce exactly ONE shell command that accomplishes the current step.

Rules:
- Never run interactive programs (editors, REPLs, anything that prompts).
- Never use backtick command substitution; use $(...) if needed.
- Create files with quoted heredocs (cat > file <<'EOF' ... EOF) so the
  content is written literally.
- If the command starts a long-running process, set "background": true and
  provide a "readyPattern" regex matching its startup output.
- Prefer the project's own scripts (npm run test, make build) when they
  exist in package.json or the Makefile.
- Never run "npm init -y"; write package.json explicitly with a heredoc.
- When you add a script to package.json, the file it refers to must exist
  (create both in one command if needed).

Return ONLY a JSON object (no other text) in this exact format:

{"command": "...", "reasoning": "...", "background": false, "readyPattern": ""}`

// DefaultTroubleshooterPrompt is the system prompt for the troubleshooter
// role.
const DefaultTroubleshooterPrompt = `You are a troubleshooter for an autonomous coding agent.

A shell command failed inside the sandbox. Explain what most likely went
wrong and what strategy the agent should try next.

Respond with AT MOST three plain-text sentences. Do NOT output a corrected
command and do NOT output JSON or code blocks.`

// DefaultGuardPrompt is the system prompt for the guard role's second
// opinion on a command.
const DefaultGuardPrompt = `You are a security reviewer for an autonomous coding agent.

Classify whether the given shell command is safe to run inside a disposable
Linux sandbox whose only valuable content is the project workspace. Flag
commands that destroy data outside the workspace, exfiltrate files over the
network, escalate privileges, or obfuscate their payload.

Return ONLY a JSON object (no other text) in this exact format:

{"safe": true, "reason": "one short sentence"}`

const maxReadmeChars = 8000

// PlanContext carries everything the planner user message assembles.
type PlanContext struct {
	Goal               string
	HasRepo            bool
	FileTree           string
	PackageJSON        string
	Readme             string
	CustomInstructions string
}

func buildPlanUserMessage(pc PlanContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", pc.Goal)
	if pc.HasRepo {
		b.WriteString("A source repository is checked out in the workspace.\n")
	} else {
		b.WriteString("The workspace is empty; there is no source repository.\n")
	}
	if pc.FileTree != "" {
		fmt.Fprintf(&b, "\nFile tree:\n%s\n", pc.FileTree)
	}
	if pc.PackageJSON != "" {
		fmt.Fprintf(&b, "\npackage.json:\n%s\n", pc.PackageJSON)
	}
	if pc.Readme != "" {
		fmt.Fprintf(&b, "\nREADME:\n%s\n", model.Truncate(pc.Readme, maxReadmeChars))
	}
	if pc.CustomInstructions != "" {
		fmt.Fprintf(&b, "\nAdditional instructions:\n%s\n", pc.CustomInstructions)
	}
	return b.String()
}

// CommandContext carries everything the coder user message assembles.
type CommandContext struct {
	Goal            string
	StepIndex       int
	Steps           []*model.MissionStep
	PreviousOutputs string
	FileTree        string
	PackageJSON     string
	GuardFeedback   string
	UserHint        string
	Analysis        string
}

func buildCommandUserMessage(cc CommandContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission goal: %s\n\n", cc.Goal)
	fmt.Fprintf(&b, "Current step (%d of %d): %s\n\n", cc.StepIndex+1, len(cc.Steps), cc.Steps[cc.StepIndex].Description)
	b.WriteString("Plan overview:\n")
	for i, st := range cc.Steps {
		marker := "  "
		if i == cc.StepIndex {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s %d. [%s] %s\n", marker, i+1, st.Status, st.Description)
	}
	if cc.PreviousOutputs != "" {
		fmt.Fprintf(&b, "\nOutput of previous steps:\n%s\n", cc.PreviousOutputs)
	}
	if cc.FileTree != "" {
		fmt.Fprintf(&b, "\nFile tree:\n%s\n", cc.FileTree)
	}
	if cc.PackageJSON != "" {
		fmt.Fprintf(&b, "\npackage.json:\n%s\n", cc.PackageJSON)
	}
	if cc.GuardFeedback != "" {
		fmt.Fprintf(&b, "\nYour previous command was rejected by the security guard: %s\nPropose a different, safe command.\n", cc.GuardFeedback)
	}
	if cc.UserHint != "" {
		fmt.Fprintf(&b, "\nHint from the user: %s\n", cc.UserHint)
	}
	if cc.Analysis != "" {
		fmt.Fprintf(&b, "\nTroubleshooter analysis of the last failure:\n%s\n", cc.Analysis)
	}
	return b.String()
}

const maxErrorOutputChars = 4000

// ErrorContext carries everything the troubleshooter user message assembles.
type ErrorContext struct {
	Goal            string
	StepDescription string
	Command         string
	ExitCode        int
	Output          string
}

func buildErrorUserMessage(ec ErrorContext) string {
	output := ec.Output
	if len(output) > maxErrorOutputChars {
		output = output[len(output)-maxErrorOutputChars:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Mission goal: %s\n", ec.Goal)
	fmt.Fprintf(&b, "Step: %s\n", ec.StepDescription)
	fmt.Fprintf(&b, "Failed command: %s\n", ec.Command)
	fmt.Fprintf(&b, "Exit code: %d\n\n", ec.ExitCode)
	fmt.Fprintf(&b, "Output (tail):\n%s\n", output)
	return b.String()
}

func buildReviewUserMessage(command string, isBackground bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n", command)
	if isBackground {
		b.WriteString("The command will run as a background process.\n")
	}
	return b.String()
}
