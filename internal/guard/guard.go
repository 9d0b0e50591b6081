// Package guard classifies a proposed shell command as allow, deny, or
// auto-promote-to-background before it reaches the sandbox. The rule engine
// is deterministic: the same (command, settings) pair always yields the same
// verdict. An optional LLM second opinion runs only after every
// deterministic rule has passed.
package guard

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/settings"
)

// Verdict is the outcome of filtering one command.
type Verdict struct {
	Allowed               bool   `json:"allowed"`
	Sanitised             string `json:"sanitised"`
	Reason                string `json:"reason,omitempty"`
	Rule                  string `json:"rule,omitempty"`
	PromotedToBackground  bool   `json:"promotedToBackground,omitempty"`
	SuggestedReadyPattern string `json:"suggestedReadyPattern,omitempty"`
}

// ReviewResult is the parsed outcome of an LLM second opinion. Parsed is
// false when the provider responded but the answer could not be decoded.
type ReviewResult struct {
	Parsed bool
	Safe   bool
	Reason string
}

// ReviewFunc asks an LLM whether a command is safe. A non-nil error means
// the provider itself failed (the guard then fails open); an unparseable
// answer is reported via Parsed=false (the guard then fails closed).
type ReviewFunc func(ctx context.Context, command string, isBackground bool) (ReviewResult, error)

// Guard filters commands against the project's command-guard settings.
type Guard struct {
	cfg    settings.CommandGuard
	review ReviewFunc
	log    zerolog.Logger
}

// New creates a Guard. review may be nil; it is consulted only when the
// settings enable aiReview.
func New(cfg settings.CommandGuard, review ReviewFunc, log zerolog.Logger) *Guard {
	return &Guard{cfg: cfg, review: review, log: log.With().Str("component", "guard").Logger()}
}

// Check evaluates a command. isBackground suppresses the hanging category:
// a command already declared long-running needs no promotion.
func (g *Guard) Check(ctx context.Context, command string, isBackground bool) Verdict {
	cmd := strings.TrimSpace(command)
	allow := Verdict{Allowed: true, Sanitised: cmd}

	if !g.cfg.Enabled {
		return allow
	}

	for _, p := range g.cfg.CustomAllowPatterns {
		re, err := compilePattern(p)
		if err != nil {
			g.log.Warn().Str("pattern", p).Err(err).Msg("skipping invalid allow pattern")
			continue
		}
		if re.MatchString(cmd) {
			allow.Rule = "allow:" + p
			return allow
		}
	}

	noHeredoc := stripQuotedHeredocs(cmd)
	noQuotes := stripQuotedStrings(cmd)

	for _, r := range builtinRules {
		if !g.categoryEnabled(r.cat) {
			continue
		}
		if r.cat == CategoryHanging && isBackground {
			continue
		}
		subject := cmd
		switch r.cat {
		case CategoryShellInjection:
			subject = noHeredoc
		case CategoryHanging:
			subject = noQuotes
		}
		if !r.pattern.MatchString(subject) {
			continue
		}
		if r.exclude != nil && r.exclude.MatchString(subject) {
			continue
		}
		if r.cat == CategoryHanging {
			allow.Rule = r.id
			allow.PromotedToBackground = true
			allow.SuggestedReadyPattern = GuessReadyPattern(cmd)
			return allow
		}
		return Verdict{Sanitised: cmd, Reason: r.reason, Rule: r.id}
	}

	for _, p := range g.cfg.CustomDenyPatterns {
		re, err := compilePattern(p)
		if err != nil {
			g.log.Warn().Str("pattern", p).Err(err).Msg("skipping invalid deny pattern")
			continue
		}
		if re.MatchString(cmd) {
			return Verdict{Sanitised: cmd, Reason: "matched custom deny pattern", Rule: "deny:" + p}
		}
	}

	if g.cfg.AIReview && g.review != nil {
		res, err := g.review(ctx, cmd, isBackground)
		if err != nil {
			// Provider failure allows the command through; the
			// deterministic rules above remain the safety floor.
			g.log.Warn().Err(err).Msg("ai review unavailable, allowing command")
			return allow
		}
		if !res.Parsed {
			return Verdict{Sanitised: cmd, Reason: "ai review response could not be parsed", Rule: "ai-review-unparseable"}
		}
		if !res.Safe {
			reason := res.Reason
			if reason == "" {
				reason = "flagged unsafe by ai review"
			}
			return Verdict{Sanitised: cmd, Reason: reason, Rule: "ai-review"}
		}
	}

	return allow
}

func (g *Guard) categoryEnabled(c Category) bool {
	switch c {
	case CategoryDestructive:
		return g.cfg.BlockDestructive
	case CategoryHanging:
		return g.cfg.BlockHanging
	case CategoryNetworkExfil:
		return g.cfg.BlockNetworkExfil
	case CategoryPrivilegeEsc:
		return g.cfg.BlockPrivilegeEsc
	case CategoryShellInjection:
		return g.cfg.BlockShellInjection
	}
	return false
}

func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + p)
}
