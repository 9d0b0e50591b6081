package guard

import (
	"regexp"
	"strings"
)

// Category groups built-in rules under one settings flag.
type Category string

const (
	CategoryDestructive    Category = "destructive"
	CategoryHanging        Category = "hanging"
	CategoryNetworkExfil   Category = "network-exfil"
	CategoryPrivilegeEsc   Category = "privilege-esc"
	CategoryShellInjection Category = "shell-injection"
)

// rule is one built-in deny (or, for hanging, auto-promote) pattern.
// exclude, when set, suppresses the rule even if pattern matches.
type rule struct {
	id      string
	cat     Category
	pattern *regexp.Regexp
	exclude *regexp.Regexp
	reason  string
}

// builtinRules is evaluated in order; the first hit wins. Hanging rules are
// matched against the quote-stripped command, shell-injection rules against
// the heredoc-stripped command, everything else against the trimmed input.
var builtinRules = []rule{
	// Destructive.
	{
		id:      "rm-rf-root",
		cat:     CategoryDestructive,
		pattern: regexp.MustCompile(`(?i)\brm\s+(?:-{1,2}[a-z-]+\s+)*-{1,2}[a-z-]*(?:r[a-z-]*f|f[a-z-]*r)[a-z-]*\s+["']?(?:/|~|\.\.|\*)`),
		reason:  "recursive force-delete of a critical path",
	},
	{
		id:      "mkfs",
		cat:     CategoryDestructive,
		pattern: regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
		reason:  "filesystem creation would destroy data",
	},
	{
		id:      "dd-device",
		cat:     CategoryDestructive,
		pattern: regexp.MustCompile(`(?i)\bdd\s+[^|;&]*\bof=/dev/`),
		reason:  "raw write to a device node",
	},
	{
		id:      "shred",
		cat:     CategoryDestructive,
		pattern: regexp.MustCompile(`(?i)\bshred\b`),
		reason:  "irreversible file shredding",
	},
	{
		id:      "wipefs",
		cat:     CategoryDestructive,
		pattern: regexp.MustCompile(`(?i)\bwipefs\b`),
		reason:  "filesystem signature wipe",
	},

	// Hanging (auto-promoted to background instead of denied).
	{
		id:      "node-server-file",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\bnode\s+\S+\.(js|ts|mjs|cjs)\b`),
		exclude: regexp.MustCompile(`(?i)\bnode\s+[^|;&]*(--eval\b|\s-e\s)`),
		reason:  "running a node entrypoint blocks the shell",
	},
	{
		id:      "npm-start",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\bnpm\s+start\b`),
		reason:  "npm start runs a long-lived server",
	},
	{
		id:      "npm-run-dev",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\bnpm\s+run\s+(dev|serve|watch)\b`),
		reason:  "npm dev/serve/watch scripts do not exit",
	},
	{
		id:      "yarn-start",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\byarn\s+(start|dev|serve)\b`),
		reason:  "yarn start/dev/serve runs a long-lived server",
	},
	{
		id:      "pnpm-start",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\bpnpm\s+(start|dev|serve)\b`),
		reason:  "pnpm start/dev/serve runs a long-lived server",
	},
	{
		id:      "python-server",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\bpython[23]?\s+(\S+\s+)*(\S*(server|app)\S*\.py\b|manage\.py\s+runserver)`),
		reason:  "python server process does not exit",
	},
	{
		id:      "tail-follow",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\btail\s+(-\S+\s+)*-[a-z]*f\b`),
		reason:  "tail -f follows forever",
	},
	{
		id:      "sleep-long",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?i)\bsleep\s+(infinity|[1-9]\d{3,})\b`),
		reason:  "sleep of 1000s or more blocks the step",
	},
	{
		id:      "yes",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?im)(^|[;&|(]\s*)yes(\s+\S+)?\s*($|[;&|)])`),
		reason:  "yes floods stdout forever",
	},
	{
		id:      "cat-stdin",
		cat:     CategoryHanging,
		pattern: regexp.MustCompile(`(?m)(^|[;&|]\s*)cat\s*($|[;&])`),
		reason:  "cat with no input waits on stdin",
	},

	// Network exfiltration.
	{
		id:      "curl-upload",
		cat:     CategoryNetworkExfil,
		pattern: regexp.MustCompile(`(?i)\bcurl\b[^|;&]*(\s-[a-z]*F\b|\s-T\b|--upload-file\b|--data(-\w+)?[= ]\s*@|\s-d\s+@)`),
		reason:  "curl uploading local data",
	},
	{
		id:      "nc-listen-exec",
		cat:     CategoryNetworkExfil,
		pattern: regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\b[^|;&]*\s-[a-z]*(l|e|c)\b`),
		reason:  "netcat listener or command execution",
	},
	{
		id:      "wget-post",
		cat:     CategoryNetworkExfil,
		pattern: regexp.MustCompile(`(?i)\bwget\b[^|;&]*--post`),
		reason:  "wget posting local data",
	},
	{
		id:      "remote-copy",
		cat:     CategoryNetworkExfil,
		pattern: regexp.MustCompile(`(?i)\b(scp|rsync)\b[^|;&]*\s\S+@\S+`),
		reason:  "copying files to a remote host",
	},

	// Privilege escalation.
	{
		id:      "sudo",
		cat:     CategoryPrivilegeEsc,
		pattern: regexp.MustCompile(`(?im)(^|[;&|(]\s*)sudo\b`),
		reason:  "sudo is not available in the sandbox",
	},
	{
		id:      "su-root",
		cat:     CategoryPrivilegeEsc,
		pattern: regexp.MustCompile(`(?i)\bsu\s+(root|-)(\s|$)`),
		reason:  "switching to the root user",
	},
	{
		id:      "chmod-dangerous",
		cat:     CategoryPrivilegeEsc,
		pattern: regexp.MustCompile(`(?i)\bchmod\b[^|;&]*\s([0-7]?777\b|[ugoa]*\+s\b|[oa]\+w\b)`),
		reason:  "world-writable or setuid permission change",
	},
	{
		id:      "chown-root",
		cat:     CategoryPrivilegeEsc,
		pattern: regexp.MustCompile(`(?i)\bchown\b[^|;&]*\s(root|0)(:\S*)?(\s|$)`),
		reason:  "changing ownership to root",
	},

	// Shell injection.
	{
		id:      "eval",
		cat:     CategoryShellInjection,
		pattern: regexp.MustCompile(`(?im)(^|[;&|(]\s*)eval\s`),
		reason:  "eval of dynamic input",
	},
	{
		id:      "backticks",
		cat:     CategoryShellInjection,
		pattern: regexp.MustCompile("`[^`]*`"),
		reason:  "backtick command substitution",
	},
	{
		id:      "fork-bomb",
		cat:     CategoryShellInjection,
		pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`),
		reason:  "fork bomb",
	},
	{
		id:      "base64-pipe-shell",
		cat:     CategoryShellInjection,
		pattern: regexp.MustCompile(`(?i)\bbase64\s+(-[a-z]*d[a-z]*\b|--decode\b)[^|]*\|\s*(sh|bash|zsh)\b`),
		reason:  "decoding and executing hidden payload",
	},
	{
		id:      "curl-pipe-shell",
		cat:     CategoryShellInjection,
		pattern: regexp.MustCompile(`(?i)\bcurl\b[^|]*\|\s*(sh|bash|zsh|source)\b`),
		reason:  "piping a download into a shell",
	},
	{
		id:      "wget-pipe-shell",
		cat:     CategoryShellInjection,
		pattern: regexp.MustCompile(`(?i)\bwget\b[^|]*\|\s*(sh|bash|zsh|source)\b`),
		reason:  "piping a download into a shell",
	},
}

// DefaultReadyPattern is the fallback readiness regex for promoted commands.
const DefaultReadyPattern = "listening on|ready|started|running"

var readyPatternGuesses = []struct {
	marker  string
	pattern string
}{
	{"next", "ready in|started server"},
	{"vite", "ready in|local:"},
	{"nuxt", "listening on|local:"},
	{"ng serve", "compiled successfully|listening on"},
	{"django", "starting development server"},
	{"manage.py runserver", "starting development server"},
	{"flask", "running on"},
	{"rails", "listening on"},
	{"tail -f", "."},
}

// GuessReadyPattern picks a readiness regex for a command promoted to
// background, falling back to a generic server-startup pattern.
func GuessReadyPattern(command string) string {
	lower := strings.ToLower(command)
	for _, g := range readyPatternGuesses {
		if strings.Contains(lower, g.marker) {
			return g.pattern
		}
	}
	return DefaultReadyPattern
}
