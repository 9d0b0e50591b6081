package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBackgroundTimeoutMs bounds how long a background command may take
// to emit its ready pattern.
const DefaultBackgroundTimeoutMs = 120_000

const pidCheckInterval = 2 * time.Second

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LogSink receives raw output chunks as commands produce them.
type LogSink func(chunk string)

// Instance is one live sandbox.
type Instance struct {
	MissionID string
	ProjectID string
	JobID     string
	Container string
	// Dir is the host workspace bind-mounted at /workspace.
	Dir string
	// RepoDir is Dir/repo, the working tree inside the workspace.
	RepoDir string

	runner Runner
	log    zerolog.Logger
	shell  string

	mu   sync.Mutex
	sink LogSink
}

// StreamLogs registers the single output sink. Command and
// BackgroundCommand forward every chunk to it.
func (i *Instance) StreamLogs(onLog LogSink) {
	i.mu.Lock()
	i.sink = onLog
	i.mu.Unlock()
}

func (i *Instance) forward(chunk string) {
	i.mu.Lock()
	sink := i.sink
	i.mu.Unlock()
	if sink != nil && chunk != "" {
		sink(chunk)
	}
}

// sinkWriter forwards writes to the instance sink and optionally mirrors
// them into a buffer.
type sinkWriter struct {
	inst *Instance
	mu   sync.Mutex
	buf  bytes.Buffer
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	w.inst.forward(string(p))
	return len(p), nil
}

func (w *sinkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Init prepares the container: shell detection, baseline tooling, git
// identity. A failed git init is fatal; missing tooling is tolerated.
func (i *Instance) Init(ctx context.Context) error {
	i.shell = "sh"
	if code, err := i.runner.Run(ctx, nil, nil, "docker", "exec", i.Container, "which", "bash"); err == nil && code == 0 {
		i.shell = "bash"
	}

	// Best effort: slim images lack git/curl; try both package managers.
	ensure := "command -v git >/dev/null 2>&1 || apk add --no-cache git curl wget procps >/dev/null 2>&1 || (apt-get update >/dev/null 2>&1 && apt-get install -y git curl wget procps >/dev/null 2>&1)"
	if res := i.exec(ctx, ensure, "/workspace", 0); res.ExitCode != 0 {
		i.log.Warn().Int("exit", res.ExitCode).Msg("tooling install incomplete")
	}

	gitInit := "git init -q && git config user.email openjules@local && git config user.name OpenJules && git commit -q --allow-empty -m init"
	if res := i.exec(ctx, gitInit, "/workspace/repo", 0); res.ExitCode != 0 {
		return fmt.Errorf("git init failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	i.log.Info().Str("container", i.Container).Str("shell", i.shell).Msg("sandbox ready")
	return nil
}

// Command runs cmd through the login shell and waits for it. workdir, when
// set, is a host path translated onto the /workspace mount. A non-starting
// exec is reported as exit -1 with the error text in stderr, never as a Go
// error: the executor owns failure policy.
func (i *Instance) Command(ctx context.Context, cmd, workdir string, timeoutMs int) ExecResult {
	wd := i.translateWorkdir(workdir)
	return i.exec(ctx, cmd, wd, timeoutMs)
}

func (i *Instance) exec(ctx context.Context, cmd, containerWd string, timeoutMs int) ExecResult {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	stdout := &sinkWriter{inst: i}
	stderr := &sinkWriter{inst: i}
	shell := i.shell
	if shell == "" {
		shell = "sh"
	}
	args := []string{"exec", "-w", containerWd, i.Container, shell, "-lc", cmd}
	code, err := i.runner.Run(ctx, stdout, stderr, "docker", args...)
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}
	if err != nil {
		res.ExitCode = -1
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += err.Error()
	}
	return res
}

// BackgroundCommand launches cmd detached inside the container and waits
// until its output matches readyPattern. The process keeps running after a
// successful return; the step only owns its startup.
func (i *Instance) BackgroundCommand(ctx context.Context, cmd, readyPattern string, timeoutMs int) (ExecResult, error) {
	if readyPattern == "" {
		return ExecResult{ExitCode: -1}, fmt.Errorf("background command requires a ready pattern")
	}
	ready, err := regexp.Compile("(?i)" + readyPattern)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("invalid ready pattern %q: %w", readyPattern, err)
	}
	if timeoutMs <= 0 {
		timeoutMs = DefaultBackgroundTimeoutMs
	}

	shell := i.shell
	if shell == "" {
		shell = "sh"
	}
	logPath := "/tmp/bg-" + randHex(4) + ".log"
	pidPath := logPath + ".pid"
	escaped := strings.ReplaceAll(cmd, "'", `'\''`)
	launch := fmt.Sprintf("nohup %s -c '%s' > %s 2>&1 & echo $! > %s", shell, escaped, logPath, pidPath)
	if res := i.exec(ctx, launch, "/workspace/repo", 0); res.ExitCode != 0 {
		return res, fmt.Errorf("launching background command (exit %d): %s", res.ExitCode, res.Stderr)
	}

	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()
	buf := &sinkWriter{inst: i}
	tail, err := i.runner.Start(tailCtx, buf, "docker", "exec", i.Container, "tail", "-n", "+1", "-f", logPath)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("attaching to background log: %w", err)
	}
	defer func() {
		_ = tail.Kill()
		_ = tail.Wait()
	}()

	deadline := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer deadline.Stop()
	pidTick := time.NewTicker(pidCheckInterval)
	defer pidTick.Stop()
	matchTick := time.NewTicker(200 * time.Millisecond)
	defer matchTick.Stop()

	// Pattern match, pid death, and timeout race; first to fire wins.
	for {
		select {
		case <-ctx.Done():
			return ExecResult{Stdout: buf.String(), ExitCode: -1}, ctx.Err()
		case <-matchTick.C:
			if ready.MatchString(buf.String()) {
				return ExecResult{Stdout: buf.String(), ExitCode: 0}, nil
			}
		case <-pidTick.C:
			check := i.exec(ctx, fmt.Sprintf("kill -0 $(cat %s)", pidPath), "/workspace/repo", 0)
			if check.ExitCode != 0 {
				out := buf.String()
				if ready.MatchString(out) {
					return ExecResult{Stdout: out, ExitCode: 0}, nil
				}
				return ExecResult{Stdout: out, ExitCode: -1},
					fmt.Errorf("Background process died unexpectedly: %s", lastChars(out, 2000))
			}
		case <-deadline.C:
			out := buf.String()
			if ready.MatchString(out) {
				return ExecResult{Stdout: out, ExitCode: 0}, nil
			}
			return ExecResult{Stdout: out, ExitCode: -1},
				fmt.Errorf("Timeout: ready pattern %q not seen within %dms", readyPattern, timeoutMs)
		}
	}
}

// WriteFile writes a file under the host workspace. rel must stay inside
// the workspace.
func (i *Instance) WriteFile(rel string, content []byte) error {
	path, err := i.hostPath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// ReadFile reads a file under the host workspace.
func (i *Instance) ReadFile(rel string) ([]byte, error) {
	path, err := i.hostPath(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// CreatePatch stages the working tree and returns the unified diff against
// the initial commit.
func (i *Instance) CreatePatch(ctx context.Context) (string, error) {
	if res := i.exec(ctx, "git add -A -- .", "/workspace/repo", 0); res.ExitCode != 0 {
		return "", fmt.Errorf("staging changes (exit %d): %s", res.ExitCode, res.Stderr)
	}
	res := i.exec(ctx, "git diff --no-color --cached -- .", "/workspace/repo", 0)
	if res.ExitCode != 0 {
		return "", fmt.Errorf("creating patch (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

func (i *Instance) hostPath(rel string) (string, error) {
	path := filepath.Join(i.Dir, rel)
	if path != i.Dir && !strings.HasPrefix(path, i.Dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return path, nil
}

func (i *Instance) translateWorkdir(workdir string) string {
	if workdir == "" {
		return "/workspace/repo"
	}
	if strings.HasPrefix(workdir, i.Dir) {
		return "/workspace" + filepath.ToSlash(strings.TrimPrefix(workdir, i.Dir))
	}
	if strings.HasPrefix(workdir, "/workspace") {
		return workdir
	}
	return "/workspace/repo"
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
