package sandbox

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// Runner executes host processes. The docker CLI goes through it so tests
// can substitute a fake.
type Runner interface {
	// Run executes the command and waits. stdout/stderr may be nil. The
	// returned exit code is -1 when the process could not be started or
	// its status is unknown.
	Run(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (int, error)
	// Start launches the command with combined output streamed to w and
	// returns a handle for stopping it.
	Start(ctx context.Context, w io.Writer, name string, args ...string) (Process, error)
}

// Process is a handle on a streaming command.
type Process interface {
	Kill() error
	Wait() error
}

type execRunner struct{}

// NewRunner returns the os/exec backed Runner. DOCKER_SOCKET_PATH, when
// set, is forwarded to the docker CLI as DOCKER_HOST.
func NewRunner() Runner {
	return execRunner{}
}

func commandEnv() []string {
	env := os.Environ()
	if sock := os.Getenv("DOCKER_SOCKET_PATH"); sock != "" {
		env = append(env, "DOCKER_HOST=unix://"+sock)
	}
	return env
}

func (execRunner) Run(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = commandEnv()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (execRunner) Start(ctx context.Context, w io.Writer, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = commandEnv()
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
