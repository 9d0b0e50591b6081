// Package sandbox provisions one Docker container per mission and runs the
// mission's shell commands inside it. The container keeps the host
// workspace bind-mounted at /workspace; everything else in it is
// disposable.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openjules/openjules/internal/settings"
)

// DefaultImage is used when the execution settings name no image.
const DefaultImage = "node:20-bookworm-slim"

// Config controls how the driver provisions sandboxes.
type Config struct {
	// Root is the host directory workspaces are created under.
	Root string
	// Persist keeps the workspace directory after teardown.
	Persist bool
	// Docker holds the image and resource limits from the settings.
	Docker settings.Docker
}

// Driver creates, tracks, and tears down sandbox instances.
type Driver struct {
	cfg    Config
	runner Runner
	log    zerolog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewDriver creates a Driver. A nil runner defaults to the os/exec one.
func NewDriver(cfg Config, runner Runner, log zerolog.Logger) *Driver {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "openjules")
	}
	if runner == nil {
		runner = NewRunner()
	}
	return &Driver{
		cfg:       cfg,
		runner:    runner,
		log:       log.With().Str("component", "sandbox").Logger(),
		instances: map[string]*Instance{},
	}
}

// Spawn provisions the container and workspace for one mission. Errors are
// fatal to the mission; the caller transitions it to FAILED.
func (d *Driver) Spawn(ctx context.Context, missionID, projectID, jobID string) (*Instance, error) {
	dir := filepath.Join(d.cfg.Root, fmt.Sprintf("sandbox-%s-%s-%s", missionID, shortHash(projectID+jobID), randHex(4)))
	repoDir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	image := d.cfg.Docker.Image
	if image == "" {
		image = DefaultImage
	}
	if err := d.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	name := "openjules-" + missionID
	args := []string{
		"create",
		"--name", name,
		"--label", "openjules.mission=" + missionID,
		"-v", dir + ":/workspace",
		"-w", "/workspace/repo",
	}
	if d.cfg.Docker.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", d.cfg.Docker.CPULimit))
	}
	if d.cfg.Docker.MemLimitMb > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", d.cfg.Docker.MemLimitMb))
	}
	if d.cfg.Docker.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", d.cfg.Docker.PidsLimit))
	}
	if d.cfg.Docker.NetworkMode != "" {
		args = append(args, "--network", d.cfg.Docker.NetworkMode)
	}
	// Keep-alive idle command; every real command arrives via docker exec.
	args = append(args, image, "sleep", "infinity")

	var out bytes.Buffer
	if code, err := d.runner.Run(ctx, &out, &out, "docker", args...); err != nil || code != 0 {
		return nil, fmt.Errorf("creating container: exit=%d err=%v output=%s", code, err, out.String())
	}
	out.Reset()
	if code, err := d.runner.Run(ctx, &out, &out, "docker", "start", name); err != nil || code != 0 {
		return nil, fmt.Errorf("starting container: exit=%d err=%v output=%s", code, err, out.String())
	}

	inst := &Instance{
		MissionID: missionID,
		ProjectID: projectID,
		JobID:     jobID,
		Container: name,
		Dir:       dir,
		RepoDir:   repoDir,
		runner:    d.runner,
		log:       d.log.With().Str("mission_id", missionID).Logger(),
	}

	d.mu.Lock()
	d.instances[missionID] = inst
	d.mu.Unlock()

	d.log.Info().Str("mission_id", missionID).Str("image", image).Str("container", name).Msg("sandbox spawned")
	return inst, nil
}

func (d *Driver) ensureImage(ctx context.Context, image string) error {
	if code, err := d.runner.Run(ctx, nil, nil, "docker", "image", "inspect", image); err == nil && code == 0 {
		return nil
	}
	d.log.Info().Str("image", image).Msg("pulling image")
	var out bytes.Buffer
	if code, err := d.runner.Run(ctx, &out, &out, "docker", "pull", image); err != nil || code != 0 {
		return fmt.Errorf("pulling image %s: exit=%d err=%v output=%s", image, code, err, out.String())
	}
	return nil
}

// Get returns the live instance for a mission, if any.
func (d *Driver) Get(missionID string) (*Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[missionID]
	return inst, ok
}

// Teardown stops and removes the mission's container and, unless Persist is
// set, deletes the workspace. Bookkeeping is always cleared; errors are
// logged, not returned, so teardown can sit in a defer.
func (d *Driver) Teardown(ctx context.Context, missionID string) {
	d.mu.Lock()
	inst, ok := d.instances[missionID]
	delete(d.instances, missionID)
	d.mu.Unlock()
	if !ok {
		return
	}

	if code, err := d.runner.Run(ctx, nil, nil, "docker", "stop", "-t", "1", inst.Container); err != nil || code != 0 {
		d.log.Warn().Str("container", inst.Container).Err(err).Msg("stopping container")
	}
	if code, err := d.runner.Run(ctx, nil, nil, "docker", "rm", "-f", inst.Container); err != nil || code != 0 {
		d.log.Warn().Str("container", inst.Container).Err(err).Msg("removing container")
	}
	if !d.cfg.Persist {
		if err := os.RemoveAll(inst.Dir); err != nil {
			d.log.Warn().Str("dir", inst.Dir).Err(err).Msg("removing workspace")
		}
	}
	d.log.Info().Str("mission_id", missionID).Msg("sandbox torn down")
}

func shortHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}
