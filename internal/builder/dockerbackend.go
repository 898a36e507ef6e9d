package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DockerBackend runs install/build/test/push against a Dockerfile found
// at the repository root, shelling out to the docker CLI the same way
// the pack's own image-build tooling does (build, then push, then
// inspect for the resulting digest) rather than linking a daemon client
// library directly.
type DockerBackend struct {
	InstallCmd []string // e.g. ["npm", "ci"]; empty skips the step
	TestCmd    []string // empty means backend.Test reports passed=true with no error
	Dockerfile string   // relative to workdir; defaults to "Dockerfile"
}

func (b DockerBackend) Install(ctx context.Context, workdir string) error {
	if len(b.InstallCmd) == 0 {
		return nil
	}
	return runIn(ctx, workdir, b.InstallCmd[0], b.InstallCmd[1:]...)
}

func (b DockerBackend) Build(ctx context.Context, workdir string) error {
	dockerfile := b.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	return runIn(ctx, workdir, "docker", "build", "-f", filepath.Join(workdir, dockerfile), "-t", "opencode-build:staging", workdir)
}

func (b DockerBackend) Test(ctx context.Context, workdir string) (bool, error) {
	if len(b.TestCmd) == 0 {
		return true, nil
	}
	if err := runIn(ctx, workdir, b.TestCmd[0], b.TestCmd[1:]...); err != nil {
		return false, err
	}
	return true, nil
}

func (b DockerBackend) Push(ctx context.Context, workdir, tag, latestTag string) (string, int64, error) {
	if err := runIn(ctx, workdir, "docker", "tag", "opencode-build:staging", tag); err != nil {
		return "", 0, err
	}
	if err := runIn(ctx, workdir, "docker", "tag", "opencode-build:staging", latestTag); err != nil {
		return "", 0, err
	}
	if err := runIn(ctx, workdir, "docker", "push", tag); err != nil {
		return "", 0, err
	}
	if err := runIn(ctx, workdir, "docker", "push", latestTag); err != nil {
		return "", 0, err
	}

	out, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{index .RepoDigests 0}}", tag).Output()
	if err != nil {
		return "", 0, fmt.Errorf("docker inspect digest: %w", err)
	}
	digest := strings.TrimSpace(string(out))

	sizeOut, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.Size}}", tag).Output()
	var sizeBytes int64
	if err == nil {
		_, _ = fmt.Sscanf(strings.TrimSpace(string(sizeOut)), "%d", &sizeBytes)
	}
	return digest, sizeBytes, nil
}

func runIn(ctx context.Context, workdir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
