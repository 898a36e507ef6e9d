package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// GitCloner shallow-clones via the host git binary into a fresh temp
// directory under BaseDir, embedding token as HTTP basic auth in the
// clone URL the same way the local Provider's cloneRepository shells
// out to git (§4.1.a), adapted here to a GitHub-App-token URL form.
type GitCloner struct {
	BaseDir string // defaults to os.TempDir() if empty
}

// Clone shallow-clones org/repo at branch using token for HTTPS auth.
// Returns the checked-out directory and its HEAD commit SHA.
func (c GitCloner) Clone(ctx context.Context, org, repo, branch, token string) (string, string, error) {
	base := c.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "build-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create workdir: %w", err)
	}

	url := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, org, repo)
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("git clone failed: %w: %s", err, redact(stderr.String(), token))
	}

	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", "", fmt.Errorf("git rev-parse HEAD failed: %w", err)
	}
	return dir, string(bytes.TrimSpace(out)), nil
}
