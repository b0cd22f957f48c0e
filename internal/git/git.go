// Package git derives project metadata (repo root, display name, branch)
// from a session's working directory.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 2 * time.Second

// Project is what a session shows about the repository it runs in.
type Project struct {
	Root   string // repo toplevel, or cwd when not in a repo
	Name   string // base name of the main worktree root
	Branch string // empty when detached or not a repo
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	full := append([]string{"-C", dir}, args...)
	out, err := exec.CommandContext(ctx, "git", full...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsGitRepo checks if the given directory is inside a git repository
func IsGitRepo(ctx context.Context, dir string) bool {
	_, err := run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// GetRepoRoot returns the root directory of the git repository containing dir
func GetRepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return out, nil
}

// GetCurrentBranch returns the current branch name for the repository at dir.
// A detached HEAD yields "HEAD".
func GetCurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return out, nil
}

// IsWorktree checks if dir is a linked worktree (not the main checkout)
func IsWorktree(ctx context.Context, dir string) bool {
	commonDir, err := run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return false
	}
	gitDir, err := run(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	return commonDir != gitDir && commonDir != "."
}

// GetMainWorktreePath returns the path to the main worktree (original clone)
func GetMainWorktreePath(ctx context.Context, dir string) (string, error) {
	commonDir, err := run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("failed to get common git dir: %w", err)
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Clean(filepath.Join(dir, commonDir))
	}
	if filepath.Base(commonDir) == ".git" {
		return filepath.Dir(commonDir), nil
	}
	return GetRepoRoot(ctx, dir)
}

// DetectProject resolves root, name and branch for cwd. It never fails:
// outside a repository the cwd itself is the root and the branch is empty.
// Sessions started in a linked worktree are named after the main checkout
// so they group with their siblings.
func DetectProject(ctx context.Context, cwd string) Project {
	if cwd == "" {
		return Project{}
	}
	p := Project{Root: cwd, Name: filepath.Base(cwd)}

	root, err := GetRepoRoot(ctx, cwd)
	if err != nil {
		return p
	}
	p.Root = root
	p.Name = filepath.Base(root)

	if IsWorktree(ctx, cwd) {
		if main, err := GetMainWorktreePath(ctx, cwd); err == nil {
			p.Name = filepath.Base(main)
		}
	}

	if branch, err := GetCurrentBranch(ctx, cwd); err == nil && branch != "HEAD" {
		p.Branch = branch
	}
	return p
}
