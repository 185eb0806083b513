// Package gitx drives the git CLI for the automation: branch
// creation under the naming convention, staged commits and guarded
// pushes. Go bindings are intentionally avoided; the git binary is the
// collaborator.
package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/riftops/pipeloor/pkg/naming"
	"github.com/sirupsen/logrus"
)

// protectedBranches may never be pushed to directly.
var protectedBranches = map[string]struct{}{
	"main":   {},
	"master": {},
}

// Client exposes the git operations the orchestrator needs.
type Client interface {
	// Clone clones the repository into the configured path, replacing
	// any existing checkout there. An empty branch clones the default
	// branch; Config.CloneDepth makes the clone shallow.
	Clone(ctx context.Context, url, branch string) error

	// CreateBranch creates (or reuses) the branch from the base branch
	// and checks it out.
	CreateBranch(ctx context.Context, name string) error

	// Commit stages all changes and commits with the given message.
	// The message must satisfy the commit message convention. Returns
	// the short commit hash.
	Commit(ctx context.Context, message string) (string, error)

	// Push pushes the branch to the remote. Pushes to main/master are
	// refused.
	Push(ctx context.Context, remote, branch string) error

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)

	// HasChanges reports whether the work tree has uncommitted changes.
	HasChanges(ctx context.Context) (bool, error)
}

// Config for the git client.
type Config struct {
	// RepoPath is the repository work tree. Empty means the current
	// directory.
	RepoPath string

	// BaseBranch is the branch new branches are created from.
	BaseBranch string

	// CloneDepth limits clone history. Zero clones the full history.
	CloneDepth int
}

// NewClient creates a git client for the configured repository.
func NewClient(log logrus.FieldLogger, cfg *Config) Client {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}

	return &client{
		log: log.WithField("component", "git"),
		cfg: cfg,
	}
}

type client struct {
	log logrus.FieldLogger
	cfg *Config
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

// Clone clones the repository into the configured path. An existing
// checkout at the destination is removed first so every run starts
// from a clean tree.
func (c *client) Clone(ctx context.Context, url, branch string) error {
	dest := c.cfg.RepoPath
	if dest == "" {
		name := strings.TrimSuffix(path.Base(url), ".git")
		dest = filepath.Join("repos", name)
		c.cfg.RepoPath = dest
	}

	log := c.log.WithFields(logrus.Fields{
		"url":  url,
		"path": dest,
	})

	if _, err := os.Stat(dest); err == nil {
		log.Warn("Removing existing checkout before clone")

		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("removing existing checkout: %w", err)
		}
	}

	args := []string{"clone"}

	if branch != "" {
		args = append(args, "--branch", branch)
	}

	if c.cfg.CloneDepth > 0 {
		args = append(args, "--depth", strconv.Itoa(c.cfg.CloneDepth))
	}

	args = append(args, url, dest)

	if _, err := c.gitIn(ctx, "", args...); err != nil {
		return fmt.Errorf("cloning %s: %w", url, err)
	}

	log.Info("Cloned repository")

	return nil
}

// CreateBranch creates the branch from the base branch and checks it
// out. An existing branch is checked out as-is.
func (c *client) CreateBranch(ctx context.Context, name string) error {
	log := c.log.WithField("branch", name)

	current, err := c.CurrentBranch(ctx)
	if err != nil {
		return err
	}

	if current == name {
		log.Debug("Branch already checked out")

		return nil
	}

	// Branch exists: plain checkout.
	if _, err := c.git(ctx, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
		if _, err := c.git(ctx, "checkout", name); err != nil {
			return fmt.Errorf("checking out branch %s: %w", name, err)
		}

		log.Info("Checked out existing branch")

		return nil
	}

	if _, err := c.git(ctx, "checkout", c.cfg.BaseBranch); err != nil {
		return fmt.Errorf("checking out base branch %s: %w", c.cfg.BaseBranch, err)
	}

	if _, err := c.git(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}

	log.WithField("base", c.cfg.BaseBranch).Info("Created branch")

	return nil
}

// Commit stages all changes and commits with the given message.
func (c *client) Commit(ctx context.Context, message string) (string, error) {
	if !naming.ValidateCommitMessage(message) {
		return "", fmt.Errorf("commit message %q does not match [<TYPE>] <text> convention", message)
	}

	if _, err := c.git(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}

	if _, err := c.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}

	hash, err := c.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving commit hash: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"commit":  hash,
		"message": message,
	}).Info("Committed changes")

	return hash, nil
}

// Push pushes the branch to the remote, refusing protected branches.
func (c *client) Push(ctx context.Context, remote, branch string) error {
	if _, protected := protectedBranches[branch]; protected {
		return fmt.Errorf("refusing to push directly to %s", branch)
	}

	if _, err := c.git(ctx, "push", "-u", remote, branch); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", branch, remote, err)
	}

	c.log.WithFields(logrus.Fields{
		"remote": remote,
		"branch": branch,
	}).Info("Pushed branch")

	return nil
}

// CurrentBranch returns the checked-out branch name.
func (c *client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}

	return out, nil
}

// HasChanges reports whether the work tree is dirty.
func (c *client) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}

	return out != "", nil
}

// git runs a git subcommand in the repository and returns trimmed
// combined output.
func (c *client) git(ctx context.Context, args ...string) (string, error) {
	return c.gitIn(ctx, c.cfg.RepoPath, args...)
}

// gitIn runs a git subcommand in the given directory.
func (c *client) gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))

	if err != nil {
		if trimmed != "" {
			return trimmed, fmt.Errorf("git %s: %w: %s", args[0], err, trimmed)
		}

		return trimmed, fmt.Errorf("git %s: %w", args[0], err)
	}

	return trimmed, nil
}
