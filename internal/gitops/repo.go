// Package gitops wraps the go-git operations the relay tasks need:
// branching off the latest mainline, committing convergence output, and
// pushing for CI pickup.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"netbox-avd-sync/internal/config"
)

const (
	commitAuthor = "netbox-avd-sync"
	commitEmail  = "relay@localhost"
)

type Repo struct {
	path   string
	remote string
	main   string
	auth   transport.AuthMethod
}

func NewRepo(cfg config.GitConfig) *Repo {
	r := &Repo{
		path:   cfg.RepoPath,
		remote: cfg.Remote,
		main:   cfg.Branch,
	}
	if cfg.Token != "" {
		r.auth = &githttp.BasicAuth{Username: cfg.Username, Password: cfg.Token}
	}
	return r
}

func (r *Repo) open() (*git.Repository, *git.Worktree, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open repo %s: %w", r.path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("worktree: %w", err)
	}
	return repo, wt, nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (r *Repo) IsClean() (bool, error) {
	_, wt, err := r.open()
	if err != nil {
		return false, err
	}
	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return st.IsClean(), nil
}

// Fetch updates remote tracking refs. Already-up-to-date is not an error.
func (r *Repo) Fetch(ctx context.Context) error {
	repo, _, err := r.open()
	if err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: r.remote, Auth: r.auth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", r.remote, err)
	}
	return nil
}

// StartBranch creates and checks out a new branch from the remote
// mainline tip (falling back to the local mainline on fresh clones that
// have not fetched yet).
func (r *Repo) StartBranch(name string) error {
	repo, wt, err := r.open()
	if err != nil {
		return err
	}

	base, err := repo.ResolveRevision(plumbing.Revision(r.remote + "/" + r.main))
	if err != nil {
		base, err = repo.ResolveRevision(plumbing.Revision(r.main))
		if err != nil {
			return fmt.Errorf("resolve mainline %s: %w", r.main, err)
		}
	}

	err = wt.Checkout(&git.CheckoutOptions{
		Hash:   *base,
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("checkout -b %s: %w", name, err)
	}
	return nil
}

// CheckoutMain returns the working tree to the mainline branch,
// discarding anything left behind by an aborted task.
func (r *Repo) CheckoutMain() error {
	_, wt, err := r.open()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(r.main),
		Force:  true,
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", r.main, err)
	}
	return nil
}

// DeleteBranch removes a local branch ref.
func (r *Repo) DeleteBranch(name string) error {
	repo, _, err := r.open()
	if err != nil {
		return err
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// StageAll stages every change in the working tree and reports whether
// anything is actually staged (a no-op convergence run stages nothing).
func (r *Repo) StageAll() (bool, error) {
	_, wt, err := r.open()
	if err != nil {
		return false, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("add --all: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return !st.IsClean(), nil
}

// StagePaths stages only the changes under the given path prefixes and
// reports whether any were found. Everything else stays untouched.
func (r *Repo) StagePaths(paths []string) (bool, error) {
	_, wt, err := r.open()
	if err != nil {
		return false, err
	}
	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}

	staged := false
	for file := range st {
		for _, prefix := range paths {
			if strings.HasPrefix(file, strings.TrimSuffix(prefix, "/")+"/") {
				if _, err := wt.Add(file); err != nil {
					return false, fmt.Errorf("add %s: %w", file, err)
				}
				staged = true
				break
			}
		}
	}
	return staged, nil
}

// Commit records the staged changes.
func (r *Repo) Commit(message string) error {
	_, wt, err := r.open()
	if err != nil {
		return err
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: commitAuthor, Email: commitEmail, When: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Push publishes a branch to the remote for the CI system to pick up.
func (r *Repo) Push(ctx context.Context, branch string) error {
	repo, _, err := r.open()
	if err != nil {
		return err
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// PullMain checks out the mainline branch and pulls the latest changes.
func (r *Repo) PullMain(ctx context.Context) error {
	if err := r.CheckoutMain(); err != nil {
		return err
	}
	_, wt, err := r.open()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    r.remote,
		ReferenceName: plumbing.NewBranchReferenceName(r.main),
		Auth:          r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull %s: %w", r.main, err)
	}
	return nil
}
