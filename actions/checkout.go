package actions

import (
	"context"
	"fmt"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"tangled.sh/tangled.sh/spindle/workflow"
)

const OutputCheckoutCommit = "SPINDLE_CHECKOUT_COMMIT"

const hexDigits = "0123456789abcdef"

func isCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range strings.ToLower(s) {
		if !strings.ContainsRune(hexDigits, r) {
			return false
		}
	}
	return true
}

// checkout clones the event's repository into the workspace. The ref
// override may name a branch, a full reference or a commit.
func checkout(ctx context.Context, c *Context) (Outputs, error) {
	p, _ := c.Step.Action.(workflow.CheckoutParams)

	url := p.Repository
	if url == "" {
		url = c.Event.Repository
	}
	if url == "" {
		c.printf("no repository to check out, skipping")
		return nil, nil
	}

	dst, err := securejoin.SecureJoin(c.Env.WorkDir, p.Path)
	if err != nil {
		return nil, fmt.Errorf("checkout path: %w", err)
	}

	ref, commit := c.Event.Ref, c.Event.Commit
	if b := c.Event.BranchName(); ref == "" && b != "" {
		ref = plumbing.NewBranchReferenceName(b).String()
	}
	switch {
	case p.Ref == "":
	case isCommitHash(p.Ref):
		ref, commit = "", p.Ref
	case strings.HasPrefix(p.Ref, "refs/"):
		ref, commit = p.Ref, ""
	default:
		ref, commit = plumbing.NewBranchReferenceName(p.Ref).String(), ""
	}

	opts := &git.CloneOptions{
		URL:      url,
		Depth:    p.Depth,
		Progress: c.Stdout,
	}
	if ref != "" {
		opts.ReferenceName = plumbing.ReferenceName(ref)
		opts.SingleBranch = true
	}
	if p.Submodules {
		opts.RecurseSubmodules = git.DefaultSubmoduleRecursionDepth
	}

	c.printf("cloning %s into %s", url, dst)
	repo, err := git.PlainCloneContext(ctx, dst, false, opts)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}

	if commit != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		err = wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit)})
		if err != nil {
			return nil, fmt.Errorf("checking out %s: %w", commit, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	c.printf("checked out %s", head.Hash())

	return Outputs{OutputCheckoutCommit: head.Hash().String()}, nil
}
