// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package vcs ingests VCS-pinned artifacts: "git+https://host/path@revision#subdirectory=dir"
// and "git+file://..." direct URLs, per PEP 440's direct-reference / PEP 610 VCS-URL shape.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/pkgdepot/pypicore/pkg/pypa/stree"
)

// ErrSubdirectoryNotFound is returned by Checkout when ref.Subdirectory doesn't exist in the
// clone.
var ErrSubdirectoryNotFound = errors.New("vcs: subdirectory not found in checkout")

// ErrNotAGitURL is returned by ParseURL for a URL that doesn't have a "git+" scheme prefix.
var ErrNotAGitURL = errors.New("vcs: not a git+ URL")

// Ref is a parsed VCS direct URL: the underlying repository URL (with the "git+" prefix
// stripped), an optional pinned revision (branch, tag, or commit), and an optional
// subdirectory within the checkout.
type Ref struct {
	RepoURL      string
	Revision     string
	Subdirectory string
}

// ParseURL decomposes a "git+<scheme>://host/path(@revision)?(#subdirectory=dir)?" URL.
func ParseURL(rawURL string) (*Ref, error) {
	if !strings.HasPrefix(rawURL, "git+") {
		return nil, fmt.Errorf("vcs.ParseURL: %q: %w", rawURL, ErrNotAGitURL)
	}
	u, err := url.Parse(strings.TrimPrefix(rawURL, "git+"))
	if err != nil {
		return nil, fmt.Errorf("vcs.ParseURL: %w", err)
	}

	var subdir string
	if u.Fragment != "" {
		if vals, ferr := url.ParseQuery(u.Fragment); ferr == nil {
			subdir = vals.Get("subdirectory")
		}
		u.Fragment = ""
	}

	var revision string
	if idx := strings.LastIndex(u.Path, "@"); idx >= 0 {
		revision = u.Path[idx+1:]
		u.Path = u.Path[:idx]
	}

	return &Ref{RepoURL: u.String(), Revision: revision, Subdirectory: subdir}, nil
}

// Checkout clones ref's repository in to a fresh temporary directory, resolves and checks out
// its revision (if any), descends in to ref.Subdirectory (if any), and returns the resulting
// source tree. The caller must invoke the returned cleanup func, which removes the temporary
// clone; Checkout itself removes it on any error path.
func Checkout(ctx context.Context, ref *Ref) (_ *stree.Tree, cleanup func() error, err error) {
	tmpdir, err := os.MkdirTemp("", "pypicore-vcs.")
	if err != nil {
		return nil, nil, fmt.Errorf("vcs.Checkout: %w", err)
	}
	// Removes tmpdir directly rather than through the named cleanup return: every error path
	// below returns cleanup as nil, so calling cleanup() here would panic instead of cleaning up.
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpdir)
		}
	}()
	cleanup = func() error { return os.RemoveAll(tmpdir) }

	opts := &git.CloneOptions{URL: ref.RepoURL, SingleBranch: true}
	if ref.Revision == "" {
		// No revision pin: a shallow clone of the default branch's tip is enough.
		opts.Depth = 1
	}
	// A pinned revision may be an arbitrary historical commit, which a shallow clone can't
	// guarantee is reachable, so it gets a full clone followed by an explicit checkout below.

	repo, err := git.PlainCloneContext(ctx, tmpdir, false, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("vcs.Checkout: clone %s: %w", ref.RepoURL, err)
	}

	if ref.Revision != "" {
		hash, rerr := repo.ResolveRevision(plumbing.Revision(ref.Revision))
		if rerr != nil {
			return nil, nil, fmt.Errorf("vcs.Checkout: resolve revision %q: %w", ref.Revision, rerr)
		}
		wt, werr := repo.Worktree()
		if werr != nil {
			return nil, nil, fmt.Errorf("vcs.Checkout: %w", werr)
		}
		if cerr := wt.Checkout(&git.CheckoutOptions{Hash: *hash}); cerr != nil {
			return nil, nil, fmt.Errorf("vcs.Checkout: checkout %s: %w", ref.Revision, cerr)
		}
	}

	root := tmpdir
	if ref.Subdirectory != "" {
		root = path.Join(tmpdir, ref.Subdirectory)
		if info, serr := os.Stat(root); serr != nil || !info.IsDir() {
			return nil, nil, fmt.Errorf("vcs.Checkout: %w: %s", ErrSubdirectoryNotFound, ref.Subdirectory)
		}
	}

	tree, err := stree.Open(root)
	if err != nil {
		return nil, nil, fmt.Errorf("vcs.Checkout: %w", err)
	}
	return tree, cleanup, nil
}
