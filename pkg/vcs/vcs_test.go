// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package vcs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/vcs"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	ref, err := vcs.ParseURL("git+https://github.com/example/repo@v1.2.3#subdirectory=pkg/sub")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/example/repo", ref.RepoURL)
	assert.Equal(t, "v1.2.3", ref.Revision)
	assert.Equal(t, "pkg/sub", ref.Subdirectory)
}

func TestParseURLNoRevisionOrSubdir(t *testing.T) {
	t.Parallel()

	ref, err := vcs.ParseURL("git+https://github.com/example/repo")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/example/repo", ref.RepoURL)
	assert.Empty(t, ref.Revision)
	assert.Empty(t, ref.Subdirectory)
}

func TestParseURLRejectsNonGit(t *testing.T) {
	t.Parallel()
	_, err := vcs.ParseURL("https://example.com/repo")
	assert.ErrorIs(t, err, vcs.ErrNotAGitURL)
}

func initTestRepo(t *testing.T) (dir, commit string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[build-system]\n"), 0o644))
	_, err = wt.Add("pyproject.toml")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestCheckoutLocalRepo(t *testing.T) {
	t.Parallel()
	repoDir, commit := initTestRepo(t)

	ref := &vcs.Ref{RepoURL: "file://" + repoDir, Revision: commit}
	tree, cleanup, err := vcs.Checkout(context.Background(), ref)
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	content, err := tree.PyProjectTOML()
	require.NoError(t, err)
	assert.Equal(t, "[build-system]\n", string(content))
}

func TestCheckoutMissingSubdirectory(t *testing.T) {
	t.Parallel()
	repoDir, _ := initTestRepo(t)

	ref := &vcs.Ref{RepoURL: "file://" + repoDir, Subdirectory: "does-not-exist"}
	_, _, err := vcs.Checkout(context.Background(), ref)
	assert.ErrorIs(t, err, vcs.ErrSubdirectoryNotFound)
}
