// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package stree_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/pypa/stree"
)

func TestOpenReadsPyProjectTOML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "pyproject.toml"), []byte("[build-system]\n"), 0o644))

	tree, err := stree.Open(dir)
	require.NoError(t, err)

	content, err := tree.PyProjectTOML()
	require.NoError(t, err)
	assert.Equal(t, "[build-system]\n", string(content))
}

func TestOpenMissingDir(t *testing.T) {
	t.Parallel()
	_, err := stree.Open(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestOpenNotADir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err := stree.Open(file)
	assert.Error(t, err)
}
