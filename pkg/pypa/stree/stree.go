// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package stree reads PyPA source trees: an artifact that is simply an unpacked directory,
// typically the result of a VCS checkout (see pkg/vcs).
package stree

import (
	"fmt"
	"io/fs"
	"os"
	"path"
)

// Tree is a source tree rooted at a directory on disk.
type Tree struct {
	Root string
	fsys fs.FS
}

// Open roots a Tree at dir. The directory must already exist; Open does not create it.
func Open(dir string) (*Tree, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stree: not a directory: %s", dir)
	}
	return &Tree{Root: dir, fsys: os.DirFS(dir)}, nil
}

// FS returns the tree's contents as an fs.FS rooted at Tree.Root.
func (t *Tree) FS() fs.FS {
	return t.fsys
}

// PyProjectTOML returns the bytes of "pyproject.toml" at the tree's root, if present.
func (t *Tree) PyProjectTOML() ([]byte, error) {
	return fs.ReadFile(t.fsys, "pyproject.toml")
}

// PKGInfo returns the bytes of "PKG-INFO" at the tree's root, if present (some sdist-derived
// trees carry a static PKG-INFO even though they're not themselves an archive).
func (t *Tree) PKGInfo() ([]byte, error) {
	return fs.ReadFile(t.fsys, "PKG-INFO")
}

// Abs resolves a tree-relative path to an absolute filesystem path.
func (t *Tree) Abs(name string) string {
	return path.Join(t.Root, name)
}
