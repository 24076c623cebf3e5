// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package directurl implements the data shape of the PyPA "Direct URL Origin" specification (PEP
// 610), used here to describe where a non-index artifact (a VCS checkout, a local directory, a
// bare URL) came from.
//
// https://packaging.python.org/en/latest/specifications/direct-url/
package directurl

// DirectURL records the origin of an artifact that was not resolved from a package index.
type DirectURL struct {
	URL         string       `json:"url"`
	VCSInfo     *VCSInfo     `json:"vcs_info,omitempty"`     // if URL is a VCS reference
	ArchiveInfo *ArchiveInfo `json:"archive_info,omitempty"` // if URL is a sdist or bdist
	DirInfo     *DirInfo     `json:"dir_info,omitempty"`     // if URL is a local directory
}

// VCSInfo describes a checkout from a version-control system.
type VCSInfo struct {
	VCS               string `json:"vcs"`
	RequestedRevision string `json:"requested_revision,omitempty"`
	CommitID          string `json:"commit_id"`
}

// ArchiveInfo describes a plain downloadable archive (sdist or wheel).
type ArchiveInfo struct {
	Hash string `json:"hash,omitempty"`
}

// DirInfo describes a local directory source.
type DirInfo struct {
	Editable bool `json:"editable,omitempty"`
}

// Dump renders a DirectURL with Python's json.dumps-compatible whitespace, so that the output is
// byte-for-byte what a Python implementation reading the same structure back would have written.
func Dump(d DirectURL) ([]byte, error) {
	return jsonDumps(d)
}
