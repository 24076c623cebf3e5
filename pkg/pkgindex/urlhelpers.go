// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgindex

import (
	"net/url"
	"path"

	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
)

// filenameFromHRef extracts a file link's filename from its resolved URL, falling back to the
// anchor text (some indexes omit a path component and rely on the link text alone).
func filenameFromHRef(href, text string) string {
	u, err := url.Parse(href)
	if err != nil || u.Path == "" {
		return text
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return text
	}
	return base
}

// hashesFromFragment reads a simple-index file link's "#algo=hexdigest" fragment (the form PEP
// 503/ pip have always used for this) in to a HashSet.
func hashesFromFragment(href string) artifact.HashSet {
	u, err := url.Parse(href)
	if err != nil || u.Fragment == "" {
		return nil
	}
	vals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil
	}
	hashes := make(artifact.HashSet, len(vals))
	for algo, v := range vals {
		if len(v) > 0 {
			hashes[algo] = v[0]
		}
	}
	return hashes
}
