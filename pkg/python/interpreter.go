// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package python

import (
	"fmt"

	"github.com/pkgdepot/pypicore/pkg/pep440"
)

// VersionInfo mirrors Python's sys.version_info: the running interpreter's own version, as
// reported by pyinspect.Dynamic.
type VersionInfo struct {
	Major        int    `json:"major"`
	Minor        int    `json:"minor"`
	Micro        int    `json:"micro"`
	ReleaseLevel string `json:"releaselevel"` // "alpha", "beta", "candidate", or "final"
	Serial       int    `json:"serial"`
}

// PEP440 converts sys.version_info in to a PEP 440 version, the form pep440.Specifier.Match
// expects for Requires-Python evaluation.
func (vi VersionInfo) PEP440() (*pep440.Version, error) {
	var ret pep440.Version
	ret.Release = []int{vi.Major, vi.Minor, vi.Micro}
	switch vi.ReleaseLevel {
	case "alpha":
		ret.Pre = &pep440.PreRelease{L: "a", N: 0}
	case "beta":
		ret.Pre = &pep440.PreRelease{L: "b", N: 0}
	case "candidate":
		ret.Pre = &pep440.PreRelease{L: "rc", N: 0}
	case "final":
		ret.Pre = nil
	default:
		return nil, fmt.Errorf("python.VersionInfo.PEP440: invalid version_info.releaselevel: %q",
			vi.ReleaseLevel)
	}
	return &ret, nil
}

// Scheme is pip's install scheme for a Python environment: the directories packages get unpacked
// in to, as reported by pyinspect.Dynamic. Nothing in this module installs in to these
// directories.
type Scheme struct {
	PureLib string `json:"purelib"` // ".../lib/python3.9/site-packages"
	PlatLib string `json:"platlib"` // ".../lib64/python3.9/site-packages"
	Headers string `json:"headers"` // ".../include/python3.9/$name/"
	Scripts string `json:"scripts"` // ".../bin"
	Data    string `json:"data"`    // ".../"
}
