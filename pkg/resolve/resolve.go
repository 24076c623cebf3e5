// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package resolve defines the seam between this module and a version-constraint solver: the
// solver itself is out of scope here (spec.md places it out of scope explicitly), but
// pkg/wheelbuilder needs to call back into one to resolve a build-backend's declared build-time
// dependencies, so the interface it calls through, and the SDistResolution enum its calls are
// parameterized by, live here.
package resolve

import (
	"context"
	"fmt"

	"github.com/pkgdepot/pypicore/pkg/pep440"
	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
)

// SDistResolution controls how a Resolver weighs sdists against wheels when more than one
// version of a requirement could satisfy it. Names and semantics are taken from
// original_source's resolve/solve.rs, which the distilled spec dropped entirely; it's reinstated
// here because pkg/wheelbuilder's "coerce to PreferWheels to break the chicken-and-egg problem of
// building an sdist using an sdist" rule is meaningless without the enum it coerces.
type SDistResolution int

const (
	// Normal makes no distinction between versions with wheels and versions with only sdists;
	// the highest version wins regardless.
	Normal SDistResolution = iota
	// PreferWheels allows sdists, but only when no version with a wheel can be selected.
	PreferWheels
	// PreferSDists allows wheels, but only when no version with an sdist can be selected.
	PreferSDists
	// OnlyWheels excludes versions that have only sdists from consideration entirely.
	OnlyWheels
	// OnlySDists excludes versions that have only wheels from consideration entirely.
	OnlySDists
)

func (r SDistResolution) String() string {
	switch r {
	case Normal:
		return "normal"
	case PreferWheels:
		return "prefer-wheels"
	case PreferSDists:
		return "prefer-sdists"
	case OnlyWheels:
		return "only-wheels"
	case OnlySDists:
		return "only-sdists"
	default:
		return fmt.Sprintf("SDistResolution(%d)", int(r))
	}
}

// AllowSDists reports whether this policy permits selecting an sdist-only version at all.
func (r SDistResolution) AllowSDists() bool { return r != OnlyWheels }

// AllowWheels reports whether this policy permits selecting a wheel-only version at all.
func (r SDistResolution) AllowWheels() bool { return r != OnlySDists }

// Requirement is one entry of a build-system's declared dependencies (e.g. pyproject.toml's
// "[build-system] requires", or a build backend's dynamically-reported requirements).
type Requirement struct {
	Name      string
	Specifier pep440.Specifier
	Extras    []string
}

func (r Requirement) String() string {
	s := r.Name
	if len(r.Extras) > 0 {
		s += fmt.Sprintf("[%s]", joinComma(r.Extras))
	}
	if len(r.Specifier) > 0 {
		s += r.Specifier.String()
	}
	return s
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// Options parameterizes a Resolve call.
type Options struct {
	SDistResolution SDistResolution
}

// ResolvedWheel is one pinned result of a resolution: a specific version of a specific package,
// together with the wheel artifact the caller should fetch/build to realize it.
type ResolvedWheel struct {
	Name     string
	Version  pep440.Version
	Artifact *artifact.Info
}

// Resolver is the seam pkg/wheelbuilder calls through to resolve a build environment's
// dependencies in to a concrete, installable set of wheels. No implementation lives in this
// module: resolution (constraint solving over the package index) is the named external
// collaborator's job, per spec.md's explicit scope boundary.
type Resolver interface {
	Resolve(ctx context.Context, requirements []Requirement, opts Options) ([]ResolvedWheel, error)
}
