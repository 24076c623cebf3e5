// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package wheelbuilder implements spec.md's WheelBuilder: building a wheel, or just its core
// metadata, from a source artifact (an unpacked sdist or VCS checkout) by invoking its declared
// PEP 517 build backend inside an isolated environment (pkg/buildenv), with results cached by
// source digest (pkg/localwheelcache).
package wheelbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/pkgdepot/pypicore/pkg/buildenv"
	"github.com/pkgdepot/pypicore/pkg/localwheelcache"
	"github.com/pkgdepot/pypicore/pkg/pep440"
	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheelname"
	"github.com/pkgdepot/pypicore/pkg/resolve"
)

// BuildSystem is a pyproject.toml "[build-system]" table, defaulted per PEP 517/518 when absent.
type BuildSystem struct {
	Requires     []string
	BuildBackend string
	BackendPath  []string
}

type pyprojectDoc struct {
	BuildSystem struct {
		Requires     []string `toml:"requires"`
		BuildBackend string   `toml:"build-backend"`
		BackendPath  []string `toml:"backend-path"`
	} `toml:"build-system"`
}

// ParseBuildSystem parses a pyproject.toml blob's "[build-system]" table. A missing or empty
// "requires" defaults to {"setuptools", "wheel"}; a missing "build-backend" defaults to
// "setuptools.build_meta", matching pip's legacy-setup.py fallback behavior.
func ParseBuildSystem(pyprojectTOML []byte) (BuildSystem, error) {
	var doc pyprojectDoc
	if len(pyprojectTOML) > 0 {
		if err := toml.Unmarshal(pyprojectTOML, &doc); err != nil {
			return BuildSystem{}, fmt.Errorf("wheelbuilder: pyproject.toml: %w", err)
		}
	}

	bs := BuildSystem{
		Requires:     doc.BuildSystem.Requires,
		BuildBackend: doc.BuildSystem.BuildBackend,
		BackendPath:  doc.BuildSystem.BackendPath,
	}
	if len(bs.Requires) == 0 {
		bs.Requires = []string{"setuptools", "wheel"}
	}
	if bs.BuildBackend == "" {
		bs.BuildBackend = "setuptools.build_meta"
	}
	return bs, nil
}

func backendModuleAndAttrs(buildBackend string) (module string, attrs []string) {
	module, attrPath, ok := strings.Cut(buildBackend, ":")
	if !ok {
		return module, nil
	}
	return module, strings.Split(attrPath, ".")
}

// Source is one build input: an already-unpacked sdist or VCS checkout ready for a build backend
// to operate on.
type Source struct {
	// Key identifies this source for the local wheel cache and the build-environment cache.
	Key localwheelcache.WheelKey
	// ExpectedName is the normalized package name the resulting wheel must match.
	ExpectedName string
	// WorkDir is the directory containing pyproject.toml (or a legacy setup.py) and the rest of
	// the source's build files.
	WorkDir string
	// PyProjectTOML is the raw bytes of WorkDir/pyproject.toml, or empty if absent.
	PyProjectTOML []byte
}

// Fetcher resolves a build dependency's artifact in to a local wheel file, fetching or building
// it as needed. pkg/ladder's MetadataLadder (or a thin adapter over it) is the expected
// implementation; kept as a seam here so this package doesn't import pkg/ladder and create an
// import cycle (pkg/ladder's rung 4 is this package).
type Fetcher interface {
	FetchWheel(ctx context.Context, info *artifact.Info) (localPath string, err error)
}

// hookUnimplementedExitCode is the sentinel exit code a build backend's helper script uses to
// report that it has no implementation for the requested PEP 517 hook (distinct from a real
// build failure, which surfaces stderr instead).
const hookUnimplementedExitCode = 50

// Builder is spec.md's WheelBuilder.
type Builder struct {
	BasePython string
	Resolver   resolve.Resolver
	Fetcher    Fetcher
	Cache      *localwheelcache.Cache

	mu   sync.Mutex
	envs map[string]*preparedEnv
}

type preparedEnv struct {
	env *buildenv.Environment
	bs  BuildSystem
}

// prepare runs spec.md §4.6's Setup protocol for src, reusing a previously-prepared environment
// for the same source identity if one exists.
func (b *Builder) prepare(ctx context.Context, src Source) (*preparedEnv, error) {
	key := src.Key.String()

	b.mu.Lock()
	if b.envs == nil {
		b.envs = make(map[string]*preparedEnv)
	}
	if pe, ok := b.envs[key]; ok {
		b.mu.Unlock()
		return pe, nil
	}
	b.mu.Unlock()

	bs, err := ParseBuildSystem(src.PyProjectTOML)
	if err != nil {
		return nil, err
	}

	reqs := make([]resolve.Requirement, 0, len(bs.Requires))
	for _, r := range bs.Requires {
		req, err := parseRequirement(r)
		if err != nil {
			return nil, fmt.Errorf("wheelbuilder: build-system requires: %w", err)
		}
		reqs = append(reqs, req)
	}

	// PreferWheels breaks the chicken-and-egg cycle: a source that requires itself as a build
	// backend must be buildable without recursively building its own source form.
	resolved, err := b.Resolver.Resolve(ctx, reqs, resolve.Options{SDistResolution: resolve.PreferWheels})
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: resolving build dependencies: %w", err)
	}

	wheelPaths := make([]string, 0, len(resolved))
	for _, rw := range resolved {
		path, err := b.Fetcher.FetchWheel(ctx, rw.Artifact)
		if err != nil {
			return nil, fmt.Errorf("wheelbuilder: fetching build dependency %s: %w", rw.Name, err)
		}
		wheelPaths = append(wheelPaths, path)
	}

	env, err := buildenv.Create(ctx, b.BasePython)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	if err := env.InstallWheels(ctx, wheelPaths); err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}

	// spec.md §4.6 setup step 5: a backend may declare additional build-time requirements
	// dynamically (common with setuptools/Cython), discoverable only by calling
	// get_requires_for_build_wheel against the base environment just installed above.
	if err := b.installExtraBuildRequirements(ctx, env, bs, src); err != nil {
		_ = env.Close()
		return nil, err
	}

	pe := &preparedEnv{env: env, bs: bs}
	b.mu.Lock()
	if existing, ok := b.envs[key]; ok {
		b.mu.Unlock()
		_ = env.Close()
		return existing, nil
	}
	b.envs[key] = pe
	b.mu.Unlock()
	return pe, nil
}

// installExtraBuildRequirements invokes the backend's optional get_requires_for_build_wheel hook
// and installs whatever additional requirements it reports in to env, on top of the base
// build-system.requires already installed there. A hookUnimplementedExitCode means the backend
// doesn't implement the hook (the common case for backends with no dynamic build requirements),
// which is not an error.
func (b *Builder) installExtraBuildRequirements(ctx context.Context, env *buildenv.Environment, bs BuildSystem, src Source) error {
	invocationID := uuid.NewString()
	dlog.Debugf(ctx, "wheelbuilder: %s: running get_requires_for_build_wheel for %s", invocationID, src.ExpectedName)

	outDir, err := os.MkdirTemp("", "pypicore-getrequires-"+invocationID+".")
	if err != nil {
		return fmt.Errorf("wheelbuilder: %w", err)
	}
	defer os.RemoveAll(outDir)
	outFile := filepath.Join(outDir, "requires_result")

	scriptDir, err := os.MkdirTemp("", "pypicore-hook-"+invocationID+".")
	if err != nil {
		return fmt.Errorf("wheelbuilder: %w", err)
	}
	defer os.RemoveAll(scriptDir)

	script := writeGetRequiresHookScript(scriptDir, bs, outFile)
	result, err := env.RunHelper(ctx, src.WorkDir, script)
	if err != nil {
		return fmt.Errorf("wheelbuilder: %w", err)
	}

	switch result.ExitCode {
	case 0:
		blob, rerr := os.ReadFile(outFile)
		if rerr != nil {
			return fmt.Errorf("wheelbuilder: reading requires_result: %w", rerr)
		}
		var extra []string
		if jerr := json.Unmarshal(blob, &extra); jerr != nil {
			return fmt.Errorf("wheelbuilder: parsing get_requires_for_build_wheel result: %w", jerr)
		}
		if len(extra) == 0 {
			return nil
		}

		reqs := make([]resolve.Requirement, 0, len(extra))
		for _, r := range extra {
			req, perr := parseRequirement(r)
			if perr != nil {
				return fmt.Errorf("wheelbuilder: get_requires_for_build_wheel: %w", perr)
			}
			reqs = append(reqs, req)
		}
		resolved, rerr := b.Resolver.Resolve(ctx, reqs, resolve.Options{SDistResolution: resolve.PreferWheels})
		if rerr != nil {
			return fmt.Errorf("wheelbuilder: resolving extra build dependencies: %w", rerr)
		}
		wheelPaths := make([]string, 0, len(resolved))
		for _, rw := range resolved {
			path, ferr := b.Fetcher.FetchWheel(ctx, rw.Artifact)
			if ferr != nil {
				return fmt.Errorf("wheelbuilder: fetching extra build dependency %s: %w", rw.Name, ferr)
			}
			wheelPaths = append(wheelPaths, path)
		}
		if err := env.InstallWheels(ctx, wheelPaths); err != nil {
			return fmt.Errorf("wheelbuilder: %w", err)
		}
		return nil
	case hookUnimplementedExitCode:
		return nil
	default:
		return fmt.Errorf("wheelbuilder: get_requires_for_build_wheel: exit %d:\n%s", result.ExitCode, result.Stderr)
	}
}

func parseRequirement(s string) (resolve.Requirement, error) {
	name := s
	var specStr string
	for i, r := range s {
		if r == '=' || r == '<' || r == '>' || r == '!' || r == '~' {
			name, specStr = s[:i], s[i:]
			break
		}
	}
	name = strings.TrimSpace(name)
	var spec pep440.Specifier
	if specStr != "" {
		parsed, err := pep440.ParseSpecifier(specStr)
		if err != nil {
			return resolve.Requirement{}, err
		}
		spec = parsed
	}
	return resolve.Requirement{Name: name, Specifier: spec}, nil
}

// GetSDistMetadata implements spec.md §4.6's metadata hook: if a wheel for src.Key is already
// cached, its metadata is read directly; otherwise the build backend's
// "prepare_metadata_for_build_wheel" hook is invoked, falling back to a full BuildWheel if the
// backend reports (via the exit-50 sentinel) that it doesn't implement that hook.
func (b *Builder) GetSDistMetadata(ctx context.Context, src Source) (*artifact.CoreMetadata, error) {
	if filename, rc, err := b.Cache.WheelForKey(src.Key); err == nil {
		defer rc.Close()
		return metadataFromWheelReader(rc, filename, src.ExpectedName)
	}

	pe, err := b.prepare(ctx, src)
	if err != nil {
		return nil, err
	}

	// invocationID correlates outDir/scriptDir/log lines for this one hook invocation, distinct
	// from src.Key (which identifies the source, not this particular run of the hook against it).
	invocationID := uuid.NewString()
	dlog.Debugf(ctx, "wheelbuilder: %s: running prepare_metadata_for_build_wheel for %s", invocationID, src.ExpectedName)

	outDir, err := os.MkdirTemp("", "pypicore-metadata-"+invocationID+".")
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	defer os.RemoveAll(outDir)
	outFile := filepath.Join(outDir, "metadata_result")

	scriptDir, err := os.MkdirTemp("", "pypicore-hook-"+invocationID+".")
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	defer os.RemoveAll(scriptDir)

	script := writeHookScript(scriptDir, pe.bs, "prepare_metadata_for_build_wheel", outDir, outFile)
	result, err := pe.env.RunHelper(ctx, src.WorkDir, script)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}

	switch result.ExitCode {
	case 0:
		// PEP 517's prepare_metadata_for_build_wheel returns the dist-info directory's name,
		// relative to the metadata_directory argument it was given (outDir here) -- not an
		// absolute path.
		distInfoDirName, rerr := os.ReadFile(outFile)
		if rerr != nil {
			return nil, fmt.Errorf("wheelbuilder: reading metadata_result: %w", rerr)
		}
		blob, rerr := os.ReadFile(filepath.Join(outDir, strings.TrimSpace(string(distInfoDirName)), "METADATA"))
		if rerr != nil {
			return nil, fmt.Errorf("wheelbuilder: reading METADATA: %w", rerr)
		}
		md, perr := artifact.ParseCoreMetadata(blob, src.ExpectedName)
		if perr != nil {
			return nil, fmt.Errorf("wheelbuilder: %w", perr)
		}
		return &md, nil
	case hookUnimplementedExitCode:
		dlog.Debugf(ctx, "wheelbuilder: backend has no prepare_metadata_for_build_wheel hook, building a wheel to extract metadata: %s", src.ExpectedName)
		handle, berr := b.BuildWheel(ctx, src)
		if berr != nil {
			return nil, berr
		}
		defer handle.Close()
		return metadataFromWheelReader(handle, handle.Filename, src.ExpectedName)
	default:
		return nil, fmt.Errorf("wheelbuilder: prepare_metadata_for_build_wheel: exit %d:\n%s",
			result.ExitCode, result.Stderr)
	}
}

// WheelHandle is a built (or cache-hit) wheel, readable once.
type WheelHandle struct {
	Filename string
	io.ReadCloser
}

// BuildWheel implements spec.md §4.6's build hook: a local-wheel-cache hit short-circuits the
// build; otherwise the backend's "build_wheel" hook is invoked, its output reparsed as a wheel
// filename against ExpectedName, and the result is associated into the cache before being
// returned.
func (b *Builder) BuildWheel(ctx context.Context, src Source) (*WheelHandle, error) {
	if filename, rc, err := b.Cache.WheelForKey(src.Key); err == nil {
		return &WheelHandle{Filename: filename, ReadCloser: rc}, nil
	}

	pe, err := b.prepare(ctx, src)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.NewString()
	dlog.Debugf(ctx, "wheelbuilder: %s: running build_wheel for %s", invocationID, src.ExpectedName)

	outDir, err := os.MkdirTemp("", "pypicore-wheel-"+invocationID+".")
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	defer os.RemoveAll(outDir)
	outFile := filepath.Join(outDir, "wheel_result")

	scriptDir, err := os.MkdirTemp("", "pypicore-hook-"+invocationID+".")
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	defer os.RemoveAll(scriptDir)

	script := writeHookScript(scriptDir, pe.bs, "build_wheel", outDir, outFile)
	result, err := pe.env.RunHelper(ctx, src.WorkDir, script)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("wheelbuilder: build_wheel: exit %d:\n%s", result.ExitCode, result.Stderr)
	}

	wheelFilenameBytes, err := os.ReadFile(outFile)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: reading wheel_result: %w", err)
	}
	wheelPath := filepath.Join(outDir, strings.TrimSpace(string(wheelFilenameBytes)))
	baseName := filepath.Base(wheelPath)

	if _, err := wheelname.ParseFilename(baseName); err != nil {
		return nil, fmt.Errorf("wheelbuilder: built wheel has an invalid filename: %w", err)
	}

	blob, err := os.ReadFile(wheelPath)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}
	if err := b.Cache.AssociateWheel(src.Key, baseName, bytesReader(blob)); err != nil {
		return nil, fmt.Errorf("wheelbuilder: %w", err)
	}

	return &WheelHandle{Filename: baseName, ReadCloser: io.NopCloser(bytesReader(blob))}, nil
}
