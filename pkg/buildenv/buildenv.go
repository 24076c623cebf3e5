// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package buildenv materializes isolated Python interpreter environments for pkg/wheelbuilder:
// a venv with a resolved set of build-time dependencies installed in to it, and a way to run a
// build backend's helper scripts inside that venv.
package buildenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/datawire/dlib/dexec"

	"github.com/pkgdepot/pypicore/pkg/reproducible"
)

// Environment is a single isolated build environment: a venv rooted at Dir, whose interpreter is
// PythonExe.
type Environment struct {
	Dir       string
	PythonExe string
}

// Create materializes a fresh venv under a new temporary directory, using basePython (the host
// interpreter) as the venv's seed. The caller owns the returned Environment and must call Close.
func Create(ctx context.Context, basePython string) (*Environment, error) {
	dir, err := os.MkdirTemp("", "pypicore-buildenv.")
	if err != nil {
		return nil, fmt.Errorf("buildenv.Create: %w", err)
	}

	cmd := dexec.CommandContext(ctx, basePython, "-m", "venv", "--clear", dir)
	if _, err := cmd.Output(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("buildenv.Create: venv: %w", err)
	}

	return &Environment{
		Dir:       dir,
		PythonExe: filepath.Join(dir, "bin", "python3"),
	}, nil
}

// Close removes the environment's directory tree.
func (e *Environment) Close() error {
	return os.RemoveAll(e.Dir)
}

// InstallWheels installs already-materialized wheels (by filesystem path) in to the environment,
// with no network access: the caller (pkg/wheelbuilder, via pkg/resolve.Resolver) is responsible
// for having already resolved and fetched/built every wheel named here.
func (e *Environment) InstallWheels(ctx context.Context, wheelPaths []string) error {
	if len(wheelPaths) == 0 {
		return nil
	}
	args := append([]string{
		"-m", "pip", "install",
		"--no-index", "--disable-pip-version-check", "--no-deps",
	}, wheelPaths...)
	cmd := dexec.CommandContext(ctx, e.PythonExe, args...)
	cmd.DisableLogging = true
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("buildenv: pip install: %w:\n%s", err, out)
	}
	return nil
}

// HookResult is the outcome of running a build-backend helper script: its exit code (the
// WheelBuilder interprets 0 as success, 50 as "hook not implemented", anything else as a build
// failure) and its captured stderr.
type HookResult struct {
	ExitCode int
	Stderr   []byte
}

// RunHelper runs a python helper script inside the environment, with its working directory set
// to workDir. It does not itself treat a non-zero exit as an error: pkg/wheelbuilder needs to
// distinguish the exit-code-50 "hook unimplemented" sentinel from both success and real failure,
// so the exit code is always returned alongside stderr for the caller to interpret.
//
// SOURCE_DATE_EPOCH is set from reproducible.Now() so that a build backend honoring it (most of
// setuptools/flit/hatchling do) produces a wheel whose embedded timestamps don't depend on wall
// clock time at build time.
func (e *Environment) RunHelper(ctx context.Context, workDir, script string, args ...string) (HookResult, error) {
	cmd := dexec.CommandContext(ctx, e.PythonExe, append([]string{script}, args...)...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "SOURCE_DATE_EPOCH="+strconv.FormatInt(reproducible.Now().Unix(), 10))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return HookResult{ExitCode: 0, Stderr: stderr.Bytes()}, nil
	}

	var exitErr *dexec.ExitError
	if errors.As(err, &exitErr) {
		return HookResult{ExitCode: exitErr.ExitCode(), Stderr: stderr.Bytes()}, nil
	}
	return HookResult{}, fmt.Errorf("buildenv: running %s: %w", script, err)
}
