// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package wheelbuilder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheel"
)

// hookScriptTemplate dynamically imports a PEP 517 build backend and invokes one of its two
// hooks used by this package, writing the hook's string result to a well-known output file.
// Backends that don't implement the requested hook (optional under PEP 517) are reported via the
// same exit(50) sentinel pip itself uses, so the caller can fall back to a full build.
const hookScriptTemplate = `
import sys

sys.path[0:0] = %s

import importlib

backend = importlib.import_module(%s)
hook = getattr(backend, %s, None)
if hook is None:
    sys.exit(50)

result = hook(%s)
with open(%s, "w") as f:
    f.write(str(result))
`

// writeHookScript renders hookScriptTemplate for the given build backend and hook name, writes it
// in to scriptDir, and returns its path. outDir is passed to the hook as its "directory to write
// in to" argument; the hook's returned path is written to outFile.
func writeHookScript(scriptDir string, bs BuildSystem, hookName, outDir, outFile string) string {
	module, _ := backendModuleAndAttrs(bs.BuildBackend)

	backendPaths := make([]string, 0, len(bs.BackendPath))
	for _, p := range bs.BackendPath {
		backendPaths = append(backendPaths, pyStringLiteral(p))
	}

	src := fmt.Sprintf(hookScriptTemplate,
		"["+strings.Join(backendPaths, ", ")+"]",
		pyStringLiteral(module),
		pyStringLiteral(hookName),
		pyStringLiteral(outDir),
		pyStringLiteral(outFile),
	)

	return writeScriptFile(scriptDir, src)
}

// getRequiresHookScriptTemplate invokes a backend's get_requires_for_build_wheel, which unlike
// prepare_metadata_for_build_wheel/build_wheel takes no output-directory argument and returns a
// list of PEP 508 requirement strings rather than a single path, so its result is JSON-encoded
// instead of str()'d.
const getRequiresHookScriptTemplate = `
import sys

sys.path[0:0] = %s

import importlib
import json

backend = importlib.import_module(%s)
hook = getattr(backend, "get_requires_for_build_wheel", None)
if hook is None:
    sys.exit(50)

result = hook(None)
with open(%s, "w") as f:
    json.dump(list(result), f)
`

// writeGetRequiresHookScript renders getRequiresHookScriptTemplate, writes it in to scriptDir,
// and returns its path; the hook's returned requirement list is JSON-written to outFile.
func writeGetRequiresHookScript(scriptDir string, bs BuildSystem, outFile string) string {
	module, _ := backendModuleAndAttrs(bs.BuildBackend)

	backendPaths := make([]string, 0, len(bs.BackendPath))
	for _, p := range bs.BackendPath {
		backendPaths = append(backendPaths, pyStringLiteral(p))
	}

	src := fmt.Sprintf(getRequiresHookScriptTemplate,
		"["+strings.Join(backendPaths, ", ")+"]",
		pyStringLiteral(module),
		pyStringLiteral(outFile),
	)

	return writeScriptFile(scriptDir, src)
}

func writeScriptFile(scriptDir, src string) string {
	path := filepath.Join(scriptDir, "hook.py")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		// scriptDir is a just-created temp directory; a write failure here means the
		// filesystem itself is broken, which every other caller in this package would also
		// fail against. Surfacing a script that errors immediately keeps the signature
		// simple (callers already handle a RunHelper failure).
		return filepath.Join(scriptDir, "missing-hook.py")
	}
	return path
}

// pyStringLiteral quotes s as a Python string literal. strconv.Quote's escaping is a superset of
// what Python needs for the plain paths and dotted names this package ever passes through it.
func pyStringLiteral(s string) string {
	return strconv.Quote(s)
}

// metadataFromWheelReader reads r in full (wheel.Open needs io.ReaderAt) and extracts its
// METADATA file as a parsed CoreMetadata.
func metadataFromWheelReader(r io.Reader, filename, expectName string) (*artifact.CoreMetadata, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: reading %s: %w", filename, err)
	}

	wh, err := wheel.Open(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: opening %s: %w", filename, err)
	}

	metaBlob, err := wh.Metadata()
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %s: %w", filename, err)
	}

	md, err := artifact.ParseCoreMetadata(metaBlob, expectName)
	if err != nil {
		return nil, fmt.Errorf("wheelbuilder: %s: %w", filename, err)
	}
	return &md, nil
}

// bytesReader adapts a []byte in to an io.ReadSeeker suitable for localwheelcache.Cache's
// io.Reader parameter.
func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
