// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package sdist opens PyPA source distribution archives (".tar.gz", ".tar.bz2", ".zip"), giving
// access to a top-level "PKG-INFO" (for a PEP 643 metadata short-circuit) and "pyproject.toml"
// (for pkg/wheelbuilder's build-backend dispatch) without unpacking to disk.
package sdist

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
)

// ErrUnsupportedFormat is returned by Open for archive formats this package cannot decode.
// tar.xz is the one format spec.md names that falls in this bucket: no xz decompressor is wired
// in to this module (see DESIGN.md), so a tar.xz sdist can only be held and refused, never read.
var ErrUnsupportedFormat = errors.New("sdist: unsupported archive format")

// ErrMemberNotFound is returned by PKGInfo/PyProjectTOML when the requested top-level file isn't
// present in the archive.
var ErrMemberNotFound = errors.New("sdist: member not found")

// Archive is an opened source distribution. Only its metadata-relevant members (a top-level
// "PKG-INFO" and "pyproject.toml") are buffered in memory; everything else is recorded by name
// only, for Names().
type Archive struct {
	format  artifact.SDistFormat
	names   []string
	members map[string][]byte
}

// Open reads a source distribution of the given format from r. For tar.xz, Open always fails
// with ErrUnsupportedFormat: without an xz decompressor, the tar stream beneath it can't be
// read at all, so not even a member list can be produced.
func Open(r io.Reader, format artifact.SDistFormat) (*Archive, error) {
	switch format {
	case artifact.SDistFormatTarGZ:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("sdist: %w", err)
		}
		defer gz.Close()
		return readTar(gz, format)
	case artifact.SDistFormatTarBZ2:
		return readTar(bzip2.NewReader(r), format)
	case artifact.SDistFormatZip:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("sdist: %w", err)
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("sdist: %w", err)
		}
		return readZip(zr, format)
	case artifact.SDistFormatTarXZ:
		return nil, fmt.Errorf("sdist: tar.xz: %w", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("sdist: %q: %w", format, ErrUnsupportedFormat)
	}
}

func isMetadataMember(name string) bool {
	base := path.Base(name)
	return base == "PKG-INFO" || base == "pyproject.toml"
}

// Unpack extracts every regular-file member of a source distribution to destDir, stripping the
// archive's single top-level directory (the PyPA convention Archive.findTopLevel also assumes) so
// destDir itself becomes the source root a build backend expects to run in. Unlike Open, this
// reads the whole archive rather than memoizing only metadata members, so it takes the raw bytes
// directly instead of an already-opened Archive.
func Unpack(r io.Reader, format artifact.SDistFormat, destDir string) error {
	switch format {
	case artifact.SDistFormatTarGZ:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("sdist: %w", err)
		}
		defer gz.Close()
		return unpackTar(gz, destDir)
	case artifact.SDistFormatTarBZ2:
		return unpackTar(bzip2.NewReader(r), destDir)
	case artifact.SDistFormatZip:
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("sdist: %w", err)
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return fmt.Errorf("sdist: %w", err)
		}
		return unpackZip(zr, destDir)
	case artifact.SDistFormatTarXZ:
		return fmt.Errorf("sdist: tar.xz: %w", ErrUnsupportedFormat)
	default:
		return fmt.Errorf("sdist: %q: %w", format, ErrUnsupportedFormat)
	}
}

// stripTopLevel drops an archive member's leading "<root>/" path component. A member with no
// directory component at all (malformed for this convention) is kept as-is.
func stripTopLevel(name string) string {
	name = strings.Trim(name, "/")
	if i := strings.Index(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func writeMember(destDir, name string, content io.Reader) error {
	rel := stripTopLevel(name)
	if rel == "" {
		return nil
	}
	target := filepath.Join(destDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("sdist: %w", err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sdist: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("sdist: %w", err)
	}
	return nil
}

func unpackTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("sdist: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := writeMember(destDir, hdr.Name, tr); err != nil {
			return err
		}
	}
}

func unpackZip(zr *zip.Reader, destDir string) error {
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("sdist: %w", err)
		}
		err = writeMember(destDir, f.Name, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func readTar(r io.Reader, format artifact.SDistFormat) (*Archive, error) {
	tr := tar.NewReader(r)
	a := &Archive{format: format, members: make(map[string][]byte)}
	for {
		hdr, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return a, nil
		case err != nil:
			return nil, fmt.Errorf("sdist: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		a.names = append(a.names, hdr.Name)
		if isMetadataMember(hdr.Name) {
			buf, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("sdist: %w", err)
			}
			a.members[hdr.Name] = buf
		}
	}
}

func readZip(zr *zip.Reader, format artifact.SDistFormat) (*Archive, error) {
	a := &Archive{format: format, members: make(map[string][]byte)}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.names = append(a.names, f.Name)
		if !isMetadataMember(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("sdist: %w", err)
		}
		buf, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("sdist: %w", err)
		}
		a.members[f.Name] = buf
	}
	return a, nil
}

// Names returns every regular-file member path recorded during Open.
func (a *Archive) Names() []string {
	return a.names
}

// PKGInfo returns the bytes of the archive's top-level "PKG-INFO", if any.
func (a *Archive) PKGInfo() ([]byte, error) {
	return a.findTopLevel("PKG-INFO")
}

// PyProjectTOML returns the bytes of the archive's top-level "pyproject.toml", if any.
func (a *Archive) PyProjectTOML() ([]byte, error) {
	return a.findTopLevel("pyproject.toml")
}

// findTopLevel locates "<root>/<base>" where <root> is the sdist's single top-level directory
// (the PyPA convention); a member at any other depth is ignored, and more than one match at depth
// 1 is an error, mirroring the ambiguity rejection pkg/pypa/wheel applies to ".dist-info" dirs.
func (a *Archive) findTopLevel(base string) ([]byte, error) {
	var foundName string
	var found []byte
	for name, content := range a.members {
		if path.Base(name) != base {
			continue
		}
		if strings.Count(strings.Trim(name, "/"), "/") != 1 {
			continue
		}
		if foundName != "" {
			return nil, fmt.Errorf("sdist: multiple %s members: %s, %s", base, foundName, name)
		}
		foundName, found = name, content
	}
	if foundName == "" {
		return nil, fmt.Errorf("sdist: %s: %w", base, ErrMemberNotFound)
	}
	return found, nil
}

// HasTrustworthyPKGInfo reports whether blob is a PKG-INFO whose Metadata-Version satisfies PEP
// 643 (>= 2.2), the threshold at which a sdist's static PKG-INFO can be trusted as complete
// (dynamic fields are declared as such, rather than silently stale) and used to short-circuit a
// build.
func HasTrustworthyPKGInfo(blob []byte) bool {
	const marker = "Metadata-Version:"
	for _, line := range strings.Split(string(blob), "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, marker) {
			continue
		}
		version := strings.TrimSpace(strings.TrimPrefix(line, marker))
		major, minor, ok := parseMajorMinor(version)
		return ok && (major > 2 || (major == 2 && minor >= 2))
	}
	return false
}

func parseMajorMinor(s string) (major, minor int, ok bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	return major, minor, err1 == nil && err2 == nil
}
