// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package sdist_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
	"github.com/pkgdepot/pypicore/pkg/pypa/sdist"
)

func buildTarGZ(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestOpenTarGZFindsPKGInfo(t *testing.T) {
	t.Parallel()
	data := buildTarGZ(t, map[string]string{
		"example-1.0/PKG-INFO":          "Metadata-Version: 2.2\nName: example\nVersion: 1.0\n",
		"example-1.0/pyproject.toml":    "[build-system]\nrequires = [\"setuptools\"]\n",
		"example-1.0/example/__init__.py": "",
	})

	a, err := sdist.Open(bytes.NewReader(data), artifact.SDistFormatTarGZ)
	require.NoError(t, err)

	pkgInfo, err := a.PKGInfo()
	require.NoError(t, err)
	assert.Contains(t, string(pkgInfo), "Name: example")
	assert.True(t, sdist.HasTrustworthyPKGInfo(pkgInfo))

	pyproject, err := a.PyProjectTOML()
	require.NoError(t, err)
	assert.Contains(t, string(pyproject), "setuptools")

	assert.Contains(t, a.Names(), "example-1.0/example/__init__.py")
}

func TestOpenZipFindsPKGInfo(t *testing.T) {
	t.Parallel()
	data := buildZip(t, map[string]string{
		"example-1.0/PKG-INFO": "Metadata-Version: 1.0\nName: example\nVersion: 1.0\n",
	})

	a, err := sdist.Open(bytes.NewReader(data), artifact.SDistFormatZip)
	require.NoError(t, err)

	pkgInfo, err := a.PKGInfo()
	require.NoError(t, err)
	assert.False(t, sdist.HasTrustworthyPKGInfo(pkgInfo), "Metadata-Version 1.0 predates PEP 643")
}

func TestOpenMissingMember(t *testing.T) {
	t.Parallel()
	data := buildTarGZ(t, map[string]string{"example-1.0/setup.py": "# no PKG-INFO here"})
	a, err := sdist.Open(bytes.NewReader(data), artifact.SDistFormatTarGZ)
	require.NoError(t, err)
	_, err = a.PKGInfo()
	assert.ErrorIs(t, err, sdist.ErrMemberNotFound)
}

func TestOpenTarXZUnsupported(t *testing.T) {
	t.Parallel()
	_, err := sdist.Open(bytes.NewReader(nil), artifact.SDistFormatTarXZ)
	assert.ErrorIs(t, err, sdist.ErrUnsupportedFormat)
}
