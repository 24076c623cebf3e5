// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package artifact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/pep425"
	"github.com/pkgdepot/pypicore/pkg/pep440"
	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
)

func mustVersion(t *testing.T, s string) pep440.Version {
	t.Helper()
	v, err := pep440.ParseVersion(s)
	require.NoError(t, err)
	return *v
}

func wheelName(t *testing.T, dist, version string) artifact.Name {
	t.Helper()
	return artifact.Name{
		Kind:             artifact.KindWheel,
		Distribution:     dist,
		Version:          mustVersion(t, version),
		CompatibilityTag: pep425.Tag{Python: "py3", ABI: "none", Platform: "any"},
	}
}

func TestNameFilenameRoundTripWheel(t *testing.T) {
	t.Parallel()
	name := wheelName(t, "Example", "1.0")
	filename, err := name.Filename()
	require.NoError(t, err)
	assert.Equal(t, "Example-1.0-py3-none-any.whl", filename)
}

func TestNameFilenameSDist(t *testing.T) {
	t.Parallel()
	name := artifact.Name{
		Kind:         artifact.KindSDist,
		Distribution: "example",
		Version:      mustVersion(t, "1.0"),
		Format:       artifact.SDistFormatTarGZ,
	}
	filename, err := name.Filename()
	require.NoError(t, err)
	assert.Equal(t, "example-1.0.tar.gz", filename)
}

func TestNameFilenameSTreeErrors(t *testing.T) {
	t.Parallel()
	name := artifact.Name{Kind: artifact.KindSTree, URL: "git+https://example.com/foo"}
	_, err := name.Filename()
	assert.Error(t, err)
}

func TestNewVersionArtifactsOrdering(t *testing.T) {
	t.Parallel()

	older := &artifact.Info{Name: wheelName(t, "example", "1.0")}
	newer := &artifact.Info{Name: wheelName(t, "example", "2.0")}
	sdistNewer := &artifact.Info{Name: artifact.Name{
		Kind: artifact.KindSDist, Distribution: "example",
		Version: mustVersion(t, "2.0"), Format: artifact.SDistFormatTarGZ,
	}}

	va := artifact.NewVersionArtifacts([]*artifact.Info{older, newer, sdistNewer})

	require.Len(t, va.Entries, 2)
	assert.Equal(t, "2.0", va.Entries[0].Version.Version.String())
	assert.Equal(t, "1.0", va.Entries[1].Version.Version.String())

	// Within the 2.0 entry, the wheel sorts before the sdist.
	require.Len(t, va.Entries[0].Artifacts, 2)
	assert.Equal(t, artifact.KindWheel, va.Entries[0].Artifacts[0].Name.Kind)
	assert.Equal(t, artifact.KindSDist, va.Entries[0].Artifacts[1].Name.Kind)
}

func TestPypiVersionURLPin(t *testing.T) {
	t.Parallel()
	v := artifact.PypiVersion{URL: "file:///tmp/foo-1.0.tar.gz"}
	assert.True(t, v.IsURL())
	assert.Equal(t, "file:///tmp/foo-1.0.tar.gz", v.String())
}

func TestParseCoreMetadata(t *testing.T) {
	t.Parallel()
	blob := "Metadata-Version: 2.1\nName: Example\nVersion: 1.0\nRequires-Dist: six\nRequires-Dist: requests>=2\n"
	md, err := artifact.ParseCoreMetadata([]byte(blob), "example")
	require.NoError(t, err)
	assert.Equal(t, "Example", md.Name)
	assert.Equal(t, "1.0", md.Version.String())
	assert.Equal(t, []string{"six", "requests>=2"}, md.RequiresDist)
}

func TestParseCoreMetadataNameMismatch(t *testing.T) {
	t.Parallel()
	blob := "Metadata-Version: 2.1\nName: other\nVersion: 1.0\n"
	_, err := artifact.ParseCoreMetadata([]byte(blob), "example")
	assert.Error(t, err)
}

func TestHashSetSHA256(t *testing.T) {
	t.Parallel()
	h := artifact.HashSet{"sha256": "deadbeef"}
	got, ok := h.SHA256()
	assert.True(t, ok)
	assert.Equal(t, "deadbeef", got)

	_, ok = artifact.HashSet{}.SHA256()
	assert.False(t, ok)
}
