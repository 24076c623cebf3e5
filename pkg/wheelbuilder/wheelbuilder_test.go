// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package wheelbuilder_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/filestore"
	"github.com/pkgdepot/pypicore/pkg/localwheelcache"
	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
	"github.com/pkgdepot/pypicore/pkg/resolve"
	"github.com/pkgdepot/pypicore/pkg/wheelbuilder"
)

func TestParseBuildSystemDefaults(t *testing.T) {
	t.Parallel()
	bs, err := wheelbuilder.ParseBuildSystem(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"setuptools", "wheel"}, bs.Requires)
	assert.Equal(t, "setuptools.build_meta", bs.BuildBackend)
}

func TestParseBuildSystemExplicit(t *testing.T) {
	t.Parallel()
	doc := []byte(`
[build-system]
requires = ["flit_core>=3.2"]
build-backend = "flit_core.buildapi"
`)
	bs, err := wheelbuilder.ParseBuildSystem(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"flit_core>=3.2"}, bs.Requires)
	assert.Equal(t, "flit_core.buildapi", bs.BuildBackend)
	assert.Empty(t, bs.BackendPath)
}

// fakeResolver resolves nothing: whatever build-system requires it is handed (the fixture's empty
// list becomes ParseBuildSystem's setuptools/wheel default), it returns no wheels, so there is
// nothing to install in to the build environment.
type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, _ []resolve.Requirement, _ resolve.Options) ([]resolve.ResolvedWheel, error) {
	return nil, nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchWheel(_ context.Context, _ *artifact.Info) (string, error) {
	panic("FetchWheel should not be called when Resolve returns no wheels")
}

const fakeBackendPy = `
import os

def prepare_metadata_for_build_wheel(metadata_directory, config_settings=None):
    dist_info = os.path.join(metadata_directory, "example-1.0.dist-info")
    os.makedirs(dist_info, exist_ok=True)
    with open(os.path.join(dist_info, "METADATA"), "w") as f:
        f.write("Metadata-Version: 2.1\nName: example\nVersion: 1.0\n")
    return "example-1.0.dist-info"

def build_wheel(wheel_directory, config_settings=None, metadata_directory=None):
    name = "example-1.0-py3-none-any.whl"
    with open(os.path.join(wheel_directory, name), "wb") as f:
        f.write(b"PK\x05\x06" + b"\x00" * 18)  # minimal empty zip end-of-central-directory
    return name
`

func requirePython3(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return path
}

func newFixtureSource(t *testing.T, key localwheelcache.WheelKey) wheelbuilder.Source {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fakebackend.py"), []byte(fakeBackendPy), 0o644))

	pyproject := []byte(`
[build-system]
requires = []
build-backend = "fakebackend"
backend-path = ["."]
`)
	return wheelbuilder.Source{
		Key:           key,
		ExpectedName:  "example",
		WorkDir:       dir,
		PyProjectTOML: pyproject,
	}
}

func TestGetSDistMetadataInvokesHook(t *testing.T) {
	t.Parallel()
	python3 := requirePython3(t)

	b := &wheelbuilder.Builder{
		BasePython: python3,
		Resolver:   fakeResolver{},
		Fetcher:    fakeFetcher{},
		Cache:      &localwheelcache.Cache{Store: &filestore.Store{Dir: t.TempDir()}},
	}
	src := newFixtureSource(t, localwheelcache.WheelKey{Kind: localwheelcache.SourceKindTarball, Digest: "deadbeef"})

	md, err := b.GetSDistMetadata(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "example", md.Name)
}

func TestBuildWheelCachesResult(t *testing.T) {
	t.Parallel()
	python3 := requirePython3(t)

	cache := &localwheelcache.Cache{Store: &filestore.Store{Dir: t.TempDir()}}
	b := &wheelbuilder.Builder{
		BasePython: python3,
		Resolver:   fakeResolver{},
		Fetcher:    fakeFetcher{},
		Cache:      cache,
	}
	key := localwheelcache.WheelKey{Kind: localwheelcache.SourceKindTarball, Digest: "cafef00d"}
	src := newFixtureSource(t, key)

	handle, err := b.BuildWheel(context.Background(), src)
	require.NoError(t, err)
	defer handle.Close()
	assert.Equal(t, "example-1.0-py3-none-any.whl", handle.Filename)

	assert.True(t, cache.Has(key))

	// A second build of the same source: BuildWheel looks the key up in the cache (which
	// Cache.Has above shows is populated) before preparing an environment. This only checks that
	// the same wheel filename comes back; it does not observe whether the backend ran again.
	handle2, err := b.BuildWheel(context.Background(), src)
	require.NoError(t, err)
	defer handle2.Close()
	assert.Equal(t, "example-1.0-py3-none-any.whl", handle2.Filename)
}
