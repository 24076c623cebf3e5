// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgindex_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/filestore"
	"github.com/pkgdepot/pypicore/pkg/metadatacache"
	"github.com/pkgdepot/pypicore/pkg/pkgindex"
	"github.com/pkgdepot/pypicore/pkg/testutil"
)

const rootIndexHTML = `<!DOCTYPE html>
<html><body>
<a href="/simple/example/">example</a>
</body></html>`

const packageIndexHTML = `<!DOCTYPE html>
<html><body>
<a href="example-1.0-py3-none-any.whl#sha256=` + wheelSHA256Placeholder + `" data-requires-python="&gt;=3.7">example-1.0-py3-none-any.whl</a>
<a href="example-1.0.tar.gz#sha256=deadbeef">example-1.0.tar.gz</a>
<a href="example-0.9-py3-none-any.whl" data-yanked="superseded">example-0.9-py3-none-any.whl</a>
</body></html>`

// wheelSHA256Placeholder keeps the fixture HTML readable; the actual value doesn't need to
// verify against real wheel bytes since this test never fetches the wheel's content.
const wheelSHA256Placeholder = "abc123"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/simple/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(rootIndexHTML))
	})
	mux.HandleFunc("/simple/example/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(packageIndexHTML))
	})
	mux.HandleFunc("/simple/missing/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAvailableArtifactsMergesAndOrders(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	ix := pkgindex.New(pkgindex.Options{IndexURLs: []string{srv.URL + "/simple/"}})
	va, err := ix.AvailableArtifacts(context.Background(), "example")
	require.NoError(t, err)
	require.Len(t, va.Entries, 2)

	// Versions sort descending.
	assert.Equal(t, "1.0", va.Entries[0].Version.String())
	assert.Equal(t, "0.9", va.Entries[1].Version.String())

	// Within 1.0: wheel before sdist.
	require.Len(t, va.Entries[0].Artifacts, 2)
	filename0, err := va.Entries[0].Artifacts[0].Name.Filename()
	require.NoError(t, err)
	assert.Equal(t, "example-1.0-py3-none-any.whl", filename0)

	assert.Equal(t, ">=3.7", va.Entries[0].Artifacts[0].RequiresPython)

	sum, ok := va.Entries[0].Artifacts[1].Hashes.SHA256()
	assert.True(t, ok)
	assert.Equal(t, "deadbeef", sum)

	assert.True(t, va.Entries[1].Artifacts[0].Yanked.Yanked)
	assert.Equal(t, "superseded", va.Entries[1].Artifacts[0].Yanked.Reason)
}

func TestAvailableArtifactsMemoizesReference(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	ix := pkgindex.New(pkgindex.Options{IndexURLs: []string{srv.URL + "/simple/"}})

	first, err := ix.AvailableArtifacts(context.Background(), "example")
	require.NoError(t, err)
	second, err := ix.AvailableArtifacts(context.Background(), "EXAMPLE")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAvailableArtifactsPackageNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	ix := pkgindex.New(pkgindex.Options{IndexURLs: []string{srv.URL + "/simple/"}})

	va, err := ix.AvailableArtifacts(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, va.Entries)
}

func TestGetPackageNames(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	ix := pkgindex.New(pkgindex.Options{IndexURLs: []string{srv.URL + "/simple/"}})

	names, err := ix.GetPackageNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example"}, names)
	testutil.AssertEqualDump(t, []string{"example"}, names)
}

func TestGetPackageNamesNoIndexes(t *testing.T) {
	t.Parallel()
	ix := pkgindex.New(pkgindex.Options{})
	names, err := ix.GetPackageNames(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func buildTarGZ(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestGetArtifactByDirectURLFileSDist(t *testing.T) {
	t.Parallel()
	data := buildTarGZ(t, map[string]string{
		"example-2.0/PKG-INFO": "Metadata-Version: 2.2\nName: example\nVersion: 2.0\n",
	})
	path := filepath.Join(t.TempDir(), "example-2.0.tar.gz")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cache := &metadatacache.Cache{Store: &filestore.Store{Dir: t.TempDir()}}
	ix := pkgindex.New(pkgindex.Options{MetadataCache: cache})

	va, err := ix.GetArtifactByDirectURL(context.Background(), "example", "file://"+path)
	require.NoError(t, err)
	require.Len(t, va.Entries, 1)
	require.Len(t, va.Entries[0].Artifacts, 1)

	info := va.Entries[0].Artifacts[0]
	assert.Equal(t, "2.0", info.Name.Version.String())
	_, ok := info.Hashes.SHA256()
	assert.True(t, ok)
}

func TestGetArtifactByDirectURLUnsupportedScheme(t *testing.T) {
	t.Parallel()
	ix := pkgindex.New(pkgindex.Options{})
	_, err := ix.GetArtifactByDirectURL(context.Background(), "example", "http://example.com/example-1.0.tar.gz")
	assert.ErrorIs(t, err, pkgindex.ErrUnsupportedScheme)
}
