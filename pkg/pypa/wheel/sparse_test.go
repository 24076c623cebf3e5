// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package wheel_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/httpcache"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheel"
)

func buildTestWheel(t *testing.T, metadata string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	w, err := zw.CreateHeader(&zip.FileHeader{Name: "example-1.0.dist-info/METADATA", Method: zip.Deflate})
	require.NoError(t, err)
	_, err = w.Write([]byte(metadata))
	require.NoError(t, err)

	w, err = zw.CreateHeader(&zip.FileHeader{Name: "example/__init__.py", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write([]byte("# package\n"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content)
			return
		}
		before, after, ok := strings.Cut(strings.TrimPrefix(rng, "bytes="), "-")
		require.True(t, ok)
		start, err := strconv.ParseInt(before, 10, 64)
		require.NoError(t, err)
		end, err := strconv.ParseInt(after, 10, 64)
		require.NoError(t, err)
		if end >= int64(len(content)) {
			end = int64(len(content)) - 1
		}
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
}

func TestReadMetadataSparse(t *testing.T) {
	t.Parallel()
	const metadata = "Metadata-Version: 2.1\nName: example\nVersion: 1.0\n"
	content := buildTestWheel(t, metadata)
	srv := rangeServer(t, content)
	defer srv.Close()

	client := &httpcache.Client{}
	got, err := wheel.ReadMetadataSparse(context.Background(), client, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, metadata, string(got))
}

func TestReadMetadataSparseNoRangeSupport(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &httpcache.Client{}
	_, err := wheel.ReadMetadataSparse(context.Background(), client, srv.URL)
	assert.ErrorIs(t, err, wheel.ErrRangeReadsUnsupported)
}
