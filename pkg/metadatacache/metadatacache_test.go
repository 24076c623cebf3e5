// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package metadatacache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/filestore"
	"github.com/pkgdepot/pypicore/pkg/metadatacache"
)

func TestPutGetIdempotent(t *testing.T) {
	t.Parallel()
	cache := &metadatacache.Cache{Store: &filestore.Store{Dir: t.TempDir()}}

	hash1, err := cache.Put([]byte("Metadata-Version: 2.1\nName: example\n"))
	require.NoError(t, err)

	hash2, err := cache.Put([]byte("Metadata-Version: 2.1\nName: example\n"))
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
	assert.True(t, cache.Has(hash1))

	blob, err := cache.Get(hash1)
	require.NoError(t, err)
	assert.Equal(t, "Metadata-Version: 2.1\nName: example\n", string(blob))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	cache := &metadatacache.Cache{Store: &filestore.Store{Dir: t.TempDir()}}
	_, err := cache.Get("deadbeef")
	assert.ErrorIs(t, err, filestore.ErrNotFound)
}
