// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package frozenmap_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/frozenmap"
)

func TestGetOrInsertStableReference(t *testing.T) {
	t.Parallel()
	var fm frozenmap.Map[string, int]

	v1, err := fm.GetOrInsert("a", func() (*int, error) {
		n := 1
		return &n, nil
	})
	require.NoError(t, err)

	v2, err := fm.GetOrInsert("a", func() (*int, error) {
		t.Fatal("compute should not be called again for an existing key")
		return nil, nil
	})
	require.NoError(t, err)

	assert.Same(t, v1, v2)
}

func TestGetOrInsertConcurrentRace(t *testing.T) {
	t.Parallel()
	var fm frozenmap.Map[string, int]

	var wg sync.WaitGroup
	results := make([]*int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := fm.GetOrInsert("shared", func() (*int, error) {
				n := 42
				return &n, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		assert.Equal(t, *first, *r)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	var fm frozenmap.Map[string, int]
	_, ok := fm.Get("nope")
	assert.False(t, ok)
}
