// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package metadatacache stores core-metadata blobs keyed by the sha256 of the blob itself, backed
// by a filestore.Store.
package metadatacache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkgdepot/pypicore/pkg/filestore"
)

// Cache is a MetadataCache: a FileStore namespaced for core-metadata blobs.
type Cache struct {
	Store *filestore.Store
}

// Get returns the metadata blob for the given sha256 hex digest, or filestore.ErrNotFound.
func (c *Cache) Get(hash string) ([]byte, error) {
	rc, err := c.Store.Get(hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Has reports whether a blob is already cached under hash.
func (c *Cache) Has(hash string) bool {
	return c.Store.Has(hash)
}

// Hash returns the lowercase hex sha256 digest of blob, the key Put stores it under.
func Hash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Put stores blob, keyed by its own sha256 digest.
func (c *Cache) Put(blob []byte) (string, error) {
	hash := Hash(blob)
	if err := c.Store.Put(hash, onceReader(blob)); err != nil {
		return "", err
	}
	return hash, nil
}

// PutAt stores blob under an explicitly-given key rather than a hash of blob itself. pkg/ladder
// uses this: a core-metadata blob is keyed by the *artifact's* own content hash (so a later lookup
// for that artifact finds it), which in general differs from the hash of the metadata blob it
// describes. Writing the same key twice is a no-op on the second call.
func (c *Cache) PutAt(key string, blob []byte) error {
	return c.Store.Put(key, onceReader(blob))
}

func onceReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct {
	b   []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
