// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package localwheelcache implements spec.md's LocalWheelCache: a content-addressed store of
// wheels that pkg/wheelbuilder has already built, keyed by a digest over their source (so a
// rebuild of the same source can be skipped entirely).
package localwheelcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/pkgdepot/pypicore/pkg/filestore"
)

// SourceKind tags which shape of source a WheelKey's digest was computed over.
type SourceKind string

const (
	// SourceKindTarball keys a wheel by the sha256 of a source archive's raw bytes.
	SourceKindTarball SourceKind = "tarball"
	// SourceKindTree keys a wheel by a deterministic digest over a source tree's manifest.
	SourceKindTree SourceKind = "tree"
)

// WheelKey identifies a built wheel by a digest over its source, tagged with the source's kind:
// a content hash for a tarball, or a deterministic tree-manifest hash for a working directory /
// VCS checkout (hashing a VCS checkout by its origin URL is explicitly wrong — two fetches of
// the same mutable ref can yield different trees — see SPEC_FULL.md's Open Questions).
type WheelKey struct {
	Kind   SourceKind
	Digest string
}

func (k WheelKey) String() string {
	return string(k.Kind) + ":" + k.Digest
}

func (k WheelKey) storeKey(suffix string) string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:]) + suffix
}

// HashBytes computes the digest to use in a WheelKey{Kind: SourceKindTarball, ...} for a source
// archive's raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashTreeManifest computes the digest to use in a WheelKey{Kind: SourceKindTree, ...} from a
// manifest of a source tree's files (relative path -> sha256 of that file's content). The
// manifest is hashed over its entries sorted by path, so the result is independent of directory
// walk order.
func HashTreeManifest(entries map[string]string) string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\n", p, entries[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ErrNotFound is returned by WheelForKey when no wheel is cached under the given key.
var ErrNotFound = filestore.ErrNotFound

// Cache is spec.md's LocalWheelCache, backed by a FileStore.
type Cache struct {
	Store *filestore.Store
}

type wheelMeta struct {
	Filename string `json:"filename"`
}

// Has reports whether a wheel is cached under k.
func (c *Cache) Has(k WheelKey) bool {
	return c.Store.Has(k.storeKey("-wheel")) && c.Store.Has(k.storeKey("-meta"))
}

// WheelForKey returns the cached wheel's filename and its bytes, or ErrNotFound if nothing is
// cached under k.
func (c *Cache) WheelForKey(k WheelKey) (filename string, content io.ReadCloser, err error) {
	metaRC, err := c.Store.Get(k.storeKey("-meta"))
	if err != nil {
		return "", nil, err
	}
	defer metaRC.Close()

	var m wheelMeta
	if err := json.NewDecoder(metaRC).Decode(&m); err != nil {
		return "", nil, fmt.Errorf("localwheelcache: %w", err)
	}

	wheelRC, err := c.Store.Get(k.storeKey("-wheel"))
	if err != nil {
		return "", nil, err
	}
	return m.Filename, wheelRC, nil
}

// AssociateWheel records a built wheel's bytes under k, alongside its filename. Multiple keys
// may resolve to wheels with different filenames; WheelForKey only ever matches a key exactly.
func (c *Cache) AssociateWheel(k WheelKey, filename string, content io.Reader) error {
	if err := c.Store.Put(k.storeKey("-wheel"), content); err != nil {
		return fmt.Errorf("localwheelcache: %w", err)
	}

	metaBytes, err := json.Marshal(wheelMeta{Filename: filename})
	if err != nil {
		return fmt.Errorf("localwheelcache: %w", err)
	}
	if err := c.Store.Put(k.storeKey("-meta"), bytes.NewReader(metaBytes)); err != nil {
		return fmt.Errorf("localwheelcache: %w", err)
	}
	return nil
}
