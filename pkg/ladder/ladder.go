// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package ladder implements spec.md's MetadataLadder: given a group of ArtifactInfo for one
// logical (name, version), find its core metadata through the cheapest path available --
// metadata cache, then previously-downloaded artifacts, then cheap network reads of a wheel, and
// finally, as a last resort, a full source build -- without ever trying two rungs out of order.
//
// Grounded directly on original_source's PackageDb::get_metadata /
// metadata_for_cached_artifacts / get_metadata_wheels / get_metadata_sdists (see
// crates/rattler_installs_packages/src/index/package_database.rs), translated from sequential
// async fallthrough to the same sequential synchronous fallthrough: spec.md §5 is explicit that,
// unlike available_artifacts's index fan-out, ladder rungs are tried strictly in order within one
// call, so there is no concurrency to add back in.
package ladder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/datawire/dlib/dlog"
	pkgerrors "github.com/pkg/errors"

	"github.com/pkgdepot/pypicore/pkg/httpcache"
	"github.com/pkgdepot/pypicore/pkg/localwheelcache"
	"github.com/pkgdepot/pypicore/pkg/metadatacache"
	"github.com/pkgdepot/pypicore/pkg/pep658"
	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
	"github.com/pkgdepot/pypicore/pkg/pypa/sdist"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheel"
	"github.com/pkgdepot/pypicore/pkg/wheelbuilder"
)

// Result is what MetadataLadder.Resolve returns on success: the artifact the metadata was sourced
// from (or confirmed against) and its parsed core metadata.
type Result struct {
	Artifact *artifact.Info
	Metadata artifact.CoreMetadata
}

// Builder is the subset of wheelbuilder.Builder that rung 4 needs. Kept as an interface so tests
// can fake it without spinning up a real isolated environment.
type Builder interface {
	GetSDistMetadata(ctx context.Context, src wheelbuilder.Source) (*artifact.CoreMetadata, error)
}

// Ladder is spec.md's MetadataLadder.
type Ladder struct {
	MetadataCache *metadatacache.Cache
	HTTP          *httpcache.Client
	// Builder, if set, enables rung 4 (building sdists). A nil Builder means "no WheelBuilder
	// was supplied", per spec.md §4.5 -- rungs 1-3 still run, but the ladder returns (nil, nil)
	// if none of them succeed.
	Builder Builder
}

// Resolve runs spec.md §4.5's four rungs in order against artifacts, which must all belong to the
// same (name, version) group. It returns (nil, nil) -- spec.md's `None` -- if no rung produced
// metadata and no WheelBuilder was supplied; it returns an error only when a rung's propagation
// policy (see spec.md §7) says the failure is fatal rather than "try the next artifact or rung".
func (l *Ladder) Resolve(ctx context.Context, expectName string, artifacts []*artifact.Info) (*Result, error) {
	if r := l.rung1(artifacts, expectName); r != nil {
		return r, nil
	}

	r, err := l.rung2(ctx, artifacts, expectName)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}

	r, err = l.rung3(ctx, artifacts, expectName)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}

	if l.Builder == nil {
		return nil, nil
	}
	return l.rung4(ctx, artifacts, expectName)
}

// rung1 is spec.md's metadata cache lookup, keyed by each artifact's own sha256 (not a hash of the
// metadata blob -- that's the key metadataFromCache stores under in original_source too).
func (l *Ladder) rung1(artifacts []*artifact.Info, expectName string) *Result {
	if l.MetadataCache == nil {
		return nil
	}
	for _, info := range artifacts {
		sum, ok := info.Hashes.SHA256()
		if !ok {
			continue
		}
		blob, err := l.MetadataCache.Get(sum)
		if err != nil {
			continue
		}
		md, err := artifact.ParseCoreMetadata(blob, expectName)
		if err != nil {
			continue
		}
		return &Result{Artifact: info, Metadata: md}
	}
	return nil
}

// rung2 is spec.md's "previously-downloaded artifacts" check: an OnlyIfCached HttpCache read per
// artifact, in order. A wheel hit returns immediately; an sdist hit with a trustworthy PKG-INFO
// only populates the cache and keeps scanning, exactly per spec.md's note that this rung never
// early-returns on sdists alone.
func (l *Ladder) rung2(ctx context.Context, artifacts []*artifact.Info, expectName string) (*Result, error) {
	client := l.httpClient()
	for _, info := range artifacts {
		resp, err := client.Do(ctx, info.URL, httpcache.OnlyIfCached)
		if err != nil {
			if errors.Is(err, httpcache.ErrNotCached) {
				continue
			}
			return nil, fmt.Errorf("ladder: %w", err)
		}
		blob := resp.Bytes()

		if info.Name.Kind == artifact.KindWheel {
			md, metaBlob, err := metadataFromWheelBlob(blob, expectName)
			if err != nil {
				dlog.Warnf(ctx, "ladder: cached wheel %s has unreadable metadata, skipping: %v", info.URL, err)
				continue
			}
			l.populateCache(info, metaBlob)
			return &Result{Artifact: info, Metadata: md}, nil
		}

		// sdist: only a short-circuit if the cached tarball already carries trustworthy
		// (PEP 643) PKG-INFO; otherwise its real metadata needs a build, which this rung never
		// performs.
		archive, err := sdist.Open(bytes.NewReader(blob), info.Name.Format)
		if err != nil {
			continue
		}
		pkgInfo, err := archive.PKGInfo()
		if err != nil || !sdist.HasTrustworthyPKGInfo(pkgInfo) {
			continue
		}
		l.populateCache(info, pkgInfo)
	}
	return nil, nil
}

// rung3 tries exactly the first wheel in artifacts (sorted order is the caller's responsibility,
// per spec.md's PackageIndex.available_artifacts), via its sidecar, then a sparse range-read, then
// a full download -- the order spec.md §4.5 names as progressively more expensive.
func (l *Ladder) rung3(ctx context.Context, artifacts []*artifact.Info, expectName string) (*Result, error) {
	var first *artifact.Info
	for _, info := range artifacts {
		if info.Name.Kind == artifact.KindWheel {
			first = info
			break
		}
	}
	if first == nil {
		return nil, nil
	}
	client := l.httpClient()

	if first.HasSidecarMetadata {
		expectHash := ""
		if sum, ok := first.SidecarHashes.SHA256(); ok {
			expectHash = "sha256=" + sum
		}
		blob, err := pep658.Fetch(ctx, client, first.URL, expectHash)
		if err == nil {
			md, perr := artifact.ParseCoreMetadata(blob, expectName)
			if perr == nil {
				l.populateCache(first, blob)
				return &Result{Artifact: first, Metadata: md}, nil
			}
		} else {
			dlog.Debugf(ctx, "ladder: sidecar metadata unavailable for %s, falling back: %v", first.URL, err)
		}
	}

	if blob, err := wheel.ReadMetadataSparse(ctx, client, first.URL); err == nil {
		md, perr := artifact.ParseCoreMetadata(blob, expectName)
		if perr == nil {
			l.populateCache(first, blob)
			return &Result{Artifact: first, Metadata: md}, nil
		}
	} else {
		dlog.Warnf(ctx, "ladder: sparse metadata read failed for %s, falling back to full download: %v", first.URL, err)
	}

	resp, err := client.Do(ctx, first.URL, httpcache.Default)
	if err != nil {
		return nil, fmt.Errorf("ladder: %w", err)
	}
	md, metaBlob, err := metadataFromWheelBlob(resp.Bytes(), expectName)
	if err != nil {
		return nil, fmt.Errorf("ladder: %w", err)
	}
	l.populateCache(first, metaBlob)
	return &Result{Artifact: first, Metadata: md}, nil
}

// rung4 is the last resort: build each source artifact in turn. Per spec.md §4.5/§7, a BuildError
// from one source does not abort the rung -- it's recorded and the next source artifact is tried
// -- and only once every source artifact has failed is a combined error surfaced.
func (l *Ladder) rung4(ctx context.Context, artifacts []*artifact.Info, expectName string) (*Result, error) {
	client := l.httpClient()
	var failures []error

	for _, info := range artifacts {
		if info.Name.Kind == artifact.KindWheel {
			continue
		}

		resp, err := client.Do(ctx, info.URL, httpcache.Default)
		if err != nil {
			failures = append(failures, pkgerrors.Wrapf(err, "%s: fetching source", info.URL))
			continue
		}
		blob := resp.Bytes()

		src, cleanup, err := l.prepareSource(blob, info, expectName)
		if err != nil {
			failures = append(failures, pkgerrors.Wrap(err, info.URL))
			continue
		}
		md, err := l.Builder.GetSDistMetadata(ctx, src)
		cleanup()
		if err != nil {
			failures = append(failures, pkgerrors.Wrap(err, info.URL))
			continue
		}

		l.populateCache(info, md.Raw)
		return &Result{Artifact: info, Metadata: *md}, nil
	}

	if len(failures) > 0 {
		msgs := make([]string, len(failures))
		for i, f := range failures {
			msgs[i] = f.Error()
		}
		return nil, fmt.Errorf("ladder: every source distribution failed:\n%s", strings.Join(msgs, "\n"))
	}
	return nil, nil
}

// prepareSource unpacks a downloaded sdist's bytes to a temporary working directory and builds
// the wheelbuilder.Source describing it, keyed by the sdist's own content hash.
func (l *Ladder) prepareSource(blob []byte, info *artifact.Info, expectName string) (src wheelbuilder.Source, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "pypicore-sdist.")
	if err != nil {
		return wheelbuilder.Source{}, nil, fmt.Errorf("ladder: %w", err)
	}
	cleanup = func() { os.RemoveAll(dir) }

	if err := sdist.Unpack(bytes.NewReader(blob), info.Name.Format, dir); err != nil {
		cleanup()
		return wheelbuilder.Source{}, nil, fmt.Errorf("ladder: unpacking %s: %w", info.URL, err)
	}

	pyproject, _ := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	src = wheelbuilder.Source{
		Key:           localwheelcache.WheelKey{Kind: localwheelcache.SourceKindTarball, Digest: localwheelcache.HashBytes(blob)},
		ExpectedName:  expectName,
		WorkDir:       dir,
		PyProjectTOML: pyproject,
	}
	return src, cleanup, nil
}

func (l *Ladder) httpClient() *httpcache.Client {
	if l.HTTP != nil {
		return l.HTTP
	}
	return &httpcache.Client{}
}

// populateCache is a no-op when MetadataCache is unset, blob is empty, or info has no sha256 of
// its own to key under -- mirroring put_metadata_in_cache's "only if we have a blob and a hash"
// guard.
func (l *Ladder) populateCache(info *artifact.Info, blob []byte) {
	if l.MetadataCache == nil || len(blob) == 0 {
		return
	}
	sum, ok := info.Hashes.SHA256()
	if !ok {
		return
	}
	_ = l.MetadataCache.PutAt(sum, blob)
}

func metadataFromWheelBlob(blob []byte, expectName string) (artifact.CoreMetadata, []byte, error) {
	wh, err := wheel.Open(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return artifact.CoreMetadata{}, nil, err
	}
	metaBlob, err := wh.Metadata()
	if err != nil {
		return artifact.CoreMetadata{}, nil, err
	}
	md, err := artifact.ParseCoreMetadata(metaBlob, expectName)
	if err != nil {
		return artifact.CoreMetadata{}, nil, err
	}
	return md, metaBlob, nil
}
