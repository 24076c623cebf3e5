// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pkgindex implements spec.md's PackageIndex: fanning out across configured simple-index
// URLs for a package name, merging and ordering the resulting artifact set, and memoizing it for
// the lifetime of the Index. It also handles direct-URL and VCS ingestion, see directurl.go.
package pkgindex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/pkgdepot/pypicore/pkg/frozenmap"
	"github.com/pkgdepot/pypicore/pkg/httpcache"
	"github.com/pkgdepot/pypicore/pkg/metadatacache"
	"github.com/pkgdepot/pypicore/pkg/pep440"
	"github.com/pkgdepot/pypicore/pkg/pep503"
	"github.com/pkgdepot/pypicore/pkg/pep592"
	"github.com/pkgdepot/pypicore/pkg/pep629"
	"github.com/pkgdepot/pypicore/pkg/pep658"
	"github.com/pkgdepot/pypicore/pkg/pypa/artifact"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheelname"
)

// maxInFlightIndexes bounds available_artifacts's fan-out across configured index URLs.
const maxInFlightIndexes = 10

// Options configures an Index.
type Options struct {
	// IndexURLs are the simple-index roots to query, in priority order; GetPackageNames only
	// ever consults IndexURLs[0].
	IndexURLs []string
	// HTTP is shared across every index's pep503.Client; a zero value is filled with defaults.
	HTTP *httpcache.Client
	// MetadataCache stores the core-metadata blob get_artifact_by_direct_url extracts, keyed by
	// its own sha256 (see pkg/metadatacache). Optional: a nil cache just skips storing.
	MetadataCache *metadatacache.Cache
	// Python, if set, filters simple-index entries by their declared Requires-Python.
	Python *pep440.Version
}

// Index is spec.md's PackageIndex.
type Index struct {
	opts Options
	sem  *semaphore.Weighted
	// cache memoizes available_artifacts per normalized package name. A frozenmap guarantees
	// every caller the same *VersionArtifacts reference once it's been computed, without ever
	// holding a lock across the network fan-out that computes it.
	cache frozenmap.Map[string, artifact.VersionArtifacts]
}

// New constructs an Index. opts.HTTP is defaulted if nil.
func New(opts Options) *Index {
	if opts.HTTP == nil {
		opts.HTTP = &httpcache.Client{}
	}
	return &Index{
		opts: opts,
		sem:  semaphore.NewWeighted(maxInFlightIndexes),
	}
}

func (ix *Index) clientFor(baseURL string) pep503.Client {
	return pep503.Client{
		BaseURL:  baseURL,
		HTTP:     ix.opts.HTTP,
		Python:   ix.opts.Python,
		HTMLHook: pep629.HTMLVersionCheck,
	}
}

// AvailableArtifacts fans out across every configured index for pkgName, merges the results in
// to a single VersionArtifacts, and memoizes it: every call for the same (normalized) package
// name returns the same reference for the lifetime of the Index. Per spec.md §9, two concurrent
// first-callers for the same never-yet-seen package may each perform the fetch; whichever finishes
// first wins the memoization slot, the other caller gets that stored value, and redundant work is
// accepted rather than serialized.
func (ix *Index) AvailableArtifacts(ctx context.Context, pkgName string) (*artifact.VersionArtifacts, error) {
	key := normalizeName(pkgName)
	return ix.cache.GetOrInsert(key, func() (*artifact.VersionArtifacts, error) {
		return ix.fetchAvailableArtifacts(ctx, pkgName)
	})
}

func (ix *Index) fetchAvailableArtifacts(ctx context.Context, pkgName string) (*artifact.VersionArtifacts, error) {
	if len(ix.opts.IndexURLs) == 0 {
		va := artifact.NewVersionArtifacts(nil)
		return &va, nil
	}

	var (
		mu    sync.Mutex
		infos []*artifact.Info
		errs  derror.MultiError
		wg    sync.WaitGroup
	)

	for _, baseURL := range ix.opts.IndexURLs {
		baseURL := baseURL
		if err := ix.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("pkgindex: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ix.sem.Release(1)

			client := ix.clientFor(baseURL)
			links, err := client.ListPackageFiles(ctx, pkgName)
			if err != nil {
				var httpErr *pep503.HTTPError
				if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
					return
				}
				mu.Lock()
				errs = append(errs, pkgerrors.Wrapf(err, "index %s", baseURL))
				mu.Unlock()
				return
			}

			local := make([]*artifact.Info, 0, len(links))
			for _, link := range links {
				info, err := fileLinkToInfo(link)
				if err != nil {
					dlog.Warnf(ctx, "pkgindex: %s: skipping unparseable file %q: %v", baseURL, link.Text, err)
					continue
				}
				local = append(local, info)
			}

			mu.Lock()
			infos = append(infos, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, errs
	}

	va := artifact.NewVersionArtifacts(dedupeByFilename(ctx, infos))
	return &va, nil
}

// dedupeByFilename resolves the "same filename served by two indexes" case: the first-seen
// index's entry wins, and a later index advertising a different sha256 for the same filename is
// logged rather than raised, so that the common case (mirrors serving byte-identical content)
// doesn't become fatal.
func dedupeByFilename(ctx context.Context, infos []*artifact.Info) []*artifact.Info {
	seen := make(map[string]*artifact.Info, len(infos))
	out := make([]*artifact.Info, 0, len(infos))
	for _, info := range infos {
		filename, err := info.Name.Filename()
		if err != nil {
			out = append(out, info)
			continue
		}
		if existing, ok := seen[filename]; ok {
			if sum1, ok1 := existing.Hashes.SHA256(); ok1 {
				if sum2, ok2 := info.Hashes.SHA256(); ok2 && sum1 != sum2 {
					dlog.Warnf(ctx, "pkgindex: %s: conflicting sha256 across indexes, keeping first-seen", filename)
				}
			}
			continue
		}
		seen[filename] = info
		out = append(out, info)
	}
	return out
}

// GetPackageNames fetches the root listing of the first configured index. An empty IndexURLs
// list yields an empty result rather than an error.
func (ix *Index) GetPackageNames(ctx context.Context) ([]string, error) {
	if len(ix.opts.IndexURLs) == 0 {
		return nil, nil
	}
	client := ix.clientFor(ix.opts.IndexURLs[0])
	links, err := client.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("pkgindex: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Text)
	}
	return names, nil
}

// reRunOfSeparators matches PEP 503's normalization rule: duplicated from pep503.normalize and
// artifact.normalizeDistName (both unexported) rather than imported, since pkgindex's frozenmap
// cache key must collapse separator runs exactly the same way those two packages' own name
// comparisons do -- a per-rune mapping that maps each separator individually, without collapsing
// runs, would key "foo__bar" and "foo-bar" differently even though both packages treat them as
// the same name.
var reRunOfSeparators = regexp.MustCompile(`[-_.]+`)

func normalizeName(name string) string {
	return strings.ToLower(reRunOfSeparators.ReplaceAllLiteralString(name, "-"))
}

// sdistExtensions pairs each recognized sdist filename suffix with its SDistFormat; the first
// suffix that matches wins.
var sdistExtensions = []struct {
	suffix string
	format artifact.SDistFormat
}{
	{".tar.gz", artifact.SDistFormatTarGZ},
	{".tar.bz2", artifact.SDistFormatTarBZ2},
	{".tar.xz", artifact.SDistFormatTarXZ},
	{".zip", artifact.SDistFormatZip},
}

func parseSDistFilename(filename string) (dist string, ver pep440.Version, format artifact.SDistFormat, err error) {
	for _, ext := range sdistExtensions {
		if !strings.HasSuffix(filename, ext.suffix) {
			continue
		}
		stem := strings.TrimSuffix(filename, ext.suffix)
		idx := strings.LastIndex(stem, "-")
		if idx < 0 {
			return "", pep440.Version{}, "", fmt.Errorf("invalid sdist filename: %q", filename)
		}
		distName, verStr := stem[:idx], stem[idx+1:]
		parsed, perr := pep440.ParseVersion(verStr)
		if perr != nil {
			return "", pep440.Version{}, "", fmt.Errorf("invalid sdist filename: %q: %w", filename, perr)
		}
		return distName, *parsed, ext.format, nil
	}
	return "", pep440.Version{}, "", fmt.Errorf("unrecognized sdist filename extension: %q", filename)
}

// fileLinkToInfo converts one simple-index file link in to an artifact.Info, dispatching on
// filename extension (".whl" vs a recognized sdist suffix) and lifting PEP 592 yank markers and
// PEP 658 sidecar-metadata availability along the way.
func fileLinkToInfo(link pep503.FileLink) (*artifact.Info, error) {
	filename := filenameFromHRef(link.HRef, link.Text)

	hashes := hashesFromFragment(link.HRef)

	var name artifact.Name
	switch {
	case strings.HasSuffix(filename, ".whl"):
		fnd, err := wheelname.ParseFilename(filename)
		if err != nil {
			return nil, err
		}
		name = artifact.Name{
			Kind:             artifact.KindWheel,
			Distribution:     fnd.Distribution,
			Version:          fnd.Version,
			BuildTag:         fnd.BuildTag,
			CompatibilityTag: fnd.CompatibilityTag,
		}
	default:
		dist, ver, format, err := parseSDistFilename(filename)
		if err != nil {
			return nil, err
		}
		name = artifact.Name{Kind: artifact.KindSDist, Distribution: dist, Version: ver, Format: format}
	}

	info := &artifact.Info{
		Name:           name,
		URL:            link.HRef,
		Hashes:         hashes,
		RequiresPython: link.DataAttrs["data-requires-python"],
	}

	if reason, yanked := link.DataAttrs["data-yanked"]; yanked {
		info.Yanked = artifact.YankInfo{Yanked: pep592.IsYanked(link), Reason: reason}
	}

	if sidecarHash, ok := pep658.Available(link.DataAttrs["data-dist-info-metadata"], hasDataAttr(link, "data-dist-info-metadata")); ok {
		info.HasSidecarMetadata = true
		if sidecarHash != "" {
			if algo, val, found := strings.Cut(sidecarHash, "="); found {
				info.SidecarHashes = artifact.HashSet{algo: val}
			}
		}
	}

	return info, nil
}

func hasDataAttr(link pep503.FileLink, key string) bool {
	_, ok := link.DataAttrs[key]
	return ok
}
