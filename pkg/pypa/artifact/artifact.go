// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package artifact holds the data model shared by the package index, the metadata ladder, the
// wheel builder, and the local wheel cache: the tagged-union artifact name, the immutable
// per-artifact descriptor, the version-keyed artifact listing, and parsed core metadata.
package artifact

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"sort"
	"strings"

	"github.com/pkgdepot/pypicore/pkg/pep425"
	"github.com/pkgdepot/pypicore/pkg/pep440"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheelname"
)

// Kind discriminates the three shapes an artifact name can take.
type Kind int

const (
	// KindWheel is a pre-built binary distribution (".whl").
	KindWheel Kind = iota
	// KindSDist is a source distribution archive (".tar.gz", ".tar.bz2", ".zip", ...).
	KindSDist
	// KindSTree is a source tree: an unpacked directory, typically from a VCS checkout.
	KindSTree
)

func (k Kind) String() string {
	switch k {
	case KindWheel:
		return "wheel"
	case KindSDist:
		return "sdist"
	case KindSTree:
		return "stree"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SDistFormat names the archive format of a source distribution.
type SDistFormat string

const (
	SDistFormatTarGZ  SDistFormat = "tar.gz"
	SDistFormatTarBZ2 SDistFormat = "tar.bz2"
	SDistFormatTarXZ  SDistFormat = "tar.xz"
	SDistFormatZip    SDistFormat = "zip"
)

// Name is the tagged union of the three artifact-name shapes spec.md calls ArtifactName: Wheel,
// SDist, and STree. Which fields are meaningful is determined by Kind; this mirrors the teacher's
// filename-grammar types rather than introducing a Go interface, since all three shapes share the
// same Distribution/Version pair and differ only in a handful of kind-specific fields.
type Name struct {
	Kind         Kind
	Distribution string
	Version      pep440.Version

	// Wheel-only.
	BuildTag         *wheelname.BuildTag
	CompatibilityTag pep425.Tag

	// SDist-only.
	Format SDistFormat

	// STree-only.
	URL string
}

// Filename reconstructs the on-disk/on-index filename for the artifact, the inverse of
// ParseFilename for wheels and sdists. STree names have no filename and return an error.
func (n Name) Filename() (string, error) {
	switch n.Kind {
	case KindWheel:
		return wheelname.GenerateFilename(wheelname.FileNameData{
			Distribution:     n.Distribution,
			Version:          n.Version,
			BuildTag:         n.BuildTag,
			CompatibilityTag: n.CompatibilityTag,
		})
	case KindSDist:
		ver, err := n.Version.Normalize()
		if err != nil {
			return "", err
		}
		ext := string(n.Format)
		if ext == "" {
			ext = string(SDistFormatTarGZ)
		}
		return fmt.Sprintf("%s-%s.%s", n.Distribution, ver.String(), ext), nil
	case KindSTree:
		return "", fmt.Errorf("artifact.Name.Filename: source trees have no filename: %s", n.URL)
	default:
		return "", fmt.Errorf("artifact.Name.Filename: invalid kind: %v", n.Kind)
	}
}

// sortTuple decomposes a Name into the filename-tuple spec.md requires for ordering artifacts
// within a single version: wheels first (most preferred path), then sdists, then source trees;
// ties broken lexically by distribution and then by the wheel build tag (higher wins).
func (n Name) sortTuple() (kind Kind, dist string, buildTag *wheelname.BuildTag, compat string) {
	return n.Kind, n.Distribution, n.BuildTag, n.CompatibilityTag.String()
}

// Less reports whether n sorts before other within the same version's artifact list.
func (n Name) Less(other Name) bool {
	ak, adist, abuild, acompat := n.sortTuple()
	bk, bdist, bbuild, bcompat := other.sortTuple()
	if ak != bk {
		return ak < bk
	}
	if adist != bdist {
		return adist < bdist
	}
	if c := abuild.Cmp(bbuild); c != 0 {
		return c > 0 // higher build tag sorts first
	}
	return acompat < bcompat
}

// YankInfo records PEP 592 yank status for a release.
type YankInfo struct {
	Yanked bool
	Reason string
}

// HashSet groups named digests (e.g. "sha256") for one artifact's bytes. Keys are the digest
// algorithm name; values are lowercase hex.
type HashSet map[string]string

// SHA256 is a convenience accessor for the canonical digest, when present.
func (h HashSet) SHA256() (string, bool) {
	v, ok := h["sha256"]
	return v, ok
}

// Info is spec.md's ArtifactInfo: an immutable descriptor, constructed once (by parsing a
// simple-index response, or by synthesizing from a direct URL) and never mutated afterward.
type Info struct {
	Name               Name
	URL                string
	Hashes             HashSet
	RequiresPython     string
	HasSidecarMetadata bool
	SidecarHashes      HashSet
	Yanked             YankInfo
}

// PypiVersion is spec.md's discriminated union: either an index-discovered (Version,
// AllowsPrerelease) pair, or a bare URL for direct-URL/VCS pins that have no intrinsic version
// until metadata is extracted.
type PypiVersion struct {
	// Version and AllowsPrerelease are set for index-discovered versions; URL is empty.
	Version          pep440.Version
	AllowsPrerelease bool

	// URL is set for direct-URL/VCS pins; Version and AllowsPrerelease are zero in that case.
	URL string
}

// IsURL reports whether this is a direct-URL/VCS pin rather than an index-discovered version.
func (v PypiVersion) IsURL() bool {
	return v.URL != ""
}

func (v PypiVersion) String() string {
	if v.IsURL() {
		return v.URL
	}
	return v.Version.String()
}

// VersionEntry is one (PypiVersion -> artifacts) row of a VersionArtifacts listing.
type VersionEntry struct {
	Version   PypiVersion
	Artifacts []*Info
}

// VersionArtifacts is spec.md's ordered mapping from PypiVersion to a non-empty sequence of
// ArtifactInfo: keys descending by version, and within a version, artifacts sorted by filename
// tuple. It is built once (by PackageIndex.AvailableArtifacts or GetArtifactByDirectURL) and
// shared read-only thereafter, so it exposes no mutation methods beyond the constructor.
type VersionArtifacts struct {
	Entries []VersionEntry
}

// NewVersionArtifacts groups infos by PypiVersion and returns them in spec.md's required order:
// versions descending, and within a version, artifacts ordered by Name.Less.
func NewVersionArtifacts(infos []*Info) VersionArtifacts {
	byVersion := make(map[string]*VersionEntry)
	var order []string
	for _, info := range infos {
		pv := PypiVersion{Version: info.Name.Version, URL: ""}
		if info.Name.Kind == KindSTree && info.URL != "" {
			pv = PypiVersion{URL: info.URL}
		}
		key := pv.String()
		entry, ok := byVersion[key]
		if !ok {
			entry = &VersionEntry{Version: pv}
			byVersion[key] = entry
			order = append(order, key)
		}
		entry.Artifacts = append(entry.Artifacts, info)
	}

	entries := make([]VersionEntry, 0, len(order))
	for _, key := range order {
		e := *byVersion[key]
		sort.SliceStable(e.Artifacts, func(i, j int) bool {
			return e.Artifacts[i].Name.Less(e.Artifacts[j].Name)
		})
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Version, entries[j].Version
		if a.IsURL() || b.IsURL() {
			return a.URL < b.URL // stable tie-break only; URL pins have no ordering semantics
		}
		return a.Version.Cmp(b.Version) > 0
	})
	return VersionArtifacts{Entries: entries}
}

// CoreMetadata is spec.md's parsed RFC822-style metadata extracted from a wheel's METADATA file
// or an sdist's PKG-INFO.
type CoreMetadata struct {
	Name            string
	Version         pep440.Version
	Summary         string
	RequiresPython  string
	RequiresDist    []string
	ProvidesExtras  []string
	MetadataVersion string
	Raw             []byte
}

// normalizeDistName applies PEP 503 normalization: lowercase, and any run of "-_." collapsed to
// a single "-". Duplicated from pep503.normalize (which is unexported) rather than imported,
// since the only shared need is this one line and artifact must not depend on pep503's HTTP
// client plumbing.
func normalizeDistName(name string) string {
	return strings.ToLower(reRunOfSeparators.ReplaceAllLiteralString(name, "-"))
}

//nolint:gochecknoglobals // Would be 'const'.
var reRunOfSeparators = regexp.MustCompile(`[-_.]+`)

// ParseCoreMetadata parses an RFC822-style core-metadata blob (a wheel's "METADATA" or an sdist's
// "PKG-INFO") per PEP 566/643, verifying that its Name field normalizes to expectName.
func ParseCoreMetadata(blob []byte, expectName string) (CoreMetadata, error) {
	reader := textproto.NewReader(bufio.NewReader(io.MultiReader(
		strings.NewReader(string(blob)),
		strings.NewReader("\r\n\r\n\r\n"),
	)))
	header, err := reader.ReadMIMEHeader()
	if err != nil {
		return CoreMetadata{}, fmt.Errorf("artifact.ParseCoreMetadata: %w", err)
	}

	name := header.Get("Name")
	if expectName != "" && normalizeDistName(name) != normalizeDistName(expectName) {
		return CoreMetadata{}, fmt.Errorf(
			"artifact.ParseCoreMetadata: Name mismatch: expected %q, got %q", expectName, name)
	}

	var ver pep440.Version
	if rawVer := header.Get("Version"); rawVer != "" {
		parsed, err := pep440.ParseVersion(rawVer)
		if err != nil {
			return CoreMetadata{}, fmt.Errorf("artifact.ParseCoreMetadata: Version: %w", err)
		}
		ver = *parsed
	}

	return CoreMetadata{
		Name:            name,
		Version:         ver,
		Summary:         header.Get("Summary"),
		RequiresPython:  header.Get("Requires-Python"),
		RequiresDist:    header.Values("Requires-Dist"),
		ProvidesExtras:  header.Values("Provides-Extra"),
		MetadataVersion: header.Get("Metadata-Version"),
		Raw:             blob,
	}, nil
}
