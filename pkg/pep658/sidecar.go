// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep658 implements PEP 658 -- Serve Distribution Metadata in the Simple Repository API:
// a sidecar "{filename}.metadata" file next to a wheel, containing just its dist-info/METADATA, so
// a client can read a wheel's metadata without fetching the wheel itself.
//
// https://peps.python.org/pep-0658/
package pep658

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkgdepot/pypicore/pkg/httpcache"
)

// SidecarURL computes the "{wheel}.metadata" URL for a wheel URL.
func SidecarURL(wheelURL string) string {
	return wheelURL + ".metadata"
}

// Available reports whether the simple-index entry advertised a sidecar, per the
// "data-dist-info-metadata" attribute PEP 658 adds to PEP 503 file links. A present-but-empty
// attribute (bare `data-dist-info-metadata`) or the value "true" means "available, hash unknown";
// `data-dist-info-metadata="false"` means absent; any other value is the advertised hash
// (`sha256=...`).
func Available(attr string, hasAttr bool) (hash string, ok bool) {
	if !hasAttr || attr == "false" {
		return "", false
	}
	if attr == "true" || attr == "" {
		return "", true
	}
	return attr, true
}

// Fetch retrieves and optionally verifies a wheel's PEP 658 sidecar metadata. Sidecar responses
// are never cached under the wheel's own key (NoStore): they are a fragment of the wheel's
// identity, and mixing them into the wheel artifact cache would make a cache key ambiguous between
// "whole wheel" and "wheel metadata only".
func Fetch(ctx context.Context, client *httpcache.Client, wheelURL, expectHash string) ([]byte, error) {
	resp, err := client.Do(ctx, SidecarURL(wheelURL), httpcache.NoStore)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pep658: GET %s: HTTP %d", SidecarURL(wheelURL), resp.StatusCode)
	}
	body := resp.Bytes()

	if expectHash != "" {
		algo, want, ok := strings.Cut(expectHash, "=")
		if ok && algo == "sha256" {
			sum := sha256.Sum256(body)
			got := hex.EncodeToString(sum[:])
			if got != want {
				return nil, fmt.Errorf("pep658: checksum mismatch: expected=%s actual=%s", want, got)
			}
		}
	}

	return body, nil
}
