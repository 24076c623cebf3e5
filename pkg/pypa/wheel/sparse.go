// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package wheel

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pkgdepot/pypicore/pkg/httpcache"
)

// ErrRangeReadsUnsupported is returned by ReadMetadataSparse when the server does not advertise
// byte-range support, so the caller should fall back to a full download.
var ErrRangeReadsUnsupported = errors.New("wheel: server does not support range reads")

// ErrCentralDirectoryNotInWindow is returned when the initial tail fetch didn't happen to contain
// the whole ZIP central directory. Callers should fall back to a full download rather than retry
// indefinitely with bigger windows.
var ErrCentralDirectoryNotInWindow = errors.New("wheel: central directory spans outside the fetched tail window")

// tailWindow is how many trailing bytes we fetch in the first range-read, hoping it's enough to
// contain the End Of Central Directory record plus the whole central directory. Most wheels have
// small central directories; if this window doesn't contain the full directory, ReadMetadataSparse
// fails with ErrCentralDirectoryNotInWindow and the caller falls back to a full download.
const tailWindow = 128 * 1024

const (
	sigEndOfCentralDir  = 0x06054b50
	sigCentralDirHeader = 0x02014b50
	sigLocalFileHeader  = 0x04034b50
)

type centralDirEntry struct {
	Name             string
	Method           uint16
	CompressedSize   uint64
	LocalHeaderAbsOffset int64
}

// ReadMetadataSparse fetches a remote wheel's core metadata (dist-info/METADATA) using HTTP range
// requests, without downloading the whole archive: it range-reads the tail of the file to recover
// the ZIP End Of Central Directory record and central directory, locates the METADATA entry's
// local file header offset, then range-reads just that one entry.
//
// This mirrors pip's "lazy wheel" strategy and rattler's AsyncHttpRangeReader-backed
// get_lazy_metadata_wheel: probe for range support via HEAD, read the EOCD+central-directory tail,
// then range-read exactly the one entry needed.
func ReadMetadataSparse(ctx context.Context, client *httpcache.Client, url string) ([]byte, error) {
	head, err := client.Head(ctx, url)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(strings.ToLower(head.Get("Accept-Ranges")), "bytes") {
		return nil, ErrRangeReadsUnsupported
	}
	size, err := contentLength(head)
	if err != nil {
		return nil, err
	}

	window := int64(tailWindow)
	if window > size {
		window = size
	}
	windowStart := size - window
	tail, err := client.RangeGet(ctx, url, windowStart, size-1)
	if err != nil {
		return nil, err
	}

	entries, err := parseCentralDirectory(tail, windowStart)
	if err != nil {
		return nil, err
	}

	distInfoDir, err := findDistInfoDir(entries)
	if err != nil {
		return nil, err
	}
	target := path.Join(distInfoDir, "METADATA")

	for _, e := range entries {
		if path.Clean(e.Name) != target {
			continue
		}
		// We don't know the local header's own length up front (variable-length filename
		// and extra field), so fetch a generous slice starting at its offset.
		start := e.LocalHeaderAbsOffset
		end := start + 30 + int64(len(e.Name)) + 65535 + int64(e.CompressedSize)
		if end > size-1 {
			end = size - 1
		}
		chunk, err := client.RangeGet(ctx, url, start, end)
		if err != nil {
			return nil, err
		}
		return extractLocalEntry(chunk, e)
	}

	return nil, fmt.Errorf("wheel: sparse read: METADATA not found in %s", distInfoDir)
}

func contentLength(h interface{ Get(string) string }) (int64, error) {
	raw := h.Get("Content-Length")
	if raw == "" {
		return 0, fmt.Errorf("wheel: server did not report Content-Length")
	}
	var size int64
	if _, err := fmt.Sscanf(raw, "%d", &size); err != nil {
		return 0, fmt.Errorf("wheel: invalid Content-Length %q: %w", raw, err)
	}
	return size, nil
}

// parseCentralDirectory locates the End Of Central Directory record within tail (the bytes
// [windowStart, windowStart+len(tail)) of the full file) and decodes each central directory file
// header it references.
func parseCentralDirectory(tail []byte, windowStart int64) ([]centralDirEntry, error) {
	eocdOff := bytes.LastIndex(tail, le32(sigEndOfCentralDir))
	if eocdOff < 0 || eocdOff+22 > len(tail) {
		return nil, fmt.Errorf("wheel: End Of Central Directory record not found in tail window")
	}
	eocd := tail[eocdOff:]
	totalEntries := int(binary.LittleEndian.Uint16(eocd[10:12]))
	cdSize := int64(binary.LittleEndian.Uint32(eocd[12:16]))
	cdAbsOffset := int64(binary.LittleEndian.Uint32(eocd[16:20]))

	cdRelStart := cdAbsOffset - windowStart
	cdRelEnd := cdRelStart + cdSize
	if cdRelStart < 0 || cdRelEnd > int64(len(tail)) {
		return nil, ErrCentralDirectoryNotInWindow
	}

	buf := tail[cdRelStart:cdRelEnd]
	entries := make([]centralDirEntry, 0, totalEntries)
	for len(buf) > 0 {
		if len(buf) < 46 || binary.LittleEndian.Uint32(buf[0:4]) != sigCentralDirHeader {
			break
		}
		method := binary.LittleEndian.Uint16(buf[10:12])
		compressedSize := uint64(binary.LittleEndian.Uint32(buf[20:24]))
		nameLen := int(binary.LittleEndian.Uint16(buf[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(buf[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(buf[32:34]))
		localHeaderOffset := int64(binary.LittleEndian.Uint32(buf[42:46]))

		recordLen := 46 + nameLen + extraLen + commentLen
		if recordLen > len(buf) {
			return nil, fmt.Errorf("wheel: truncated central directory record")
		}
		name := string(buf[46 : 46+nameLen])

		entries = append(entries, centralDirEntry{
			Name:                 name,
			Method:               method,
			CompressedSize:       compressedSize,
			LocalHeaderAbsOffset: localHeaderOffset,
		})

		buf = buf[recordLen:]
	}

	return entries, nil
}

func le32(sig uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, sig)
	return b
}

func findDistInfoDir(entries []centralDirEntry) (string, error) {
	dirs := make(map[string]struct{})
	for _, e := range entries {
		dirname := strings.Split(path.Clean(e.Name), "/")[0]
		if strings.HasSuffix(dirname, ".dist-info") {
			dirs[dirname] = struct{}{}
		}
	}
	switch len(dirs) {
	case 1:
		for d := range dirs {
			return d, nil
		}
	case 0:
		return "", fmt.Errorf("wheel: .dist-info directory not found")
	}
	return "", fmt.Errorf("wheel: multiple .dist-info directories found")
}

// extractLocalEntry decodes a ZIP local file header + payload out of a byte slice that begins
// exactly at the header's absolute offset, honoring the entry's declared compression method.
func extractLocalEntry(chunk []byte, e centralDirEntry) ([]byte, error) {
	if len(chunk) < 30 {
		return nil, fmt.Errorf("wheel: local file header truncated")
	}
	if binary.LittleEndian.Uint32(chunk[0:4]) != sigLocalFileHeader {
		return nil, fmt.Errorf("wheel: bad local file header signature")
	}
	nameLen := int(binary.LittleEndian.Uint16(chunk[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(chunk[28:30]))
	dataStart := 30 + nameLen + extraLen
	dataEnd := dataStart + int(e.CompressedSize)
	if dataEnd > len(chunk) {
		return nil, fmt.Errorf("wheel: fetched chunk too small for compressed entry")
	}
	compressed := chunk[dataStart:dataEnd]

	switch e.Method {
	case 0: // stored
		return compressed, nil
	case 8: // deflate
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return nil, fmt.Errorf("wheel: unsupported compression method %d", e.Method)
	}
}
