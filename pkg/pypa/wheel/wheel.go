// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package wheel implements reading of the PyPA Binary distribution format (PEP 427 -- The Wheel
// Binary Package Format 1.0), specifically the parts needed to extract a wheel's core metadata
// without installing it.
//
// https://packaging.python.org/specifications/binary-distribution-format/
package wheel

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"sort"
	"strings"
)

// Wheel is an opened ".whl" archive, read from a ZIP central directory.
type Wheel struct {
	zip *zip.Reader

	cachedDistInfoDir string
}

// Open reads a wheel from a fully-buffered (or file-backed) ZIP source. Use this for wheels that
// have already been downloaded in full (from the cache, or after a sparse-read fallback).
func Open(r io.ReaderAt, size int64) (*Wheel, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("wheel: %w", err)
	}
	return &Wheel{zip: zr}, nil
}

// Open opens a file by path within the wheel archive.
func (wh *Wheel) Open(filename string) (io.ReadCloser, error) {
	for _, file := range wh.zip.File {
		if path.Clean(file.Name) == path.Clean(filename) {
			return file.Open()
		}
	}
	return nil, fmt.Errorf("wheel: file not found: %q", filename)
}

// DistInfoDir returns the "{name}-{version}.dist-info" directory for the wheel file.
//
// This is based on pip's wheel_dist_info_dir(), since PEP 427 doesn't actually have much to say
// about resolving ambiguity: a wheel with zero or more than one top-level ".dist-info" directory
// is rejected.
func (wh *Wheel) DistInfoDir() (string, error) {
	if wh.cachedDistInfoDir != "" {
		return wh.cachedDistInfoDir, nil
	}
	infoDirs := make(map[string]struct{})
	for _, file := range wh.zip.File {
		dirname := strings.Split(path.Clean(file.FileHeader.Name), "/")[0]
		if !strings.HasSuffix(dirname, ".dist-info") {
			continue
		}
		infoDirs[dirname] = struct{}{}
	}

	switch len(infoDirs) {
	case 0:
		return "", fmt.Errorf("wheel: .dist-info directory not found")
	case 1:
		for infoDir := range infoDirs {
			wh.cachedDistInfoDir = infoDir
			return infoDir, nil
		}
		panic("not reached")
	default:
		list := make([]string, 0, len(infoDirs))
		for dir := range infoDirs {
			list = append(list, dir)
		}
		sort.Strings(list)
		return "", fmt.Errorf("wheel: multiple .dist-info directories found: %v", list)
	}
}

// Metadata reads and returns the raw bytes of "{dist-info}/METADATA" (PEP 566/643 core metadata).
func (wh *Wheel) Metadata() ([]byte, error) {
	infoDir, err := wh.DistInfoDir()
	if err != nil {
		return nil, err
	}
	f, err := wh.Open(path.Join(infoDir, "METADATA"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ParseWheelFile reads "{dist-info}/WHEEL", the metadata about the archive itself (Wheel-Version,
// Generator, Root-Is-Purelib, the expanded compatibility Tag(s), and an optional Build number).
func (wh *Wheel) ParseWheelFile() (textproto.MIMEHeader, error) {
	infoDir, err := wh.DistInfoDir()
	if err != nil {
		return nil, err
	}
	wheelFile, err := wh.Open(path.Join(infoDir, "WHEEL"))
	if err != nil {
		return nil, err
	}
	defer wheelFile.Close()

	// textproto.Reader.ReadMIMEHeader() expects a blank line to mark the end of the header and
	// the start of the body. But in WHEEL there is no body, so the blank line should be
	// optional. Use an io.MultiReader to add trailing CRLFs to keep ReadMIMEHeader happy no
	// matter what WHEEL's trailing newline situation is.
	kvReader := textproto.NewReader(bufio.NewReader(io.MultiReader(
		wheelFile,
		strings.NewReader("\r\n\r\n\r\n"),
	)))
	return kvReader.ReadMIMEHeader()
}
