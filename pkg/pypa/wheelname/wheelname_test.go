// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package wheelname_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdepot/pypicore/pkg/pep425"
	"github.com/pkgdepot/pypicore/pkg/pep440"
	"github.com/pkgdepot/pypicore/pkg/pypa/wheelname"
)

func TestParseFilename(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		InputFilename string
		ExpectedData  *wheelname.FileNameData
		ExpectedErr   string
	}{
		"simple": {
			InputFilename: "distribution-1.0-py27-none-any.whl",
			ExpectedData: &wheelname.FileNameData{
				Distribution: "distribution",
				Version:      mustVersion(t, "1.0"),
				CompatibilityTag: tag("py27", "none", "any"),
			},
		},
		"with-build-tag": {
			InputFilename: "distribution-1.0-1-py27-none-any.whl",
			ExpectedData: &wheelname.FileNameData{
				Distribution: "distribution",
				Version:      mustVersion(t, "1.0"),
				BuildTag:     &wheelname.BuildTag{Int: 1},
				CompatibilityTag: tag("py27", "none", "any"),
			},
		},
		"with-build-tag-str": {
			InputFilename: "distribution-1.0-1post-py27-none-any.whl",
			ExpectedData: &wheelname.FileNameData{
				Distribution: "distribution",
				Version:      mustVersion(t, "1.0"),
				BuildTag:     &wheelname.BuildTag{Int: 1, Str: "post"},
				CompatibilityTag: tag("py27", "none", "any"),
			},
		},
		"invalid": {
			InputFilename: "not-a-wheel.txt",
			ExpectedErr:   `invalid wheel filename: "not-a-wheel.txt"`,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			actual, err := wheelname.ParseFilename(tc.InputFilename)
			if tc.ExpectedErr != "" {
				require.EqualError(t, err, tc.ExpectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ExpectedData, actual)
		})
	}
}

func TestGenerateFilenameRoundTrip(t *testing.T) {
	t.Parallel()
	filenames := []string{
		"distribution-1.0-py27-none-any.whl",
		"distribution-1.0-1-py27-none-any.whl",
		"numpy-1.26.0-cp311-cp311-manylinux_2_17_x86_64.whl",
	}
	for _, filename := range filenames {
		filename := filename
		t.Run(filename, func(t *testing.T) {
			t.Parallel()
			data, err := wheelname.ParseFilename(filename)
			require.NoError(t, err)
			generated, err := wheelname.GenerateFilename(*data)
			require.NoError(t, err)
			assert.Equal(t, filename, generated)
		})
	}
}

func TestBuildTagCmp(t *testing.T) {
	t.Parallel()
	var nilTag *wheelname.BuildTag
	one := &wheelname.BuildTag{Int: 1}
	onePost := &wheelname.BuildTag{Int: 1, Str: "post"}
	two := &wheelname.BuildTag{Int: 2}

	assert.Equal(t, 0, nilTag.Cmp(nil))
	assert.Negative(t, nilTag.Cmp(one))
	assert.Positive(t, one.Cmp(nil))
	assert.Negative(t, one.Cmp(two))
	assert.Negative(t, one.Cmp(onePost))
}

func mustVersion(t *testing.T, str string) pep440.Version {
	t.Helper()
	v, err := pep440.ParseVersion(str)
	require.NoError(t, err)
	return *v
}

func tag(python, abi, platform string) pep425.Tag {
	return pep425.Tag{Python: python, ABI: abi, Platform: platform}
}
