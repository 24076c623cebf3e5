// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

var dumpConfig = spew.ConfigState{ //nolint:exhaustivestruct
	Indent:                  "  ",
	DisableCapacities:       true,
	DisablePointerAddresses: true,
	SortKeys:                true,
}

// Dump renders v the same deterministic, pointer-address-free way AssertEqualDump compares with,
// for use in a t.Errorf/t.Logf when a caller wants the full representation rather than a diff.
func Dump(v interface{}) string {
	return dumpConfig.Sdump(v)
}

// AssertEqualDump compares exp and act by their spew dump rather than by %#v or reflect.DeepEqual
// directly, so a mismatch in a deeply nested struct (an artifact.Info, a CoreMetadata, a resolved
// VersionArtifacts) reports as a unified diff of the two dumps instead of an unreadable wall of
// text. Adapted from the teacher's AssertEqualLayers, generalized from ociv1.Layer to any value.
func AssertEqualDump(t *testing.T, exp, act interface{}) bool {
	t.Helper()
	expStr := dumpConfig.Sdump(exp)
	actStr := dumpConfig.Sdump(act)
	if expStr == actStr {
		return true
	}

	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{ //nolint:exhaustivestruct
		A:        difflib.SplitLines(expStr),
		B:        difflib.SplitLines(actStr),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  3,
	})
	t.Errorf("value diff:\n%s", strings.TrimRight(diff, "\n"))
	return false
}
