// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil_test

import (
	"testing"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/errutil"
)

func TestAssertErrorCode_MatchingCode(t *testing.T) {
	err := oops.Code("NOT_A_PLUGIN").Errorf("no entry point")
	errutil.AssertErrorCode(t, err, "NOT_A_PLUGIN")
}

func TestAssertErrorContext_MatchingKeyValue(t *testing.T) {
	err := oops.With("path", "/plugins/alpha.lua").Errorf("load failed")
	errutil.AssertErrorContext(t, err, "path", "/plugins/alpha.lua")
}
