// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
)

func TestWhiteDiff(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name  string
		a, b  string
		equal bool
	}{
		{"identical", "1 2\n3\n", "1 2\n3\n", true},
		{"collapsed runs", "1 \t 2\n", "  1 2  \n", true},
		{"crlf line endings", "1 2\r\n3\r\n", "1 2\n3\n", true},
		{"missing final newline", "1 2", "1 2\n", true},
		{"trailing blank lines", "1\n\n \t\n", "1\n", true},
		{"both empty", "", "", true},
		{"blank only versus empty", "  \n\n", "", true},
		{"leading blank line", "\n1\n", "1\n", false},
		{"different tokens", "1 2\n", "1 3\n", false},
		{"joined tokens", "12\n", "1 2\n", false},
		{"missing line", "1\n2\n", "1\n", false},
		{"extra line", "1\n", "1\n2\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := WhiteDiff(strings.NewReader(tc.a), strings.NewReader(tc.b))
			must.NoError(t, err)
			must.Eq(t, tc.equal, got)
		})
	}
}

func TestCanonicalLine(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "a b c", canonicalLine([]byte(" a\t\tb \v c \r\n")))
	must.Eq(t, "", canonicalLine([]byte(" \t\r\n")))
	// Bytes outside ASCII pass through untouched.
	must.Eq(t, "héllo wörld", canonicalLine([]byte("héllo  wörld\n")))
}
