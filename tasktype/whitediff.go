// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktype

import (
	"bufio"
	"bytes"
	"io"
)

// isWhite reports the bytes the diff treats as blank, the ASCII
// whitespace set.
func isWhite(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// canonicalLine collapses every whitespace run into a single space and
// trims the ends, so lines differing only in spacing compare equal.
func canonicalLine(line []byte) string {
	return string(bytes.Join(bytes.FieldsFunc(line, isWhite), []byte(" ")))
}

// WhiteDiff reports whether the two streams hold the same lines up to
// whitespace. A stream that ends early still matches as long as the
// other has only blank lines left.
func WhiteDiff(produced, reference io.Reader) (bool, error) {
	a := bufio.NewReader(produced)
	b := bufio.NewReader(reference)
	for {
		line1, err1 := a.ReadBytes('\n')
		if err1 != nil && err1 != io.EOF {
			return false, err1
		}
		line2, err2 := b.ReadBytes('\n')
		if err2 != nil && err2 != io.EOF {
			return false, err2
		}
		if len(line1) == 0 && len(line2) == 0 {
			return true, nil
		}
		if canonicalLine(line1) != canonicalLine(line2) {
			return false, nil
		}
	}
}
