// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates a hclog.Logger backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"os"
	"strconv"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter. If
// GAVEL_TEST_STDERR is set the writer goes straight to stderr instead, which
// is useful when a test deadlocks and buffered logs are never flushed.
func NewWriter(t LogPrinter) io.Writer {
	return NewPrefixWriter(t, "")
}

// NewPrefixWriter creates a new io.Writer backed by a LogPrinter with a
// prefix on every line.
func NewPrefixWriter(t LogPrinter, prefix string) io.Writer {
	if useStderr() {
		return os.Stderr
	}
	return &writer{prefix, t}
}

// HCLogger returns a new test hclog.InterceptLogger at trace level.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := hclog.Trace
	envLogLevel := os.Getenv("GAVEL_TEST_LOG_LEVEL")
	if envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}

func useStderr() bool {
	b, err := strconv.ParseBool(os.Getenv("GAVEL_TEST_STDERR"))
	return err == nil && b
}
