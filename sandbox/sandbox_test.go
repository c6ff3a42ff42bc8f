// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/helper/testlog"
)

func testBox(t *testing.T) *Subprocess {
	t.Helper()
	box, err := NewSubprocess(t.TempDir(), "test", testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { box.Cleanup() })
	return box
}

func TestSubprocess_Files(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	must.False(t, box.FileExists("greeting.txt"))
	must.NoError(t, box.CreateFile("greeting.txt", strings.NewReader("hello"), false))
	must.True(t, box.FileExists("greeting.txt"))

	content, err := box.GetFileContent("greeting.txt")
	must.NoError(t, err)
	must.Eq(t, "hello", string(content))

	f, err := box.GetFile("greeting.txt")
	must.NoError(t, err)
	must.NoError(t, f.Close())
}

func TestSubprocess_RejectsEscapingPaths(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	must.Error(t, box.CreateFile("../escape.txt", bytes.NewReader([]byte("x")), false))
	must.Error(t, box.CreateFile("/etc/passwd", bytes.NewReader([]byte("x")), false))
	_, err := box.GetFile("../../etc/passwd")
	must.Error(t, err)
	must.False(t, box.FileExists(".."))
}

func TestSubprocess_CapturesOutput(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	stats, err := box.Run(context.Background(), &Command{
		Args: []string{"/bin/sh", "-c", "echo to-out; echo to-err >&2"},
	})
	must.NoError(t, err)
	must.Eq(t, StatusOK, stats.Status)
	must.Eq(t, "to-out", stats.Stdout)
	must.Eq(t, "to-err", stats.Stderr)
	must.Greater(t, 0.0, stats.WallTime)
}

func TestSubprocess_Redirects(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	must.NoError(t, box.CreateFile("in.txt", strings.NewReader("ping"), false))
	stats, err := box.Run(context.Background(), &Command{
		Args:   []string{"/bin/cat"},
		Stdin:  "in.txt",
		Stdout: "out.txt",
	})
	must.NoError(t, err)
	must.Eq(t, StatusOK, stats.Status)
	must.Eq(t, "", stats.Stdout)

	content, err := box.GetFileContent("out.txt")
	must.NoError(t, err)
	must.Eq(t, "ping", string(content))
}

func TestSubprocess_NonzeroExit(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	stats, err := box.Run(context.Background(), &Command{
		Args: []string{"/bin/sh", "-c", "exit 3"},
	})
	must.NoError(t, err)
	must.Eq(t, StatusNonzeroExit, stats.Status)
	must.Eq(t, 3, stats.ExitCode)
}

func TestSubprocess_Signal(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	stats, err := box.Run(context.Background(), &Command{
		Args: []string{"/bin/sh", "-c", "kill -TERM $$"},
	})
	must.NoError(t, err)
	must.Eq(t, StatusSignal, stats.Status)
	must.Eq(t, 15, stats.Signal)
}

func TestSubprocess_WallTimeout(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	start := time.Now()
	stats, err := box.Run(context.Background(), &Command{
		Args:      []string{"/bin/sh", "-c", "sleep 10"},
		WallLimit: 200 * time.Millisecond,
	})
	must.NoError(t, err)
	must.Eq(t, StatusTimeout, stats.Status)
	must.Less(t, 5*time.Second, time.Since(start))
}

func TestSubprocess_CPUTimeout(t *testing.T) {
	ci.SkipSlow(t, "burns a cpu until the wall clock kill")
	ci.Parallel(t)
	box := testBox(t)

	stats, err := box.Run(context.Background(), &Command{
		Args:      []string{"/bin/sh", "-c", "while :; do :; done"},
		TimeLimit: 500 * time.Millisecond,
	})
	must.NoError(t, err)
	must.Eq(t, StatusTimeout, stats.Status)
	must.Greater(t, 0.5, stats.Time)
}

func TestSubprocess_CanceledContext(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	stats, err := box.Run(ctx, &Command{
		Args: []string{"/bin/sh", "-c", "sleep 10"},
	})
	must.Error(t, err)
	must.Eq(t, StatusSandboxError, stats.Status)
}

func TestSubprocess_MissingBinary(t *testing.T) {
	ci.Parallel(t)
	box := testBox(t)

	stats, err := box.Run(context.Background(), &Command{
		Args: []string{"/no/such/binary"},
	})
	must.Error(t, err)
	must.Eq(t, StatusSandboxError, stats.Status)
}

func TestExecutionStats_Merge(t *testing.T) {
	ci.Parallel(t)

	agg := &ExecutionStats{
		Time: 0.5, WallTime: 1.0, Memory: 100,
		Status: StatusOK, Stdout: "first",
	}
	agg.Merge(&ExecutionStats{
		Time: 0.25, WallTime: 0.5, Memory: 300,
		Status: StatusNonzeroExit, ExitCode: 2, Stdout: "second",
	})

	must.Eq(t, 0.75, agg.Time)
	must.Eq(t, 1.5, agg.WallTime)
	must.Eq(t, int64(300), agg.Memory)
	must.Eq(t, StatusNonzeroExit, agg.Status)
	must.Eq(t, 2, agg.ExitCode)
	must.Eq(t, "first\n===\nsecond", agg.Stdout)

	// A later command never overrides an already failed status.
	agg.Merge(&ExecutionStats{Status: StatusOK})
	must.Eq(t, StatusNonzeroExit, agg.Status)
}
