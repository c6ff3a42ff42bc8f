// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package sandbox runs contestant and checker programs in throwaway
// working directories under resource limits and reports how each run
// ended.
//
// Verdicts about the program (timeout, killed, nonzero exit) are carried
// in ExecutionStats.Status; the error return of Run is reserved for the
// box itself failing, which graders treat as an infrastructure problem
// rather than a judgment of the program.
package sandbox

import (
	"context"
	"io"
	"os"
	"time"
)

// Statuses of a finished run.
const (
	StatusOK           = "ok"
	StatusTimeout      = "timeout"
	StatusSignal       = "signal"
	StatusNonzeroExit  = "exit_nonzero"
	StatusSandboxError = "sandbox_error"
)

// OutputBufSize bounds captured stdout and stderr per run. Streams
// redirected to box files are not subject to it.
const OutputBufSize = 64 * 1024

// Command is one program invocation inside a box. Stdin, Stdout and
// Stderr name box files; an empty Stdin reads nothing and empty
// Stdout/Stderr capture the stream into the stats, keeping the last
// OutputBufSize bytes.
type Command struct {
	Args []string

	// Env is appended to the host environment.
	Env []string

	Stdin  string
	Stdout string
	Stderr string

	// TimeLimit is the CPU budget; 0 means unlimited.
	TimeLimit time.Duration

	// WallLimit is the elapsed-time budget. 0 derives 2*TimeLimit+1s
	// when a time limit is set, otherwise no wall limit is applied.
	WallLimit time.Duration

	// Memory is the address space budget in bytes. Boxes without memory
	// containment treat it as advisory and only report usage.
	Memory int64
}

// ExecutionStats describes one finished run, or the accumulated run of a
// sequential multi-command step after Merge.
type ExecutionStats struct {
	Time     float64 // CPU seconds, user plus system
	WallTime float64 // elapsed seconds
	Memory   int64   // peak resident set, bytes
	Status   string
	ExitCode int
	Signal   int

	// Stdout and Stderr hold the captured streams when the command did
	// not redirect them to box files.
	Stdout string
	Stderr string
}

// OK returns whether the program ran to completion with exit code zero.
func (s *ExecutionStats) OK() bool {
	return s.Status == StatusOK
}

// Merge folds the stats of the next command of a sequential step into s:
// CPU and wall times add up, memory is the peak, the first non-ok status
// wins, and captured output is joined.
func (s *ExecutionStats) Merge(next *ExecutionStats) {
	s.Time += next.Time
	s.WallTime += next.WallTime
	s.Memory = max(s.Memory, next.Memory)

	if s.Status == StatusOK {
		s.Status = next.Status
		s.ExitCode = next.ExitCode
		s.Signal = next.Signal
	}

	s.Stdout = joinOutput(s.Stdout, next.Stdout)
	s.Stderr = joinOutput(s.Stderr, next.Stderr)
}

func joinOutput(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n===\n" + b
}

// Box stages files and runs commands in one working directory. A box is
// single use: graders create one per phase and clean it up afterwards.
type Box interface {
	// Path returns the box root on the host filesystem.
	Path() string

	// CreateFile streams r into the box under name. Large staged files,
	// executables in particular, never have to sit in memory whole.
	CreateFile(name string, r io.Reader, executable bool) error

	// GetFile opens a box file for reading. The caller closes it.
	GetFile(name string) (*os.File, error)

	// GetFileContent reads a whole box file.
	GetFileContent(name string) ([]byte, error)

	// FileExists reports whether the box holds a regular file under
	// name. Symlinks do not count: a program planting one where its
	// output belongs must not trick the grader into following it.
	FileExists(name string) bool

	// Run executes cmd to completion. The error is set only when the box
	// itself failed or ctx was canceled; program verdicts are in the
	// returned stats.
	Run(ctx context.Context, cmd *Command) (*ExecutionStats, error)

	// Cleanup removes the box directory and everything in it.
	Cleanup() error
}

// Factory builds fresh boxes. The name tags the box directory so leftover
// trees on disk can be told apart.
type Factory func(name string) (Box, error)
