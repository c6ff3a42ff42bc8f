// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/armon/circbuf"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// Subprocess is the portable fallback box: commands run as plain child
// processes in a throwaway directory. The wall clock limit is enforced by
// killing the process; CPU time and peak memory are charged from rusage
// after the fact, so a runaway program is caught at the wall limit rather
// than the moment it overspends CPU. It offers no isolation against a
// hostile program and exists for hosts without a containment layer.
type Subprocess struct {
	dir    string
	logger hclog.Logger
}

// NewSubprocess creates a box directory under tempDir. The name tags the
// directory; a uuid keeps concurrent boxes apart.
func NewSubprocess(tempDir, name string, logger hclog.Logger) (*Subprocess, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(tempDir, fmt.Sprintf("box-%s-%s", name, id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating box directory: %w", err)
	}
	b := &Subprocess{
		dir:    dir,
		logger: logger.Named("box"),
	}
	b.logger.Debug("box created", "path", dir)
	return b, nil
}

func (s *Subprocess) Path() string {
	return s.dir
}

// boxPath resolves name inside the box, refusing anything that would
// escape it.
func (s *Subprocess) boxPath(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("file name %q escapes the box", name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Subprocess) CreateFile(name string, r io.Reader, executable bool) error {
	path, err := s.boxPath(name)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating box file %q: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing box file %q: %w", name, err)
	}
	return f.Close()
}

func (s *Subprocess) GetFile(name string) (*os.File, error) {
	path, err := s.boxPath(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s *Subprocess) GetFileContent(name string) ([]byte, error) {
	path, err := s.boxPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *Subprocess) FileExists(name string) bool {
	path, err := s.boxPath(name)
	if err != nil {
		return false
	}
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *Subprocess) Cleanup() error {
	return os.RemoveAll(s.dir)
}

// Run executes cmd in the box directory and waits for it.
func (s *Subprocess) Run(ctx context.Context, cmd *Command) (*ExecutionStats, error) {
	if len(cmd.Args) == 0 {
		return &ExecutionStats{Status: StatusSandboxError}, fmt.Errorf("empty command")
	}

	wall := cmd.WallLimit
	if wall == 0 && cmd.TimeLimit > 0 {
		wall = 2*cmd.TimeLimit + time.Second
	}
	runCtx := ctx
	if wall > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, wall)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = s.dir
	c.Env = append(os.Environ(), cmd.Env...)

	if cmd.Stdin != "" {
		path, err := s.boxPath(cmd.Stdin)
		if err != nil {
			return &ExecutionStats{Status: StatusSandboxError}, err
		}
		in, err := os.Open(path)
		if err != nil {
			return &ExecutionStats{Status: StatusSandboxError}, fmt.Errorf("opening stdin file: %w", err)
		}
		defer in.Close()
		c.Stdin = in
	}

	outBuf, _ := circbuf.NewBuffer(OutputBufSize)
	errBuf, _ := circbuf.NewBuffer(OutputBufSize)
	var redirects []*os.File

	if cmd.Stdout != "" {
		f, err := s.createRedirect(cmd.Stdout)
		if err != nil {
			return &ExecutionStats{Status: StatusSandboxError}, err
		}
		redirects = append(redirects, f)
		c.Stdout = f
	} else {
		c.Stdout = outBuf
	}
	if cmd.Stderr != "" {
		f, err := s.createRedirect(cmd.Stderr)
		if err != nil {
			closeAll(redirects)
			return &ExecutionStats{Status: StatusSandboxError}, err
		}
		redirects = append(redirects, f)
		c.Stderr = f
	} else {
		c.Stderr = errBuf
	}

	s.logger.Debug("running command", "args", strings.Join(cmd.Args, " "))
	start := time.Now()
	runErr := c.Run()
	closeAll(redirects)

	stats := &ExecutionStats{
		WallTime: time.Since(start).Seconds(),
		Stdout:   strings.TrimSpace(string(outBuf.Bytes())),
		Stderr:   strings.TrimSpace(string(errBuf.Bytes())),
	}

	if c.ProcessState == nil {
		// The command never started.
		stats.Status = StatusSandboxError
		return stats, fmt.Errorf("starting %q: %w", cmd.Args[0], runErr)
	}

	if ru, ok := c.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		cpu := time.Duration(ru.Utime.Nano()) + time.Duration(ru.Stime.Nano())
		stats.Time = cpu.Seconds()
		// Maxrss is KiB on Linux.
		stats.Memory = ru.Maxrss * 1024
	}

	if err := ctx.Err(); err != nil {
		// The caller gave up on the run. Not a verdict about the program.
		stats.Status = StatusSandboxError
		return stats, err
	}

	ws, hasWait := c.ProcessState.Sys().(syscall.WaitStatus)
	switch {
	case cmd.TimeLimit > 0 && stats.Time > cmd.TimeLimit.Seconds():
		stats.Status = StatusTimeout
	case runCtx.Err() != nil:
		stats.Status = StatusTimeout
	case hasWait && ws.Signaled():
		stats.Status = StatusSignal
		stats.Signal = int(ws.Signal())
	case !c.ProcessState.Success():
		stats.Status = StatusNonzeroExit
		stats.ExitCode = c.ProcessState.ExitCode()
	default:
		stats.Status = StatusOK
	}

	s.logger.Debug("command finished", "status", stats.Status,
		"time", stats.Time, "wall_time", stats.WallTime)
	return stats, nil
}

func (s *Subprocess) createRedirect(name string) (*os.File, error) {
	path, err := s.boxPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating redirect file: %w", err)
	}
	return f, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
