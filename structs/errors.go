// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"strings"
)

const (
	errNotFound      = "not found"
	errWorkerBusy    = "worker busy executing another job"
	errDuplicateJob  = "job already present"
	errJobNotPresent = "job not present"
)

var (
	// ErrNotFound is returned by the store when a row does not exist.
	ErrNotFound = errors.New(errNotFound)

	// ErrWorkerBusy is the error a worker replies with when execute_job
	// arrives while another job is running. The dispatcher matches it by
	// string since it crosses the wire, and requeues without charging a
	// try.
	ErrWorkerBusy = errors.New(errWorkerBusy)

	// ErrDuplicateJob is returned by the job queue when pushing a job that
	// is already queued.
	ErrDuplicateJob = errors.New(errDuplicateJob)

	// ErrJobNotPresent is returned by queue lookups of absent jobs.
	ErrJobNotPresent = errors.New(errJobNotPresent)
)

// IsErrNotFound reports whether err is or wraps ErrNotFound, including the
// stringified form received over RPC.
func IsErrNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), errNotFound)
}

// IsErrWorkerBusy reports whether err is a worker busy signal, including the
// stringified form received over RPC.
func IsErrWorkerBusy(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrWorkerBusy) || strings.Contains(err.Error(), errWorkerBusy)
}
