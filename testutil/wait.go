// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult retries the test function every 10ms until it returns true,
// or calls the error function after about 10 seconds of failures.
func WaitForResult(test testFn, error errorFn) {
	WaitForResultRetries(1000, test, error)
}

// WaitForResultRetries is WaitForResult with a configurable retry budget.
func WaitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}

// WaitForResultUntil waits the duration for the test to pass. Otherwise the
// error function is called after the deadline expires.
func WaitForResultUntil(until time.Duration, test testFn, errorFunc errorFn) {
	var success bool
	var err error
	deadline := time.Now().Add(until)
	for time.Now().Before(deadline) {
		success, err = test()
		if success {
			return
		}
		// Sleep some arbitrary fraction of the deadline.
		time.Sleep(until / 80)
	}
	errorFunc(err)
}

// AssertUntil asserts the test function succeeds for the entire duration.
func AssertUntil(until time.Duration, test testFn, errorFunc errorFn) {
	deadline := time.Now().Add(until)
	for time.Now().Before(deadline) {
		success, err := test()
		if !success {
			errorFunc(err)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
