// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logservice

import (
	"fmt"
	"io"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/structs"
	"github.com/hashicorp/gavel/testutil"
)

func TestForwarder_ForwardsWarnAndAbove(t *testing.T) {
	ci.Parallel(t)

	_, peer, caller := newLogHarness(t)

	intercept := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "gavel",
		Level:  hclog.Trace,
		Output: io.Discard,
	})
	intercept.RegisterSink(NewForwarder(peer))

	intercept.Info("routine chatter")
	intercept.Warn("disk almost full", "path", "/var/cache", "free", 12)
	intercept.Error("cannot reach store")

	testutil.WaitForResult(func() (bool, error) {
		if n := len(lastMessages(t, caller)); n != 2 {
			return false, fmt.Errorf("ring has %d entries", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("forwarded lines never arrived: %v", err)
	})

	reply := lastMessages(t, caller)
	must.Len(t, 2, reply)
	must.Eq(t, "disk almost full path=/var/cache free=12", reply[0].Message)
	must.Eq(t, structs.LogSeverityWarning, reply[0].Severity)
	must.Eq(t, structs.ServiceNameWorker, reply[0].ServiceName)
	must.Eq(t, 3, reply[0].ServiceShard)
	must.Eq(t, "cannot reach store", reply[1].Message)
	must.Eq(t, structs.LogSeverityError, reply[1].Severity)
}

func TestRender(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "plain", render("plain", nil))
	must.Eq(t, "m a=1 b=two", render("m", []interface{}{"a", 1, "b", "two"}))
	must.Eq(t, "m a=1", render("m", []interface{}{"a", 1, "dangling"}))
}
