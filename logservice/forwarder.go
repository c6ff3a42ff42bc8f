// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logservice

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

// Forwarder ships a service's warning and error lines to the central log
// service. It implements hclog.SinkAdapter, so it is registered on the
// service's InterceptLogger. Lines go out as fire-and-forget notifications
// and are dropped while the log service is unreachable; logging never
// blocks the service behind the sink.
type Forwarder struct {
	name   string
	shard  int
	client *rpc.Client
}

var _ hclog.SinkAdapter = (*Forwarder)(nil)

// NewForwarder builds a forwarder that stamps svc's coordinates on every
// line and ships them to log service shard 0.
func NewForwarder(svc *rpc.Service) *Forwarder {
	coord := svc.Coord()
	return &Forwarder{
		name:   coord.Name,
		shard:  coord.Shard,
		client: svc.Connect(rpc.ServiceCoord{Name: structs.ServiceNameLog, Shard: 0}),
	}
}

// Accept implements hclog.SinkAdapter.
func (f *Forwarder) Accept(_ string, level hclog.Level, msg string, args ...interface{}) {
	if level < hclog.Warn {
		return
	}
	f.client.Notify(structs.LogMethodLog, structs.LogEntry{
		Message:      render(msg, args),
		ServiceName:  f.name,
		ServiceShard: f.shard,
		Severity:     severity(level),
		Timestamp:    time.Now(),
	})
}

func severity(level hclog.Level) string {
	if level >= hclog.Error {
		return structs.LogSeverityError
	}
	return structs.LogSeverityWarning
}

// render flattens an hclog message and its key/value pairs into one line.
func render(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}
