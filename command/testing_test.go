// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/helper/testlog"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
	"github.com/shoenig/test/must"
)

// testDeployment builds a config with evaluation service and worker
// addresses and writes it where -config can find it.
func testDeployment(t *testing.T) (*config.Config, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.CoreServices = map[string][]config.HostPort{
		structs.ServiceNameEvaluation: {{Host: "127.0.0.1", Port: ci.PortAllocator.One()}},
		structs.ServiceNameWorker:     {{Host: "127.0.0.1", Port: ci.PortAllocator.One()}},
	}

	raw, err := json.Marshal(cfg)
	must.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gavel.conf")
	must.NoError(t, os.WriteFile(path, raw, 0o644))
	return cfg, path
}

// stubEvaluation binds a bare service at the configured evaluation address
// so admin commands have something to talk to. Tests register the handlers
// they want before running the command.
func stubEvaluation(t *testing.T, cfg *config.Config) *rpc.Service {
	t.Helper()

	svc, err := rpc.NewService(rpc.ServiceCoord{Name: structs.ServiceNameEvaluation, Shard: 0}, cfg, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc
}
