// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config loads the process wide configuration file shared by every
// grading service: the service address map, the database, directories, and
// the ranking endpoints.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/gavel/rpc"
)

// DefaultConfigPaths are tried in order when no explicit path is given. The
// GAVEL_CONFIG environment variable takes precedence over all of them.
var DefaultConfigPaths = []string{
	"./gavel.conf",
	"/usr/local/etc/gavel.conf",
	"/etc/gavel.conf",
}

// EnvConfigPath is the environment variable naming the configuration file.
const EnvConfigPath = "GAVEL_CONFIG"

// HostPort is one shard address. In the configuration file it is encoded as
// a ["host", port] pair.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

func (hp HostPort) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{hp.Host, hp.Port})
}

func (hp *HostPort) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("address must be a [host, port] pair, got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &hp.Host); err != nil {
		return fmt.Errorf("address host: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &hp.Port); err != nil {
		return fmt.Errorf("address port: %w", err)
	}
	return nil
}

// RankingEndpoint is one external ranking server the scoring service
// replicates to.
type RankingEndpoint struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is the process wide configuration.
type Config struct {
	// CoreServices maps service name to its shard addresses. Core services
	// are expected to be up for the whole contest.
	CoreServices map[string][]HostPort `json:"core_services"`

	// OtherServices are addressed identically but started on demand.
	OtherServices map[string][]HostPort `json:"other_services"`

	// Database is the Postgres connection string.
	Database string `json:"database"`

	// DataDir holds the file store tree and local submission backups.
	DataDir string `json:"data_dir"`

	// CacheDir holds the per process file cacher trees.
	CacheDir string `json:"cache_dir"`

	// TempDir holds sandbox working directories and staging files.
	TempDir string `json:"temp_dir"`

	// LogLevel is the hclog level name services log at.
	LogLevel string `json:"log_level"`

	// Rankings lists the ranking endpoints with credentials.
	Rankings []RankingEndpoint `json:"rankings"`

	// WorkerTimeoutSeconds overrides how long a worker may hold a job; 0
	// keeps the built-in default. Mostly a testing knob.
	WorkerTimeoutSeconds int `json:"worker_timeout_seconds"`

	// MaxFileSize bounds a single stored object, in bytes.
	MaxFileSize int64 `json:"max_file_size"`

	// ProcessCmdline is the template the resource monitor uses to find and
	// restart services: %s expands to the service name, %d to the shard.
	ProcessCmdline []string `json:"process_cmdline"`

	// SubmitLocalCopy enables a per submission JSON backup on the
	// evaluation service's disk, under DataDir/submissions.
	SubmitLocalCopy bool `json:"submit_local_copy"`

	// MetricsIntervalSeconds is the period of the in-memory metrics sink.
	MetricsIntervalSeconds int `json:"metrics_interval_seconds"`
}

// DefaultConfig returns the baseline configuration merged under every
// loaded file.
func DefaultConfig() *Config {
	return &Config{
		CoreServices:           map[string][]HostPort{},
		OtherServices:          map[string][]HostPort{},
		DataDir:                "/var/local/lib/gavel",
		CacheDir:               "/var/local/cache/gavel",
		TempDir:                os.TempDir(),
		LogLevel:               "INFO",
		MaxFileSize:            1 << 30,
		ProcessCmdline:         []string{"/usr/local/bin/gavel", "%s", "%d"},
		MetricsIntervalSeconds: 10,
	}
}

// Load reads the configuration: from path when non-empty, else from
// GAVEL_CONFIG, else from the first existing default path. The result is
// merged over DefaultConfig.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		for _, candidate := range DefaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file found (tried %v)", DefaultConfigPaths)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	fileCfg := &Config{}
	if err := json.Unmarshal(raw, fileCfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return DefaultConfig().Merge(fileCfg), nil
}

// Merge returns a new configuration with b's set fields layered over c.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if len(b.CoreServices) > 0 {
		result.CoreServices = b.CoreServices
	}
	if len(b.OtherServices) > 0 {
		result.OtherServices = b.OtherServices
	}
	if b.Database != "" {
		result.Database = b.Database
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.CacheDir != "" {
		result.CacheDir = b.CacheDir
	}
	if b.TempDir != "" {
		result.TempDir = b.TempDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if len(b.Rankings) > 0 {
		result.Rankings = b.Rankings
	}
	if b.WorkerTimeoutSeconds != 0 {
		result.WorkerTimeoutSeconds = b.WorkerTimeoutSeconds
	}
	if b.MaxFileSize != 0 {
		result.MaxFileSize = b.MaxFileSize
	}
	if len(b.ProcessCmdline) > 0 {
		result.ProcessCmdline = b.ProcessCmdline
	}
	if b.SubmitLocalCopy {
		result.SubmitLocalCopy = true
	}
	if b.MetricsIntervalSeconds != 0 {
		result.MetricsIntervalSeconds = b.MetricsIntervalSeconds
	}
	return &result
}

// Validate checks the pieces every service relies on. Service specific
// requirements (a database, rankings) are checked by the service commands.
func (c *Config) Validate() error {
	for name, shards := range c.allServices() {
		for i, hp := range shards {
			if hp.Host == "" || hp.Port <= 0 || hp.Port > 65535 {
				return fmt.Errorf("service %s shard %d has invalid address %q", name, i, hp)
			}
		}
	}
	if c.DataDir == "" || c.CacheDir == "" || c.TempDir == "" {
		return fmt.Errorf("data_dir, cache_dir and temp_dir must all be set")
	}
	for i, rk := range c.Rankings {
		if rk.URL == "" {
			return fmt.Errorf("ranking %d has no url", i)
		}
		// Credentials travel as HTTP basic auth, where the username and
		// password are joined by a colon.
		if strings.Contains(rk.Username, ":") {
			return fmt.Errorf("ranking %d: username must not contain a colon", i)
		}
	}
	return nil
}

func (c *Config) allServices() map[string][]HostPort {
	all := make(map[string][]HostPort, len(c.CoreServices)+len(c.OtherServices))
	for name, shards := range c.CoreServices {
		all[name] = shards
	}
	for name, shards := range c.OtherServices {
		all[name] = shards
	}
	return all
}

// Address implements rpc.AddressBook.
func (c *Config) Address(coord rpc.ServiceCoord) (string, bool) {
	shards, ok := c.CoreServices[coord.Name]
	if !ok {
		shards, ok = c.OtherServices[coord.Name]
	}
	if !ok || coord.Shard < 0 || coord.Shard >= len(shards) {
		return "", false
	}
	return shards[coord.Shard].String(), true
}

// Shards implements rpc.AddressBook.
func (c *Config) Shards(name string) int {
	if shards, ok := c.CoreServices[name]; ok {
		return len(shards)
	}
	return len(c.OtherServices[name])
}

// Coords enumerates the configured coordinates of a service.
func (c *Config) Coords(name string) []rpc.ServiceCoord {
	n := c.Shards(name)
	coords := make([]rpc.ServiceCoord, 0, n)
	for shard := 0; shard < n; shard++ {
		coords = append(coords, rpc.ServiceCoord{Name: name, Shard: shard})
	}
	return coords
}

// WorkerTimeout returns the configured worker timeout, or def when unset.
func (c *Config) WorkerTimeout(def time.Duration) time.Duration {
	if c.WorkerTimeoutSeconds > 0 {
		return time.Duration(c.WorkerTimeoutSeconds) * time.Second
	}
	return def
}

// MetricsInterval returns the metrics sink period.
func (c *Config) MetricsInterval() time.Duration {
	if c.MetricsIntervalSeconds > 0 {
		return time.Duration(c.MetricsIntervalSeconds) * time.Second
	}
	return 10 * time.Second
}
