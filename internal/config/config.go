// Package config loads the node configuration: a YAML file, then IDLEMESH_*
// environment overrides, then defaults for whatever is still unset.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"idlemesh/pkg/protocol"
)

const EnvPrefix = "IDLEMESH_"

// Duration reads "30s" style strings.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %s", b)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Sandbox struct {
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type Config struct {
	Listen         []string `json:"listen,omitempty"`
	APIAddr        string   `json:"apiAddr,omitempty"`
	DataDir        string   `json:"dataDir,omitempty"`
	IdentityFile   string   `json:"identityFile,omitempty"`
	Namespace      string   `json:"namespace,omitempty"`
	ProjectRoot    string   `json:"projectRoot,omitempty"`
	Lockfile       string   `json:"lockfile,omitempty"`
	TargetRanges   []string `json:"targetRanges,omitempty"`
	AcceptRanges   []string `json:"acceptRanges,omitempty"`
	BootstrapPeers []string `json:"bootstrapPeers,omitempty"`

	// Pointers tell "unset" from an explicit false.
	EnableMDNS    *bool `json:"enableMDNS,omitempty"`
	EnableDHT     *bool `json:"enableDHT,omitempty"`
	OfferCapacity *bool `json:"offerCapacity,omitempty"`
	SeekCapacity  *bool `json:"seekCapacity,omitempty"`

	TaskTimeout       Duration `json:"taskTimeout,omitempty"`
	AutoTimeoutRetry  bool     `json:"autoTimeoutRetry,omitempty"`
	MaxTimeoutRetries int      `json:"maxTimeoutRetries,omitempty"`
	AutoErrorRetry    bool     `json:"autoErrorRetry,omitempty"`
	MaxErrorRetries   int      `json:"maxErrorRetries,omitempty"`

	StatusReportCooldown  Duration `json:"statusReportCooldown,omitempty"`
	ReclaimStatusInterval Duration `json:"reclaimStatusInterval,omitempty"`
	CPUSampleInterval     Duration `json:"cpuSampleInterval,omitempty"`
	DHTInterval           Duration `json:"dhtInterval,omitempty"`

	ChunkSize         int      `json:"chunkSize,omitempty"`
	TransferMemoryTTL Duration `json:"transferMemoryTTL,omitempty"`
	TransferFileTTL   Duration `json:"transferFileTTL,omitempty"`

	CPUIdleThreshold float64 `json:"cpuIdleThreshold,omitempty"`
	// GPUCount below zero means detect.
	GPUCount *int `json:"gpuCount,omitempty"`

	Sandbox  Sandbox `json:"sandbox,omitempty"`
	LogLevel string  `json:"logLevel,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// Defaults fills zero values with sane defaults.
func (c *Config) Defaults() {
	if len(c.Listen) == 0 {
		c.Listen = []string{"/ip4/0.0.0.0/tcp/30001"}
	}
	if c.APIAddr == "" {
		c.APIAddr = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = ".idlemesh"
	}
	if c.IdentityFile == "" {
		c.IdentityFile = filepath.Join(c.DataDir, "identity.key")
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ProjectRoot == "" {
		c.ProjectRoot = "."
	}
	if c.Lockfile == "" {
		c.Lockfile = filepath.Join(c.ProjectRoot, "package-lock.json")
	}
	if c.EnableMDNS == nil {
		c.EnableMDNS = boolPtr(true)
	}
	if c.EnableDHT == nil {
		c.EnableDHT = boolPtr(false)
	}
	if c.OfferCapacity == nil {
		c.OfferCapacity = boolPtr(true)
	}
	if c.SeekCapacity == nil {
		c.SeekCapacity = boolPtr(true)
	}
	if c.TaskTimeout.Duration <= 0 {
		c.TaskTimeout.Duration = 30 * time.Second
	}
	if c.MaxTimeoutRetries <= 0 {
		c.MaxTimeoutRetries = 10
	}
	if c.MaxErrorRetries <= 0 {
		c.MaxErrorRetries = 10
	}
	if c.StatusReportCooldown.Duration <= 0 {
		c.StatusReportCooldown.Duration = 50 * time.Millisecond
	}
	if c.ReclaimStatusInterval.Duration <= 0 {
		c.ReclaimStatusInterval.Duration = 100 * time.Millisecond
	}
	if c.CPUSampleInterval.Duration <= 0 {
		c.CPUSampleInterval.Duration = time.Second
	}
	if c.DHTInterval.Duration <= 0 {
		c.DHTInterval.Duration = time.Minute
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000000
	}
	if c.TransferMemoryTTL.Duration <= 0 {
		c.TransferMemoryTTL.Duration = 10 * time.Second
	}
	if c.TransferFileTTL.Duration <= 0 {
		c.TransferFileTTL.Duration = 10 * time.Minute
	}
	if c.CPUIdleThreshold <= 0 || c.CPUIdleThreshold > 1 {
		c.CPUIdleThreshold = 0.5
	}
	if c.GPUCount == nil {
		n := -1
		c.GPUCount = &n
	}
	if len(c.Sandbox.Command) == 0 {
		c.Sandbox.Command = []string{"node"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads path (a missing file is fine when optional), applies the
// environment and fills defaults.
func Load(path string, optional bool) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, c); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case optional && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.Defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c.ChunkSize > protocol.MaxChunkSize {
		return fmt.Errorf("chunkSize %d exceeds %d, the largest chunk that fits in one frame", c.ChunkSize, protocol.MaxChunkSize)
	}
	return nil
}

// ApplyEnv overrides fields from IDLEMESH_* variables. Lists are comma separated.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	flag := func(name string, dst **bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = &b
		}
	}
	plainFlag := func(name string, dst *bool) {
		var p *bool
		flag(name, &p)
		if p != nil {
			*dst = *p
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			dst.Duration = d
		}
	}

	list("LISTEN", &c.Listen)
	str("API_ADDR", &c.APIAddr)
	str("DATA_DIR", &c.DataDir)
	str("IDENTITY_FILE", &c.IdentityFile)
	str("NAMESPACE", &c.Namespace)
	str("PROJECT_ROOT", &c.ProjectRoot)
	str("LOCKFILE", &c.Lockfile)
	list("TARGET_RANGES", &c.TargetRanges)
	list("ACCEPT_RANGES", &c.AcceptRanges)
	list("BOOTSTRAP_PEERS", &c.BootstrapPeers)
	flag("ENABLE_MDNS", &c.EnableMDNS)
	flag("ENABLE_DHT", &c.EnableDHT)
	flag("OFFER_CAPACITY", &c.OfferCapacity)
	flag("SEEK_CAPACITY", &c.SeekCapacity)
	dur("TASK_TIMEOUT", &c.TaskTimeout)
	plainFlag("AUTO_TIMEOUT_RETRY", &c.AutoTimeoutRetry)
	num("MAX_TIMEOUT_RETRIES", &c.MaxTimeoutRetries)
	plainFlag("AUTO_ERROR_RETRY", &c.AutoErrorRetry)
	num("MAX_ERROR_RETRIES", &c.MaxErrorRetries)
	dur("STATUS_REPORT_COOLDOWN", &c.StatusReportCooldown)
	dur("RECLAIM_STATUS_INTERVAL", &c.ReclaimStatusInterval)
	num("CHUNK_SIZE", &c.ChunkSize)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup(EnvPrefix + "GPU_COUNT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sGPU_COUNT: %w", EnvPrefix, err))
		} else {
			c.GPUCount = &n
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
