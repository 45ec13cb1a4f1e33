// SPDX-FileCopyrightText: 2025 The cxlmemsim Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates cxlmemsim's configuration: a YAML file
// overridden by command-line flags registered against a kingpin.Application,
// following the same load-then-override pattern the rest of the ambient
// stack uses for logging.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSocketPath is the UNIX datagram control socket the target
	// workload announces thread lifecycle events on.
	DefaultSocketPath = "/tmp/cxl_mem_simulator.sock"

	// DefaultListenAddr is the address the optional HTTP API (metrics,
	// health, pprof) listens on.
	DefaultListenAddr = ":9100"

	ModePage   = "p"
	ModeCacheline = "c"
)

type (
	Log struct {
		Level string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// Target describes the workload to launch and observe.
	Target struct {
		Command []string `yaml:"command"`
		CPUSet []int  `yaml:"cpuset"`
	}

	// Epoch holds the tunables of the control loop and attribution model.
	Epoch struct {
		IntervalMS  int   `yaml:"interval_ms"`
		DRAMLatencyNS uint64 `yaml:"dram_latency_ns"`
		PEBSPeriod  uint64 `yaml:"pebs_period"`
		Mode     string `yaml:"mode"`
		FrequencyMHz uint64 `yaml:"frequency_mhz"`
		Weight    float64 `yaml:"weight"`
	}

	// Topology holds the Newick tree and the per-region latency/bandwidth
	// vectors supplied on the command line.
	Topology struct {
		Newick  string  `yaml:"newick"`
		Latency  []float64 `yaml:"latency"`  // r0,w0,r1,w1,...
		Bandwidth []float64 `yaml:"bandwidth"` // r0,w0,r1,w1,...
	}

	Config struct {
		Log   Log   `yaml:"log"`
		Target  Target  `yaml:"target"`
		Epoch  Epoch  `yaml:"epoch"`
		Topology Topology `yaml:"topology"`
		Socket  string  `yaml:"socket"`
		Listen  string  `yaml:"listen"`
		Output  string  `yaml:"output"`

		// BPFObjectPath, if set, is a compiled CO-RE object counting mmap(2)
		// calls for each monitored thread group. Left empty, the epoch loop
		// runs without it and MmapEventCount stays zero for every sample.
		BPFObjectPath string `yaml:"bpf_object_path"`
	}
)

const (
	// Flags
	LogLevelFlag = "log.level"
	LogFormatFlag = "log.format"

	TargetFlag  = "target"
	IntervalFlag = "interval"
	CPUSetFlag  = "cpuset"

	DRAMLatencyFlag = "dram_latency"
	PEBSPeriodFlag = "pebsperiod"
	ModeFlag    = "mode"
	TopologyFlag  = "topology"
	FrequencyFlag  = "frequency"
	LatencyFlag   = "latency"
	WeightFlag   = "weight"
	BandwidthFlag  = "bandwidth"

	SocketFlag  = "socket"
	ListenFlag  = "listen"
	OutputFlag  = "output"
	BPFObjectFlag = "bpf-object"
)

// DefaultConfig returns a Config with its documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level: "info",
			Format: "text",
		},
		Epoch: Epoch{
			IntervalMS:  20,
			DRAMLatencyNS: 85,
			PEBSPeriod:  1,
			Mode:     ModePage,
			FrequencyMHz: 4000,
			Weight:    4.1,
		},
		Topology: Topology{
			Newick: "(1)",
		},
		Socket: DefaultSocketPath,
		Listen: DefaultListenAddr,
	}
}

// Load loads configuration from an io.Reader containing YAML.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file.
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers every flag named below against app and
// returns a ConfigUpdaterFn that overrides a loaded Config with whichever
// flags were explicitly set on the command line.
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	target := app.Flag(TargetFlag, "Command line of the target workload to launch and observe").String()
	interval := app.Flag(IntervalFlag, "Epoch interval in milliseconds").Default("20").Int()
	cpuset := app.Flag(CPUSetFlag, "Comma-separated list of CPU core ids to pin the target to").String()

	dramLatency := app.Flag(DRAMLatencyFlag, "Baseline DRAM read/write latency in nanoseconds").Default("85").Uint64()
	pebsPeriod := app.Flag(PEBSPeriodFlag, "PEBS sampling period").Default("1").Uint64()
	mode := app.Flag(ModeFlag, "PEBS granularity: p (page) or c (cacheline)").Default(ModePage).Enum(ModePage, ModeCacheline)
	topo := app.Flag(TopologyFlag, "Newick description of the CXL expander topology").Default("(1)").String()
	frequency := app.Flag(FrequencyFlag, "CPU frequency in MHz").Default("4000").Uint64()
	latency := app.Flag(LatencyFlag, "Comma-separated r0,w0,r1,w1,... region latencies in nanoseconds").String()
	weight := app.Flag(WeightFlag, "Empirical multiplier for LLC misses in the stall model").Default("4.1").Float64()
	bandwidth := app.Flag(BandwidthFlag, "Comma-separated r0,w0,r1,w1,... region bandwidths in MB/s").String()

	socket := app.Flag(SocketFlag, "Path of the UNIX datagram control socket").Default(DefaultSocketPath).String()
	listen := app.Flag(ListenFlag, "Address the HTTP API (metrics, health, pprof) listens on").Default(DefaultListenAddr).String()
	output := app.Flag(OutputFlag, "Optional path to write a JSON summary of accumulated delay on exit").String()
	bpfObject := app.Flag(BPFObjectFlag, "Path to a compiled mmap-count BPF object; omit to run without the auxiliary mmap counter").String()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[TargetFlag] {
			cfg.Target.Command = strings.Fields(*target)
		}
		if flagsSet[IntervalFlag] {
			cfg.Epoch.IntervalMS = *interval
		}
		if flagsSet[CPUSetFlag] {
			cpus, err := parseIntList(*cpuset)
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", CPUSetFlag, err)
			}
			cfg.Target.CPUSet = cpus
		}
		if flagsSet[DRAMLatencyFlag] {
			cfg.Epoch.DRAMLatencyNS = *dramLatency
		}
		if flagsSet[PEBSPeriodFlag] {
			cfg.Epoch.PEBSPeriod = *pebsPeriod
		}
		if flagsSet[ModeFlag] {
			cfg.Epoch.Mode = *mode
		}
		if flagsSet[TopologyFlag] {
			cfg.Topology.Newick = *topo
		}
		if flagsSet[FrequencyFlag] {
			cfg.Epoch.FrequencyMHz = *frequency
		}
		if flagsSet[LatencyFlag] {
			lats, err := parseFloatList(*latency)
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", LatencyFlag, err)
			}
			cfg.Topology.Latency = lats
		}
		if flagsSet[WeightFlag] {
			cfg.Epoch.Weight = *weight
		}
		if flagsSet[BandwidthFlag] {
			bws, err := parseFloatList(*bandwidth)
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", BandwidthFlag, err)
			}
			cfg.Topology.Bandwidth = bws
		}
		if flagsSet[SocketFlag] {
			cfg.Socket = *socket
		}
		if flagsSet[ListenFlag] {
			cfg.Listen = *listen
		}
		if flagsSet[OutputFlag] {
			cfg.Output = *output
		}
		if flagsSet[BPFObjectFlag] {
			cfg.BPFObjectPath = *bpfObject
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func parseIntList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloatList(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Epoch.Mode = strings.TrimSpace(c.Epoch.Mode)
	c.Topology.Newick = strings.TrimSpace(c.Topology.Newick)
	c.Socket = strings.TrimSpace(c.Socket)
}

// Validate checks for configuration errors. A configuration error is
// fatal with exit code 1 before any epoch runs.
func (c *Config) Validate() error {
	var errs []string

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}

	if c.Epoch.IntervalMS <= 0 {
		errs = append(errs, fmt.Sprintf("invalid interval: %d", c.Epoch.IntervalMS))
	}
	if c.Epoch.Mode != ModePage && c.Epoch.Mode != ModeCacheline {
		errs = append(errs, fmt.Sprintf("invalid mode: %s", c.Epoch.Mode))
	}
	if c.Epoch.FrequencyMHz == 0 {
		errs = append(errs, "frequency must be > 0")
	}
	if len(c.Topology.Latency)%2 != 0 {
		errs = append(errs, "latency list must have an even number of entries (read,write pairs)")
	}
	if len(c.Topology.Bandwidth)%2 != 0 {
		errs = append(errs, "bandwidth list must have an even number of entries (read,write pairs)")
	}
	if c.Socket == "" {
		errs = append(errs, "socket path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	return fmt.Sprintf("%+v", *c)
}
