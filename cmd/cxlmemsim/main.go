/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cxlmemsim/cxlmemsim/internal/config"
	"github.com/cxlmemsim/cxlmemsim/internal/epoch"
	exporter "github.com/cxlmemsim/cxlmemsim/internal/exporter/prometheus"
	"github.com/cxlmemsim/cxlmemsim/internal/logger"
	"github.com/cxlmemsim/cxlmemsim/internal/monitor"
	"github.com/cxlmemsim/cxlmemsim/internal/policy"
	"github.com/cxlmemsim/cxlmemsim/internal/server"
	"github.com/cxlmemsim/cxlmemsim/internal/service"
	"github.com/cxlmemsim/cxlmemsim/internal/simctx"
	"github.com/cxlmemsim/cxlmemsim/internal/topology"
	"github.com/cxlmemsim/cxlmemsim/internal/version"
)

func main() {
	app := kingpin.New("cxlmemsim", "Epoch-driven latency-injection emulator for a CXL.mem Type-3 memory expander")
	configFile := app.Flag("config", "Path to a YAML configuration file").String()
	updateFromFlags := config.RegisterFlags(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.FromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := updateFromFlags(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	info := version.Info()
	log.Info("starting cxlmemsim", "version", info.Version, "config", cfg.String())

	topo, err := buildTopology(cfg)
	if err != nil {
		log.Error("failed to build topology", "error", err)
		os.Exit(1)
	}

	capacity := len(cfg.Target.CPUSet)
	if capacity == 0 {
		capacity = 64
	}
	monitors := monitor.NewSet(capacity, log)
	simCtx := simctx.New(log, cfg, topo, policy.Interleave{}, monitors)

	sockAddr, err := net.ResolveUnixAddr("unixgram", cfg.Socket)
	if err != nil {
		log.Error("invalid control socket path", "socket", cfg.Socket, "error", err)
		os.Exit(1)
	}
	os.Remove(cfg.Socket)
	conn, err := net.ListenUnixgram("unixgram", sockAddr)
	if err != nil {
		log.Error("failed to open control socket", "socket", cfg.Socket, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	defer os.Remove(cfg.Socket)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListen([]string{cfg.Listen}, ""),
	)

	promExporter := exporter.NewExporter(
		apiServer,
		exporter.WithLogger(log),
		exporter.WithCollectors(exporter.CreateCollectors(monitors)),
	)

	healthProbe := server.NewHealthProbeService(apiServer, monitors, monitors, log)
	pprofService := server.NewPprof(apiServer)
	epochLoop := epoch.New(log, simCtx, conn)
	signalHandler := service.NewSignalHandler(os.Interrupt, syscall.SIGTERM)

	services := []service.Service{
		apiServer,
		healthProbe,
		pprofService,
		promExporter,
		epochLoop,
		signalHandler,
	}

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	var target *exec.Cmd
	if len(cfg.Target.Command) > 0 {
		target, err = launchTarget(cfg)
		if err != nil {
			log.Error("failed to launch target workload", "command", cfg.Target.Command, "error", err)
			os.Exit(1)
		}
		log.Info("target workload launched", "pid", target.Process.Pid)
		if err := epochLoop.EnableTarget(target.Process.Pid); err != nil {
			log.Error("failed to enable monitor for launched target", "pid", target.Process.Pid, "error", err)
			os.Exit(1)
		}
	}

	runErr := service.Run(context.Background(), log, services)
	if target != nil {
		_ = target.Process.Kill()
	}

	if cfg.Output != "" {
		if err := writeSummary(cfg.Output, monitors); err != nil {
			log.Error("failed to write output summary", "path", cfg.Output, "error", err)
		}
	}

	if runErr != nil {
		log.Error("cxlmemsim exited with error", "error", runErr)
		os.Exit(1)
	}
	log.Info("cxlmemsim stopped")
}

// buildTopology assembles a topology.Topology from the region latency and
// bandwidth vectors on cfg, then parses the Newick layout over it.
func buildTopology(cfg *config.Config) (*topology.Topology, error) {
	numRegions := len(cfg.Topology.Latency) / 2
	regions := make([]*topology.Region, 0, numRegions)
	for i := 0; i < numRegions; i++ {
		r := &topology.Region{
			ReadLatencyNS:  cfg.Topology.Latency[2*i],
			WriteLatencyNS: cfg.Topology.Latency[2*i+1],
		}
		if 2*i+1 < len(cfg.Topology.Bandwidth) {
			r.ReadBWMbps = cfg.Topology.Bandwidth[2*i]
			r.WriteBWMbps = cfg.Topology.Bandwidth[2*i+1]
		}
		regions = append(regions, r)
	}
	if len(regions) == 0 {
		regions = append(regions, &topology.Region{
			ReadLatencyNS:  float64(cfg.Epoch.DRAMLatencyNS),
			WriteLatencyNS: float64(cfg.Epoch.DRAMLatencyNS),
		})
	}
	return topology.ConstructTopo(cfg.Topology.Newick, regions)
}

// launchTarget starts the observed workload and lets it inherit this
// process's stdio so the user sees its output interleaved with ours.
func launchTarget(cfg *config.Config) (*exec.Cmd, error) {
	cmd := exec.Command(cfg.Target.Command[0], cfg.Target.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// summary is the shape written to --output: the accumulated delay
// bookkeeping for every monitor slot that was ever bound.
type summary struct {
	Monitors []monitor.Stat `json:"monitors"`
}

func writeSummary(path string, monitors *monitor.Set) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(summary{Monitors: monitors.Stats()})
}
