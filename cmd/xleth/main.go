// xleth: OpenCL ethash DAG builder and search controller
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"xleth/internal/api"
	"xleth/internal/checkpoint"
	"xleth/internal/config"
	"xleth/internal/diagnostics"
	"xleth/internal/discovery"
	"xleth/internal/driver/device"
	"xleth/internal/logging"
	"xleth/internal/miner"
	"xleth/internal/rpc"
	"xleth/pkg/ethash"
)

const divider = "-----------------------------------------------"

type flags struct {
	configPath string
	backend    string
	header     string
	boundary   string
	startNonce uint64
	testMode   bool
	apiAddr    string
	grpcAddr   string
	linger     time.Duration
}

// run is one invocation: epoch, platform, kernel path and whether to quiet
// the per-chunk and per-pass output.
type run struct {
	epoch    uint64
	platform string
	kernel   string
	quiet    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "xleth <epoch> <Xilinx|AMD> <kernel-file> [quiet]",
		Short: "Build an ethash DAG on an OpenCL device and search for a nonce",
		Long: `xleth loads the ethash kernels on an OpenCL GPU or Xilinx FPGA, builds the
epoch dataset on the device and runs the search kernel until a nonce meets
the boundary. The Xilinx platform loads a prebuilt binary; other platforms
compile the kernel source.`,
		Args:         cobra.RangeArgs(3, 4),
		SilenceUsage: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid epoch %q: %w", args[0], err)
			}
			cmd.SilenceUsage = true
			r := run{epoch: epoch, platform: args[1], kernel: args[2], quiet: len(args) > 3}
			return execute(cmd, f, r)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "Config file (yaml, toml or json)")
	fl.StringVar(&f.backend, "backend", "", "Device runtime: opencl, sim or auto (overrides config)")
	fl.StringVar(&f.header, "header", ethash.FormatHash([32]byte{}), "Header hash to search")
	fl.StringVar(&f.boundary, "boundary", ethash.Dif200M, "Boundary (32-byte hex)")
	fl.Uint64Var(&f.startNonce, "start-nonce", 0, "First nonce to search")
	fl.BoolVar(&f.testMode, "test-mode", false, "Use the small test-mode ethash sizes")
	fl.StringVar(&f.apiAddr, "api-addr", "", "REST status API address, e.g. :8080 (overrides config)")
	fl.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC control address, e.g. :9090 (overrides config)")
	fl.DurationVar(&f.linger, "linger", 0, "Keep the API servers up this long after the search ends")

	cmd.AddCommand(newDevicesCmd(), newDoctorCmd(), newDiscoverCmd())
	return cmd
}

func execute(cmd *cobra.Command, f flags, r run) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend = f.backend
	}
	if changed("test-mode") {
		cfg.TestMode = f.testMode
	}
	if changed("api-addr") {
		cfg.APIAddr = f.apiAddr
	}
	if changed("grpc-addr") {
		cfg.GRPCAddr = f.grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	header, err := ethash.ParseHash(f.header)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	boundary, err := ethash.ParseHash(f.boundary)
	if err != nil {
		return fmt.Errorf("boundary: %w", err)
	}

	// without quiet the per-chunk and per-pass lines are shown
	level := cfg.LogLevel
	if !r.quiet && level == "info" {
		level = "debug"
	}
	log, err := logging.NewLogger(&logging.LoggingConfig{Level: level, Format: cfg.LogFormat, Output: cfg.LogOutput})
	if err != nil {
		return err
	}

	rt, err := device.NewRuntimeFactory(nil).Runtime(cfg.Backend)
	if err != nil {
		return err
	}
	log.WithField("backend", rt.Name()).Info("Device runtime ready")

	mode := ethash.ModeNormal
	if cfg.TestMode {
		mode = ethash.ModeTest
	}
	powCfg := ethash.Config{Mode: mode, CachesInMem: 2}
	var store *checkpoint.LightCacheStore
	if cfg.CachePath != "" {
		store, err = checkpoint.NewLightCacheStore(cfg.CachePath)
		if err != nil {
			return err
		}
		defer store.Close()
		powCfg.Store = store
	}
	pow := ethash.New(powCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := mpb.NewWithContext(ctx, mpb.WithWidth(80), mpb.WithOutput(cmd.ErrOrStderr()))
	var bar *mpb.Bar
	opts := miner.Options{
		PlatformName: r.platform,
		KernelPath:   r.kernel,
		Binary:       r.platform == "Xilinx",
		Settings:     cfg.Settings(r.platform),
		Debug:        !r.quiet,
		Progress: func(done, total int, _ miner.Launch, _ time.Duration) {
			if bar == nil {
				bar = progress.AddBar(int64(total),
					mpb.PrependDecorators(
						decor.Name("DAG: "),
						decor.CountersNoUnit("%d / %d", decor.WCSyncSpace),
					),
					mpb.AppendDecorators(
						decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
					),
				)
			}
			bar.SetCurrent(int64(done))
		},
	}
	if r.quiet {
		opts.Progress = nil
	}

	m, err := miner.New(rt, pow, opts, log)
	if err != nil {
		return err
	}
	defer m.Close()

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServers := context.WithCancel(gctx)
	defer stopServers()

	if cfg.APIAddr != "" {
		srv := api.NewServer(m, log)
		g.Go(func() error { return srv.Run(srvCtx, cfg.APIAddr) })
	}
	if cfg.GRPCAddr != "" {
		svc := rpc.NewServer(m, log)
		g.Go(func() error { return rpc.Serve(srvCtx, cfg.GRPCAddr, svc, log.WithField("component", "rpc")) })
	}

	g.Go(func() error {
		defer stopServers()
		err := pipeline(gctx, m, log, r, header, boundary, f.startNonce, func() {
			if bar != nil && !bar.Completed() {
				bar.Abort(false)
			}
			progress.Wait()
		})
		if err == nil && f.linger > 0 && (cfg.APIAddr != "" || cfg.GRPCAddr != "") {
			log.Infof("Serving status for %s", f.linger)
			select {
			case <-time.After(f.linger):
			case <-gctx.Done():
			}
		}
		if err == nil && store != nil && r.epoch > 0 {
			if n, perr := store.Prune(mode.String(), r.epoch-1); perr != nil {
				log.WithError(perr).Warn("Light cache prune failed")
			} else if n > 0 {
				log.WithField("removed", n).Debug("Pruned light caches")
			}
		}
		return err
	})

	return g.Wait()
}

func newDoctorCmd() *cobra.Command {
	var (
		asJSON bool
		binary bool
	)
	cmd := &cobra.Command{
		Use:   "doctor [kernel-file]",
		Short: "Check the host, OpenCL ICDs and the kernel file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kernel := ""
			if len(args) == 1 {
				kernel = args[0]
			}
			results := diagnostics.RunAll(kernel, binary)
			if asJSON {
				if err := diagnostics.PrintJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				diagnostics.PrintText(cmd.OutOrStdout(), results)
			}
			if !diagnostics.Passed(results) {
				return fmt.Errorf("diagnostics reported problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&binary, "binary", false, "Treat the kernel file as a prebuilt binary")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	cfg := discovery.NewDiscoveryConfig()
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find xleth controllers serving gRPC on the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			found, err := discovery.DiscoverControllers(ctx, cfg)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(w, "no controllers found")
				return nil
			}
			best := discovery.FindBest(found)
			for _, r := range found {
				mark := " "
				if r.Address == best.Address {
					mark = "*"
				}
				fmt.Fprintf(w, "%s %-21s %-12s %-10s %8.2f MH/s %4d ms\n",
					mark, r.Address, r.Phase, r.Platform, r.HashRate, r.LatencyMs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Subnet, "subnet", "", "CIDR to scan (defaults to the local /24)")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "gRPC port to probe")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-host probe timeout")
	cmd.Flags().IntVar(&cfg.ConcurrentScans, "concurrency", cfg.ConcurrentScans, "Concurrent probes")
	cmd.Flags().BoolVar(&cfg.SkipLocalhost, "skip-localhost", false, "Do not probe localhost")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List device backends, platforms and devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := device.NewRuntimeFactory(nil).Report()
			w := cmd.OutOrStdout()
			for _, b := range report.Backends {
				if !b.Available {
					fmt.Fprintf(w, "%-8s unavailable: %s\n", b.Name, b.Reason)
					continue
				}
				fmt.Fprintf(w, "%-8s available\n", b.Name)
				for _, p := range b.Platforms {
					fmt.Fprintf(w, "  platform %q\n", p.Name)
					for _, d := range p.Devices {
						fmt.Fprintf(w, "    %-12s %s (%d MB global, %d compute units)\n",
							d.Type, d.Name, d.GlobalMemSize>>20, d.MaxComputeUnits)
					}
				}
			}
			fmt.Fprintf(w, "auto selects: %s\n", report.BestBackend)
			return nil
		},
	}
}

// pipeline loads the kernel, builds the DAG, searches and verifies. A kernel
// load failure is reported and ends the run without an error.
func pipeline(ctx context.Context, m *miner.Miner, log logrus.FieldLogger, r run, header, boundary [32]byte, startNonce uint64, dagDone func()) error {
	fmt.Println(divider)
	fmt.Println("Loading OpenCL kernel ...")
	fmt.Println(divider)
	if err := m.LoadKernel(); err != nil {
		log.WithError(err).Error("Failed to load kernel")
		return nil
	}
	if _, err := m.DeviceInfo(); err != nil {
		return err
	}
	s := m.Status().Settings
	log.WithFields(logrus.Fields{
		"L_WORKSIZE": s.LocalWorkSize,
		"MULTIPLIER": s.GlobalWorkSizeMultiplier,
		"G_WORKSIZE": s.GlobalWorkSize(),
		"FASTEXIT":   !s.NoExit,
	}).Info("Launch settings")

	fmt.Println(divider)
	fmt.Println("Generating DAG ...")
	fmt.Println(divider)
	start := time.Now()
	err := m.GenerateDAG(ctx, r.epoch)
	dagDone()
	if err != nil {
		return fmt.Errorf("generate DAG: %w", err)
	}
	fmt.Printf("DAG: took %6.2f seconds.\n", time.Since(start).Seconds())

	fmt.Println(divider)
	fmt.Println("Searching ...")
	fmt.Println(divider)
	log.Debugf("header   : %s", miner.HexDump(header[:]))
	log.Debugf("boundary : %s", miner.HexDump(boundary[:]))

	out, err := m.Search(ctx, startNonce, header, boundary)
	if err != nil && !errors.Is(err, miner.ErrAborted) {
		return fmt.Errorf("search: %w", err)
	}

	fmt.Println(divider)
	fmt.Println("Check solution ...")
	fmt.Println(divider)
	if !out.SolutionFound {
		fmt.Println("do_search: no solution found !!!")
		return nil
	}

	fmt.Printf("Sol: nonce    : %d\n", out.Nonce)
	fmt.Printf("Sol: mix_hash : %s\n", ethash.FormatHash(out.MixHash))
	if m.Verify(header, out.MixHash, out.Nonce, boundary) {
		fmt.Println("Sol: valid.")
	} else {
		fmt.Println("Sol: invalid !!!")
	}
	fmt.Printf("Sol: Hash rate %5.2f Mh\n", m.HashRate())
	return nil
}
