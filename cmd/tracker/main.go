// Command tracker runs the BEP 15 UDP BitTorrent tracker front end,
// grounded on cmd/trakr/main.go's cobra-plus-YAML-plus-pprof shape. It
// does not start the WebSocket front end (frontend/ws).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mochi-udp/tracker/accesslist"
	"github.com/mochi-udp/tracker/config"
	udpfrontend "github.com/mochi-udp/tracker/frontend/udp"
	"github.com/mochi-udp/tracker/stats"
	"github.com/mochi-udp/tracker/swarm"
)

func main() {
	var configPath string
	var cpuProfilePath string

	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "BitTorrent UDP tracker",
		Long:  "A high-throughput BEP 15 UDP BitTorrent tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, cpuProfilePath)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "/etc/tracker.yaml", "path to the YAML configuration file")
	rootCmd.Flags().StringVar(&cpuProfilePath, "cpuprofile", "", "location to save a CPU profile")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("tracker: exiting")
	}
}

func run(configPath, cpuProfilePath string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if cpuProfilePath != "" {
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
		log.Info().Str("path", cpuProfilePath).Msg("tracker: CPU profiling enabled")
	}

	cfg, err := config.Open(configPath)
	if err != nil {
		return err
	}

	list, err := cfg.BuildAccessList()
	if err != nil {
		return err
	}
	accessList := accesslist.NewSwappable()
	accessList.Store(list)

	swarmWorkers := make([]*swarm.Worker, cfg.SwarmWorkers)
	for i := range swarmWorkers {
		swarmWorkers[i] = swarm.NewWorker(i, cfg.Swarm, accessList, cfg.WorkerChannelSize)
		go swarmWorkers[i].Run()
	}

	var counters stats.Counters
	reg := prometheus.NewRegistry()
	stats.MustRegister(reg)

	frontend, err := udpfrontend.NewFrontend(cfg.UDP, swarmWorkers, accessList, &counters)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	reporter := stats.NewReporter(&counters, swarmWorkers, cfg.Statistics.Interval)
	go reporter.Run(ctx)

	if cfg.PrometheusAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Info().Str("addr", cfg.PrometheusAddr).Msg("tracker: serving prometheus metrics")
			if err := http.ListenAndServe(cfg.PrometheusAddr, mux); err != nil {
				log.Error().Err(err).Msg("tracker: prometheus server exited")
			}
		}()
	}

	log.Info().Str("addr", cfg.UDP.Addr).Int("swarm_workers", cfg.SwarmWorkers).Msg("tracker: listening")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Info().Msg("tracker: shutting down")
	cancel()
	frontend.Stop()
	for _, w := range swarmWorkers {
		w.Stop()
	}

	return nil
}
