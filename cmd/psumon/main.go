package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mkrell/psumon/internal/api"
	"codeberg.org/mkrell/psumon/internal/config"
	"codeberg.org/mkrell/psumon/internal/logger"
	"codeberg.org/mkrell/psumon/internal/metrics"
	"codeberg.org/mkrell/psumon/internal/pid"
	"codeberg.org/mkrell/psumon/internal/pmbus"
	"codeberg.org/mkrell/psumon/internal/psu"
)

const shutdownTimeout = 5 * time.Second

var (
	cfg       *config.Config
	supply    *psu.PowerSupply
	collector metrics.Collector
	apiServer *api.Server
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write pid file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove pid file")
		}
	}()

	dev := pmbus.New(cfg.PMBusPath, cfg.DeviceName)
	if err := dev.FindHwmonDir(); err != nil {
		logger.Warn().Err(err).Msg("hwmon directory not found, history reads will fail until the device binds")
	}

	var err error
	supply, err = psu.New("psu0", dev, cfg.HistoryDepth, cfg.SequenceRollover)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize power supply monitor")
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.DBPath = cfg.MetricsDB
	metricsCfg.Enabled = cfg.Metrics && !cfg.Monitor
	collector, err = metrics.NewService(metricsCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize metrics collector")
	}

	if !cfg.Monitor {
		apiServer = api.NewServer(cfg.ListenAddress, supply)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP API stopped")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := loop(ctx); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	cleanup()
}

func loop(ctx context.Context) error {
	interval := time.Duration(cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging history updates...")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := supply.Poll(ctx)
			if err != nil {
				api.ObserveReadFailure()
				logger.Debug().Err(err).Msg("Poll failed")
				continue
			}
			if snap == nil {
				continue
			}

			api.ObserveSample(snap)
			logUpdate(snap)

			if err := collector.Record(ctx, &metrics.Sample{
				Timestamp:    snap.Timestamp,
				SequenceID:   snap.SequenceID,
				AverageWatts: snap.AverageWatts,
				MaximumWatts: snap.MaximumWatts,
				RecordCount:  snap.RecordCount,
				HistoryReset: snap.HistoryReset,
			}); err != nil {
				logger.Error().Err(err).Msg("failed to record sample")
			}
		}
	}
}

func logUpdate(snap *psu.Snapshot) {
	if snap.HistoryReset {
		logger.Info().
			Int("records", snap.RecordCount).
			Msg("History restarted")
	}

	if cfg.Monitor {
		logger.Info().
			Int("sequence_id", snap.SequenceID).
			Int64("average_watts", snap.AverageWatts).
			Int64("maximum_watts", snap.MaximumWatts).
			Int("records", snap.RecordCount).
			Msg("")
	} else {
		logger.Debug().
			Int("sequence_id", snap.SequenceID).
			Int64("average_watts", snap.AverageWatts).
			Int64("maximum_watts", snap.MaximumWatts).
			Int("records", snap.RecordCount).
			Msg("History updated")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to shut down HTTP API")
		}
	}

	if err := collector.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close metrics collector")
	}

	logger.Info().Msg("Exiting...")
}
