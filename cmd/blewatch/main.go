package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blewatch/internal/adapter/tinyble"
	"blewatch/internal/bus"
	"blewatch/internal/config"
	"blewatch/internal/history"
	"blewatch/internal/logging"
	"blewatch/internal/metrics"
	"blewatch/internal/monitor"
	"blewatch/internal/notify"
	"blewatch/internal/reconnect"
	"blewatch/internal/scan"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("run blewatch", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "blewatch.json", "path to the config file")
	address := flag.String("address", "", "peripheral address (overrides config)")
	adapterID := flag.String("adapter", "", "local adapter id (overrides config)")
	scanOnly := flag.Bool("scan", false, "run one discovery pass and exit")
	runtime := flag.Duration("runtime", 0, "optional monitoring time limit, e.g. 30m")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*address) != "" {
		cfg.Device.Address = strings.TrimSpace(*address)
	}
	if strings.TrimSpace(*adapterID) != "" {
		cfg.Device.Adapter = strings.TrimSpace(*adapterID)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, "blewatch.log"); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("cli")

	radio := tinyble.NewRadio(logMgr.Logger("radio"))

	if *scanOnly {
		return runScan(ctx, logger, radio, cfg.Scan)
	}

	if strings.TrimSpace(cfg.Device.Address) == "" {
		return fmt.Errorf("missing peripheral address: set --address or save it in config")
	}

	metricsLogger, err := metrics.New(cfg.Metrics.Path, metrics.Options{Diag: logMgr.Logger("metrics")})
	if err != nil {
		return fmt.Errorf("open metrics trail: %w", err)
	}
	defer metricsLogger.Close()

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	connHistory := history.NewConnectionHistory()
	history.NewRecorder(b, connHistory).Start(ctx)
	notify.NewService(b, notify.NewDesktopSender("blewatch"), logMgr.Logger("notify")).Start(ctx)

	manager := monitor.NewManager(logMgr.Logger("monitor"))
	handle, err := manager.Start(ctx, monitor.StartConfig{
		Address: cfg.Device.Address,
		Policy: reconnect.Policy{
			ConnectTimeout: cfg.Policy.ConnectTimeout(),
			PollInterval:   cfg.Policy.PollInterval(),
			BaseBackoff:    cfg.Policy.BaseBackoff(),
			MaxBackoff:     cfg.Policy.MaxBackoff(),
		},
		Options: reconnect.Options{
			AdapterID: cfg.Device.Adapter,
			MTU:       cfg.Device.MTU,
			Metrics:   metricsLogger,
			Bus:       b,
			Logger:    logMgr.Logger("reconnect"),
			Radio:     radio,
		},
		Runtime: *runtime,
	})
	if err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	logger.Info("monitoring", "address", handle.Address, "metrics", metricsLogger.Path())

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		manager.StopAll(shutdownCtx)
	case <-handle.Done():
	}

	if last, ok := connHistory.Last(); ok {
		logger.Info("final connection state", "status", last.Status, "at", last.Timestamp)
	}

	if err := handle.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor run: %w", err)
	}
	return nil
}

func runScan(ctx context.Context, logger *slog.Logger, radio *tinyble.Radio, cfg config.ScanConfig) error {
	timeout := time.Duration(cfg.TimeoutSec * float64(time.Second))
	if timeout <= 0 {
		timeout = config.DefaultScanTimeout
	}

	logger.Info("scanning", "timeout", timeout)
	results, err := scan.Discover(ctx, radio, timeout, scan.Config{
		ServiceUUIDs:     cfg.ServiceUUIDs,
		AddressAllowlist: cfg.AddressAllowlist,
		NameAllowlist:    cfg.NameAllowlist,
		MaxDevices:       cfg.MaxDevices,
		ReturnDuplicates: cfg.ReturnDuplicates,
	})
	if err != nil {
		return fmt.Errorf("discovery pass: %w", err)
	}

	logger.Info("scan complete", "devices", len(results))
	for _, result := range results {
		attrs := []any{"address", result.Address, "name", result.Name}
		if result.RSSI != nil {
			attrs = append(attrs, "rssi", *result.RSSI)
		}
		if len(result.ServiceUUIDs) > 0 {
			attrs = append(attrs, "uuids", strings.Join(result.ServiceUUIDs, ","))
		}
		logger.Info("device", attrs...)
	}
	return nil
}
