package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lunovian/hazard-label-detection/internal/capture"
	"github.com/lunovian/hazard-label-detection/internal/config"
	"github.com/lunovian/hazard-label-detection/internal/core"
)

const defaultConfigPath = "config/hazlab.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	healthAddr := flag.String("health-addr", "", "Health endpoint listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	listDevices := flag.Bool("list-devices", false, "Scan for capture devices, print them and exit")
	fullScan := flag.Bool("full-scan", false, "Thorough device sweep with -list-devices")
	probeCamera := flag.Bool("probe", false, "Probe the configured camera's properties and exit")
	flag.Parse()

	if *listDevices {
		os.Exit(runListDevices(*fullScan))
	}
	if *probeCamera {
		os.Exit(runProbe(*configPath))
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting hazard label detection service",
		"config", *configPath,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := core.New(*configPath, logger)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	addr := *healthAddr
	if addr == "" {
		addr = svc.HealthAddr()
	}
	var healthSrv *http.Server
	if addr != "" {
		healthSrv = svc.StartHealthServer(addr)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
		}
	}
	cancel()

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	core.StopHealthServer(shutdownCtx, healthSrv)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("service stopped")
}

// runListDevices prints the detected capture devices, one per line
func runListDevices(full bool) int {
	var devices []capture.DeviceInfo
	if full {
		devices = capture.ScanDevicesFull(nil)
	} else {
		devices = capture.ScanDevices(nil)
	}
	for _, d := range devices {
		fmt.Println(d)
	}
	return 0
}

// runProbe opens the configured camera once and prints its properties
func runProbe(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}
	backend, err := capture.ParseBackend(cfg.Camera.Backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving backend: %v\n", err)
		return 1
	}
	src := capture.Source{DeviceID: cfg.Camera.DeviceID, Path: cfg.Camera.Path}
	props, err := capture.ProbeProperties(src, backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probing %s: %v\n", src, err)
		return 1
	}

	fmt.Printf("source:      %s\n", src)
	fmt.Printf("resolution:  %dx%d @ %.1ffps\n", props.Width, props.Height, props.FPS)
	fmt.Printf("brightness:  %.2f\n", props.Brightness)
	fmt.Printf("contrast:    %.2f\n", props.Contrast)
	fmt.Printf("saturation:  %.2f\n", props.Saturation)
	fmt.Printf("hue:         %.2f\n", props.Hue)
	fmt.Printf("gain:        %.2f\n", props.Gain)
	fmt.Printf("exposure:    %.2f\n", props.Exposure)
	fmt.Printf("supported:  ")
	for _, res := range props.SupportedResolutions {
		fmt.Printf(" %dx%d", res[0], res[1])
	}
	fmt.Println()
	return 0
}
